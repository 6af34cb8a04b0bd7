package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exman/internal/event"
	"exman/internal/session"
	"exman/internal/storage"
)

func setupTestDB(t *testing.T) storage.Storage {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test_exman.db")
	store := NewSQLiteStore(dbPath)
	require.NoError(t, store.Init(context.Background()), "Failed to initialize test database")
	t.Cleanup(func() {
		assert.NoError(t, store.Close(), "Failed to close test database")
	})
	return store
}

func TestFocusSessionRoundTrip(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	fs := session.New("s1", 1000, 2000)
	fs.Status = session.StatusCurrent
	fs.Goals = []string{"write report", "inbox zero"}
	fs.OpenInteraction("svc1", 1100)
	fs.CloseInteraction("svc1", 1300)

	require.NoError(t, store.SaveFocusSession(ctx, fs))

	got, err := store.GetFocusSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.StartTime)
	assert.Equal(t, int64(2000), got.EndTime)
	assert.Equal(t, int64(2000), got.OriginalEndTime)
	assert.Equal(t, session.StatusCurrent, got.Status)
	assert.Equal(t, []string{"write report", "inbox zero"}, got.Goals)
	require.Len(t, got.Interactions["svc1"], 1)
	assert.Equal(t, session.Interaction{Start: 1100, End: 1300}, got.Interactions["svc1"][0])
}

func TestGetCurrentFocusSession(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	got, err := store.GetCurrentFocusSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "no current session expected in a fresh store")

	fs := session.New("s1", 1000, 2000)
	fs.Status = session.StatusCurrent
	require.NoError(t, store.SaveFocusSession(ctx, fs))

	got, err = store.GetCurrentFocusSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID)
}

func TestUpdateFocusSession(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	fs := session.New("s1", 1000, 2000)
	fs.Status = session.StatusCurrent
	require.NoError(t, store.SaveFocusSession(ctx, fs))

	fs.End(1500)
	fs.Rating = 4
	fs.Goals = []string{"only one goal now"}
	require.NoError(t, store.UpdateFocusSession(ctx, fs))

	got, err := store.GetFocusSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPast, got.Status)
	assert.Equal(t, int64(1500), got.EndTime)
	assert.Equal(t, int64(2000), got.OriginalEndTime)
	assert.True(t, got.Aborted())
	assert.Equal(t, 4, got.Rating)
	assert.Equal(t, []string{"only one goal now"}, got.Goals)

	missing := session.New("nope", 1, 2)
	err = store.UpdateFocusSession(ctx, missing)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFutureAndPreviousSessions(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id         string
		start, end int64
		status     session.Status
	}{
		{"past-early", 100, 200, session.StatusPast},
		{"past-late", 300, 400, session.StatusPast},
		{"future-b", 5000, 6000, session.StatusFuture},
		{"future-a", 3000, 4000, session.StatusFuture},
	} {
		fs := session.New(tc.id, tc.start, tc.end)
		fs.Status = tc.status
		require.NoError(t, store.SaveFocusSession(ctx, fs))
	}

	futures, err := store.GetFutureFocusSessions(ctx)
	require.NoError(t, err)
	require.Len(t, futures, 2)
	assert.Equal(t, "future-a", futures[0].ID, "futures should be ordered by start time")
	assert.Equal(t, "future-b", futures[1].ID)

	prev, err := store.GetPreviousFocusSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "past-late", prev.ID, "previous session is the most recently ended")
}

func TestDeleteFocusSessionCascades(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	fs := session.New("s1", 1000, 2000)
	fs.Status = session.StatusFuture
	fs.Goals = []string{"g"}
	require.NoError(t, store.SaveFocusSession(ctx, fs))
	require.NoError(t, store.AppendSessionNotification(ctx, "s1", event.Notification{
		ServiceID: "svc", Title: "t", Timestamp: 1100,
	}))

	require.NoError(t, store.DeleteFocusSession(ctx, "s1"))
	_, err := store.GetFocusSession(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotificationArchives(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	fs := session.New("s1", 1000, 2000)
	fs.Status = session.StatusCurrent
	require.NoError(t, store.SaveFocusSession(ctx, fs))

	require.NoError(t, store.AppendSessionNotification(ctx, "s1", event.Notification{
		ServiceID: "svc", Title: "filed", Body: "b", Timestamp: 1100,
	}))
	require.NoError(t, store.ArchiveNotification(ctx, event.Notification{
		ServiceID: "svc", Title: "unfiled", Body: "b", Timestamp: 1200,
	}))

	got, err := store.GetFocusSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Notifications, 1, "unfiled archive rows must not attach to the session")
	assert.Equal(t, "filed", got.Notifications[0].Title)
}

func TestServiceRecords(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := storage.ServiceRecord{ID: "svc1", Name: event.KindSlack, AutoResponse: true}
	require.NoError(t, store.SaveService(ctx, rec))
	require.NoError(t, store.SaveService(ctx, storage.ServiceRecord{ID: "svc2", Name: event.KindWhatsapp}))

	require.NoError(t, store.SetUnreadCount(ctx, "svc1", 7))
	require.NoError(t, store.SetAutoResponse(ctx, "svc2", true))

	recs, err := store.GetServices(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 7, recs[0].UnreadCount)
	assert.True(t, recs[1].AutoResponse)

	require.NoError(t, store.DeleteService(ctx, "svc1"))
	recs, err = store.GetServices(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "svc2", recs[0].ID)

	err = store.DeleteService(ctx, "svc1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSettingsRoundTrip(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	got, err := store.GetSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "fresh store has no settings row")

	set := &storage.Settings{
		ShortFocusDuration:  25,
		MediumFocusDuration: 60,
		LongFocusDuration:   120,
		AutoResponseMessage: "busy, back later",
	}
	require.NoError(t, store.SaveSettings(ctx, set))

	set.MediumFocusDuration = 45
	require.NoError(t, store.SaveSettings(ctx, set), "saving twice upserts")

	got, err = store.GetSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 45, got.MediumFocusDuration)
	assert.Equal(t, "busy, back later", got.AutoResponseMessage)
}

func TestAppMarkers(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	assert.NoError(t, store.SaveAppMarker(ctx, "app_start", time.Now().UnixMilli()))
}
