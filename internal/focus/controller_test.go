package focus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exman/internal/event"
	"exman/internal/service"
	"exman/internal/session"
	"exman/internal/storage"
	sqlitestore "exman/internal/storage/sqlite"
)

// nullScripter satisfies the probe surface without a shell attached.
type nullScripter struct{}

func (nullScripter) Eval(ctx context.Context, webContentsID int, script string) (interface{}, error) {
	return nil, nil
}

func newTestController(t *testing.T) (*Controller, storage.Storage, chan interface{}) {
	t.Helper()
	store := sqlitestore.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { store.Close() })

	registry := service.NewRegistry(store, nullScripter{}, time.Second)
	updates := make(chan interface{}, 32)
	c := NewController(store, registry, updates, "back soon")
	return c, store, updates
}

// fixNow pins the controller clock so windows can be laid out
// deterministically around it.
func fixNow(c *Controller) int64 {
	base := time.Now().UnixMilli()
	c.now = func() int64 { return base }
	return base
}

func drainUpdates(ch chan interface{}) []interface{} {
	var out []interface{}
	for {
		select {
		case u := <-ch:
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestStartAndEnd(t *testing.T) {
	c, store, updates := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)

	err := c.Start(ctx, base, base+int64(time.Hour.Milliseconds()))
	require.NoError(t, err)
	assert.True(t, c.Active())

	cur, err := store.GetCurrentFocusSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)

	got := drainUpdates(updates)
	require.Len(t, got, 1)
	started, ok := got[0].(event.FocusStarted)
	require.True(t, ok)
	assert.Equal(t, cur.ID, started.SessionID)

	require.NoError(t, c.End(ctx))
	assert.False(t, c.Active())

	cur, err = store.GetCurrentFocusSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	past, err := store.GetPastFocusSessions(ctx)
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, base, past[0].EndTime)

	got = drainUpdates(updates)
	require.Len(t, got, 1)
	ended, ok := got[0].(event.FocusEnded)
	require.True(t, ok)
	assert.True(t, ended.Aborted, "ending before the scheduled end is an abort")
}

func TestStartWhileActive(t *testing.T) {
	c, _, updates := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)

	require.NoError(t, c.Start(ctx, base, base+60_000))
	drainUpdates(updates)

	err := c.Start(ctx, base+120_000, base+180_000)
	assert.ErrorIs(t, err, ErrAlreadyFocused)

	got := drainUpdates(updates)
	require.Len(t, got, 1)
	fe, ok := got[0].(event.FocusError)
	require.True(t, ok)
	assert.Equal(t, "already-focused", fe.Kind)
}

func TestStartOverlapAndAbutting(t *testing.T) {
	c, _, updates := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)
	hour := int64(time.Hour.Milliseconds())

	_, err := c.Schedule(ctx, base+hour, base+2*hour)
	require.NoError(t, err)

	// intersects the scheduled window
	err = c.Start(ctx, base+hour+1, base+hour+2)
	assert.ErrorIs(t, err, ErrOverlap)

	// [base, base+hour) abuts [base+hour, base+2*hour): allowed
	err = c.Start(ctx, base, base+hour)
	assert.NoError(t, err)

	drainUpdates(updates)
}

func TestDurationValidation(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)

	assert.ErrorIs(t, c.Start(ctx, base, base), ErrWrongDuration)
	assert.ErrorIs(t, c.Start(ctx, base+10, base), ErrWrongDuration)
	assert.ErrorIs(t, c.Start(ctx, base, base+maxFocusDuration.Milliseconds()+1), ErrWrongDuration)

	_, err := c.Schedule(ctx, base+60_000, 0)
	assert.ErrorIs(t, err, ErrWrongDuration, "a scheduled session must be bounded")

	// exactly the ceiling is allowed
	assert.NoError(t, c.Start(ctx, base, base+maxFocusDuration.Milliseconds()))
}

func TestOpenEndedStart(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)

	require.NoError(t, c.Start(ctx, base, 0))
	assert.True(t, c.Active())
	c.mu.Lock()
	assert.Nil(t, c.endTimer, "open-ended sessions have no auto-end")
	c.mu.Unlock()

	require.NoError(t, c.End(ctx))
	past, err := store.GetPastFocusSessions(ctx)
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.False(t, past[0].Aborted(), "an open-ended session cannot abort")
}

func TestEndWhileIdle(t *testing.T) {
	c, _, updates := newTestController(t)
	require.NoError(t, c.End(context.Background()))
	assert.Empty(t, drainUpdates(updates))
}

func TestCancelScheduled(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)
	hour := int64(time.Hour.Milliseconds())

	id, err := c.Schedule(ctx, base+hour, base+2*hour)
	require.NoError(t, err)

	require.NoError(t, c.CancelScheduled(ctx, id))
	_, err = store.GetFocusSession(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	c.mu.Lock()
	assert.Empty(t, c.scheduled)
	c.mu.Unlock()

	// a running session is not cancellable this way
	require.NoError(t, c.Start(ctx, base, base+hour))
	curID, _, _, ok := c.CurrentWindow()
	require.True(t, ok)
	assert.Error(t, c.CancelScheduled(ctx, curID))
}

func TestPromoteScheduled(t *testing.T) {
	c, _, updates := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)
	hour := int64(time.Hour.Milliseconds())

	id, err := c.Schedule(ctx, base+hour, base+2*hour)
	require.NoError(t, err)

	c.promote(id)
	assert.True(t, c.Active())
	curID, start, end, ok := c.CurrentWindow()
	require.True(t, ok)
	assert.Equal(t, id, curID)
	assert.Equal(t, base+hour, start)
	assert.Equal(t, base+2*hour, end)

	got := drainUpdates(updates)
	require.Len(t, got, 1)
	_, ok = got[0].(event.FocusStarted)
	assert.True(t, ok)
}

func TestAutoEnd(t *testing.T) {
	c, store, updates := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)
	hour := int64(time.Hour.Milliseconds())

	require.NoError(t, c.Start(ctx, base, base+hour))
	drainUpdates(updates)

	c.autoEnd("some-other-id")
	assert.True(t, c.Active(), "auto-end for a different session is ignored")

	curID, _, _, _ := c.CurrentWindow()
	c.autoEnd(curID)
	assert.False(t, c.Active())

	past, err := store.GetPastFocusSessions(ctx)
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, base+hour, past[0].EndTime)
	assert.False(t, past[0].Aborted(), "running to the scheduled end is not an abort")
}

func TestFileNotification(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)

	n := event.Notification{ServiceID: "svc-1", Title: "ping", Body: "hi", Timestamp: base}

	filed, err := c.FileNotification(ctx, n)
	require.NoError(t, err)
	assert.False(t, filed, "nothing to file against while idle")

	require.NoError(t, c.Start(ctx, base, base+60_000))
	filed, err = c.FileNotification(ctx, n)
	require.NoError(t, err)
	assert.True(t, filed)

	id, _, _, _ := c.CurrentWindow()
	fs, err := store.GetFocusSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, fs.Notifications, 1)
	assert.Equal(t, "ping", fs.Notifications[0].Title)
}

func TestSetGoalsAndRating(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)

	// both are no-ops without a session to attach to
	require.NoError(t, c.SetGoals(ctx, []string{"write tests"}))
	require.NoError(t, c.SetRating(ctx, 4))

	require.NoError(t, c.Start(ctx, base, base+60_000))
	require.NoError(t, c.SetGoals(ctx, []string{"write tests", "ship"}))
	require.NoError(t, c.End(ctx))

	require.NoError(t, c.SetRating(ctx, 4))
	prev, err := store.GetPreviousFocusSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, 4, prev.Rating)
	assert.Equal(t, []string{"write tests", "ship"}, prev.Goals)
}

func TestInteractions(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)

	require.NoError(t, c.Start(ctx, base, base+60_000))

	c.now = func() int64 { return base + 1000 }
	require.NoError(t, c.InteractionStart(ctx, "svc-1"))
	c.now = func() int64 { return base + 3000 }
	require.NoError(t, c.InteractionEnd(ctx, "svc-1"))

	id, _, _, _ := c.CurrentWindow()
	fs, err := store.GetFocusSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, fs.Interactions["svc-1"], 1)
	assert.Equal(t, session.Interaction{Start: base + 1000, End: base + 3000}, fs.Interactions["svc-1"][0])
}

func TestRecoverResumesCurrent(t *testing.T) {
	c, store, updates := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)
	hour := int64(time.Hour.Milliseconds())

	// a current session whose window is still open, as if the daemon
	// died mid-focus
	fs := session.New("restored", base-hour, base+hour)
	fs.Status = session.StatusCurrent
	require.NoError(t, store.SaveFocusSession(ctx, fs))

	require.NoError(t, c.Recover(ctx))
	assert.True(t, c.Active())
	id, _, _, _ := c.CurrentWindow()
	assert.Equal(t, "restored", id)

	got := drainUpdates(updates)
	require.Len(t, got, 1)
	_, ok := got[0].(event.FocusStarted)
	assert.True(t, ok)
}

func TestRecoverFinalizesExpired(t *testing.T) {
	c, store, updates := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)
	hour := int64(time.Hour.Milliseconds())

	fs := session.New("expired", base-2*hour, base-hour)
	fs.Status = session.StatusCurrent
	require.NoError(t, store.SaveFocusSession(ctx, fs))

	require.NoError(t, c.Recover(ctx))
	assert.False(t, c.Active())

	got, err := store.GetFocusSession(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPast, got.Status)
	assert.Equal(t, base-hour, got.EndTime, "finalized at its scheduled end, not at recovery time")

	ups := drainUpdates(updates)
	require.Len(t, ups, 1)
	ended, ok := ups[0].(event.FocusEnded)
	require.True(t, ok)
	assert.False(t, ended.Aborted)
}

func TestRecoverFutures(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)
	hour := int64(time.Hour.Milliseconds())

	live := session.New("live", base+hour, base+2*hour)
	live.Status = session.StatusFuture
	require.NoError(t, store.SaveFocusSession(ctx, live))

	stale := session.New("stale", base-2*hour, base-hour)
	stale.Status = session.StatusFuture
	require.NoError(t, store.SaveFocusSession(ctx, stale))

	require.NoError(t, c.Recover(ctx))

	c.mu.Lock()
	_, armed := c.scheduled["live"]
	c.mu.Unlock()
	assert.True(t, armed)

	_, err := store.GetFocusSession(ctx, "stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetFocusSession(ctx, "live")
	assert.NoError(t, err)
}

func TestShutdownKeepsState(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()
	base := fixNow(c)
	hour := int64(time.Hour.Milliseconds())

	require.NoError(t, c.Start(ctx, base, base+hour))
	_, err := c.Schedule(ctx, base+2*hour, base+3*hour)
	require.NoError(t, err)

	c.Shutdown()
	c.mu.Lock()
	assert.Nil(t, c.endTimer)
	assert.Empty(t, c.scheduled)
	c.mu.Unlock()

	cur, err := store.GetCurrentFocusSession(ctx)
	require.NoError(t, err)
	assert.NotNil(t, cur, "shutdown must not archive the running session")
	futures, err := store.GetFutureFocusSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, futures, 1)
}
