package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exman/internal/event"
	"exman/internal/storage"
)

// idleScripter satisfies Scripter for registries whose loops never run
// in the test.
type idleScripter struct{}

func (idleScripter) Eval(ctx context.Context, web int, script string) (interface{}, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T) (*Registry, storage.Storage) {
	t.Helper()
	store := newTestStore(t)
	r := NewRegistry(store, idleScripter{}, time.Second)
	t.Cleanup(r.TeardownAll)
	return r, store
}

func TestAddAndGetService(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	svc, err := r.AddService(ctx, event.KindSlack)
	require.NoError(t, err)
	require.NotEmpty(t, svc.ID)

	got, ok := r.Get(svc.ID)
	require.True(t, ok)
	assert.Equal(t, event.KindSlack, got.Name)

	recs, err := store.GetServices(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, svc.ID, recs[0].ID)

	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestAddUnknownKind(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.AddService(context.Background(), event.ServiceKind("telegram"))
	assert.Error(t, err)
	assert.Empty(t, r.Snapshot())
}

func TestInitHydratesFromStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveService(ctx, storage.ServiceRecord{
		ID: "a", Name: event.KindSlack, AutoResponse: true, UnreadCount: 4,
	}))
	require.NoError(t, store.SaveService(ctx, storage.ServiceRecord{
		ID: "b", Name: event.KindWhatsapp,
	}))

	r := NewRegistry(store, idleScripter{}, time.Second)
	t.Cleanup(r.TeardownAll)
	require.NoError(t, r.Init(ctx))

	snaps := r.Snapshot()
	require.Len(t, snaps, 2)
	svc, ok := r.Get("a")
	require.True(t, ok)
	snap := svc.Snapshot()
	assert.True(t, snap.AutoResponse)
	assert.Equal(t, 4, snap.UnreadCount)
}

func TestDeleteService(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	svc, err := r.AddService(ctx, event.KindTeams)
	require.NoError(t, err)
	svc.StartLoop(ctx)

	require.NoError(t, r.DeleteService(ctx, svc.ID))
	_, ok := r.Get(svc.ID)
	assert.False(t, ok)
	assert.False(t, svc.Snapshot().LoopStarted, "loops stop before the service is removed")

	recs, err := store.GetServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	err = r.DeleteService(ctx, svc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAllAuthedFiresOnEdgeOnly(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.AddService(ctx, event.KindSlack)
	require.NoError(t, err)
	b, err := r.AddService(ctx, event.KindWhatsapp)
	require.NoError(t, err)

	a.setAuthed(true)
	assert.False(t, r.AllAuthed())
	select {
	case <-r.Recovery():
		t.Fatal("recovery fired with a service still unauthed")
	default:
	}

	b.setAuthed(true)
	assert.True(t, r.AllAuthed())
	select {
	case <-r.Recovery():
	default:
		t.Fatal("recovery should fire when the last service auths")
	}

	// the flag staying true does not refire
	a.setAuthed(true)
	select {
	case <-r.Recovery():
		t.Fatal("recovery refired without a de-auth")
	default:
	}
}

func TestAllAuthedRearmsAfterDeauth(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.AddService(ctx, event.KindSlack)
	require.NoError(t, err)

	a.setAuthed(true)
	<-r.Recovery()

	a.setAuthed(false)
	assert.False(t, r.AllAuthed())
	a.setAuthed(true)
	select {
	case <-r.Recovery():
	default:
		t.Fatal("recovery should refire after a de-auth cycle")
	}
}

func TestFocusAllFansOut(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	r := NewRegistry(store, idleScripter{}, time.Second)
	t.Cleanup(r.TeardownAll)

	// swap in observable probes
	pa, pb := &fakeProbe{}, &fakeProbe{}
	require.NoError(t, store.SaveService(ctx, storage.ServiceRecord{ID: "a", Name: event.KindSlack}))
	require.NoError(t, store.SaveService(ctx, storage.ServiceRecord{ID: "b", Name: event.KindTeams}))
	r.services = append(r.services,
		newService(storage.ServiceRecord{ID: "a", Name: event.KindSlack}, pa, store, time.Second, r.checkAllAuthed),
		newService(storage.ServiceRecord{ID: "b", Name: event.KindTeams}, pb, store, time.Second, r.checkAllAuthed),
	)

	r.FocusStartAll(ctx, 25, "brb")
	for _, p := range []*fakeProbe{pa, pb} {
		p.mu.Lock()
		assert.Equal(t, 25, p.dnd)
		p.mu.Unlock()
	}

	r.FocusEndAll(ctx)
	for _, p := range []*fakeProbe{pa, pb} {
		p.mu.Lock()
		assert.True(t, p.online)
		p.mu.Unlock()
	}
}
