package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"exman/internal/event"
	"exman/internal/storage"
)

// Registry owns the set of Service instances. It is the only mutator
// of the collection; everything else sees snapshots. When every
// service first reports authed it emits one recovery event on its
// channel, and re-arms after any de-auth.
type Registry struct {
	store    storage.Storage
	scripter Scripter
	interval time.Duration

	mu        sync.Mutex
	services  []*Service
	allAuthed bool

	recovery chan struct{}
}

func NewRegistry(store storage.Storage, scripter Scripter, interval time.Duration) *Registry {
	return &Registry{
		store:    store,
		scripter: scripter,
		interval: interval,
		recovery: make(chan struct{}, 1),
	}
}

// Init hydrates the registry from the persisted service rows.
func (r *Registry) Init(ctx context.Context) error {
	recs, err := r.store.GetServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate services: %w", err)
	}
	for _, rec := range recs {
		if _, err := r.add(ctx, rec, false); err != nil {
			return err
		}
	}
	return nil
}

// AddService creates a new service of the given kind, assigns it an
// id and persists it.
func (r *Registry) AddService(ctx context.Context, kind event.ServiceKind) (*Service, error) {
	rec := storage.ServiceRecord{ID: uuid.NewString(), Name: kind}
	return r.add(ctx, rec, true)
}

func (r *Registry) add(ctx context.Context, rec storage.ServiceRecord, persist bool) (*Service, error) {
	probe, err := NewProbe(rec.Name, r.scripter)
	if err != nil {
		return nil, err
	}
	svc := newService(rec, probe, r.store, r.interval, r.checkAllAuthed)

	r.mu.Lock()
	r.services = append(r.services, svc)
	r.mu.Unlock()

	if persist {
		if err := r.store.SaveService(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to persist service: %w", err)
		}
	}
	log.Printf("Registry: added service %s (%s)", rec.Name, rec.ID)
	return svc, nil
}

// Get returns the service with the given id.
func (r *Registry) Get(id string) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, svc := range r.services {
		if svc.ID == id {
			return svc, true
		}
	}
	return nil, false
}

// DeleteService tears the service down, then removes it from the
// collection and the store. Teardown runs first, while the service
// object is still reachable, so no loop callback outlives removal.
func (r *Registry) DeleteService(ctx context.Context, id string) error {
	svc, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("service %s: %w", id, storage.ErrNotFound)
	}

	svc.FocusEnd(ctx)
	svc.Teardown()

	r.mu.Lock()
	kept := r.services[:0]
	for _, s := range r.services {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	r.services = kept
	r.mu.Unlock()

	if err := r.store.DeleteService(ctx, id); err != nil {
		return err
	}
	log.Printf("Registry: deleted service %s", id)
	return nil
}

// checkAllAuthed recomputes the cached all-authed flag after any
// service's authed transition. The recovery event fires only on the
// false-to-true edge, so it cannot refire until at least one service
// de-auths again.
func (r *Registry) checkAllAuthed() {
	r.mu.Lock()
	for _, svc := range r.services {
		if !svc.Authed() {
			r.allAuthed = false
			r.mu.Unlock()
			return
		}
	}
	fire := !r.allAuthed
	r.allAuthed = true
	r.mu.Unlock()

	if fire {
		log.Println("Registry: all services authed")
		select {
		case r.recovery <- struct{}{}:
		default:
		}
	}
}

// Recovery is the all-authed event stream, consumed by the focus
// controller's recovery handler.
func (r *Registry) Recovery() <-chan struct{} {
	return r.recovery
}

// AllAuthed reports the cached all-authed flag.
func (r *Registry) AllAuthed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allAuthed
}

// Snapshot returns a copy of every service's visible state.
func (r *Registry) Snapshot() []event.ServiceSnapshot {
	r.mu.Lock()
	svcs := make([]*Service, len(r.services))
	copy(svcs, r.services)
	r.mu.Unlock()

	snaps := make([]event.ServiceSnapshot, 0, len(svcs))
	for _, svc := range svcs {
		snaps = append(snaps, svc.Snapshot())
	}
	return snaps
}

func (r *Registry) all() []*Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	svcs := make([]*Service, len(r.services))
	copy(svcs, r.services)
	return svcs
}

// FocusStartAll engages DND and auto-reply on every service.
func (r *Registry) FocusStartAll(ctx context.Context, minutesRemaining int, responseText string) {
	for _, svc := range r.all() {
		svc.FocusStart(ctx, minutesRemaining, responseText)
	}
}

// FocusEndAll disengages DND and auto-reply on every service.
func (r *Registry) FocusEndAll(ctx context.Context) {
	for _, svc := range r.all() {
		svc.FocusEnd(ctx)
	}
}

// TeardownAll stops every service's loops. Used on shutdown.
func (r *Registry) TeardownAll() {
	for _, svc := range r.all() {
		svc.Teardown()
	}
}
