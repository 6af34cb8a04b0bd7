package notify

import (
	"context"
	"log"
	"time"

	"exman/internal/event"
	"exman/internal/focus"
	"exman/internal/storage"
)

// Router is the single entry point for notifications surfaced by the
// hosted services. Per call exactly one of two things happens: the
// notification is forwarded live (and kept in the unfiled archive for
// later lookup), or it is filed on the current focus session and not
// forwarded.
type Router struct {
	controller *focus.Controller
	store      storage.Storage
	updates    chan<- interface{}
}

func NewRouter(controller *focus.Controller, store storage.Storage, updates chan<- interface{}) *Router {
	return &Router{controller: controller, store: store, updates: updates}
}

// Route stamps and dispatches one raw notification.
func (r *Router) Route(ctx context.Context, serviceID, title, body string) error {
	n := event.Notification{
		ServiceID: serviceID,
		Title:     title,
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	}

	filed, err := r.controller.FileNotification(ctx, n)
	if err != nil {
		return err
	}
	if filed {
		log.Printf("Notification from %s suppressed into focus session", serviceID)
		return nil
	}

	r.forward(n)
	return r.store.ArchiveNotification(ctx, n)
}

func (r *Router) forward(n event.Notification) {
	if r.updates == nil {
		return
	}
	select {
	case r.updates <- event.NotificationForwarded{Notification: n}:
	case <-time.After(100 * time.Millisecond):
		log.Printf("Warning: timeout forwarding notification from %s", n.ServiceID)
	}
}
