package storage

import (
	"context"
	"errors"

	"exman/internal/event"
	"exman/internal/session"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ServiceRecord is the persisted shape of one service.
type ServiceRecord struct {
	ID           string
	Name         event.ServiceKind
	AutoResponse bool
	UnreadCount  int
}

// Settings holds the persisted global settings. Durations are minutes
// and are only used by presentation shortcuts; the core enforces its
// own ceiling independently.
type Settings struct {
	ShortFocusDuration  int
	MediumFocusDuration int
	LongFocusDuration   int
	AutoResponseMessage string
}

type Storage interface {
	Init(ctx context.Context) error
	Close() error

	// Focus sessions
	SaveFocusSession(ctx context.Context, s *session.FocusSession) error
	UpdateFocusSession(ctx context.Context, s *session.FocusSession) error
	GetFocusSession(ctx context.Context, id string) (*session.FocusSession, error)
	// GetCurrentFocusSession returns the session with status "current",
	// or nil if there is none.
	GetCurrentFocusSession(ctx context.Context) (*session.FocusSession, error)
	GetFutureFocusSessions(ctx context.Context) ([]*session.FocusSession, error)
	GetPastFocusSessions(ctx context.Context) ([]*session.FocusSession, error)
	// GetPreviousFocusSession returns the most recently ended session,
	// or nil if none has ended yet.
	GetPreviousFocusSession(ctx context.Context) (*session.FocusSession, error)
	DeleteFocusSession(ctx context.Context, id string) error

	// Notifications
	AppendSessionNotification(ctx context.Context, sessionID string, n event.Notification) error
	// ArchiveNotification files a notification in the unfiled archive
	// (no session attached), keyed by its timestamp.
	ArchiveNotification(ctx context.Context, n event.Notification) error

	// Services
	SaveService(ctx context.Context, rec ServiceRecord) error
	GetServices(ctx context.Context) ([]ServiceRecord, error)
	DeleteService(ctx context.Context, id string) error
	SetAutoResponse(ctx context.Context, id string, on bool) error
	SetUnreadCount(ctx context.Context, id string, count int) error

	// Settings
	GetSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s *Settings) error

	// Markers
	SaveAppMarker(ctx context.Context, kind string, at int64) error
}
