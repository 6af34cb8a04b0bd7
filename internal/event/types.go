package event

// ServiceKind identifies a supported messaging integration.
type ServiceKind string

const (
	KindSlack    ServiceKind = "slack"
	KindWhatsapp ServiceKind = "whatsapp"
	KindTeams    ServiceKind = "teams"
)

// ValidKind reports whether k names a supported integration.
func ValidKind(k ServiceKind) bool {
	switch k {
	case KindSlack, KindWhatsapp, KindTeams:
		return true
	}
	return false
}

// Notification is a raw notification surfaced by a hosted service.
// Timestamp is epoch milliseconds, assigned by the router on arrival.
type Notification struct {
	ServiceID string `json:"serviceId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// Message is one entry returned by a service's message-fetch probe.
type Message struct {
	Channel   string
	Author    string
	Body      string
	Timestamp int64
}

// ServiceSnapshot is the externally visible state of one service.
// Safe to hand across the IPC boundary (no live references).
type ServiceSnapshot struct {
	ID            string      `json:"id"`
	Name          ServiceKind `json:"name"`
	WebContentsID int         `json:"webContentsId"`
	Ready         bool        `json:"ready"`
	Authed        bool        `json:"authed"`
	UnreadCount   int         `json:"unreadCount"`
	AutoResponse  bool        `json:"autoResponse"`
	LoopStarted   bool        `json:"loopStarted"`
}

// Update payloads sent from the core to the app's update channel.

type FocusStarted struct {
	SessionID string
	StartTime int64
	EndTime   int64
}

type FocusEnded struct {
	SessionID string
	Aborted   bool
}

// FocusError carries a named validation failure back to the caller.
type FocusError struct {
	Kind    string
	Message string
}

type NotificationForwarded struct {
	Notification Notification
}

type ServiceStatus struct {
	Services []ServiceSnapshot
}
