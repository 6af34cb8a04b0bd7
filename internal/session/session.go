package session

import (
	"exman/internal/event"
)

// Status describes where a focus session sits in its lifecycle.
type Status string

const (
	StatusCurrent Status = "current"
	StatusFuture  Status = "future"
	StatusPast    Status = "past"
)

// Interaction records one open/close interval during which the user
// viewed a service while the session was running. End is zero while
// the interval is still open. Times are epoch milliseconds.
type Interaction struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// FocusSession is one focus window: current, scheduled or archived.
// All instants are epoch milliseconds. EndTime == 0 means open-ended
// (no scheduled end). OriginalEndTime keeps the end the session was
// created with so a manual abort stays detectable after EndTime is
// rewritten.
type FocusSession struct {
	ID              string
	StartTime       int64
	EndTime         int64
	OriginalEndTime int64
	Status          Status
	Goals           []string
	Rating          int
	Interactions    map[string][]Interaction
	Notifications   []event.Notification
}

// New returns a session over [start, end) with no lifecycle status yet.
func New(id string, start, end int64) *FocusSession {
	return &FocusSession{
		ID:              id,
		StartTime:       start,
		EndTime:         end,
		OriginalEndTime: end,
		Interactions:    make(map[string][]Interaction),
	}
}

// OpenEnded reports whether the session has no scheduled end.
func (s *FocusSession) OpenEnded() bool {
	return s.EndTime == 0
}

// Aborted reports whether the session was ended before its scheduled
// end. Open-ended sessions are never considered aborted.
func (s *FocusSession) Aborted() bool {
	return s.OriginalEndTime != 0 && s.EndTime != s.OriginalEndTime
}

// End closes the session at the given instant. The original end is
// left untouched so Aborted can compare the two.
func (s *FocusSession) End(at int64) {
	s.EndTime = at
	s.Status = StatusPast
	for id := range s.Interactions {
		s.CloseInteraction(id, at)
	}
}

// Overlaps reports whether [start, end) intersects this session's
// window. Intervals are half-open: a session ending exactly when
// another starts does not overlap it. An open interval end (0) is
// treated as unbounded on the right.
func (s *FocusSession) Overlaps(start, end int64) bool {
	if s.EndTime != 0 && s.EndTime <= start {
		return false
	}
	if end != 0 && end <= s.StartTime {
		return false
	}
	return true
}

// OpenInteraction begins a viewing interval for the given service. A
// second open without a close first closes the dangling interval at
// the new start.
func (s *FocusSession) OpenInteraction(serviceID string, at int64) {
	if s.Interactions == nil {
		s.Interactions = make(map[string][]Interaction)
	}
	s.CloseInteraction(serviceID, at)
	s.Interactions[serviceID] = append(s.Interactions[serviceID], Interaction{Start: at})
}

// CloseInteraction ends the open viewing interval for the given
// service, if any. Closing with none open is a no-op.
func (s *FocusSession) CloseInteraction(serviceID string, at int64) {
	ivs := s.Interactions[serviceID]
	if len(ivs) == 0 {
		return
	}
	last := &ivs[len(ivs)-1]
	if last.End == 0 {
		last.End = at
	}
}

// AppendNotification files a suppressed notification on the session.
func (s *FocusSession) AppendNotification(n event.Notification) {
	s.Notifications = append(s.Notifications, n)
}
