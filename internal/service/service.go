package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"exman/internal/event"
	"exman/internal/storage"
)

// Service is one hosted messaging integration. The polling lifecycle
// is shared across variants; only the probe differs. Loop state is
// ephemeral and recomputed each run; the id and auto-response flag are
// the only persisted fields.
type Service struct {
	ID   string
	Name event.ServiceKind

	probe    Probe
	store    storage.Storage
	interval time.Duration

	mu            sync.Mutex
	webContentsID int
	ready         bool
	authed        bool
	unreadCount   int
	autoResponse  bool
	loopStarted   bool

	// auto-reply state for the running focus session
	responding   bool
	responseText string
	responded    map[string]bool
	lastFetched  int64

	authStop     chan struct{}
	unreadStop   chan struct{}
	messagesStop chan struct{}
	loops        sync.WaitGroup

	// invoked after every authed transition; set by the registry
	onAuthChange func()
}

func newService(rec storage.ServiceRecord, probe Probe, store storage.Storage, interval time.Duration, onAuthChange func()) *Service {
	return &Service{
		ID:           rec.ID,
		Name:         rec.Name,
		probe:        probe,
		store:        store,
		interval:     interval,
		autoResponse: rec.AutoResponse,
		unreadCount:  rec.UnreadCount,
		responded:    make(map[string]bool),
		onAuthChange: onAuthChange,
	}
}

// SetWebContentsID records the hosted view's id once it has rendered.
func (s *Service) SetWebContentsID(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webContentsID = id
	s.ready = true
}

// StartLoop begins the three polling loops. Called once the hosted
// view is ready; calling it again is a no-op.
func (s *Service) StartLoop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopStarted {
		return
	}
	s.loopStarted = true
	s.authStop = make(chan struct{})
	s.unreadStop = make(chan struct{})
	s.messagesStop = make(chan struct{})
	s.lastFetched = time.Now().UnixMilli()

	log.Printf("Service %s (%s): starting loops", s.Name, s.ID)
	s.loops.Add(3)
	go s.authLoop(ctx, s.authStop)
	go s.unreadLoop(ctx, s.unreadStop)
	go s.messagesLoop(ctx, s.messagesStop)
}

// Each loop is a fixed-interval probe. The tick body runs to
// completion before the next tick is taken, so a loop never overlaps
// its own firings. A probe result that lands after the loop was torn
// down is discarded, not applied.

func (s *Service) authLoop(ctx context.Context, stop chan struct{}) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			authed, err := s.probe.CheckAuth(ctx, s.webContents())
			if err != nil {
				s.logProbeErr("auth", err)
				continue
			}
			if stopped(stop) {
				return
			}
			s.setAuthed(authed)
		}
	}
}

func (s *Service) unreadLoop(ctx context.Context, stop chan struct{}) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			count, err := s.probe.CheckUnread(ctx, s.webContents())
			if err != nil {
				s.logProbeErr("unread", err)
				continue
			}
			if stopped(stop) {
				return
			}
			s.mu.Lock()
			changed := s.unreadCount != count
			s.unreadCount = count
			s.mu.Unlock()
			if changed {
				if err := s.store.SetUnreadCount(ctx, s.ID, count); err != nil {
					log.Printf("Service %s: failed to persist unread count: %v", s.ID, err)
				}
			}
		}
	}
}

func (s *Service) messagesLoop(ctx context.Context, stop chan struct{}) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			since := s.lastFetched
			s.mu.Unlock()
			msgs, err := s.probe.FetchMessages(ctx, s.webContents(), since)
			if err != nil {
				if errors.Is(err, ErrCapabilityUnavailable) {
					// this variant has no message history; the loop
					// stays idle rather than logging every tick
					continue
				}
				s.logProbeErr("messages", err)
				continue
			}
			if stopped(stop) {
				return
			}
			s.handleMessages(ctx, msgs)
		}
	}
}

// handleMessages advances the fetch cursor and auto-replies at most
// once per conversation while a focus session has responding engaged.
func (s *Service) handleMessages(ctx context.Context, msgs []event.Message) {
	s.mu.Lock()
	var pending []event.Message
	for _, m := range msgs {
		if m.Timestamp > s.lastFetched {
			s.lastFetched = m.Timestamp
		}
		if s.responding && s.autoResponse && !s.responded[m.Channel] {
			s.responded[m.Channel] = true
			pending = append(pending, m)
		}
	}
	text := s.responseText
	web := s.webContentsID
	s.mu.Unlock()

	for _, m := range pending {
		if err := s.probe.SendMessage(ctx, web, m.Channel, text); err != nil {
			s.logProbeErr("auto-response", err)
		} else {
			log.Printf("Service %s: auto-responded in %s", s.ID, m.Channel)
		}
	}
}

func (s *Service) setAuthed(authed bool) {
	s.mu.Lock()
	changed := s.authed != authed
	s.authed = authed
	s.mu.Unlock()
	if changed && s.onAuthChange != nil {
		s.onAuthChange()
	}
}

func (s *Service) webContents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webContentsID
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (s *Service) logProbeErr(loop string, err error) {
	if errors.Is(err, ErrCapabilityUnavailable) {
		return
	}
	log.Printf("Service %s (%s): %s probe failed: %v", s.Name, s.ID, loop, err)
}

// --- Loop teardown ---

// EndAuthLoop stops the auth loop. Idempotent and safe to call even if
// the loop never started.
func (s *Service) EndAuthLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authStop != nil {
		close(s.authStop)
		s.authStop = nil
	}
}

func (s *Service) EndUnreadLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreadStop != nil {
		close(s.unreadStop)
		s.unreadStop = nil
	}
}

func (s *Service) EndMessagesLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messagesStop != nil {
		close(s.messagesStop)
		s.messagesStop = nil
	}
}

// Teardown stops all loops and waits for their goroutines to exit. No
// probe callback for this service is applied after Teardown returns.
func (s *Service) Teardown() {
	s.EndAuthLoop()
	s.EndUnreadLoop()
	s.EndMessagesLoop()
	s.loops.Wait()
	s.mu.Lock()
	s.loopStarted = false
	s.mu.Unlock()
}

// --- Focus participation ---

// FocusStart engages do-not-disturb on the provider and arms
// auto-reply for the session. DND is best-effort: a provider without
// the capability is skipped silently.
func (s *Service) FocusStart(ctx context.Context, minutesRemaining int, responseText string) {
	s.mu.Lock()
	s.responding = true
	s.responseText = responseText
	s.responded = make(map[string]bool)
	web := s.webContentsID
	s.mu.Unlock()

	if err := s.probe.SetDnd(ctx, web, minutesRemaining); err != nil {
		s.logProbeErr("dnd", err)
	}
}

// FocusEnd disarms auto-reply and restores the provider's presence.
func (s *Service) FocusEnd(ctx context.Context) {
	s.mu.Lock()
	s.responding = false
	web := s.webContentsID
	s.mu.Unlock()

	if err := s.probe.SetOnline(ctx, web); err != nil {
		s.logProbeErr("online", err)
	}
}

// --- Flags & snapshots ---

// ToggleAutoResponse flips the persisted per-service flag and returns
// the new value. It takes effect on the next incoming message while a
// focus session is active.
func (s *Service) ToggleAutoResponse(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.autoResponse = !s.autoResponse
	on := s.autoResponse
	s.mu.Unlock()
	if err := s.store.SetAutoResponse(ctx, s.ID, on); err != nil {
		return on, err
	}
	return on, nil
}

func (s *Service) Authed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

func (s *Service) Snapshot() event.ServiceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return event.ServiceSnapshot{
		ID:            s.ID,
		Name:          s.Name,
		WebContentsID: s.webContentsID,
		Ready:         s.ready,
		Authed:        s.authed,
		UnreadCount:   s.unreadCount,
		AutoResponse:  s.autoResponse,
		LoopStarted:   s.loopStarted,
	}
}
