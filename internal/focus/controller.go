package focus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"exman/internal/event"
	"exman/internal/service"
	"exman/internal/session"
	"exman/internal/storage"
)

// Focus sessions may not run longer than this.
const maxFocusDuration = 10 * time.Hour

// Controller owns the focus session state machine: starting,
// scheduling and ending sessions, filing suppressed notifications,
// and reconciling persisted sessions with lost timers after the
// all-authed transition. All state transitions are serialized by its
// mutex; timers are a convenience on top of persisted state, which
// stays the ground truth.
type Controller struct {
	store           storage.Storage
	registry        *service.Registry
	updates         chan<- interface{}
	defaultResponse string

	mu        sync.Mutex
	active    bool
	current   *session.FocusSession
	endTimer  *time.Timer
	scheduled map[string]*scheduledTimers

	// overridable in tests
	now func() int64
}

type scheduledTimers struct {
	start *time.Timer
	end   *time.Timer
}

func NewController(store storage.Storage, registry *service.Registry, updates chan<- interface{}, defaultResponse string) *Controller {
	return &Controller{
		store:           store,
		registry:        registry,
		updates:         updates,
		defaultResponse: defaultResponse,
		scheduled:       make(map[string]*scheduledTimers),
		now:             func() int64 { return time.Now().UnixMilli() },
	}
}

// Active reports the ephemeral focus flag.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CurrentWindow returns the active session's id and window.
func (c *Controller) CurrentWindow() (id string, start, end int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return "", 0, 0, false
	}
	return c.current.ID, c.current.StartTime, c.current.EndTime, true
}

// Start begins a focus session over [startTime, endTime) now. An
// endTime of 0 starts an open-ended session. On rejection exactly one
// of the named errors is returned and nothing changes.
func (c *Controller) Start(ctx context.Context, startTime, endTime int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx, startTime, endTime, "")
}

// startLocked runs the start transition. A non-empty id resumes or
// promotes an already-persisted session instead of inserting one; the
// overlap check then ignores that session's own row.
func (c *Controller) startLocked(ctx context.Context, startTime, endTime int64, id string) error {
	var fs *session.FocusSession
	if id != "" {
		var err error
		fs, err = c.store.GetFocusSession(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		startTime, endTime = fs.StartTime, fs.EndTime
	}

	if c.active {
		return c.reject(ErrAlreadyFocused, "a focus session is already running")
	}
	if err := c.checkOverlapLocked(ctx, startTime, endTime, id); err != nil {
		return err
	}
	if err := c.checkDuration(startTime, endTime, false); err != nil {
		return err
	}

	if fs == nil {
		fs = session.New(uuid.NewString(), startTime, endTime)
		fs.Status = session.StatusCurrent
		if err := c.store.SaveFocusSession(ctx, fs); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	} else {
		fs.Status = session.StatusCurrent
		if err := c.store.UpdateFocusSession(ctx, fs); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	c.current = fs
	c.active = true

	if !fs.OpenEnded() {
		c.endTimer = time.AfterFunc(c.until(fs.EndTime), func() {
			c.autoEnd(fs.ID)
		})
	}

	c.registry.FocusStartAll(ctx, c.dndMinutes(fs), c.responseText(ctx))
	c.emit(event.FocusStarted{SessionID: fs.ID, StartTime: fs.StartTime, EndTime: fs.EndTime})
	log.Printf("Focus started: session %s [%d, %d)", fs.ID, fs.StartTime, fs.EndTime)
	return nil
}

// Schedule registers a future focus session and arms its timers. The
// window must be bounded: a scheduled session needs an end to auto-end
// at.
func (c *Controller) Schedule(ctx context.Context, startTime, endTime int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOverlapLocked(ctx, startTime, endTime, ""); err != nil {
		return "", err
	}
	if err := c.checkDuration(startTime, endTime, true); err != nil {
		return "", err
	}

	fs := session.New(uuid.NewString(), startTime, endTime)
	fs.Status = session.StatusFuture
	if err := c.store.SaveFocusSession(ctx, fs); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c.armScheduledLocked(fs)
	log.Printf("Focus scheduled: session %s [%d, %d)", fs.ID, fs.StartTime, fs.EndTime)
	return fs.ID, nil
}

// armScheduledLocked arms the two single-shot timers for a future
// session: one re-issuing the start at startTime (re-validated, since
// other sessions may have changed by then) and one auto-ending at
// endTime if the session is still current.
func (c *Controller) armScheduledLocked(fs *session.FocusSession) {
	id := fs.ID
	c.disarmScheduledLocked(id)
	c.scheduled[id] = &scheduledTimers{
		start: time.AfterFunc(c.until(fs.StartTime), func() {
			c.promote(id)
		}),
		end: time.AfterFunc(c.until(fs.EndTime), func() {
			c.autoEnd(id)
		}),
	}
}

func (c *Controller) disarmScheduledLocked(id string) {
	if t, ok := c.scheduled[id]; ok {
		t.start.Stop()
		t.end.Stop()
		delete(c.scheduled, id)
	}
}

// promote fires when a scheduled session's start time arrives.
func (c *Controller) promote(id string) {
	ctx := context.Background()
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.scheduled[id]; ok {
		t.start.Stop()
	}
	if err := c.startLocked(ctx, 0, 0, id); err != nil {
		// leave the row in place; recovery cleans it up once past
		log.Printf("Scheduled session %s could not start: %v", id, err)
	}
}

// autoEnd fires at a session's scheduled end time.
func (c *Controller) autoEnd(id string) {
	ctx := context.Background()
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active || c.current.ID != id {
		return
	}
	if err := c.endLocked(ctx, c.current.EndTime); err != nil {
		log.Printf("Auto-ending session %s failed: %v", id, err)
	}
}

// End finishes the current session now. Ending while idle is a no-op:
// starting a session is the only transition that enables ending.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil
	}
	return c.endLocked(ctx, c.now())
}

// endLocked archives the current session with the given end instant.
// Cleanup is best-effort and runs to completion; only a failed session
// row write is surfaced.
func (c *Controller) endLocked(ctx context.Context, at int64) error {
	fs := c.current

	if c.endTimer != nil {
		c.endTimer.Stop()
		c.endTimer = nil
	}
	c.disarmScheduledLocked(fs.ID)

	fs.End(at)
	c.active = false
	c.current = nil

	c.registry.FocusEndAll(ctx)

	err := c.store.UpdateFocusSession(ctx, fs)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c.emit(event.FocusEnded{SessionID: fs.ID, Aborted: fs.Aborted()})
	log.Printf("Focus ended: session %s at %d (aborted=%v)", fs.ID, at, fs.Aborted())
	return err
}

// CancelScheduled removes a pending future session and disarms its
// timers before they fire.
func (c *Controller) CancelScheduled(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fs, err := c.store.GetFocusSession(ctx, id)
	if err != nil {
		return err
	}
	if fs.Status != session.StatusFuture {
		return fmt.Errorf("session %s is not scheduled", id)
	}

	c.disarmScheduledLocked(id)
	if err := c.store.DeleteFocusSession(ctx, id); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	log.Printf("Scheduled session %s cancelled", id)
	return nil
}

// SetGoals replaces the goal list on the current session. Goals are
// only mutable while the session is running.
func (c *Controller) SetGoals(ctx context.Context, goals []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		log.Println("SetGoals ignored: no focus session running")
		return nil
	}
	c.current.Goals = goals
	if err := c.store.UpdateFocusSession(ctx, c.current); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SetRating stores a quality score on the most recently ended session.
func (c *Controller) SetRating(ctx context.Context, rating int) error {
	prev, err := c.store.GetPreviousFocusSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if prev == nil {
		log.Println("SetRating ignored: no previous focus session")
		return nil
	}
	prev.Rating = rating
	if err := c.store.UpdateFocusSession(ctx, prev); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// InteractionStart records that the user opened a service's view
// while focused.
func (c *Controller) InteractionStart(ctx context.Context, serviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil
	}
	c.current.OpenInteraction(serviceID, c.now())
	if err := c.store.UpdateFocusSession(ctx, c.current); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// InteractionEnd closes the open viewing interval for a service.
func (c *Controller) InteractionEnd(ctx context.Context, serviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil
	}
	c.current.CloseInteraction(serviceID, c.now())
	if err := c.store.UpdateFocusSession(ctx, c.current); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// DeleteService finalizes the service's focus interaction record, if
// one is open, before handing deletion to the registry (which tears
// the loops down first, then removes the service).
func (c *Controller) DeleteService(ctx context.Context, serviceID string) error {
	c.mu.Lock()
	if c.active {
		c.current.CloseInteraction(serviceID, c.now())
		if err := c.store.UpdateFocusSession(ctx, c.current); err != nil {
			log.Printf("Failed to finalize interactions for service %s: %v", serviceID, err)
		}
	}
	c.mu.Unlock()

	return c.registry.DeleteService(ctx, serviceID)
}

// FileNotification appends a notification to the current session's
// archive if a session is active. The mode check and the append are
// one critical section, so a session ending mid-route cannot lose the
// notification.
func (c *Controller) FileNotification(ctx context.Context, n event.Notification) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return false, nil
	}
	c.current.AppendNotification(n)
	if err := c.store.AppendSessionNotification(ctx, c.current.ID, n); err != nil {
		return true, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return true, nil
}

// Recover reconciles persisted sessions with the ephemeral state
// after the all-authed transition. In-memory timers do not survive a
// restart, so what should be running now is re-derived from the store:
// a persisted current session is resumed or finalized, and every
// future session is re-armed or, if wholly past, deleted.
func (c *Controller) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	cur, err := c.store.GetCurrentFocusSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if cur != nil && !c.active {
		if cur.OpenEnded() || cur.EndTime > now {
			log.Printf("Recovery: resuming current session %s", cur.ID)
			if err := c.startLocked(ctx, cur.StartTime, cur.EndTime, cur.ID); err != nil {
				log.Printf("Recovery: resume failed: %v", err)
			}
		} else {
			log.Printf("Recovery: finalizing expired session %s", cur.ID)
			cur.End(cur.EndTime)
			if err := c.store.UpdateFocusSession(ctx, cur); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			c.emit(event.FocusEnded{SessionID: cur.ID, Aborted: false})
		}
	}

	futures, err := c.store.GetFutureFocusSessions(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for _, fs := range futures {
		if fs.EndTime > now {
			log.Printf("Recovery: re-arming scheduled session %s", fs.ID)
			c.armScheduledLocked(fs)
		} else {
			log.Printf("Recovery: deleting expired scheduled session %s", fs.ID)
			if err := c.store.DeleteFocusSession(ctx, fs.ID); err != nil {
				log.Printf("Recovery: delete failed: %v", err)
			}
		}
	}
	return nil
}

// Shutdown disarms every timer without touching persisted state; the
// next run's recovery pass re-derives what should be running.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endTimer != nil {
		c.endTimer.Stop()
		c.endTimer = nil
	}
	for id := range c.scheduled {
		c.disarmScheduledLocked(id)
	}
}

// --- Validation ---

// checkOverlapLocked rejects windows intersecting the stored current
// session or any future one. Intervals are half-open: abutting
// sessions do not overlap.
func (c *Controller) checkOverlapLocked(ctx context.Context, startTime, endTime int64, selfID string) error {
	var existing []*session.FocusSession

	cur, err := c.store.GetCurrentFocusSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if cur != nil {
		existing = append(existing, cur)
	}
	futures, err := c.store.GetFutureFocusSessions(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	existing = append(existing, futures...)

	for _, fs := range existing {
		if fs.ID == selfID {
			continue
		}
		if fs.Overlaps(startTime, endTime) {
			return c.reject(ErrOverlap,
				fmt.Sprintf("window collides with session %s", fs.ID))
		}
	}
	return nil
}

// checkDuration enforces the duration rule. Open-ended windows skip
// the check on a start; a schedule always needs a bounded window.
func (c *Controller) checkDuration(startTime, endTime int64, requireEnd bool) error {
	if endTime == 0 {
		if requireEnd {
			return c.reject(ErrWrongDuration, "a scheduled session needs an end time")
		}
		return nil
	}
	if endTime <= startTime {
		return c.reject(ErrWrongDuration, "end time must be after start time")
	}
	if endTime-startTime > maxFocusDuration.Milliseconds() {
		return c.reject(ErrWrongDuration,
			fmt.Sprintf("focus sessions are limited to %v", maxFocusDuration))
	}
	return nil
}

func (c *Controller) reject(kind error, msg string) error {
	c.emit(event.FocusError{Kind: kind.Error(), Message: msg})
	return kind
}

// --- Helpers ---

func (c *Controller) until(at int64) time.Duration {
	return time.Duration(at-c.now()) * time.Millisecond
}

func (c *Controller) dndMinutes(fs *session.FocusSession) int {
	if fs.OpenEnded() {
		return int(maxFocusDuration.Minutes())
	}
	mins := (fs.EndTime - c.now()) / 60_000
	if mins < 1 {
		mins = 1
	}
	return int(mins)
}

func (c *Controller) responseText(ctx context.Context) string {
	set, err := c.store.GetSettings(ctx)
	if err != nil {
		log.Printf("Failed to read settings, using default auto-response: %v", err)
		return c.defaultResponse
	}
	if set == nil || set.AutoResponseMessage == "" {
		return c.defaultResponse
	}
	return set.AutoResponseMessage
}

func (c *Controller) emit(update interface{}) {
	if c.updates == nil {
		return
	}
	select {
	case c.updates <- update:
	case <-time.After(100 * time.Millisecond):
		log.Printf("Warning: timeout emitting %T update", update)
	}
}
