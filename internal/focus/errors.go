package focus

import "errors"

// Named validation failures. The error text doubles as the failure
// kind reported across the IPC boundary.
var (
	// ErrAlreadyFocused rejects a start while a session is active.
	ErrAlreadyFocused = errors.New("already-focused")
	// ErrOverlap rejects a window intersecting the current session or
	// any scheduled one.
	ErrOverlap = errors.New("focus-overlap")
	// ErrWrongDuration rejects a non-positive window or one past the
	// duration ceiling.
	ErrWrongDuration = errors.New("wrong-duration")
	// ErrStoreUnavailable wraps persistence failures. These are never
	// swallowed: a lost write breaks the single-current-session
	// invariant.
	ErrStoreUnavailable = errors.New("store-unavailable")
)
