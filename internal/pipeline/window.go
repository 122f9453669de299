package pipeline

import (
	"log"
	"sync"
	"time"

	"facewatch/internal/config"
)

// WindowController is the single authoritative state machine deciding when
// recognition runs. Interval logic (continuous mode) and manual triggers both
// converge here, so there is never more than one window open at a time.
//
// State transitions:
//
//	IDLE    -> ACTIVE   interval tick (continuous mode) or manual trigger
//	ACTIVE  -> COOLING  window duration elapsed, or stop-on-match fired
//	COOLING -> IDLE     settle period elapsed
//
// A trigger while ACTIVE is ignored and the current window continues. A
// trigger while COOLING starts a fresh window immediately; operator intent
// beats the settle period (interval ticks, by contrast, never cut cooling
// short).
type WindowController struct {
	mu sync.Mutex

	mode     config.Mode
	interval time.Duration
	settle   time.Duration
	defaults WindowParams

	state        WindowState
	params       WindowParams
	startedAt    time.Time
	closesAt     time.Time
	nextSample   time.Time
	coolingUntil time.Time
	nextTick     time.Time

	// notified is set when a notification was delivered during the current
	// window; it decides whether a closing forced window still owes feedback.
	notified bool

	now func() time.Time
}

// NewWindowController creates a controller in IDLE. In continuous mode the
// first interval tick is due one full interval from now.
func NewWindowController(snap *config.Snapshot) *WindowController {
	c := &WindowController{now: time.Now}
	c.applyLocked(snap)
	c.nextTick = c.now().Add(c.interval)
	return c
}

// Reconfigure applies a new configuration snapshot. The current window, if
// any, keeps the parameters it was opened with.
func (c *WindowController) Reconfigure(snap *config.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prevMode := c.mode
	c.applyLocked(snap)
	if prevMode == config.ModeManual && c.mode == config.ModeContinuous {
		c.nextTick = c.now().Add(c.interval)
	}
}

func (c *WindowController) applyLocked(snap *config.Snapshot) {
	c.mode = snap.Mode
	c.interval = snap.Interval()
	c.settle = snap.Settle()
	c.defaults = WindowParams{
		Duration:    snap.WindowDuration(),
		FPSCap:      snap.FPSCap,
		StopOnMatch: snap.StopOnMatch,
	}.Clamped()
}

// State returns the current window state.
func (c *WindowController) State() WindowState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartedAt returns when the current window opened (zero when no window).
func (c *WindowController) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return time.Time{}
	}
	return c.startedAt
}

// ForcedActive reports whether a forced (manually triggered) window is open.
func (c *WindowController) ForcedActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive && c.params.Forced
}

// ForcedPending reports whether a forced window is open that has not yet
// delivered a notification. The rate-limiter bypass is tied to this, so a
// manual trigger forces at most one delivery no matter how many faces the
// window sees.
func (c *WindowController) ForcedPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive && c.params.Forced && !c.notified
}

// Trigger requests a manual window. Returns false (no-op) while a window is
// already ACTIVE; the running window continues unchanged.
func (c *WindowController) Trigger(p WindowParams) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateActive {
		log.Printf("[Window] Trigger ignored, window already active since %s",
			c.startedAt.Format("15:04:05"))
		return false
	}

	p.Forced = true
	c.openLocked(c.now(), p)
	return true
}

// Advance drives the time-based transitions. It returns a WindowClose when
// the current window closed during this call, otherwise nil. Advance must be
// called regularly (once per captured frame is enough).
func (c *WindowController) Advance(now time.Time) *WindowClose {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateActive:
		if !now.Before(c.closesAt) {
			return c.closeLocked(now, CloseTimeout)
		}
	case StateCooling:
		if !now.Before(c.coolingUntil) {
			c.state = StateIdle
			// Next interval tick is scheduled from the end of cooling.
			c.nextTick = now.Add(c.interval)
			log.Printf("[Window] cooling -> idle")
		}
	case StateIdle:
		if c.mode == config.ModeContinuous && !now.Before(c.nextTick) {
			c.openLocked(now, c.defaults)
		}
	}
	return nil
}

// ShouldSample reports whether the frame at now should go to recognition,
// honoring the window's FPS cap. Only ACTIVE windows sample.
func (c *WindowController) ShouldSample(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive || now.Before(c.nextSample) {
		return false
	}
	c.nextSample = now.Add(c.params.SampleInterval())
	return true
}

// NoteMatch records a qualifying known-face detection. When the window was
// opened with stop-on-match it closes immediately and the close is returned.
func (c *WindowController) NoteMatch(now time.Time) *WindowClose {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive || !c.params.StopOnMatch {
		return nil
	}
	return c.closeLocked(now, CloseMatch)
}

// NoteNotified records that a notification was delivered during the current
// window, satisfying a forced window's feedback guarantee.
func (c *WindowController) NoteNotified() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive {
		c.notified = true
	}
}

// Cancel closes the current window, if any, without feedback obligations.
func (c *WindowController) Cancel(now time.Time) *WindowClose {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return nil
	}
	c.notified = true // cancelled windows owe nothing
	return c.closeLocked(now, CloseCancel)
}

func (c *WindowController) openLocked(now time.Time, p WindowParams) {
	p = p.Clamped()
	c.state = StateActive
	c.params = p
	c.startedAt = now
	c.closesAt = now.Add(p.Duration)
	c.nextSample = now // first sample allowed immediately
	c.notified = false
	log.Printf("[Window] open: duration=%s fps=%.1f stop_on_match=%v forced=%v",
		p.Duration, p.FPSCap, p.StopOnMatch, p.Forced)
}

func (c *WindowController) closeLocked(now time.Time, reason CloseReason) *WindowClose {
	done := &WindowClose{
		Reason:        reason,
		Forced:        c.params.Forced,
		StartedAt:     c.startedAt,
		NeedsFeedback: c.params.Forced && !c.notified,
	}
	c.state = StateCooling
	c.coolingUntil = now.Add(c.settle)
	log.Printf("[Window] close: reason=%s forced=%v feedback_owed=%v",
		reason, done.Forced, done.NeedsFeedback)
	return done
}
