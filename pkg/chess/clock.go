// Package chess defines the game entities shared by sessions: colors, clocks and moves.
package chess

import (
	"fmt"
	"sync"
	"time"
)

// Times is a point-in-time reading of both sides of a clock.
type Times struct {
	White   time.Duration
	Black   time.Duration
	Active  Color
	Running bool
}

// Clock manages the chess clock for both players.
//
// Elapsed time is computed from timestamps on every read or switch, so the
// clock needs no background goroutine.
type Clock struct {
	remaining map[Color]time.Duration
	increment map[Color]time.Duration

	activeColor  Color
	timingMethod TimingMethod
	untimed      bool

	lastSwitch time.Time
	isRunning  bool

	incrementsApplied time.Duration
	flagged           Color

	now   func() time.Time
	mutex sync.RWMutex
}

// ClockOption configures a Clock.
type ClockOption func(*Clock)

// WithTimeSource replaces time.Now, mostly for tests.
func WithTimeSource(now func() time.Time) ClockOption {
	return func(c *Clock) {
		c.now = now
	}
}

// NewClock creates a new chess clock with the given time controls.
// White is the active side until the first switch.
func NewClock(tc TimeControl, opts ...ClockOption) *Clock {
	c := &Clock{
		remaining: map[Color]time.Duration{
			White: tc.WhiteTime,
			Black: tc.BlackTime,
		},
		increment: map[Color]time.Duration{
			White: tc.WhiteIncrement,
			Black: tc.BlackIncrement,
		},
		activeColor:  White,
		timingMethod: tc.TimingMethod,
		untimed:      tc.Untimed(),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetActive sets the side whose time runs next. Used when a game starts
// from a position with black to move.
func (c *Clock) SetActive(color Color) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.activeColor = color
}

// Start starts the clock for the active player. Starting a running or
// flagged clock is a no-op.
func (c *Clock) Start() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.isRunning || c.flagged != "" {
		return
	}

	c.lastSwitch = c.now()
	c.isRunning = true
}

// Stop freezes both sides, charging the active side for the time used so far.
func (c *Clock) Stop() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.isRunning {
		return
	}

	c.charge(c.now())
	c.isRunning = false
}

// Switch charges the mover for the elapsed time, applies its increment and
// hands the clock to the opponent. It returns true without switching when
// the mover had already run out of time.
func (c *Clock) Switch() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	mover := c.activeColor

	if c.isRunning {
		elapsed := c.charge(now)
		if c.flagged != "" {
			return true
		}

		switch c.timingMethod {
		case IncrementTiming:
			c.addIncrement(mover, c.increment[mover])
		case BronsteinTiming:
			c.addIncrement(mover, min(elapsed, c.increment[mover]))
		}
	}

	c.activeColor = mover.Opp()
	c.lastSwitch = now

	return false
}

// Rewind hands the clock back to the other side without refunding any
// time. Used when a move is taken back.
func (c *Clock) Rewind() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if c.isRunning {
		c.charge(now)
		if c.flagged != "" {
			return
		}
	}

	c.activeColor = c.activeColor.Opp()
	c.lastSwitch = now
}

// Remaining returns the live remaining time for side and whether that side
// has run out of time.
func (c *Clock) Remaining(side Color) (time.Duration, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	left := c.live(side, c.now())
	if c.untimed {
		return left, false
	}

	return left, c.flagged == side || left <= 0
}

// Flagged reports the side that has run out of time, if any.
func (c *Clock) Flagged() (Color, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.untimed {
		return "", false
	}
	if c.flagged != "" {
		return c.flagged, true
	}
	if c.isRunning && c.live(c.activeColor, c.now()) <= 0 {
		return c.activeColor, true
	}

	return "", false
}

// Times reads both sides at a single instant.
func (c *Clock) Times() Times {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()

	return Times{
		White:   c.live(White, now),
		Black:   c.live(Black, now),
		Active:  c.activeColor,
		Running: c.isRunning,
	}
}

// Active returns the side whose time is running.
func (c *Clock) Active() Color {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.activeColor
}

// IncrementsApplied returns the total time added by increments so far.
func (c *Clock) IncrementsApplied() time.Duration {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.incrementsApplied
}

// live must be called with the mutex held.
func (c *Clock) live(side Color, now time.Time) time.Duration {
	left := c.remaining[side]
	if c.untimed {
		return left
	}
	if c.isRunning && side == c.activeColor {
		left -= c.chargeable(now.Sub(c.lastSwitch), side)
	}

	return left
}

func (c *Clock) chargeable(elapsed time.Duration, side Color) time.Duration {
	if c.timingMethod == DelayTiming {
		return max(0, elapsed-c.increment[side])
	}

	return elapsed
}

// charge deducts the time since the last switch from the active side and
// returns the raw elapsed time. Must be called with the mutex held.
func (c *Clock) charge(now time.Time) time.Duration {
	elapsed := now.Sub(c.lastSwitch)
	side := c.activeColor
	c.lastSwitch = now

	if c.untimed {
		return elapsed
	}

	c.remaining[side] -= c.chargeable(elapsed, side)

	if c.remaining[side] <= 0 {
		c.remaining[side] = 0
		c.flagged = side
		c.isRunning = false
	}

	return elapsed
}

func (c *Clock) addIncrement(side Color, d time.Duration) {
	if c.untimed || d <= 0 {
		return
	}

	c.remaining[side] += d
	c.incrementsApplied += d
}

// FormatClockTime formats a duration to a user-friendly string (e.g., "1:30")
func FormatClockTime(d time.Duration) string {
	timeMs := d.Milliseconds()
	if timeMs < 0 {
		timeMs = 0
	}

	totalSeconds := timeMs / 1000
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60

	// For times less than 10 seconds, show decimal
	if timeMs < 10000 {
		tenths := (timeMs % 1000) / 100
		return fmt.Sprintf("%d.%d", totalSeconds, tenths)
	}

	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
