package chess

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeControl defines the time settings for a game
type TimeControl struct {
	WhiteTime      time.Duration // Initial time, zero means untimed
	BlackTime      time.Duration
	WhiteIncrement time.Duration // Increment (or delay) per move
	BlackIncrement time.Duration
	TimingMethod   TimingMethod // Increment, Delay, or Bronstein
}

// TimingMethod defines the different ways to time a chess game
type TimingMethod int

// All the supported timing methods
const (
	IncrementTiming TimingMethod = iota
	DelayTiming
	BronsteinTiming
)

// Untimed reports whether the control has no time limit.
func (tc TimeControl) Untimed() bool {
	return tc.WhiteTime <= 0 && tc.BlackTime <= 0
}

// String renders the control in "minutes+seconds" form, e.g. "5+3".
func (tc TimeControl) String() string {
	if tc.Untimed() {
		return "-"
	}

	base := tc.WhiteTime.Seconds() / 60
	inc := int64(tc.WhiteIncrement / time.Second)

	return strconv.FormatFloat(base, 'f', -1, 64) + "+" + strconv.FormatInt(inc, 10)
}

// ParseTimeControl parses "minutes+seconds" strings such as "5+0" or "3+2".
// An empty string or "-" yields an untimed control.
func ParseTimeControl(s string) (TimeControl, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return TimeControl{}, nil
	}

	baseStr, incStr, found := strings.Cut(s, "+")
	if !found {
		incStr = "0"
	}

	minutes, err := strconv.ParseFloat(baseStr, 64)
	if err != nil || minutes < 0 {
		return TimeControl{}, fmt.Errorf("invalid base time in %q", s)
	}

	seconds, err := strconv.Atoi(incStr)
	if err != nil || seconds < 0 {
		return TimeControl{}, fmt.Errorf("invalid increment in %q", s)
	}

	base := time.Duration(minutes * float64(time.Minute))
	inc := time.Duration(seconds) * time.Second

	return TimeControl{
		WhiteTime:      base,
		BlackTime:      base,
		WhiteIncrement: inc,
		BlackIncrement: inc,
		TimingMethod:   IncrementTiming,
	}, nil
}
