package window

import (
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WINDOW CLOCK - Wall-clock alignment for 5m/15m binary windows
// ═══════════════════════════════════════════════════════════════════════════════
//
// Windows are measured from the Unix epoch (now - now mod length), so they
// never drift even when the length does not divide a day evenly. Pure
// functions, no state.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Class is the window duration class
type Class int

const (
	Win5m Class = iota
	Win15m
)

// Duration returns the fixed window length for the class
func (c Class) Duration() time.Duration {
	if c == Win5m {
		return 5 * time.Minute
	}
	return 15 * time.Minute
}

func (c Class) String() string {
	if c == Win5m {
		return "5m"
	}
	return "15m"
}

// Window is a single wall-clock-aligned trading epoch. Derived, never stored.
type Window struct {
	Start time.Time
	End   time.Time
	Class Class
}

// At returns the window containing now for the given class
func At(now time.Time, c Class) Window {
	length := c.Duration()
	startMs := now.UnixMilli() - now.UnixMilli()%length.Milliseconds()
	start := time.UnixMilli(startMs).UTC()
	return Window{
		Start: start,
		End:   start.Add(length),
		Class: c,
	}
}

// Remaining returns the time left until the window closes
func (w Window) Remaining(now time.Time) time.Duration {
	return w.End.Sub(now)
}

// Elapsed returns the time since the window opened
func (w Window) Elapsed(now time.Time) time.Duration {
	return now.Sub(w.Start)
}

// Contains reports whether now falls inside the window
func (w Window) Contains(now time.Time) bool {
	return !now.Before(w.Start) && now.Before(w.End)
}

// EndMs is the window close in epoch milliseconds, used for idempotency keys
func (w Window) EndMs() int64 {
	return w.End.UnixMilli()
}

// ═══════════════════════════════════════════════════════════════════════════════
// PHASES
// ═══════════════════════════════════════════════════════════════════════════════

// Phase classifies where in a window now falls. The threshold agents each
// trade in one phase; the late phase splits into two quote-gate sub-windows.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseEarly
	PhaseMid
	PhaseLateOuter
	PhaseLateFinal
)

func (p Phase) String() string {
	switch p {
	case PhaseEarly:
		return "early"
	case PhaseMid:
		return "mid"
	case PhaseLateOuter:
		return "late_outer"
	case PhaseLateFinal:
		return "late_final"
	}
	return "none"
}

// PhaseSpec carries the phase boundaries, expressed as seconds remaining in
// the window. Defaults suit a 15m window.
type PhaseSpec struct {
	EarlyEndsLeft time.Duration // early phase lasts until this much time remains
	MidEndsLeft   time.Duration // mid phase lasts until this much time remains
	FinalLen      time.Duration // the last sub-window of the late phase
	MinLeft       time.Duration // nothing trades with less than this remaining
}

// DefaultPhases returns boundaries for the 15-minute threshold family
func DefaultPhases() PhaseSpec {
	return PhaseSpec{
		EarlyEndsLeft: 10 * time.Minute,
		MidEndsLeft:   4 * time.Minute,
		FinalLen:      2 * time.Minute,
		MinLeft:       30 * time.Second,
	}
}

// PhaseAt classifies now within the window
func (s PhaseSpec) PhaseAt(w Window, now time.Time) Phase {
	left := w.Remaining(now)
	switch {
	case left <= 0 || left > w.Class.Duration():
		return PhaseNone
	case left < s.MinLeft:
		return PhaseNone
	case left > s.EarlyEndsLeft:
		return PhaseEarly
	case left > s.MidEndsLeft:
		return PhaseMid
	case left > s.FinalLen:
		return PhaseLateOuter
	default:
		return PhaseLateFinal
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// DAILY BLACKOUT
// ═══════════════════════════════════════════════════════════════════════════════

// Blackout is a recurring daily UTC interval during which no entries happen
// (venue maintenance, oracle handover). It may wrap past midnight.
type Blackout struct {
	startMin int // minutes after midnight UTC
	endMin   int
	enabled  bool
}

// ParseBlackout parses "HH:MM-HH:MM" (UTC). Empty string disables it.
func ParseBlackout(span string) (Blackout, error) {
	if span == "" {
		return Blackout{}, nil
	}
	var sh, sm, eh, em int
	if _, err := fmt.Sscanf(span, "%d:%d-%d:%d", &sh, &sm, &eh, &em); err != nil {
		return Blackout{}, fmt.Errorf("invalid blackout span %q: %w", span, err)
	}
	if sh < 0 || sh > 23 || eh < 0 || eh > 23 || sm < 0 || sm > 59 || em < 0 || em > 59 {
		return Blackout{}, fmt.Errorf("invalid blackout span %q", span)
	}
	return Blackout{
		startMin: sh*60 + sm,
		endMin:   eh*60 + em,
		enabled:  true,
	}, nil
}

// Contains reports whether now (UTC) falls inside the blackout interval
func (b Blackout) Contains(now time.Time) bool {
	if !b.enabled {
		return false
	}
	utc := now.UTC()
	minute := utc.Hour()*60 + utc.Minute()
	if b.startMin <= b.endMin {
		return minute >= b.startMin && minute < b.endMin
	}
	// Wraps past midnight
	return minute >= b.startMin || minute < b.endMin
}
