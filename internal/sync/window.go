package sync

import "time"

// Window is the rolling lookback boundary for one run. It is computed once
// when the run starts and never moves while pages are walked.
type Window struct {
	Now      time.Time
	Lookback time.Duration
}

func NewWindow(now time.Time, lookback time.Duration) Window {
	return Window{Now: now, Lookback: lookback}
}

// Cutoff is the oldest instant still considered new.
func (w Window) Cutoff() time.Time {
	return w.Now.Add(-w.Lookback)
}

// WholeDays moves the cutoff back to midnight UTC of the cutoff day, for
// providers that only report dates.
func (w Window) WholeDays() Window {
	c := w.Cutoff().UTC()
	day := time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, time.UTC)
	return Window{Now: w.Now, Lookback: w.Now.Sub(day)}
}

// Contains reports whether t is at or after the cutoff.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Cutoff())
}

// Verdict classifies an item's timestamp against the window.
type Verdict int

const (
	InWindow Verdict = iota
	OutOfWindow
)

func (v Verdict) String() string {
	if v == OutOfWindow {
		return "out_of_window"
	}
	return "in_window"
}

// VerdictFor is the common first step of every processor.
func (w Window) VerdictFor(t time.Time) Verdict {
	if w.Contains(t) {
		return InWindow
	}
	return OutOfWindow
}
