package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a daily call window in minutes since midnight. Start > End means
// the window wraps past midnight.
type Window struct {
	Start int
	End   int
}

// ParseWindow parses "HH:MM-HH:MM" strictly.
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Window{}, fmt.Errorf("call window is empty")
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("call window %q: expected HH:MM-HH:MM", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return Window{}, fmt.Errorf("call window %q: %w", s, err)
	}
	end, err := parseClock(to)
	if err != nil {
		return Window{}, fmt.Errorf("call window %q: %w", s, err)
	}
	return Window{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", hh)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("bad minute %q", mm)
	}
	return h*60 + m, nil
}

// Contains reports whether the minute-of-day of now falls inside the window,
// inclusive at both ends.
func (w Window) Contains(now time.Time) bool {
	m := now.Hour()*60 + now.Minute()
	if w.Start <= w.End {
		return w.Start <= m && m <= w.End
	}
	return !(w.End < m && m < w.Start)
}

// InWindow reports whether now is inside the window string. Empty or
// malformed windows fail open.
func InWindow(window string, now time.Time) bool {
	w, err := ParseWindow(window)
	if err != nil {
		return true
	}
	return w.Contains(now)
}
