package timeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a daily preferred delivery window in the due date's location.
// Start and End are minutes since midnight. A window whose Start is after
// its End wraps past midnight.
type Window struct {
	Start int
	End   int
}

// ParseWindow parses "HH:MM-HH:MM". The empty string means any time and
// returns (nil, nil).
func ParseWindow(s string) (*Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return nil, fmt.Errorf("window %q: expected HH:MM-HH:MM", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return nil, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := parseClock(to)
	if err != nil {
		return nil, fmt.Errorf("window %q: %w", s, err)
	}
	if start == end {
		return nil, fmt.Errorf("window %q: empty range", s)
	}
	return &Window{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", hh)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute %q", mm)
	}
	return h*60 + m, nil
}

// contains reports whether the wall-clock offset since midnight falls in
// the window. End is inclusive only at its exact minute.
func (w Window) contains(sinceMidnight time.Duration) bool {
	start := time.Duration(w.Start) * time.Minute
	end := time.Duration(w.End) * time.Minute
	if w.Start < w.End {
		return sinceMidnight >= start && sinceMidnight <= end
	}
	return sinceMidnight >= start || sinceMidnight <= end
}

// Snap moves t into the window. An instant before the window opens moves to
// the opening on the same day; an instant after it closes moves to the
// opening on the following day. Instants inside the window are unchanged.
// Openings are wall-clock times in t's location, so DST days keep the
// configured local hour.
func (w *Window) Snap(t time.Time) time.Time {
	if w == nil {
		return t
	}
	sinceMidnight := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
	if w.contains(sinceMidnight) {
		return t
	}
	day := t.Day()
	if w.Start < w.End && sinceMidnight > time.Duration(w.End)*time.Minute {
		day++
	}
	return time.Date(t.Year(), t.Month(), day, w.Start/60, w.Start%60, 0, 0, t.Location())
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}
