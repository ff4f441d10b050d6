package engine

import "time"

// Clock supplies wall-clock instants to the engine.
//
// Every timestamp the engine writes (transition log entries, cycle
// updated_at, retry schedules) comes from this clock, and it decides which
// events are due. Production uses SystemClock; tests and scenarios use
// testutil.FixedClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now returns time.Now() in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
