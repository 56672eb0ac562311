package radio

import "time"

// Clock is a free-running microsecond counter that wraps at 2^32.
type Clock interface {
	Micros() uint32
}

// SystemClock counts microseconds since it was created.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a clock starting at zero.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Micros implements Clock.
func (c *SystemClock) Micros() uint32 {
	return uint32(time.Since(c.start).Microseconds())
}

// Since returns the microseconds elapsed from then to now across a wrap.
func Since(now, then uint32) uint32 {
	return now - then
}

// Reached reports whether now is at or past deadline, treating the
// counter as a circle where half the range lies ahead.
func Reached(now, deadline uint32) bool {
	return int32(now-deadline) >= 0
}

// Diff returns a-b as a signed wrap-safe difference.
func Diff(a, b uint32) int32 {
	return int32(a - b)
}
