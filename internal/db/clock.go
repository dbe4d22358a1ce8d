package db

import (
	"sync/atomic"
	"time"
)

// Clock hands out strictly increasing unix-microsecond timestamps.
// Message creation times come from here, so two messages written by the
// same process never share a timestamp and cursor pagination stays exact.
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the current time in microseconds, bumped past the last value handed out.
func (c *Clock) Now() int64 {
	for {
		prev := c.last.Load()
		next := c.now().UnixMicro()
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Micros converts t to the storage representation. The zero time maps to 0.
func Micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// Time converts a stored microsecond value back to a UTC time.
func Time(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
