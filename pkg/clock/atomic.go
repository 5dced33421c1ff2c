package clock

import (
	"sync/atomic"
	"time"
)

// Clock is the time source used for TTL checks and transaction deadlines.
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Manual is a clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	nanos atomic.Int64
}

func NewManual(init time.Time) *Manual {
	var m Manual
	m.Set(init)
	return &m
}

func (m *Manual) Now() time.Time {
	return time.Unix(0, m.nanos.Load())
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	return time.Unix(0, m.nanos.Add(int64(d)))
}

func (m *Manual) Set(t time.Time) {
	m.nanos.Store(t.UnixNano())
}
