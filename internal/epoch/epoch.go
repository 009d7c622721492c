// Package epoch maps wall-clock time onto fixed-length reward epochs.
//
// Epoch n covers [Origin + n*Length, Origin + (n+1)*Length). The mapping is a
// pure function of the configured origin and length; the clock is injected so
// accrual can be exercised without waiting on real time.
package epoch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTime is returned for instants before the origin.
	ErrInvalidTime = errors.New("time precedes epoch origin")
	// ErrInvalidLength is returned by New for non-positive epoch lengths.
	ErrInvalidLength = errors.New("epoch length must be positive")
)

// Source derives epoch indices from a clock.
type Source struct {
	origin time.Time
	length time.Duration
	clock  Clock
}

// New creates an epoch source. A nil clock means the system clock.
func New(origin time.Time, length time.Duration, clock Clock) (*Source, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLength, length)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Source{origin: origin, length: length, clock: clock}, nil
}

// Origin returns the start of epoch 0.
func (s *Source) Origin() time.Time { return s.origin }

// Length returns the fixed epoch duration.
func (s *Source) Length() time.Duration { return s.length }

// EpochAt returns the epoch containing t.
func (s *Source) EpochAt(t time.Time) (uint64, error) {
	if t.Before(s.origin) {
		return 0, fmt.Errorf("%w: %s is before %s", ErrInvalidTime,
			t.UTC().Format(time.RFC3339Nano), s.origin.UTC().Format(time.RFC3339Nano))
	}
	return uint64(t.Sub(s.origin) / s.length), nil
}

// Current returns the epoch containing the clock's present instant.
func (s *Source) Current() (uint64, error) {
	return s.EpochAt(s.clock.Now())
}

// StartOf returns the first instant of epoch n.
func (s *Source) StartOf(n uint64) time.Time {
	return s.origin.Add(time.Duration(n) * s.length)
}

// Until returns how long the clock must advance before epoch n begins.
// It is zero when epoch n has already started.
func (s *Source) Until(n uint64) time.Duration {
	d := s.StartOf(n).Sub(s.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}
