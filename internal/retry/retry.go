// Package retry retries RPC and database calls with capped exponential
// backoff, or at a fixed poll interval.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff describes a bounded retry loop. Each wait doubles from Base up to
// Max, with up to Jitter of it randomized away.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Jitter   float64 // fraction of each delay, 0..1
}

// DB is the policy used for the startup database ping.
var DB = Backoff{Attempts: 5, Base: 500 * time.Millisecond, Max: 4 * time.Second, Jitter: 0.25}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do and Poll return the
// unwrapped err as soon as they see it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

func unwrapPermanent(err error) (error, bool) {
	var p *permanent
	if errors.As(err, &p) {
		return p.err, true
	}
	return err, false
}

// Delay returns the wait before retry n (0-based), before jitter.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base
	for i := 0; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

func (b Backoff) wait(n int) time.Duration {
	d := b.Delay(n)
	if b.Jitter <= 0 || d <= 0 {
		return d
	}
	j := b.Jitter
	if j > 1 {
		j = 1
	}
	cut := time.Duration(float64(d) * j * rand.Float64())
	return d - cut
}

// Do runs fn until it succeeds, returns a Permanent error, the attempts run
// out, or ctx ends. The last fn error is returned when attempts run out.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for n := 0; n < attempts; n++ {
		if err = fn(); err == nil {
			return nil
		}
		if inner, ok := unwrapPermanent(err); ok {
			return inner
		}
		if n == attempts-1 {
			break
		}

		t := time.NewTimer(b.wait(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// Poll calls fn every interval until it succeeds, returns a Permanent
// error, or ctx ends. On ctx expiry the last fn error is joined with
// ctx.Err() so callers can test for either.
func Poll(ctx context.Context, interval time.Duration, fn func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := fn()
		if err == nil {
			return nil
		}
		if inner, ok := unwrapPermanent(err); ok {
			return inner
		}

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-ticker.C:
		}
	}
}
