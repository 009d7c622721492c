// Package circuitbreaker fails token calls fast after repeated RPC failures,
// with closed → open → half-open transitions per key.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while a key's circuit is open.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epochstake",
		Subsystem: "breaker",
		Name:      "state_transitions_total",
		Help:      "Breaker state transitions by key, from-state and to-state.",
	}, []string{"key", "from_state", "to_state"})

	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epochstake",
		Subsystem: "breaker",
		Name:      "rejected_total",
		Help:      "Calls rejected while a breaker was open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitions, rejected)
}

type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker counts consecutive failures per key and opens once threshold is
// reached. After cooldown it lets a single probe through.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a breaker. Non-positive arguments default to five failures
// and thirty seconds.
func New(threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
	}
}

// Do runs fn unless key's circuit is open, and records its outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		rejected.WithLabelValues(key).Inc()
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has passed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) >= b.cooldown {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets key's failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	switch {
	case e.state == StateHalfOpen:
		b.open(e, key)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.open(e, key)
	}
}

// State returns key's current state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// Caller must hold b.mu.
func (b *Breaker) open(e *entry, key string) {
	e.openedAt = b.now()
	b.transition(e, key, StateOpen)
}

// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	transitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if to == StateOpen {
		b.logger.Warn("breaker opened", "key", key, "failures", e.failures, "cooldown", b.cooldown.String())
	} else {
		b.logger.Info("breaker state changed", "key", key, "from", from.String(), "to", to.String())
	}
}
