// Package health runs the readiness checks behind /health and /health/ready.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is one check's result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. It should honour ctx.
type Checker func(ctx context.Context) Status

// Registry holds named checks. Re-registering a name replaces the check in
// place, so results keep their first registration order.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	checks   map[string]Checker
	timeout  time.Duration
	parallel int
}

// NewRegistry creates a registry that gives each check two seconds and runs
// at most four at once.
func NewRegistry() *Registry {
	return &Registry{
		checks:   make(map[string]Checker),
		timeout:  2 * time.Second,
		parallel: 4,
	}
}

// SetTimeout bounds each check. Zero disables the bound.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Register adds or replaces the check called name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.order = append(r.order, name)
	}
	r.checks[name] = check
}

// Names lists registered checks in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// CheckAll runs every check and reports whether all passed. Statuses come
// back in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	checks := make([]Checker, len(names))
	for i, n := range names {
		checks[i] = r.checks[n]
	}
	timeout, parallel := r.timeout, r.parallel
	r.mu.RUnlock()

	statuses := make([]Status, len(names))
	var g errgroup.Group
	g.SetLimit(parallel)
	for i := range names {
		g.Go(func() error {
			statuses[i] = run(ctx, names[i], checks[i], timeout)
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range statuses {
		if !s.Healthy {
			return false, statuses
		}
	}
	return true, statuses
}

func run(ctx context.Context, name string, check Checker, timeout time.Duration) (s Status) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			s = Status{Name: name, Detail: "check panicked"}
		}
	}()

	s = check(ctx)
	if s.Name == "" {
		s.Name = name
	}
	return s
}
