package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database reports whether the database answers a ping.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Epoch reports whether the epoch source can resolve the current epoch,
// which fails when the clock reads before the configured origin.
func Epoch(current func() (uint64, error)) Checker {
	return func(context.Context) Status {
		e, err := current()
		if err != nil {
			return Status{Name: "epoch", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "epoch", Healthy: true, Detail: fmt.Sprintf("epoch %d", e)}
	}
}

// Loop reports whether a background loop is running.
func Loop(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Freshness reports unhealthy when the last successful run is older than
// maxAge. A zero time means no run yet and is reported healthy.
func Freshness(name string, last func() time.Time, maxAge time.Duration) Checker {
	return func(context.Context) Status {
		t := last()
		if t.IsZero() {
			return Status{Name: name, Healthy: true, Detail: "no run yet"}
		}
		if age := time.Since(t); age > maxAge {
			return Status{Name: name, Healthy: false, Detail: fmt.Sprintf("last run %s ago", age.Round(time.Second))}
		}
		return Status{Name: name, Healthy: true}
	}
}
