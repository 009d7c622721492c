// Package admin provides admin-only endpoints for inspecting and resolving
// stuck vault state.
package admin

import (
	"context"

	"github.com/mbd888/epochstake/internal/reconciliation"
	"github.com/mbd888/epochstake/internal/vault"
)

// ReconciliationRunner runs an on-demand reconciliation.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
	Last() *reconciliation.Report
}

// HoldAdmin lists and force-releases vault holds left open by an interrupted
// settlement.
type HoldAdmin interface {
	OpenHolds(ctx context.Context) ([]*vault.Hold, error)
	ReleaseHold(ctx context.Context, ref string) error
}
