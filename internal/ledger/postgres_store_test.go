//go:build integration

package ledger

import (
	"testing"

	"github.com/mbd888/epochstake/internal/testutil"
)

// Registers the Postgres store with the shared behaviour tests in
// ledger_test.go; run with `go test -tags integration`.
func init() {
	storeFactories["postgres"] = func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	}
}
