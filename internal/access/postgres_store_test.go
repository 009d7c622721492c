//go:build integration

package access

import (
	"testing"

	"github.com/mbd888/epochstake/internal/testutil"
)

func init() {
	storeFactories["postgres"] = func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	}
}
