// Package idgen mints identifiers for settlements, vault entries and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a time-ordered UUIDv7 string. IDs minted later sort later, which
// keeps settlement and hold references roughly in creation order.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix returns prefix followed by a dashless UUIDv7, e.g. "stl_0190c3...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(New(), "-", "")
}
