// Package amount provides shared token amount parsing and formatting.
//
// Amounts are unsigned integers in the token's smallest unit and are held as
// *uint256.Int so every addition and multiplication can be overflow-checked.
// The wire format is the plain decimal string of the base-unit value
// (e.g. "10000000").
package amount

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// ErrInvalid is returned for negative, empty or non-numeric amounts.
var ErrInvalid = errors.New("invalid amount")

// Parse converts a base-unit decimal string to a uint256.
//
// Rules:
//   - Surrounding whitespace is ignored
//   - Empty strings, signs and fractional parts are rejected
//   - Values that do not fit in 256 bits are rejected
func Parse(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%w: negative amounts not allowed", ErrInvalid)
	}
	if strings.HasPrefix(s, "+") || strings.Contains(s, ".") {
		return nil, fmt.Errorf("%w: %q is not a base-unit integer", ErrInvalid, s)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return v, nil
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) *uint256.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format returns the base-unit decimal string. A nil amount formats as "0".
func Format(a *uint256.Int) string {
	if a == nil {
		return "0"
	}
	return a.Dec()
}

// FormatUnits renders a base-unit amount with the given number of decimals,
// always printing exactly that many fractional digits (e.g. "1.500000").
func FormatUnits(a *uint256.Int, decimals int) string {
	s := Format(a)
	if decimals <= 0 {
		return s
	}
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	return s[:point] + "." + s[point:]
}

// OrZero returns a copy of a, or a fresh zero when a is nil.
func OrZero(a *uint256.Int) *uint256.Int {
	if a == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(a)
}
