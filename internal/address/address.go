// Package address parses and validates the principal and LP-token
// identifiers that ledgers and registries store: 0x-prefixed, 20-byte hex
// strings, normalised to lower case. The all-zero address is rejected.
package address

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/tranche-engine/internal/apperr"
)

// Zero is the all-zero address.
const Zero = "0x0000000000000000000000000000000000000000"

var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var (
	ErrInvalid = apperr.New(apperr.ErrValidation, "address: invalid format")
	ErrZero    = apperr.New(apperr.ErrValidation, "address: zero address")
)

// Parse validates s and returns its canonical lower-case form.
func Parse(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrZero
	}
	if !addressRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 0x followed by 40 hex digits)", ErrInvalid, s)
	}
	canonical := strings.ToLower(s)
	if canonical == Zero {
		return "", ErrZero
	}
	return canonical, nil
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) string {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Equal reports whether a and b name the same address.
func Equal(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
