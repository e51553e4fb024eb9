package helpers

import (
	"fmt"
	"strings"

	"github.com/migadu/autocrypt/consts"
)

// NormalizeAddress returns the canonical form used as a peer key.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// SplitEmailAddress splits a normalized address into local part and domain.
func SplitEmailAddress(email string) (string, string, error) {
	email = NormalizeAddress(email)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("%w: %q", consts.ErrInvalidAddress, email)
	}
	return email[:at], email[at+1:], nil
}

// ValidateAddress reports whether address looks like local@domain.
func ValidateAddress(address string) error {
	_, _, err := SplitEmailAddress(address)
	return err
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
