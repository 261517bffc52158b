// Package phone normalises patient phone numbers to E.164 so they can be
// compared across the ledger and the relational store.
package phone

import (
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// Normalize parses raw in the given default region and returns its E.164 form.
func Normalize(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	p, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("phone number %q is not valid", raw)
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

// Equal reports whether two numbers are the same line once normalised.
func Equal(a, b, region string) bool {
	na, err := Normalize(a, region)
	if err != nil || na == "" {
		return false
	}
	nb, err := Normalize(b, region)
	if err != nil {
		return false
	}
	return na == nb
}
