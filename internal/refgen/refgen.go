// Package refgen mints transaction references.
//
// A reference is "<PREFIX>-<ULID>". The ULID carries a millisecond timestamp
// and 80 random bits, so independent callers never need to coordinate.
package refgen

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	PrefixLedger   = "WLT"
	PrefixPurchase = "VTU"
	PrefixRefund   = "RFD"
	PrefixSell     = "SEL"
)

// MaxAttempts bounds how many fresh references a caller tries after
// a uniqueness violation before giving up.
const MaxAttempts = 5

// Generator produces a new reference for the given prefix.
type Generator func(prefix string) string

// Generate returns a new reference. An empty prefix defaults to PrefixLedger.
func Generate(prefix string) string {
	if prefix == "" {
		prefix = PrefixLedger
	}
	return strings.ToUpper(prefix) + "-" + ulid.Make().String()
}
