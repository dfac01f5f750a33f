// Package provider talks to the upstream VTU vendor.
package provider

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the capability the settlement engine needs from a VTU vendor.
// A returned error means no HTTP response was received; any response,
// whatever its status, comes back as a Result.
type Gateway interface {
	PurchaseData(ctx context.Context, network, planCode, phone, reference string) (*Result, error)
	PurchaseAirtime(ctx context.Context, network, phone string, amount decimal.Decimal, reference string) (*Result, error)
}

// Result is the parsed vendor reply.
type Result struct {
	StatusCode int
	Success    bool
	Message    string
	Raw        string
}
