// Package payment wraps the Paystack checkout API and its webhook signature.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "X-Paystack-Signature"

// ErrBadSignature means the signature is absent or does not match.
var ErrBadSignature = errors.New("invalid webhook signature")

// Gateway is what funding and reconciliation need from the payment processor.
type Gateway interface {
	InitializeCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	Verify(ctx context.Context, reference string) (*Verification, error)
}

// SplitShare assigns a percentage of the payment to a partner subaccount.
type SplitShare struct {
	Subaccount string `json:"subaccount"`
	Share      int    `json:"share"`
}

type CheckoutRequest struct {
	Email       string
	Amount      decimal.Decimal
	CallbackURL string
	Metadata    map[string]interface{}
	Split       []SplitShare
}

type Checkout struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// Subaccount is a partner's cut as the processor reports it. Amount is in kobo
// and nil when only a percentage share was reported.
type Subaccount struct {
	Subaccount string          `json:"subaccount"`
	Share      decimal.Decimal `json:"share"`
	Amount     *int64          `json:"amount"`
}

// Split is the subaccount block of a transaction payload.
type Split struct {
	Subaccounts []Subaccount `json:"subaccounts"`
}

type Verification struct {
	Reference   string
	Status      string
	Gross       decimal.Decimal
	Email       string
	Metadata    json.RawMessage
	Subaccounts []Subaccount
}

// Succeeded reports whether the processor settled the charge.
func (v *Verification) Succeeded() bool { return v != nil && v.Status == "success" }

var hundred = decimal.NewFromInt(100)

// ToMinor converts naira to kobo, rounding half away from zero.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinor converts kobo to naira.
func FromMinor(kobo int64) decimal.Decimal {
	return decimal.New(kobo, -2)
}

// Sign returns the hex HMAC-SHA512 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckSignature fails closed once a secret is configured.
func CheckSignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(Sign(secret, body)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
