package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/payment"
	"github.com/brightventurez/vtu-wallet/internal/settlement"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FundingResult reports a redirect verification.
type FundingResult struct {
	Reference        string          `json:"reference"`
	Gross            decimal.Decimal `json:"gross"`
	Credited         decimal.Decimal `json:"credited"`
	AlreadyProcessed bool            `json:"already_processed"`
}

// InitiateFunding opens a checkout that tops the wallet up.
func (r *Reconciler) InitiateFunding(ctx context.Context, userID uint64, amount decimal.Decimal) (*payment.Checkout, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ledger.ErrInvalidAmount
	}
	return r.checkout(ctx, userID, amount, map[string]interface{}{
		"intent":  IntentWalletFunding,
		"user_id": userID,
	})
}

// CheckoutPurchase opens a checkout for a purchase the wallet could not cover.
// The webhook queues the purchase once the payment lands.
func (r *Reconciler) CheckoutPurchase(ctx context.Context, d settlement.DeferredPurchase) (*payment.Checkout, error) {
	if d.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ledger.ErrInvalidAmount
	}
	meta := map[string]interface{}{
		"intent":        IntentAutoPurchase,
		"user_id":       d.UserID,
		"purchase_type": d.Service,
		"network":       d.Network,
		"phone":         d.Phone,
		"amount":        d.Amount.StringFixed(2),
	}
	if d.PlanID != 0 {
		meta["plan_id"] = d.PlanID
	}
	return r.checkout(ctx, d.UserID, d.Amount, meta)
}

func (r *Reconciler) checkout(ctx context.Context, userID uint64, amount decimal.Decimal, meta map[string]interface{}) (*payment.Checkout, error) {
	user, err := r.users.UserByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownUser, userID)
	}
	if err != nil {
		return nil, err
	}
	co, err := r.gateway.InitializeCheckout(ctx, payment.CheckoutRequest{
		Email:    user.Email,
		Amount:   amount,
		Metadata: meta,
		Split:    checkoutSplit(amount, r.cfg),
	})
	if err != nil {
		r.log.Errorw("initialize checkout", "user_id", userID, "amount", amount, "intent", meta["intent"], "err", err)
		return nil, err
	}
	return co, nil
}

// VerifyFunding confirms a redirect-returned payment with the gateway and credits
// the caller the same amount the webhook would. Only the paying customer may
// verify a payment. Webhook and redirect share the payment reference, so
// whichever arrives second is a no-op.
func (r *Reconciler) VerifyFunding(ctx context.Context, userID uint64, reference string) (*FundingResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: missing reference", ErrMalformed)
	}
	v, err := r.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !v.Succeeded() {
		return nil, fmt.Errorf("%w: %s is %q", ErrNotSettled, reference, v.Status)
	}
	payer, err := r.payer(ctx, v.Email)
	if err != nil {
		return nil, err
	}
	if payer.ID != userID {
		r.log.Warnw("funding verified by non-payer", "reference", reference, "user_id", userID, "payer", payer.ID)
		return nil, fmt.Errorf("%w: %s", ErrPayerMismatch, reference)
	}

	out := &FundingResult{Reference: reference, Gross: v.Gross}
	used, err := r.wallet.ReferenceUsed(ctx, reference)
	if err != nil {
		return nil, err
	}
	if used {
		out.AlreadyProcessed = true
		return out, nil
	}

	split := r.retained(v.Gross, v.Subaccounts)
	if split.Platform.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: payment of %s leaves %s to credit", ledger.ErrInvalidAmount, v.Gross.StringFixed(2), split.Platform.StringFixed(2))
	}
	note := fmt.Sprintf("Funded via Paystack (gross %s, fee %s, partners %s)",
		v.Gross.StringFixed(2), split.Fee.StringFixed(2), split.Partners.StringFixed(2))
	if _, err := r.wallet.Credit(ctx, userID, split.Platform, note, reference, auditHook(userID, reference, split)); err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			out.AlreadyProcessed = true
			return out, nil
		}
		return nil, err
	}
	out.Credited = split.Platform
	r.log.Infow("funding verified", "reference", reference, "user_id", userID, "gross", v.Gross, "credited", split.Platform)

	r.handOff(ctx, userID, reference, v.Metadata)
	return out, nil
}
