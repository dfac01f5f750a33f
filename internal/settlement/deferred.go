package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/model"
	"github.com/shopspring/decimal"
)

// ErrAlreadyCompleted means a deferred purchase for this payment already ran.
var ErrAlreadyCompleted = errors.New("deferred purchase already completed")

// DeferredPurchase is an auto-purchase carried in checkout metadata and
// completed once the payment webhook has credited the wallet.
type DeferredPurchase struct {
	UserID           uint64            `json:"user_id"`
	Service          model.ServiceKind `json:"purchase_type"`
	PlanID           uint64            `json:"plan_id,omitempty"`
	Network          string            `json:"network"`
	Phone            string            `json:"phone"`
	Amount           decimal.Decimal   `json:"amount"`
	PaymentReference string            `json:"payment_reference"`
}

// DebitReference is derived from the payment so redelivery hits the unique index.
func (d DeferredPurchase) DebitReference() string { return "AUTO-" + d.PaymentReference }

// CompleteDeferred runs a deferred purchase at most once per payment reference.
// A redelivery that finds the debit already settled returns ErrAlreadyCompleted;
// one that finds it stranded past the settlement window finishes it instead.
func (e *Engine) CompleteDeferred(ctx context.Context, d DeferredPurchase) (*Outcome, error) {
	if d.PaymentReference == "" {
		return nil, fmt.Errorf("%w: missing payment reference", ErrInvalidRequest)
	}
	req := Request{
		UserID: d.UserID, Service: d.Service, Network: d.Network, Phone: d.Phone,
		Amount: d.Amount, Reference: d.DebitReference(),
	}
	if d.Service == model.ServiceData {
		plan, err := e.plan(ctx, d.PlanID)
		if err != nil {
			return nil, err
		}
		req.PlanCode, req.PlanName = plan.PlanCode, plan.PlanName
		if req.Network == "" {
			req.Network = plan.Network
		}
		if req.Amount.LessThanOrEqual(decimal.Zero) {
			req.Amount = plan.ResalePrice
		}
	}

	out, err := e.Purchase(ctx, req)
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return e.redelivered(ctx, req)
	}
	return out, err
}
