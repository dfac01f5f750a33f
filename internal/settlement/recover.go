package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/metrics"
	"github.com/brightventurez/vtu-wallet/internal/model"
	"gorm.io/gorm"
)

const settleMargin = 30 * time.Second

// settleWindow is the longest a live purchase can keep its debit pending.
func (e *Engine) settleWindow() time.Duration {
	return time.Duration(e.cfg.RetryAttempts)*(e.cfg.CallTimeout+e.cfg.RetryBackoff) + settleMargin
}

func requestFor(a *model.PurchaseAttempt) Request {
	return Request{
		UserID: a.UserID, Service: a.Service, Network: a.Network, PlanCode: a.PlanCode,
		Phone: a.Phone, Amount: a.Amount, Reference: a.LedgerReference,
	}
}

// resume finishes a debit whose original run stopped short of a terminal state.
// Without an attempt the provider was never called, so the purchase is run now.
// A pending attempt has an unknown provider outcome and is settled like a timeout.
func (e *Engine) resume(ctx context.Context, req Request, debit *model.LedgerEntry, attempt *model.PurchaseAttempt) (*Outcome, error) {
	out := &Outcome{Debit: debit}
	if attempt == nil {
		e.log.Warnw("resuming purchase for unsettled debit", "debit_ref", debit.Reference, "user_id", debit.UserID)
		return e.settle(ctx, req, out)
	}

	out.Attempt = attempt
	switch attempt.Status {
	case model.StatusSuccess:
		if err := e.wallet.Resolve(ctx, debit, model.StatusSuccess); err != nil {
			return nil, err
		}
		out.Message = fmt.Sprintf("%s completed successfully", req.describe())
		return out, nil
	case model.StatusPending:
		e.finishAttempt(ctx, attempt, model.StatusFailed, "no provider outcome recorded")
		cause := fmt.Errorf("%w: outcome of %s was never recorded", ErrProviderUnreachable, attempt.Reference)
		return nil, e.fail(ctx, req, out, cause, networkErrorMessage)
	default:
		cause := fmt.Errorf("%w: %s", ErrProviderFailure, attempt.Reference)
		return nil, e.fail(ctx, req, out, cause, "The provider could not complete the purchase")
	}
}

// redelivered handles a deferred purchase whose debit reference is already taken.
func (e *Engine) redelivered(ctx context.Context, req Request) (*Outcome, error) {
	debit, err := e.wallet.Entry(ctx, req.Reference)
	if err != nil {
		return nil, err
	}
	if debit.Status.Terminal() {
		e.log.Infow("deferred purchase redelivered", "debit_ref", debit.Reference, "status", debit.Status)
		return nil, ErrAlreadyCompleted
	}
	if time.Since(debit.CreatedAt) < e.settleWindow() {
		return nil, fmt.Errorf("%w: %s", ErrSettlementInProgress, debit.Reference)
	}

	attempt, err := e.store.AttemptForDebit(ctx, debit.Reference)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		attempt, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.resume(context.WithoutCancel(ctx), req, debit, attempt)
}

// RecoverStale settles debits left pending past the settlement window, such as
// a crash between debit and provider call or a refund that did not go through.
// Debits with no attempt on record are refunded; the purchase is not replayed.
func (e *Engine) RecoverStale(ctx context.Context, limit int) (int, error) {
	debits, err := e.wallet.PendingDebits(ctx, time.Now().Add(-e.settleWindow()), limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	for i := range debits {
		debit := &debits[i]
		if err := e.recoverDebit(ctx, debit); err != nil {
			e.log.Errorw("recover stale debit", "debit_ref", debit.Reference, "user_id", debit.UserID, "err", err)
			continue
		}
		settled++
	}
	return settled, nil
}

func (e *Engine) recoverDebit(ctx context.Context, debit *model.LedgerEntry) error {
	attempt, err := e.store.AttemptForDebit(ctx, debit.Reference)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, err := e.wallet.Refund(ctx, debit, "Refund: "+debit.Note); err != nil {
			return err
		}
		metrics.Refunds.Inc()
		e.log.Warnw("refunded stale debit", "debit_ref", debit.Reference, "user_id", debit.UserID, "amount", debit.Amount)
		return nil
	}
	if err != nil {
		return err
	}

	_, err = e.resume(ctx, requestFor(attempt), debit, attempt)
	var fe *FailureError
	if errors.As(err, &fe) && fe.Refunded {
		return nil
	}
	return err
}
