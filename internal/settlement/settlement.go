// Package settlement turns a wallet debit plus a provider call into either a
// confirmed purchase or a refunded failure.
//
// States: INITIATED -> DEBITED -> PROVIDER_CALLED -> SETTLED_SUCCESS | SETTLED_FAILED_REFUNDED.
// Once the debit commits the purchase ignores caller cancellation and always
// reaches one of the two terminal states.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/config"
	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/metrics"
	"github.com/brightventurez/vtu-wallet/internal/model"
	"github.com/brightventurez/vtu-wallet/internal/provider"
	"github.com/brightventurez/vtu-wallet/internal/refgen"
	"github.com/brightventurez/vtu-wallet/internal/repo"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidRequest means the purchase input is incomplete or malformed.
	ErrInvalidRequest = errors.New("invalid purchase request")
	// ErrProviderFailure means the provider answered and did not confirm success.
	ErrProviderFailure = errors.New("provider reported failure")
	// ErrProviderUnreachable means no response arrived within the retry budget.
	ErrProviderUnreachable = errors.New("provider unreachable")
	// ErrSettlementInProgress means a pending debit is still inside the window
	// in which its original run may be talking to the provider.
	ErrSettlementInProgress = errors.New("settlement still in progress")
)

const networkErrorMessage = "Network error while contacting the provider"

// Wallet is the part of the ledger the engine drives.
type Wallet interface {
	Debit(ctx context.Context, userID uint64, amount decimal.Decimal, note, reference string) (*model.LedgerEntry, error)
	Resolve(ctx context.Context, entry *model.LedgerEntry, outcome model.Status) error
	Refund(ctx context.Context, debit *model.LedgerEntry, note string) (*model.LedgerEntry, error)
	Entry(ctx context.Context, reference string) (*model.LedgerEntry, error)
	PendingDebits(ctx context.Context, before time.Time, limit int) ([]model.LedgerEntry, error)
}

// Store persists purchase attempts and reads the catalog.
type Store interface {
	CreateAttempt(ctx context.Context, a *model.PurchaseAttempt) error
	FinishAttempt(ctx context.Context, id uint64, status model.Status, response string) error
	AttemptForDebit(ctx context.Context, ledgerRef string) (*model.PurchaseAttempt, error)
	GetPlan(ctx context.Context, id uint64) (*model.PriceEntry, error)
}

// Request describes one purchase. Reference, when set, becomes the debit reference.
type Request struct {
	UserID    uint64
	Service   model.ServiceKind
	Network   string
	PlanCode  string
	PlanName  string
	Phone     string
	Amount    decimal.Decimal
	Reference string
}

func (r Request) validate() error {
	var missing []string
	if r.UserID == 0 {
		missing = append(missing, "user")
	}
	if strings.TrimSpace(r.Network) == "" {
		missing = append(missing, "network")
	}
	if strings.TrimSpace(r.Phone) == "" {
		missing = append(missing, "phone")
	}
	switch r.Service {
	case model.ServiceData:
		if strings.TrimSpace(r.PlanCode) == "" {
			missing = append(missing, "plan")
		}
	case model.ServiceAirtime:
	default:
		return fmt.Errorf("%w: unknown service %q", ErrInvalidRequest, r.Service)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if r.Amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}
	return nil
}

func (r Request) describe() string {
	if r.Service == model.ServiceData {
		name := r.PlanName
		if name == "" {
			name = r.PlanCode
		}
		return fmt.Sprintf("%s data %s to %s", r.Network, name, r.Phone)
	}
	return fmt.Sprintf("%s airtime to %s", r.Network, r.Phone)
}

// Outcome is the terminal state of a purchase that got past the debit.
type Outcome struct {
	Attempt *model.PurchaseAttempt
	Debit   *model.LedgerEntry
	Refund  *model.LedgerEntry
	Message string
}

// Succeeded reports whether the provider confirmed the purchase.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Attempt != nil && o.Attempt.Status == model.StatusSuccess
}

// FailureError is returned when a debited purchase did not go through.
// Message is safe to show to the user.
type FailureError struct {
	Cause    error
	Message  string
	Refunded bool
	Outcome  *Outcome
}

func (e *FailureError) Error() string { return e.Message }
func (e *FailureError) Unwrap() error { return e.Cause }

// Engine executes purchases.
type Engine struct {
	wallet   Wallet
	store    Store
	provider provider.Gateway
	cfg      config.SettlementConfig
	gen      refgen.Generator
	log      *zap.SugaredLogger
}

// NewEngine wires the engine. Zero config values fall back to sane bounds.
func NewEngine(w Wallet, s Store, p provider.Gateway, cfg config.SettlementConfig, logger *zap.SugaredLogger) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	return &Engine{wallet: w, store: s, provider: p, cfg: cfg, gen: refgen.Generate, log: logger}
}

// BuyAirtime purchases airtime of the given face value.
func (e *Engine) BuyAirtime(ctx context.Context, userID uint64, network, phone string, amount decimal.Decimal) (*Outcome, error) {
	return e.Purchase(ctx, Request{
		UserID: userID, Service: model.ServiceAirtime, Network: network, Phone: phone, Amount: amount,
	})
}

// BuyData purchases a catalog plan at its resale price.
func (e *Engine) BuyData(ctx context.Context, userID, planID uint64, phone string) (*Outcome, error) {
	plan, err := e.plan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return e.Purchase(ctx, Request{
		UserID: userID, Service: model.ServiceData, Network: plan.Network, PlanCode: plan.PlanCode,
		PlanName: plan.PlanName, Phone: phone, Amount: plan.ResalePrice,
	})
}

// Purchase runs the settlement state machine.
func (e *Engine) Purchase(ctx context.Context, req Request) (*Outcome, error) {
	service := string(req.Service)
	if err := req.validate(); err != nil {
		metrics.Purchases.WithLabelValues(service, "rejected").Inc()
		return nil, err
	}

	debit, err := e.wallet.Debit(ctx, req.UserID, req.Amount, req.describe(), req.Reference)
	if err != nil {
		metrics.Purchases.WithLabelValues(service, "rejected").Inc()
		return nil, err
	}
	return e.settle(context.WithoutCancel(ctx), req, &Outcome{Debit: debit})
}

// settle takes a committed debit through the provider call to a terminal state.
func (e *Engine) settle(ctx context.Context, req Request, out *Outcome) (*Outcome, error) {
	service, debit := string(req.Service), out.Debit
	attempt, err := e.createAttempt(ctx, req, debit)
	if err != nil {
		e.log.Errorw("create purchase attempt", "debit_ref", debit.Reference, "user_id", req.UserID, "err", err)
		return nil, e.fail(ctx, req, out, err, "Could not start the purchase")
	}
	out.Attempt = attempt

	res, callErr := e.call(ctx, req, attempt.Reference)
	if callErr != nil {
		e.log.Warnw("provider unreachable", "ref", attempt.Reference, "user_id", req.UserID, "err", callErr)
		e.finishAttempt(ctx, attempt, model.StatusFailed, callErr.Error())
		return nil, e.fail(ctx, req, out, fmt.Errorf("%w: %v", ErrProviderUnreachable, callErr), networkErrorMessage)
	}
	if !res.Success {
		e.log.Infow("provider declined", "ref", attempt.Reference, "status", res.StatusCode, "message", res.Message)
		e.finishAttempt(ctx, attempt, model.StatusFailed, res.Raw)
		msg := res.Message
		if msg == "" {
			msg = "The provider could not complete the purchase"
		}
		return nil, e.fail(ctx, req, out, fmt.Errorf("%w: %s", ErrProviderFailure, msg), msg)
	}

	e.finishAttempt(ctx, attempt, model.StatusSuccess, res.Raw)
	if err := e.wallet.Resolve(ctx, debit, model.StatusSuccess); err != nil {
		// the provider delivered, so the debit must stand; leave it for review
		e.log.Errorw("resolve successful debit", "debit_ref", debit.Reference, "ref", attempt.Reference, "err", err)
	}
	metrics.Purchases.WithLabelValues(service, "success").Inc()
	out.Message = fmt.Sprintf("%s completed successfully", req.describe())
	e.log.Infow("purchase settled", "ref", attempt.Reference, "user_id", req.UserID, "amount", req.Amount)
	return out, nil
}

// fail refunds the debit and builds the user-facing error.
func (e *Engine) fail(ctx context.Context, req Request, out *Outcome, cause error, reason string) error {
	metrics.Purchases.WithLabelValues(string(req.Service), "refunded").Inc()
	refund, err := e.wallet.Refund(ctx, out.Debit, "Refund: "+req.describe())
	if err != nil {
		e.log.Errorw("refund failed", "debit_ref", out.Debit.Reference, "user_id", req.UserID, "err", err)
		return &FailureError{
			Cause:   cause,
			Message: reason + ". The refund could not be completed yet and will be retried automatically.",
			Outcome: out,
		}
	}
	metrics.Refunds.Inc()
	out.Refund = refund
	out.Message = fmt.Sprintf("%s. Your wallet has been refunded %s.", reason, req.Amount.StringFixed(2))
	return &FailureError{Cause: cause, Message: out.Message, Refunded: true, Outcome: out}
}

func (e *Engine) createAttempt(ctx context.Context, req Request, debit *model.LedgerEntry) (*model.PurchaseAttempt, error) {
	for i := 0; i < refgen.MaxAttempts; i++ {
		a := &model.PurchaseAttempt{
			UserID: req.UserID, Reference: e.gen(refgen.PrefixPurchase), LedgerReference: debit.Reference,
			Service: req.Service, Network: req.Network, PlanCode: req.PlanCode, Phone: req.Phone,
			Amount: req.Amount, Status: model.StatusPending,
		}
		err := e.store.CreateAttempt(ctx, a)
		if err == nil {
			return a, nil
		}
		if !repo.IsUniqueViolation(err) {
			return nil, err
		}
	}
	return nil, ledger.ErrReferenceExhaustion
}

func (e *Engine) finishAttempt(ctx context.Context, a *model.PurchaseAttempt, status model.Status, raw string) {
	if err := e.store.FinishAttempt(ctx, a.ID, status, raw); err != nil {
		e.log.Errorw("record provider outcome", "ref", a.Reference, "status", status, "err", err)
	}
	a.Status = status
	a.ProviderResponse = raw
}

// call retries only while no response has been received.
func (e *Engine) call(ctx context.Context, req Request, reference string) (*provider.Result, error) {
	var res *provider.Result
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.RetryBackoff), uint64(e.cfg.RetryAttempts-1))
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		r, err := e.invoke(callCtx, req, reference)
		if err != nil {
			e.log.Warnw("provider call failed", "ref", reference, "attempt", attempt, "err", err)
			return err
		}
		res = r
		return nil
	}, b)
	return res, err
}

func (e *Engine) invoke(ctx context.Context, req Request, reference string) (*provider.Result, error) {
	if req.Service == model.ServiceData {
		return e.provider.PurchaseData(ctx, req.Network, req.PlanCode, req.Phone, reference)
	}
	return e.provider.PurchaseAirtime(ctx, req.Network, req.Phone, req.Amount, reference)
}

func (e *Engine) plan(ctx context.Context, planID uint64) (*model.PriceEntry, error) {
	if planID == 0 {
		return nil, fmt.Errorf("%w: missing plan", ErrInvalidRequest)
	}
	plan, err := e.store.GetPlan(ctx, planID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: plan %d not found", ErrInvalidRequest, planID)
	}
	return plan, err
}
