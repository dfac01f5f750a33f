// Package reconcile credits wallets from payment gateway notifications and
// starts the checkouts those notifications settle.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/brightventurez/vtu-wallet/internal/config"
	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/metrics"
	"github.com/brightventurez/vtu-wallet/internal/model"
	"github.com/brightventurez/vtu-wallet/internal/payment"
	"github.com/brightventurez/vtu-wallet/internal/settlement"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnauthorized means the webhook signature did not verify.
	ErrUnauthorized = errors.New("unauthorized webhook")
	// ErrMalformed means the webhook body could not be used.
	ErrMalformed = errors.New("malformed webhook payload")
	// ErrUnknownUser means no user matches the paying customer.
	ErrUnknownUser = errors.New("unknown user")
	// ErrNotSettled means the gateway does not report the payment as successful.
	ErrNotSettled = errors.New("payment not settled")
	// ErrPayerMismatch means the payment belongs to a different user than the caller.
	ErrPayerMismatch = errors.New("payment belongs to another user")
)

const (
	eventChargeSuccess = "charge.success"

	IntentWalletFunding = "wallet_funding"
	IntentAutoPurchase  = "auto_purchase"
)

// Webhook acknowledgement statuses.
const (
	StatusIgnored          = "ignored"
	StatusAlreadyProcessed = "already_processed"
	StatusSuccess          = "success"
)

// Wallet is the part of the ledger reconciliation writes to.
type Wallet interface {
	Credit(ctx context.Context, userID uint64, amount decimal.Decimal, note, reference string, hooks ...ledger.TxHook) (*model.LedgerEntry, error)
	ReferenceUsed(ctx context.Context, reference string) (bool, error)
}

// Users resolves paying customers.
type Users interface {
	UserByEmail(ctx context.Context, email string) (*model.User, error)
	UserByID(ctx context.Context, id uint64) (*model.User, error)
}

// Enqueuer hands a deferred purchase to the background worker.
type Enqueuer interface {
	EnqueueDeferred(ctx context.Context, d settlement.DeferredPurchase) error
}

// Result is the webhook acknowledgement.
type Result struct {
	Status           string          `json:"status"`
	Reference        string          `json:"reference,omitempty"`
	Credited         decimal.Decimal `json:"credited"`
	ProviderReceived decimal.Decimal `json:"provider_received"`
}

// Reconciler processes payment notifications and funding flows.
type Reconciler struct {
	wallet  Wallet
	gateway payment.Gateway
	users   Users
	queue   Enqueuer
	cfg     config.PaymentConfig
	log     *zap.SugaredLogger
}

func New(w Wallet, gw payment.Gateway, users Users, q Enqueuer, cfg config.PaymentConfig, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{wallet: w, gateway: gw, users: users, queue: q, cfg: cfg, log: logger}
}

type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Customer  struct {
			Email string `json:"email"`
		} `json:"customer"`
		Metadata      json.RawMessage      `json:"metadata"`
		Split         *payment.Split       `json:"split"`
		Subaccounts   []payment.Subaccount `json:"subaccounts"`
		Authorization struct {
			Split *payment.Split `json:"split"`
		} `json:"authorization"`
	} `json:"data"`
}

func (e *webhookEvent) subaccounts() []payment.Subaccount {
	if s := e.Data.Split; s != nil && len(s.Subaccounts) > 0 {
		return s.Subaccounts
	}
	if s := e.Data.Authorization.Split; s != nil && len(s.Subaccounts) > 0 {
		return s.Subaccounts
	}
	return e.Data.Subaccounts
}

type checkoutMetadata struct {
	Intent string `json:"intent"`
	settlement.DeferredPurchase
}

// HandleWebhook authenticates and applies one gateway notification.
// Replays of an already credited reference are acknowledged without effect.
func (r *Reconciler) HandleWebhook(ctx context.Context, raw []byte, signature string) (res *Result, err error) {
	defer func() { metrics.Webhooks.WithLabelValues(webhookLabel(res, err)).Inc() }()

	if err := payment.CheckSignature(r.cfg.SecretKey, raw, signature); err != nil {
		r.log.Warnw("webhook rejected", "reason", "signature")
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	var evt webhookEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.Event != eventChargeSuccess {
		r.log.Infow("webhook ignored", "event", evt.Event)
		return &Result{Status: StatusIgnored}, nil
	}
	ref, email := strings.TrimSpace(evt.Data.Reference), strings.TrimSpace(evt.Data.Customer.Email)
	if ref == "" || email == "" {
		return nil, fmt.Errorf("%w: incomplete data", ErrMalformed)
	}

	used, err := r.wallet.ReferenceUsed(ctx, ref)
	if err != nil {
		return nil, err
	}
	if used {
		r.log.Infow("webhook replay", "reference", ref)
		return &Result{Status: StatusAlreadyProcessed, Reference: ref}, nil
	}

	user, err := r.payer(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			r.log.Warnw("webhook for unknown user", "reference", ref, "email", email)
		}
		return nil, err
	}

	gross := payment.FromMinor(evt.Data.Amount)
	split := r.retained(gross, evt.subaccounts())
	if split.Platform.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: platform share %s of %s: %w", ErrMalformed, split.Platform, gross, ledger.ErrInvalidAmount)
	}

	note := fmt.Sprintf("Payment credit (gross %s, platform %s)", gross.StringFixed(2), split.Platform.StringFixed(2))
	if _, err := r.wallet.Credit(ctx, user.ID, split.Platform, note, ref, auditHook(user.ID, ref, split)); err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return &Result{Status: StatusAlreadyProcessed, Reference: ref}, nil
		}
		r.log.Errorw("webhook credit failed", "reference", ref, "user_id", user.ID, "err", err)
		return nil, err
	}
	r.log.Infow("webhook credited", "reference", ref, "user_id", user.ID,
		"gross", gross, "credited", split.Platform, "partners", split.Partners)

	r.handOff(ctx, user.ID, ref, evt.Data.Metadata)
	return &Result{Status: StatusSuccess, Reference: ref, Credited: split.Platform, ProviderReceived: split.Partners}, nil
}

// payer resolves the paying customer by email.
func (r *Reconciler) payer(ctx context.Context, email string) (*model.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: no customer email", ErrUnknownUser)
	}
	user, err := r.users.UserByEmail(ctx, email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, email)
	}
	return user, err
}

// auditHook records the split next to the credit, in the same transaction.
func auditHook(userID uint64, ref string, split splitResult) ledger.TxHook {
	detail, _ := json.Marshal(split)
	return func(tx *gorm.DB, _ *model.LedgerEntry) error {
		return tx.Create(&model.SplitAudit{
			UserID: userID, Reference: "split-" + ref, PaymentReference: ref,
			Gross: split.Gross, PlatformAmount: split.Platform, PartnerAmount: split.Partners,
			Detail: string(detail),
		}).Error
	}
}

// handOff queues the purchase a checkout was started for. Failures are logged:
// the credit already stands and the user can buy from the wallet.
func (r *Reconciler) handOff(ctx context.Context, userID uint64, ref string, raw json.RawMessage) {
	if r.queue == nil {
		return
	}
	switch strings.TrimSpace(string(raw)) {
	case "", "null", `""`:
		return
	}
	var meta checkoutMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		r.log.Warnw("unreadable checkout metadata", "reference", ref, "user_id", userID, "err", err)
		return
	}
	if meta.Intent != IntentAutoPurchase {
		return
	}
	if meta.UserID != 0 && meta.UserID != userID {
		r.log.Warnw("auto purchase user mismatch", "reference", ref, "metadata_user", meta.UserID, "payer", userID)
	}
	meta.UserID = userID
	meta.PaymentReference = ref
	if err := r.queue.EnqueueDeferred(ctx, meta.DeferredPurchase); err != nil {
		r.log.Errorw("enqueue auto purchase", "reference", ref, "user_id", userID, "err", err)
		return
	}
	r.log.Infow("auto purchase queued", "reference", ref, "user_id", userID, "type", meta.Service)
}

func webhookLabel(res *Result, err error) string {
	switch {
	case err == nil && res != nil:
		return res.Status
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	default:
		return "error"
	}
}
