package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/metrics"
	"github.com/brightventurez/vtu-wallet/internal/model"
	"github.com/brightventurez/vtu-wallet/internal/refgen"
	"github.com/brightventurez/vtu-wallet/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidAmount means a non-positive amount was passed.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientBalance is returned when the wallet cannot cover a debit.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	// ErrDuplicateReference means a caller-supplied reference is already taken.
	ErrDuplicateReference = errors.New("duplicate reference")
	// ErrReferenceExhaustion means every generated reference collided.
	ErrReferenceExhaustion = errors.New("could not allocate a unique reference")
	// ErrInvalidTransition means the entry is not pending or the outcome is not terminal.
	ErrInvalidTransition = errors.New("invalid ledger transition")
)

// maxVersionRetries bounds the compare-and-swap loop when the row lock is not honoured.
const maxVersionRetries = 3

const defaultHistoryLimit = 50

// TxHook runs inside the movement's transaction after the entry is written.
// Returning an error rolls the whole movement back.
type TxHook func(tx *gorm.DB, entry *model.LedgerEntry) error

// Ledger owns wallet balances and the append-only entry log.
type Ledger struct {
	repo repo.RepositoryInterface
	gen  refgen.Generator
	log  *zap.SugaredLogger
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithGenerator swaps the reference generator.
func WithGenerator(g refgen.Generator) Option {
	return func(l *Ledger) { l.gen = g }
}

// New returns a Ledger.
func New(r repo.RepositoryInterface, logger *zap.SugaredLogger, opts ...Option) *Ledger {
	l := &Ledger{repo: r, gen: refgen.Generate, log: logger}
	for _, o := range opts {
		o(l)
	}
	return l
}

type movement struct {
	userID    uint64
	kind      model.EntryKind
	amount    decimal.Decimal
	note      string
	reference string
	prefix    string
	status    model.Status
	hooks     []TxHook
}

// GetOrCreateWallet returns the user's wallet, creating an empty one when absent.
func (l *Ledger) GetOrCreateWallet(ctx context.Context, userID uint64) (*model.Wallet, error) {
	w, err := l.repo.GetWallet(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := l.repo.EnsureWallet(ctx, l.repo.DB(ctx), userID); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return l.repo.GetWallet(ctx, userID)
}

// Credit adds amount to the wallet. Credits are final immediately.
// An empty reference is generated; a supplied one must be unused.
func (l *Ledger) Credit(ctx context.Context, userID uint64, amount decimal.Decimal, note, reference string, hooks ...TxHook) (*model.LedgerEntry, error) {
	return l.apply(ctx, movement{
		userID: userID, kind: model.KindCredit, amount: amount, note: note,
		reference: reference, prefix: refgen.PrefixLedger, status: model.StatusSuccess, hooks: hooks,
	})
}

// CreditAs is Credit with a generated reference carrying prefix.
func (l *Ledger) CreditAs(ctx context.Context, prefix string, userID uint64, amount decimal.Decimal, note string, hooks ...TxHook) (*model.LedgerEntry, error) {
	return l.apply(ctx, movement{
		userID: userID, kind: model.KindCredit, amount: amount, note: note,
		prefix: prefix, status: model.StatusSuccess, hooks: hooks,
	})
}

// Debit reserves amount from the wallet. The entry stays pending until Resolve or Refund.
func (l *Ledger) Debit(ctx context.Context, userID uint64, amount decimal.Decimal, note, reference string) (*model.LedgerEntry, error) {
	return l.apply(ctx, movement{
		userID: userID, kind: model.KindDebit, amount: amount, note: note,
		reference: reference, prefix: refgen.PrefixLedger, status: model.StatusPending,
	})
}

// Resolve moves a pending entry to success or failed.
func (l *Ledger) Resolve(ctx context.Context, entry *model.LedgerEntry, outcome model.Status) error {
	if !outcome.Terminal() {
		return fmt.Errorf("%w: outcome %q", ErrInvalidTransition, outcome)
	}
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return l.transition(ctx, tx, entry.Reference, outcome)
	})
	if err != nil {
		return err
	}
	entry.Status = outcome
	return nil
}

// Refund fails a pending debit and credits the same amount back under a fresh
// reference, in one transaction.
func (l *Ledger) Refund(ctx context.Context, debit *model.LedgerEntry, note string) (*model.LedgerEntry, error) {
	if debit.Kind != model.KindDebit {
		return nil, fmt.Errorf("%w: refund of %s entry %s", ErrInvalidTransition, debit.Kind, debit.Reference)
	}
	entry, err := l.apply(ctx, movement{
		userID: debit.UserID, kind: model.KindCredit, amount: debit.Amount, note: note,
		prefix: refgen.PrefixRefund, status: model.StatusSuccess,
		hooks: []TxHook{func(tx *gorm.DB, _ *model.LedgerEntry) error {
			return l.transition(ctx, tx, debit.Reference, model.StatusFailed)
		}},
	})
	if err != nil {
		return nil, err
	}
	debit.Status = model.StatusFailed
	return entry, nil
}

// Balance returns the current balance, preferring the cache.
func (l *Ledger) Balance(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	if bal, err := l.repo.GetCachedBalance(ctx, userID); err == nil {
		return bal, nil
	}
	w, err := l.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := l.repo.CacheBalance(ctx, userID, w.Balance, w.Version); err != nil {
		l.log.Warnw("cache balance", "user_id", userID, "err", err)
	}
	return w.Balance, nil
}

// History returns recent entries newest first.
func (l *Ledger) History(ctx context.Context, userID uint64, limit int, since time.Time) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}
	return l.repo.ListEntries(ctx, userID, limit, since)
}

// Entry reads an entry by reference.
func (l *Ledger) Entry(ctx context.Context, reference string) (*model.LedgerEntry, error) {
	return l.repo.GetEntry(ctx, reference)
}

// PendingDebits lists debits created before the cutoff that never reached a terminal status.
func (l *Ledger) PendingDebits(ctx context.Context, before time.Time, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return l.repo.ListPendingDebits(ctx, before, limit)
}

// ReferenceUsed reports whether any entry carries reference.
func (l *Ledger) ReferenceUsed(ctx context.Context, reference string) (bool, error) {
	return l.repo.EntryExists(ctx, reference)
}

func (l *Ledger) apply(ctx context.Context, m movement) (*model.LedgerEntry, error) {
	if m.amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	generated := m.reference == ""
	refAttempts, casAttempts := 0, 0
	for {
		if generated {
			m.reference = l.gen(m.prefix)
		}
		entry, version, err := l.applyOnce(ctx, m)
		switch {
		case err == nil:
			l.refreshCache(ctx, m.userID, entry.BalanceAfter, version)
			metrics.LedgerEntries.WithLabelValues(string(m.kind)).Inc()
			return entry, nil
		case errors.Is(err, repo.ErrOptimisticConflict):
			casAttempts++
			if casAttempts >= maxVersionRetries {
				return nil, err
			}
		case repo.IsUniqueViolation(err):
			if !generated {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateReference, m.reference)
			}
			refAttempts++
			if refAttempts >= refgen.MaxAttempts {
				l.log.Errorw("reference generation exhausted", "user_id", m.userID, "kind", m.kind, "attempts", refAttempts)
				return nil, ErrReferenceExhaustion
			}
			l.log.Warnw("reference collision, regenerating", "reference", m.reference, "attempt", refAttempts)
		default:
			return nil, err
		}
	}
}

// refreshCache publishes a committed balance. When the write fails the key is
// dropped instead, so reads fall through to the database.
func (l *Ledger) refreshCache(ctx context.Context, userID uint64, bal decimal.Decimal, version uint64) {
	err := l.repo.CacheBalance(ctx, userID, bal, version)
	if err == nil {
		return
	}
	l.log.Warnw("cache balance", "user_id", userID, "version", version, "err", err)
	if err := l.repo.InvalidateBalance(ctx, userID); err != nil {
		l.log.Errorw("invalidate cached balance", "user_id", userID, "err", err)
	}
}

func (l *Ledger) applyOnce(ctx context.Context, m movement) (*model.LedgerEntry, uint64, error) {
	var (
		entry   *model.LedgerEntry
		version uint64
	)
	err := l.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.repo.EnsureWallet(ctx, tx, m.userID); err != nil {
			return err
		}
		w, err := l.repo.GetWalletForUpdate(ctx, tx, m.userID)
		if err != nil {
			return err
		}

		var after decimal.Decimal
		if m.kind == model.KindDebit {
			if w.Balance.LessThan(m.amount) {
				return ErrInsufficientBalance
			}
			after = w.Balance.Sub(m.amount)
		} else {
			after = w.Balance.Add(m.amount)
		}
		if err := l.repo.UpdateWallet(ctx, tx, w.ID, after, w.Version); err != nil {
			return err
		}
		version = w.Version + 1

		entry = &model.LedgerEntry{
			UserID: m.userID, Amount: m.amount, Kind: m.kind, Note: m.note,
			Reference: m.reference, Status: m.status,
			BalanceBefore: w.Balance, BalanceAfter: after,
		}
		if err := l.repo.CreateEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := l.emit(ctx, tx, eventName(m.kind), entry); err != nil {
			return err
		}
		for _, h := range m.hooks {
			if err := h(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return entry, version, nil
}

func (l *Ledger) transition(ctx context.Context, tx *gorm.DB, reference string, to model.Status) error {
	e, err := l.repo.GetEntryForUpdate(ctx, tx, reference)
	if err != nil {
		return err
	}
	if e.Status != model.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, reference, e.Status)
	}
	if err := l.repo.TransitionEntry(ctx, tx, e.ID, model.StatusPending, to); err != nil {
		if errors.Is(err, repo.ErrStatusChanged) {
			return fmt.Errorf("%w: %s", ErrInvalidTransition, reference)
		}
		return err
	}
	e.Status = to
	return l.emit(ctx, tx, "LedgerResolved", e)
}

func (l *Ledger) emit(ctx context.Context, tx *gorm.DB, eventType string, e *model.LedgerEntry) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"user_id":   e.UserID,
		"reference": e.Reference,
		"kind":      e.Kind,
		"amount":    e.Amount,
		"status":    e.Status,
		"balance":   e.BalanceAfter,
	})
	return l.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate: "Wallet", AggregateID: e.UserID, EventType: eventType,
		Reference: e.Reference, Payload: string(payload),
	})
}

func eventName(kind model.EntryKind) string {
	if kind == model.KindDebit {
		return "LedgerDebit"
	}
	return "LedgerCredit"
}
