package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/model"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrOptimisticConflict means the wallet version moved under us.
var ErrOptimisticConflict = errors.New("optimistic lock conflict")

// ErrStatusChanged means a conditional status update matched no row.
var ErrStatusChanged = errors.New("status changed concurrently")

const balanceTTL = 5 * time.Minute

// RepositoryInterface restricts Repo methods so services can be tested against fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	EnsureWallet(ctx context.Context, tx *gorm.DB, userID uint64) error
	GetWallet(ctx context.Context, userID uint64) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Wallet, error)
	UpdateWallet(ctx context.Context, tx *gorm.DB, walletID uint64, newBalance decimal.Decimal, oldVersion uint64) error
	CreateEntry(ctx context.Context, tx *gorm.DB, e *model.LedgerEntry) error
	GetEntryForUpdate(ctx context.Context, tx *gorm.DB, reference string) (*model.LedgerEntry, error)
	TransitionEntry(ctx context.Context, tx *gorm.DB, id uint64, from, to model.Status) error
	EntryExists(ctx context.Context, reference string) (bool, error)
	GetEntry(ctx context.Context, reference string) (*model.LedgerEntry, error)
	ListPendingDebits(ctx context.Context, before time.Time, limit int) ([]model.LedgerEntry, error)
	ListEntries(ctx context.Context, userID uint64, limit int, since time.Time) ([]model.LedgerEntry, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	CacheBalance(ctx context.Context, userID uint64, bal decimal.Decimal, version uint64) error
	InvalidateBalance(ctx context.Context, userID uint64) error
	GetCachedBalance(ctx context.Context, userID uint64) (decimal.Decimal, error)
}

// Repository implements RepositoryInterface on gorm and an optional Redis cache.
type Repository struct {
	db  *gorm.DB
	rdb *redis.Client
	log *zap.SugaredLogger
}

// NewRepository constructs repo. rdb may be nil, which disables the balance cache.
func NewRepository(db *gorm.DB, rdb *redis.Client, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// EnsureWallet inserts a zero-balance wallet unless one already exists.
func (r *Repository) EnsureWallet(ctx context.Context, tx *gorm.DB, userID uint64) error {
	w := model.Wallet{UserID: userID, Balance: decimal.Zero}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&w).Error
}

// GetWallet reads a wallet without locking it.
func (r *Repository) GetWallet(ctx context.Context, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks wallet row.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWallet with optimistic lock.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, walletID uint64, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", walletID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticConflict
	}
	return nil
}

// CreateEntry inserts a ledger entry; the reference index rejects duplicates.
func (r *Repository) CreateEntry(ctx context.Context, tx *gorm.DB, e *model.LedgerEntry) error {
	return tx.WithContext(ctx).Create(e).Error
}

// GetEntryForUpdate locks a ledger entry by reference.
func (r *Repository) GetEntryForUpdate(ctx context.Context, tx *gorm.DB, reference string) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reference = ?", reference).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// TransitionEntry moves an entry from one status to another, only if it is still in from.
func (r *Repository) TransitionEntry(ctx context.Context, tx *gorm.DB, id uint64, from, to model.Status) error {
	res := tx.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusChanged
	}
	return nil
}

// EntryExists checks whether a reference has already been used.
func (r *Repository) EntryExists(ctx context.Context, reference string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("reference = ?", reference).Count(&n).Error
	return n > 0, err
}

// GetEntry reads a ledger entry by reference.
func (r *Repository) GetEntry(ctx context.Context, reference string) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// ListPendingDebits returns debits still pending that were created before the cutoff, oldest first.
func (r *Repository) ListPendingDebits(ctx context.Context, before time.Time, limit int) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND created_at < ?", model.KindDebit, model.StatusPending, before).
		Order("id").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListEntries returns a user's entries newest first.
func (r *Repository) ListEntries(ctx context.Context, userID uint64, limit int, since time.Time) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// BalanceCacheScript stores "<version>:<balance>" unless the cached value
// already carries the same or a later wallet version.
const BalanceCacheScript = `
local cur = redis.call('GET', KEYS[1])
if cur then
  local v = tonumber(string.match(cur, '^(%d+):'))
  if v and v >= tonumber(ARGV[1]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1] .. ':' .. ARGV[2], 'EX', ARGV[3])
return 1
`

// CacheBalance writes Redis. Writes carrying an older wallet version than the
// cached one are dropped, so out-of-order writers cannot roll the cache back.
func (r *Repository) CacheBalance(ctx context.Context, userID uint64, bal decimal.Decimal, version uint64) error {
	if r.rdb == nil {
		return nil
	}
	ttl := strconv.Itoa(int(balanceTTL / time.Second))
	return r.rdb.Eval(ctx, BalanceCacheScript, []string{balanceKey(userID)},
		strconv.FormatUint(version, 10), bal.String(), ttl).Err()
}

// InvalidateBalance drops the cached balance.
func (r *Repository) InvalidateBalance(ctx context.Context, userID uint64) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, balanceKey(userID)).Err()
}

// GetCachedBalance reads Redis. A miss or a disabled cache returns redis.Nil.
func (r *Repository) GetCachedBalance(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, redis.Nil
	}
	str, err := r.rdb.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	_, bal, ok := strings.Cut(str, ":")
	if !ok {
		return decimal.Zero, fmt.Errorf("malformed cached balance %q", str)
	}
	return decimal.NewFromString(bal)
}

func balanceKey(userID uint64) string { return fmt.Sprintf("balance:%d", userID) }

// IsUniqueViolation reports whether err came from a unique index.
// Callers open gorm with TranslateError so both postgres and sqlite map to ErrDuplicatedKey;
// the pgconn check covers raw pgx errors.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
