package repo

import (
	"context"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/model"
)

// CreateAttempt inserts a pending purchase attempt; the reference index rejects duplicates.
func (r *Repository) CreateAttempt(ctx context.Context, a *model.PurchaseAttempt) error {
	return r.db.WithContext(ctx).Create(a).Error
}

// FinishAttempt records the provider outcome once. A second call matches no row.
func (r *Repository) FinishAttempt(ctx context.Context, id uint64, status model.Status, response string) error {
	res := r.db.WithContext(ctx).
		Model(&model.PurchaseAttempt{}).
		Where("id = ? AND status = ?", id, model.StatusPending).
		Updates(map[string]interface{}{
			"status":            status,
			"provider_response": response,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusChanged
	}
	return nil
}

// GetAttempt reads an attempt by reference.
func (r *Repository) GetAttempt(ctx context.Context, reference string) (*model.PurchaseAttempt, error) {
	var a model.PurchaseAttempt
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// AttemptForDebit returns the latest attempt paired with a debit reference.
func (r *Repository) AttemptForDebit(ctx context.Context, ledgerRef string) (*model.PurchaseAttempt, error) {
	var a model.PurchaseAttempt
	if err := r.db.WithContext(ctx).Where("ledger_reference = ?", ledgerRef).Order("id desc").First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// GetPlan reads an active catalog entry.
func (r *Repository) GetPlan(ctx context.Context, id uint64) (*model.PriceEntry, error) {
	var p model.PriceEntry
	if err := r.db.WithContext(ctx).Where("id = ? AND active = ?", id, true).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlans returns active catalog entries, optionally for one network.
func (r *Repository) ListPlans(ctx context.Context, network string) ([]model.PriceEntry, error) {
	q := r.db.WithContext(ctx).Where("active = ?", true)
	if network != "" {
		q = q.Where("network = ?", network)
	}
	var out []model.PriceEntry
	err := q.Order("network, resale_price").Find(&out).Error
	return out, err
}
