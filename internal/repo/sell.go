package repo

import (
	"context"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/model"
	"gorm.io/gorm"
)

// CreateSellRequest inserts a new request.
func (r *Repository) CreateSellRequest(ctx context.Context, s *model.SellRequest) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// GetSellRequest reads a request by id.
func (r *Repository) GetSellRequest(ctx context.Context, id uint64) (*model.SellRequest, error) {
	var s model.SellRequest
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSellRequests filters by user (0 = all) and status ("" = any), newest first.
func (r *Repository) ListSellRequests(ctx context.Context, userID uint64, status model.SellStatus) ([]model.SellRequest, error) {
	q := r.db.WithContext(ctx)
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []model.SellRequest
	err := q.Order("created_at desc, id desc").Find(&out).Error
	return out, err
}

// DecideSellRequest moves a pending request to its final status.
// Returns ErrStatusChanged when the request was already decided.
func (r *Repository) DecideSellRequest(ctx context.Context, tx *gorm.DB, id uint64, status model.SellStatus, operator uint64, ledgerRef *string) error {
	now := time.Now()
	res := tx.WithContext(ctx).
		Model(&model.SellRequest{}).
		Where("id = ? AND status = ?", id, model.SellPending).
		Updates(map[string]interface{}{
			"status":           status,
			"decided_by":       operator,
			"decided_at":       &now,
			"ledger_reference": ledgerRef,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusChanged
	}
	return nil
}
