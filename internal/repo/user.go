package repo

import (
	"context"
	"strings"

	"github.com/brightventurez/vtu-wallet/internal/model"
)

// UserByEmail looks a user up case-insensitively.
func (r *Repository) UserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := r.db.WithContext(ctx).
		Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserByID reads a user.
func (r *Repository) UserByID(ctx context.Context, id uint64) (*model.User, error) {
	var u model.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
