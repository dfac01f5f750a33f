package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds one user's spendable balance. Balance is only mutated by the ledger.
type Wallet struct {
	ID        uint64          `gorm:"primaryKey;column:id"`
	UserID    uint64          `gorm:"uniqueIndex;not null"`
	Balance   decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`
	Version   uint64          `gorm:"not null;default:0"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }

// User is the read-only view of the identity table owned by the auth service.
type User struct {
	ID       uint64 `gorm:"primaryKey"`
	Username string `gorm:"size:150;not null"`
	Email    string `gorm:"size:254;uniqueIndex"`
}

func (User) TableName() string { return "auth_user" }
