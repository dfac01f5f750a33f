package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SellStatus string

const (
	SellPending  SellStatus = "pending"
	SellApproved SellStatus = "approved"
	SellRejected SellStatus = "rejected"
)

// SellRequest is a manual trade-in awaiting an operator decision.
type SellRequest struct {
	ID              uint64          `gorm:"primaryKey"`
	UserID          uint64          `gorm:"index;not null"`
	Network         string          `gorm:"size:20;not null"`
	DataType        string          `gorm:"size:20;not null"`
	SizeMB          int             `gorm:"not null"`
	Amount          decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Status          SellStatus      `gorm:"size:16;not null;index"`
	DecidedBy       *uint64
	LedgerReference *string   `gorm:"size:100"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	DecidedAt       *time.Time
}

func (SellRequest) TableName() string { return "sell_request" }
