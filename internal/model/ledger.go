package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type EntryKind string

const (
	KindCredit EntryKind = "credit"
	KindDebit  EntryKind = "debit"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// LedgerEntry is one balance-affecting movement. Amount is always positive.
type LedgerEntry struct {
	ID            uint64          `gorm:"primaryKey"`
	UserID        uint64          `gorm:"index;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Kind          EntryKind       `gorm:"size:16;not null"`
	Note          string          `gorm:"size:255"`
	Reference     string          `gorm:"size:100;uniqueIndex;not null"`
	Status        Status          `gorm:"size:16;not null;index"`
	BalanceBefore decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime"`
}

func (LedgerEntry) TableName() string { return "ledger_entry" }

// SplitAudit records how a gateway payment was divided. It never touches a balance.
type SplitAudit struct {
	ID               uint64          `gorm:"primaryKey"`
	UserID           uint64          `gorm:"index;not null"`
	Reference        string          `gorm:"size:110;uniqueIndex;not null"`
	PaymentReference string          `gorm:"size:100;index;not null"`
	Gross            decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	PlatformAmount   decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	PartnerAmount    decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Detail           string          `gorm:"type:text;not null"`
	CreatedAt        time.Time       `gorm:"autoCreateTime"`
}

func (SplitAudit) TableName() string { return "split_audit" }
