package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ServiceKind string

const (
	ServiceAirtime ServiceKind = "airtime"
	ServiceData    ServiceKind = "data"
)

// PurchaseAttempt is one outbound call to a VTU provider.
type PurchaseAttempt struct {
	ID               uint64          `gorm:"primaryKey"`
	UserID           uint64          `gorm:"index;not null"`
	Reference        string          `gorm:"size:100;uniqueIndex;not null"`
	LedgerReference  string          `gorm:"size:100;index;not null"`
	Service          ServiceKind     `gorm:"size:16;not null"`
	Network          string          `gorm:"size:20;not null"`
	PlanCode         string          `gorm:"size:50"`
	Phone            string          `gorm:"size:15;not null"`
	Amount           decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Status           Status          `gorm:"size:16;not null;index"`
	ProviderResponse string          `gorm:"type:text"`
	CreatedAt        time.Time       `gorm:"autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime"`
}

func (PurchaseAttempt) TableName() string { return "purchase_attempt" }

// PriceEntry is a catalog row managed by the admin tooling.
type PriceEntry struct {
	ID          uint64          `gorm:"primaryKey"`
	Network     string          `gorm:"size:20;not null;index"`
	PlanName    string          `gorm:"size:100;not null"`
	PlanCode    string          `gorm:"size:50;not null"`
	CostPrice   decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	ResalePrice decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Active      bool            `gorm:"not null;default:true"`
}

func (PriceEntry) TableName() string { return "price_table" }
