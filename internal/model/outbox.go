package model

import "time"

// OutboxEvent is a ledger event waiting to be relayed to Kafka.
// It is written in the same transaction as the movement it describes.
type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID uint64    `gorm:"not null;index"`
	EventType   string    `gorm:"size:64;not null"`
	Reference   string    `gorm:"size:100;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false;index"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }

// All lists every table the service owns, in migration order.
func All() []interface{} {
	return []interface{}{
		&User{}, &Wallet{}, &LedgerEntry{}, &SplitAudit{},
		&PurchaseAttempt{}, &PriceEntry{}, &SellRequest{}, &OutboxEvent{},
	}
}
