// Package outbox relays ledger events written in the outbox table to Kafka.
package outbox

import (
	"context"
	"strconv"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Store is the outbox table.
type Store interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, ids ...uint64) error
}

// Publisher is satisfied by *kafka.Writer.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter returns the writer used by the relay.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// Relay publishes pending events and marks them processed. Delivery is at least
// once: a crash between publish and mark republishes the batch.
type Relay struct {
	store Store
	pub   Publisher
	batch int
	log   *zap.SugaredLogger
}

func NewRelay(s Store, p Publisher, batch int, logger *zap.SugaredLogger) *Relay {
	if batch <= 0 {
		batch = 100
	}
	return &Relay{store: s, pub: p, batch: batch, log: logger}
}

// Message keys by wallet so one user's events stay ordered within a partition.
func Message(evt model.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(strconv.FormatUint(evt.AggregateID, 10)),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "reference", Value: []byte(evt.Reference)},
			{Key: "event_id", Value: []byte(strconv.FormatUint(evt.ID, 10))},
		},
		Time: evt.CreatedAt,
	}
}

// RunOnce relays one batch and returns how many events were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.PollOutbox(ctx, r.batch)
	if err != nil || len(events) == 0 {
		return 0, err
	}
	msgs := make([]kafka.Message, 0, len(events))
	ids := make([]uint64, 0, len(events))
	for _, evt := range events {
		msgs = append(msgs, Message(evt))
		ids = append(ids, evt.ID)
	}
	if err := r.pub.WriteMessages(ctx, msgs...); err != nil {
		return 0, err
	}
	if err := r.store.MarkOutboxProcessed(ctx, ids...); err != nil {
		return len(events), err
	}
	return len(events), nil
}

// Run polls every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
		}
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Errorw("relay outbox", "published", n, "err", err)
				break
			}
			if n > 0 {
				r.log.Infow("outbox events sent", "count", n)
			}
			if n < r.batch {
				break
			}
		}
	}
}
