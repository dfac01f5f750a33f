// Package jobs carries deferred purchases from the payment webhook to the worker.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brightventurez/vtu-wallet/internal/config"
	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/settlement"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeDeferredPurchase is the asynq task type for auto-purchases.
const TypeDeferredPurchase = "purchase:deferred"

// Client enqueues deferred purchases on asynq.
type Client struct {
	client *asynq.Client
	cfg    config.JobsConfig
	log    *zap.SugaredLogger
}

func NewClient(client *asynq.Client, cfg config.JobsConfig, logger *zap.SugaredLogger) *Client {
	return &Client{client: client, cfg: cfg, log: logger}
}

// NewDeferredTask builds the task. The task id is derived from the payment so a
// redelivered webhook does not queue a second copy.
func NewDeferredTask(d settlement.DeferredPurchase, cfg config.JobsConfig) (*asynq.Task, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.TaskID("auto:" + d.PaymentReference)}
	if cfg.Queue != "" {
		opts = append(opts, asynq.Queue(cfg.Queue))
	}
	if cfg.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(cfg.MaxRetry))
	}
	return asynq.NewTask(TypeDeferredPurchase, b, opts...), nil
}

// EnqueueDeferred implements reconcile.Enqueuer.
func (c *Client) EnqueueDeferred(ctx context.Context, d settlement.DeferredPurchase) error {
	task, err := NewDeferredTask(d, c.cfg)
	if err != nil {
		return err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		c.log.Infow("deferred purchase already queued", "payment_ref", d.PaymentReference)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue deferred purchase: %w", err)
	}
	c.log.Infow("deferred purchase enqueued", "payment_ref", d.PaymentReference, "task_id", info.ID, "queue", info.Queue)
	return nil
}

// Completer runs a deferred purchase.
type Completer interface {
	CompleteDeferred(ctx context.Context, d settlement.DeferredPurchase) (*settlement.Outcome, error)
}

// Handler processes deferred purchase tasks.
type Handler struct {
	engine Completer
	log    *zap.SugaredLogger
}

func NewHandler(engine Completer, logger *zap.SugaredLogger) *Handler {
	return &Handler{engine: engine, log: logger}
}

// ProcessTask implements asynq.Handler. Outcomes that another attempt cannot
// change are acknowledged or skipped; infrastructure errors are retried.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var d settlement.DeferredPurchase
	if err := json.Unmarshal(t.Payload(), &d); err != nil {
		return fmt.Errorf("decode deferred purchase: %v: %w", err, asynq.SkipRetry)
	}

	out, err := h.engine.CompleteDeferred(ctx, d)
	var fe *settlement.FailureError
	switch {
	case err == nil:
		h.log.Infow("deferred purchase completed", "payment_ref", d.PaymentReference, "ref", out.Attempt.Reference)
		return nil
	case errors.Is(err, settlement.ErrAlreadyCompleted):
		return nil
	case errors.Is(err, settlement.ErrSettlementInProgress):
		h.log.Infow("deferred purchase still settling", "payment_ref", d.PaymentReference)
		return err
	case errors.As(err, &fe):
		// settled as a refunded failure; retrying would buy twice
		h.log.Warnw("deferred purchase failed", "payment_ref", d.PaymentReference, "refunded", fe.Refunded, "message", fe.Message)
		return nil
	case errors.Is(err, settlement.ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInsufficientBalance):
		h.log.Warnw("deferred purchase dropped", "payment_ref", d.PaymentReference, "user_id", d.UserID, "err", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		h.log.Errorw("deferred purchase error", "payment_ref", d.PaymentReference, "err", err)
		return err
	}
}

// Mux routes task types to handlers.
func Mux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeDeferredPurchase, h)
	return mux
}
