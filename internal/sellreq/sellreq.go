// Package sellreq handles users trading data back to the platform for wallet credit.
package sellreq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/model"
	"github.com/brightventurez/vtu-wallet/internal/refgen"
	"github.com/brightventurez/vtu-wallet/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalid means the request fields are incomplete.
	ErrInvalid = errors.New("invalid sell request")
	// ErrNotFound means no sell request has that id.
	ErrNotFound = errors.New("sell request not found")
)

// Wallet credits approved requests.
type Wallet interface {
	CreditAs(ctx context.Context, prefix string, userID uint64, amount decimal.Decimal, note string, hooks ...ledger.TxHook) (*model.LedgerEntry, error)
}

// Store persists sell requests.
type Store interface {
	DB(ctx context.Context) *gorm.DB
	CreateSellRequest(ctx context.Context, s *model.SellRequest) error
	GetSellRequest(ctx context.Context, id uint64) (*model.SellRequest, error)
	ListSellRequests(ctx context.Context, userID uint64, status model.SellStatus) ([]model.SellRequest, error)
	DecideSellRequest(ctx context.Context, tx *gorm.DB, id uint64, status model.SellStatus, operator uint64, ledgerRef *string) error
}

// Input is what a user submits.
type Input struct {
	Network  string          `json:"network"`
	DataType string          `json:"data_type"`
	SizeMB   int             `json:"size_mb"`
	Amount   decimal.Decimal `json:"amount"`
}

type Service struct {
	wallet Wallet
	store  Store
	log    *zap.SugaredLogger
}

func New(w Wallet, s Store, logger *zap.SugaredLogger) *Service {
	return &Service{wallet: w, store: s, log: logger}
}

// Create records a pending request.
func (s *Service) Create(ctx context.Context, userID uint64, in Input) (*model.SellRequest, error) {
	switch {
	case userID == 0:
		return nil, fmt.Errorf("%w: missing user", ErrInvalid)
	case strings.TrimSpace(in.Network) == "" || strings.TrimSpace(in.DataType) == "":
		return nil, fmt.Errorf("%w: network and data type are required", ErrInvalid)
	case in.SizeMB <= 0:
		return nil, fmt.Errorf("%w: size must be positive", ErrInvalid)
	case in.Amount.LessThanOrEqual(decimal.Zero):
		return nil, ledger.ErrInvalidAmount
	}
	req := &model.SellRequest{
		UserID: userID, Network: strings.ToUpper(strings.TrimSpace(in.Network)), DataType: strings.TrimSpace(in.DataType),
		SizeMB: in.SizeMB, Amount: in.Amount, Status: model.SellPending,
	}
	if err := s.store.CreateSellRequest(ctx, req); err != nil {
		return nil, err
	}
	s.log.Infow("sell request created", "id", req.ID, "user_id", userID, "amount", in.Amount)
	return req, nil
}

// Approve credits the seller and closes the request in one transaction.
func (s *Service) Approve(ctx context.Context, id, operator uint64) (*model.SellRequest, error) {
	req, err := s.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	note := fmt.Sprintf("Sell request #%d: %s %s %dMB", req.ID, req.Network, req.DataType, req.SizeMB)
	entry, err := s.wallet.CreditAs(ctx, refgen.PrefixSell, req.UserID, req.Amount, note,
		func(tx *gorm.DB, e *model.LedgerEntry) error {
			ref := e.Reference
			return s.decided(s.store.DecideSellRequest(ctx, tx, req.ID, model.SellApproved, operator, &ref), req.ID)
		})
	if err != nil {
		return nil, err
	}
	s.log.Infow("sell request approved", "id", id, "operator", operator, "user_id", req.UserID, "reference", entry.Reference)
	return s.store.GetSellRequest(ctx, id)
}

// Reject closes the request without moving money.
func (s *Service) Reject(ctx context.Context, id, operator uint64) (*model.SellRequest, error) {
	if _, err := s.pending(ctx, id); err != nil {
		return nil, err
	}
	err := s.decided(s.store.DecideSellRequest(ctx, s.store.DB(ctx), id, model.SellRejected, operator, nil), id)
	if err != nil {
		return nil, err
	}
	s.log.Infow("sell request rejected", "id", id, "operator", operator)
	return s.store.GetSellRequest(ctx, id)
}

// List returns a user's requests; userID 0 lists everyone's.
func (s *Service) List(ctx context.Context, userID uint64, status model.SellStatus) ([]model.SellRequest, error) {
	return s.store.ListSellRequests(ctx, userID, status)
}

func (s *Service) pending(ctx context.Context, id uint64) (*model.SellRequest, error) {
	req, err := s.store.GetSellRequest(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if req.Status != model.SellPending {
		return nil, fmt.Errorf("%w: sell request %d is %s", ledger.ErrInvalidTransition, id, req.Status)
	}
	return req, nil
}

func (s *Service) decided(err error, id uint64) error {
	if errors.Is(err, repo.ErrStatusChanged) {
		return fmt.Errorf("%w: sell request %d already decided", ledger.ErrInvalidTransition, id)
	}
	return err
}
