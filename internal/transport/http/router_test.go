package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/config"
	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/model"
	"github.com/brightventurez/vtu-wallet/internal/payment"
	"github.com/brightventurez/vtu-wallet/internal/reconcile"
	"github.com/brightventurez/vtu-wallet/internal/sellreq"
	"github.com/brightventurez/vtu-wallet/internal/settlement"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func init() { gin.SetMode(gin.TestMode) }

// stub implements every service interface the router needs.
type stub struct {
	balance    decimal.Decimal
	purchase   *settlement.Outcome
	purchaseEr error
	plan       *model.PriceEntry
	webhook    *reconcile.Result
	webhookEr  error
	checkouts  []settlement.DeferredPurchase
	decideErr  error
	lastUser   uint64
}

func (s *stub) Balance(_ context.Context, uid uint64) (decimal.Decimal, error) {
	s.lastUser = uid
	return s.balance, nil
}

func (s *stub) History(context.Context, uint64, int, time.Time) ([]model.LedgerEntry, error) {
	return []model.LedgerEntry{{Reference: "WLT-1"}}, nil
}

func (s *stub) BuyAirtime(context.Context, uint64, string, string, decimal.Decimal) (*settlement.Outcome, error) {
	return s.purchase, s.purchaseEr
}

func (s *stub) BuyData(context.Context, uint64, uint64, string) (*settlement.Outcome, error) {
	return s.purchase, s.purchaseEr
}

func (s *stub) ListPlans(context.Context, string) ([]model.PriceEntry, error) {
	return []model.PriceEntry{*s.plan}, nil
}

func (s *stub) GetPlan(context.Context, uint64) (*model.PriceEntry, error) { return s.plan, nil }

func (s *stub) HandleWebhook(context.Context, []byte, string) (*reconcile.Result, error) {
	return s.webhook, s.webhookEr
}

func (s *stub) InitiateFunding(_ context.Context, _ uint64, amount decimal.Decimal) (*payment.Checkout, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ledger.ErrInvalidAmount
	}
	return &payment.Checkout{AuthorizationURL: "https://checkout.test/fund", Reference: "co-f"}, nil
}

func (s *stub) CheckoutPurchase(_ context.Context, d settlement.DeferredPurchase) (*payment.Checkout, error) {
	s.checkouts = append(s.checkouts, d)
	return &payment.Checkout{AuthorizationURL: "https://checkout.test/buy", Reference: "co-b"}, nil
}

func (s *stub) VerifyFunding(_ context.Context, _ uint64, ref string) (*reconcile.FundingResult, error) {
	if ref == "PSK-OTHER" {
		return nil, fmt.Errorf("%w: %s", reconcile.ErrPayerMismatch, ref)
	}
	return &reconcile.FundingResult{Reference: ref, Gross: decimal.NewFromInt(1000), Credited: decimal.NewFromInt(960)}, nil
}

func (s *stub) Create(_ context.Context, uid uint64, in sellreq.Input) (*model.SellRequest, error) {
	return &model.SellRequest{ID: 1, UserID: uid, Network: in.Network, Amount: in.Amount, Status: model.SellPending}, nil
}

func (s *stub) Approve(_ context.Context, id, _ uint64) (*model.SellRequest, error) {
	if s.decideErr != nil {
		return nil, s.decideErr
	}
	return &model.SellRequest{ID: id, Status: model.SellApproved}, nil
}

func (s *stub) Reject(_ context.Context, id, _ uint64) (*model.SellRequest, error) {
	if s.decideErr != nil {
		return nil, s.decideErr
	}
	return &model.SellRequest{ID: id, Status: model.SellRejected}, nil
}

func (s *stub) List(context.Context, uint64, model.SellStatus) ([]model.SellRequest, error) {
	return nil, nil
}

func newServer(s *stub) *gin.Engine {
	cfg := config.Config{
		RateLimit: config.RateLimitConfig{RPS: 1000, Burst: 1000},
		Auth:      config.AuthConfig{JWTSecret: testSecret},
	}
	svc := Services{Wallet: s, Purchases: s, Catalog: s, Payments: s, Sells: s}
	return NewRouter(svc, cfg, zap.NewNop().Sugar())
}

func token(t *testing.T, uid uint64, role string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, uid, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(r http.Handler, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBalance(t *testing.T) {
	s := &stub{balance: decimal.NewFromInt(400)}
	r := newServer(s)

	w := do(r, http.MethodGet, "/v1/wallet/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/v1/wallet/balance", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := IssueToken("other-secret", 5, "", time.Hour)
	require.NoError(t, err)
	w = do(r, http.MethodGet, "/v1/wallet/balance", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/v1/wallet/balance", token(t, 5, ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"balance":400.00}`, w.Body.String())
	assert.EqualValues(t, 5, s.lastUser)
}

func TestWebhook(t *testing.T) {
	s := &stub{webhook: &reconcile.Result{
		Status: reconcile.StatusSuccess, Credited: decimal.NewFromInt(150), ProviderReceived: decimal.NewFromInt(4850),
	}}
	r := newServer(s)

	w := do(r, http.MethodGet, "/v1/payments/webhook", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = do(r, http.MethodPost, "/v1/payments/webhook", "", map[string]string{"event": "charge.success"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","credited":150.00,"provider_received":4850.00}`, w.Body.String())

	s.webhook = &reconcile.Result{Status: reconcile.StatusAlreadyProcessed}
	w = do(r, http.MethodPost, "/v1/payments/webhook", "", nil)
	assert.JSONEq(t, `{"status":"already_processed"}`, w.Body.String())

	for err, code := range map[error]int{
		reconcile.ErrUnauthorized: http.StatusUnauthorized,
		reconcile.ErrMalformed:    http.StatusBadRequest,
		reconcile.ErrUnknownUser:  http.StatusNotFound,
		fmt.Errorf("db down"):     http.StatusInternalServerError,
	} {
		s.webhook, s.webhookEr = nil, err
		w = do(r, http.MethodPost, "/v1/payments/webhook", "", nil)
		assert.Equal(t, code, w.Code, err.Error())
	}
}

func TestBuyAirtime(t *testing.T) {
	s := &stub{purchase: &settlement.Outcome{
		Attempt: &model.PurchaseAttempt{Reference: "VTU-1", Status: model.StatusSuccess},
		Debit:   &model.LedgerEntry{Reference: "WLT-1", Amount: decimal.NewFromInt(600)},
		Message: "MTN airtime to 0803 completed successfully",
	}}
	r := newServer(s)
	tok := token(t, 5, "")
	body := map[string]interface{}{"network": "MTN", "phone": "0803", "amount": "600"}

	w := do(r, http.MethodPost, "/v1/purchases/airtime", tok, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reference":"VTU-1"`)

	w = do(r, http.MethodPost, "/v1/purchases/airtime", tok, map[string]string{"network": "MTN"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.purchase, s.purchaseEr = nil, &settlement.FailureError{
		Cause: settlement.ErrProviderFailure, Message: "Declined. Your wallet has been refunded 600.00.", Refunded: true,
	}
	w = do(r, http.MethodPost, "/v1/purchases/airtime", tok, body)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), `"refunded":true`)

	s.purchaseEr = ledger.ErrInsufficientBalance
	w = do(r, http.MethodPost, "/v1/purchases/airtime", tok, body)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "fund your wallet")
	assert.Empty(t, s.checkouts)

	body["checkout_if_short"] = true
	w = do(r, http.MethodPost, "/v1/purchases/airtime", tok, body)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "https://checkout.test/buy")
	require.Len(t, s.checkouts, 1)
	assert.Equal(t, model.ServiceAirtime, s.checkouts[0].Service)
	assert.EqualValues(t, 5, s.checkouts[0].UserID)
	assert.True(t, s.checkouts[0].Amount.Equal(decimal.NewFromInt(600)))
}

func TestBuyDataCheckoutUsesPlanPrice(t *testing.T) {
	s := &stub{
		purchaseEr: ledger.ErrInsufficientBalance,
		plan:       &model.PriceEntry{ID: 4, Network: "GLO", ResalePrice: decimal.NewFromInt(280)},
	}
	r := newServer(s)
	w := do(r, http.MethodPost, "/v1/purchases/data", token(t, 5, ""),
		map[string]interface{}{"plan_id": 4, "phone": "0805", "checkout_if_short": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, s.checkouts, 1)
	assert.EqualValues(t, 4, s.checkouts[0].PlanID)
	assert.Equal(t, "GLO", s.checkouts[0].Network)
	assert.True(t, s.checkouts[0].Amount.Equal(decimal.NewFromInt(280)))
}

func TestFunding(t *testing.T) {
	r := newServer(&stub{})
	tok := token(t, 5, "")

	w := do(r, http.MethodPost, "/v1/funding", tok, map[string]string{"amount": "5000"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "https://checkout.test/fund")

	w = do(r, http.MethodPost, "/v1/funding", tok, map[string]string{"amount": "0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/v1/funding/verify?reference=PSK-1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"funded","reference":"PSK-1","gross":1000.00,"credited":960.00}`, w.Body.String())

	w = do(r, http.MethodGet, "/v1/funding/verify?reference=PSK-OTHER", tok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSellRequestRoutes(t *testing.T) {
	s := &stub{}
	r := newServer(s)

	w := do(r, http.MethodPost, "/v1/sell-requests", token(t, 5, ""),
		map[string]interface{}{"network": "MTN", "data_type": "SME", "size_mb": 1024, "amount": 180})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(r, http.MethodPost, "/v1/ops/sell-requests/1/approve", token(t, 5, ""), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	op := token(t, 9, RoleOperator)
	w = do(r, http.MethodPost, "/v1/ops/sell-requests/1/approve", op, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"approved"`)

	w = do(r, http.MethodPost, "/v1/ops/sell-requests/x/reject", op, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.decideErr = fmt.Errorf("%w: already decided", ledger.ErrInvalidTransition)
	w = do(r, http.MethodPost, "/v1/ops/sell-requests/1/reject", op, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	s.decideErr = sellreq.ErrNotFound
	w = do(r, http.MethodPost, "/v1/ops/sell-requests/2/reject", op, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsAndHealth(t *testing.T) {
	r := newServer(&stub{})
	w := do(r, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/metrics", "", nil).Code)
}

func TestRateLimit(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{RPS: 1, Burst: 2}, Auth: config.AuthConfig{JWTSecret: testSecret}}
	s := &stub{}
	r := NewRouter(Services{Wallet: s, Purchases: s, Catalog: s, Payments: s, Sells: s}, cfg, zap.NewNop().Sugar())
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, do(r, http.MethodGet, "/healthz", "", nil).Code)
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)
}
