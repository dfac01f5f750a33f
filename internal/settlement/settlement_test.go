package settlement

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/config"
	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/model"
	"github.com/brightventurez/vtu-wallet/internal/provider"
	"github.com/brightventurez/vtu-wallet/internal/repo"
	"github.com/brightventurez/vtu-wallet/internal/testdb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type call struct {
	service   model.ServiceKind
	network   string
	planCode  string
	phone     string
	amount    decimal.Decimal
	reference string
}

// fakeProvider replays scripted replies; the last one repeats.
type fakeProvider struct {
	mu      sync.Mutex
	replies []func(ctx context.Context) (*provider.Result, error)
	calls   []call
}

func (f *fakeProvider) next(ctx context.Context, c call) (*provider.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	i := len(f.calls) - 1
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	reply := f.replies[i]
	f.mu.Unlock()
	return reply(ctx)
}

func (f *fakeProvider) PurchaseData(ctx context.Context, network, planCode, phone, reference string) (*provider.Result, error) {
	return f.next(ctx, call{service: model.ServiceData, network: network, planCode: planCode, phone: phone, reference: reference})
}

func (f *fakeProvider) PurchaseAirtime(ctx context.Context, network, phone string, amount decimal.Decimal, reference string) (*provider.Result, error) {
	return f.next(ctx, call{service: model.ServiceAirtime, network: network, phone: phone, amount: amount, reference: reference})
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func ok() func(context.Context) (*provider.Result, error) {
	return func(context.Context) (*provider.Result, error) {
		return &provider.Result{StatusCode: 200, Success: true, Message: "Transaction Successful", Raw: `{"code":101}`}, nil
	}
}

func declined(msg string) func(context.Context) (*provider.Result, error) {
	return func(context.Context) (*provider.Result, error) {
		return &provider.Result{StatusCode: 200, Message: msg, Raw: `{"code":102}`}, nil
	}
}

func netErr() func(context.Context) (*provider.Result, error) {
	return func(context.Context) (*provider.Result, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
}

type harness struct {
	engine *Engine
	ledger *ledger.Ledger
	repo   *repo.Repository
	db     *gorm.DB
	prov   *fakeProvider
}

func newHarness(t *testing.T, replies ...func(context.Context) (*provider.Result, error)) *harness {
	db := testdb.Open(t)
	r := repo.NewRepository(db, nil, testdb.Logger())
	l := ledger.New(r, testdb.Logger())
	p := &fakeProvider{replies: replies}
	cfg := config.SettlementConfig{CallTimeout: time.Second, RetryAttempts: 3, RetryBackoff: time.Millisecond}
	return &harness{engine: NewEngine(l, r, p, cfg, testdb.Logger()), ledger: l, repo: r, db: db, prov: p}
}

func (h *harness) fund(t *testing.T, user uint64, amount string) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), user, dec(amount), "seed", "")
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, user uint64) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func (h *harness) entries(t *testing.T, user uint64) []model.LedgerEntry {
	t.Helper()
	var out []model.LedgerEntry
	require.NoError(t, h.db.Where("user_id = ? AND note <> ?", user, "seed").Order("id").Find(&out).Error)
	return out
}

func (h *harness) attempts(t *testing.T) []model.PurchaseAttempt {
	t.Helper()
	var out []model.PurchaseAttempt
	require.NoError(t, h.db.Order("id").Find(&out).Error)
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func airtime(user uint64, amount string) Request {
	return Request{UserID: user, Service: model.ServiceAirtime, Network: "MTN", Phone: "08030000000", Amount: dec(amount)}
}

func TestPurchase_ProviderSuccess(t *testing.T) {
	h := newHarness(t, ok())
	h.fund(t, 1, "1000")

	out, err := h.engine.Purchase(context.Background(), airtime(1, "600"))
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Nil(t, out.Refund)
	assert.True(t, h.balance(t, 1).Equal(dec("400")))

	atts := h.attempts(t)
	require.Len(t, atts, 1)
	assert.Equal(t, model.StatusSuccess, atts[0].Status)
	assert.Equal(t, out.Debit.Reference, atts[0].LedgerReference)
	assert.Equal(t, `{"code":101}`, atts[0].ProviderResponse)

	ents := h.entries(t, 1)
	require.Len(t, ents, 1)
	assert.Equal(t, model.StatusSuccess, ents[0].Status)
	assert.Equal(t, model.KindDebit, ents[0].Kind)

	require.Equal(t, 1, h.prov.count())
	assert.Equal(t, atts[0].Reference, h.prov.calls[0].reference)
	assert.True(t, h.prov.calls[0].amount.Equal(dec("600")))
}

func TestPurchase_ProviderFailureRefunds(t *testing.T) {
	h := newHarness(t, declined("Insufficient vendor balance"))
	h.fund(t, 1, "1000")

	out, err := h.engine.Purchase(context.Background(), airtime(1, "600"))
	assert.Nil(t, out)
	require.ErrorIs(t, err, ErrProviderFailure)

	var fe *FailureError
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.Refunded)
	assert.Contains(t, fe.Message, "Insufficient vendor balance")
	assert.Contains(t, fe.Message, "refunded 600.00")

	assert.True(t, h.balance(t, 1).Equal(dec("1000")))
	assert.Equal(t, model.StatusFailed, h.attempts(t)[0].Status)

	ents := h.entries(t, 1)
	require.Len(t, ents, 2)
	assert.Equal(t, model.KindDebit, ents[0].Kind)
	assert.Equal(t, model.StatusFailed, ents[0].Status)
	assert.Equal(t, model.KindCredit, ents[1].Kind)
	assert.Equal(t, model.StatusSuccess, ents[1].Status)
	assert.NotEqual(t, ents[0].Reference, ents[1].Reference)
	assert.True(t, ents[1].Amount.Equal(dec("600")))

	// a definitive response is never retried
	assert.Equal(t, 1, h.prov.count())
}

func TestPurchase_Non2xxIsFailure(t *testing.T) {
	h := newHarness(t, func(context.Context) (*provider.Result, error) {
		return &provider.Result{StatusCode: 503, Raw: "unavailable"}, nil
	})
	h.fund(t, 1, "500")

	_, err := h.engine.Purchase(context.Background(), airtime(1, "100"))
	require.ErrorIs(t, err, ErrProviderFailure)
	assert.Contains(t, err.Error(), "refunded")
	assert.True(t, h.balance(t, 1).Equal(dec("500")))
	assert.Equal(t, 1, h.prov.count())
}

func TestPurchase_UnreachableAfterRetries(t *testing.T) {
	h := newHarness(t, netErr())
	h.fund(t, 1, "1000")

	_, err := h.engine.Purchase(context.Background(), airtime(1, "600"))
	require.ErrorIs(t, err, ErrProviderUnreachable)
	assert.Contains(t, err.Error(), networkErrorMessage)
	assert.Contains(t, err.Error(), "refunded")
	assert.Equal(t, 3, h.prov.count())
	assert.True(t, h.balance(t, 1).Equal(dec("1000")))
	assert.Equal(t, model.StatusFailed, h.attempts(t)[0].Status)
}

func TestPurchase_TransientErrorThenSuccess(t *testing.T) {
	h := newHarness(t, netErr(), ok())
	h.fund(t, 1, "1000")

	out, err := h.engine.Purchase(context.Background(), airtime(1, "600"))
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, 2, h.prov.count())
	// every retry carries the same purchase reference
	assert.Equal(t, h.prov.calls[0].reference, h.prov.calls[1].reference)
	assert.True(t, h.balance(t, 1).Equal(dec("400")))
}

func TestPurchase_TimeoutIsFailure(t *testing.T) {
	h := newHarness(t, func(ctx context.Context) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.engine.cfg = config.SettlementConfig{CallTimeout: 20 * time.Millisecond, RetryAttempts: 1}
	h.fund(t, 1, "300")

	_, err := h.engine.Purchase(context.Background(), airtime(1, "300"))
	require.ErrorIs(t, err, ErrProviderUnreachable)
	assert.True(t, h.balance(t, 1).Equal(dec("300")))
}

func TestPurchase_CallerCancellationIgnoredAfterDebit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, func(callCtx context.Context) (*provider.Result, error) {
		cancel()
		if callCtx.Err() != nil {
			return nil, callCtx.Err()
		}
		return &provider.Result{StatusCode: 200, Success: true}, nil
	})
	h.fund(t, 1, "1000")

	out, err := h.engine.Purchase(ctx, airtime(1, "250"))
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.True(t, h.balance(t, 1).Equal(dec("750")))
}

func TestPurchase_InsufficientBalance(t *testing.T) {
	h := newHarness(t, ok())
	h.fund(t, 1, "1000")

	_, err := h.engine.Purchase(context.Background(), airtime(1, "1500"))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.True(t, h.balance(t, 1).Equal(dec("1000")))
	assert.Empty(t, h.attempts(t))
	assert.Zero(t, h.prov.count())
}

func TestPurchase_InvalidRequest(t *testing.T) {
	h := newHarness(t, ok())
	h.fund(t, 1, "1000")

	bad := []Request{
		{UserID: 1, Service: model.ServiceAirtime, Network: "MTN", Amount: dec("100")},
		{UserID: 1, Service: model.ServiceAirtime, Phone: "0803", Amount: dec("100")},
		{UserID: 1, Service: model.ServiceAirtime, Network: "MTN", Phone: "0803", Amount: dec("0")},
		{UserID: 1, Service: model.ServiceData, Network: "MTN", Phone: "0803", Amount: dec("100")},
		{UserID: 1, Service: "cable", Network: "MTN", Phone: "0803", Amount: dec("100")},
	}
	for _, req := range bad {
		_, err := h.engine.Purchase(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.True(t, h.balance(t, 1).Equal(dec("1000")))
	assert.Empty(t, h.entries(t, 1))
	assert.Zero(t, h.prov.count())
}

func TestBuyData_UsesCatalogPrice(t *testing.T) {
	h := newHarness(t, ok())
	h.fund(t, 1, "1000")
	plan := model.PriceEntry{Network: "GLO", PlanName: "GLO SME 1GB", PlanCode: "glo-sme-1gb",
		CostPrice: dec("230"), ResalePrice: dec("280"), Active: true}
	require.NoError(t, h.db.Create(&plan).Error)

	out, err := h.engine.BuyData(context.Background(), 1, plan.ID, "08050000000")
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.True(t, h.balance(t, 1).Equal(dec("720")))
	require.Equal(t, 1, h.prov.count())
	assert.Equal(t, "glo-sme-1gb", h.prov.calls[0].planCode)
	assert.Equal(t, "GLO", h.prov.calls[0].network)
	assert.Equal(t, model.ServiceData, h.attempts(t)[0].Service)

	_, err = h.engine.BuyData(context.Background(), 1, 999, "0805")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	require.NoError(t, h.db.Model(&plan).Update("active", false).Error)
	_, err = h.engine.BuyData(context.Background(), 1, plan.ID, "0805")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCompleteDeferred_RunsOncePerPayment(t *testing.T) {
	h := newHarness(t, ok())
	h.fund(t, 1, "1000")
	job := DeferredPurchase{UserID: 1, Service: model.ServiceAirtime, Network: "MTN", Phone: "0803",
		Amount: dec("200"), PaymentReference: "pay-77"}

	out, err := h.engine.CompleteDeferred(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "AUTO-pay-77", out.Debit.Reference)

	_, err = h.engine.CompleteDeferred(context.Background(), job)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, 1, h.prov.count())
	assert.True(t, h.balance(t, 1).Equal(dec("800")))
}

func TestCompleteDeferred_DataFallsBackToPlanPrice(t *testing.T) {
	h := newHarness(t, ok())
	h.fund(t, 1, "1000")
	plan := model.PriceEntry{Network: "MTN", PlanName: "MTN SME 2GB", PlanCode: "mtn-sme-2gb",
		CostPrice: dec("500"), ResalePrice: dec("560"), Active: true}
	require.NoError(t, h.db.Create(&plan).Error)

	out, err := h.engine.CompleteDeferred(context.Background(), DeferredPurchase{
		UserID: 1, Service: model.ServiceData, PlanID: plan.ID, Phone: "0803", PaymentReference: "pay-9",
	})
	require.NoError(t, err)
	assert.True(t, out.Debit.Amount.Equal(dec("560")))
	assert.True(t, h.balance(t, 1).Equal(dec("440")))
}

func TestSettlementConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := newHarness(t, func(context.Context) (*provider.Result, error) {
		switch rng.Intn(3) {
		case 0:
			return &provider.Result{StatusCode: 200, Success: true}, nil
		case 1:
			return &provider.Result{StatusCode: 200, Message: "declined"}, nil
		default:
			return nil, errors.New("timeout")
		}
	})
	h.engine.cfg.RetryAttempts = 1
	h.fund(t, 1, "100000")

	for i := 0; i < 40; i++ {
		before := h.balance(t, 1)
		amount := decimal.NewFromInt(int64(rng.Intn(900) + 100))
		out, err := h.engine.Purchase(context.Background(), Request{
			UserID: 1, Service: model.ServiceAirtime, Network: "AIRTEL", Phone: "0802", Amount: amount,
		})
		after := h.balance(t, 1)
		if err == nil {
			require.True(t, out.Succeeded())
			require.True(t, after.Equal(before.Sub(amount)), "success delta")
			continue
		}
		var fe *FailureError
		require.True(t, errors.As(err, &fe))
		require.True(t, fe.Refunded)
		require.True(t, strings.Contains(fe.Message, "refunded"))
		require.True(t, after.Equal(before), "failure delta")
	}
}

// strand commits a deferred debit as a crashed worker would have left it and
// backdates it past the settlement window.
func (h *harness) strand(t *testing.T, job DeferredPurchase) *model.LedgerEntry {
	t.Helper()
	debit, err := h.ledger.Debit(context.Background(), job.UserID, job.Amount, "airtime", job.DebitReference())
	require.NoError(t, err)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, h.db.Model(&model.LedgerEntry{}).Where("id = ?", debit.ID).Update("created_at", old).Error)
	return debit
}

func (h *harness) entry(t *testing.T, ref string) model.LedgerEntry {
	t.Helper()
	var e model.LedgerEntry
	require.NoError(t, h.db.Where("reference = ?", ref).First(&e).Error)
	return e
}

func stranded(ref string) DeferredPurchase {
	return DeferredPurchase{UserID: 1, Service: model.ServiceAirtime, Network: "MTN", Phone: "0803",
		Amount: dec("200"), PaymentReference: ref}
}

func TestCompleteDeferred_RedeliveryResumesStrandedDebit(t *testing.T) {
	h := newHarness(t, ok())
	h.fund(t, 1, "1000")
	job := stranded("pay-9")
	h.strand(t, job)

	out, err := h.engine.CompleteDeferred(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, 1, h.prov.count())
	assert.Equal(t, model.StatusSuccess, h.entry(t, "AUTO-pay-9").Status)
	assert.True(t, h.balance(t, 1).Equal(dec("800")))

	_, err = h.engine.CompleteDeferred(context.Background(), job)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, 1, h.prov.count())
}

func TestCompleteDeferred_RedeliveryRefundsUnknownOutcome(t *testing.T) {
	h := newHarness(t, ok())
	h.fund(t, 1, "1000")
	job := stranded("pay-10")
	debit := h.strand(t, job)
	require.NoError(t, h.repo.CreateAttempt(context.Background(), &model.PurchaseAttempt{
		UserID: 1, Reference: "VTU-lost", LedgerReference: debit.Reference, Service: model.ServiceAirtime,
		Network: "MTN", Phone: "0803", Amount: dec("200"), Status: model.StatusPending,
	}))

	_, err := h.engine.CompleteDeferred(context.Background(), job)
	var fe *FailureError
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.Refunded)
	assert.ErrorIs(t, err, ErrProviderUnreachable)
	assert.Zero(t, h.prov.count())
	assert.Equal(t, model.StatusFailed, h.entry(t, "AUTO-pay-10").Status)
	assert.Equal(t, model.StatusFailed, h.attempts(t)[0].Status)
	assert.True(t, h.balance(t, 1).Equal(dec("1000")))
}

func TestCompleteDeferred_RecentPendingDebitIsRetriedLater(t *testing.T) {
	h := newHarness(t, ok())
	h.fund(t, 1, "1000")
	job := stranded("pay-11")
	_, err := h.ledger.Debit(context.Background(), 1, job.Amount, "airtime", job.DebitReference())
	require.NoError(t, err)

	_, err = h.engine.CompleteDeferred(context.Background(), job)
	assert.ErrorIs(t, err, ErrSettlementInProgress)
	assert.Zero(t, h.prov.count())
	assert.Equal(t, model.StatusPending, h.entry(t, "AUTO-pay-11").Status)
}

func TestRecoverStale(t *testing.T) {
	h := newHarness(t, ok())
	h.fund(t, 1, "1000")
	ctx := context.Background()

	// no attempt: refunded, not replayed
	h.strand(t, stranded("pay-20"))

	// provider confirmed but the debit was never resolved
	delivered := h.strand(t, stranded("pay-21"))
	require.NoError(t, h.repo.CreateAttempt(ctx, &model.PurchaseAttempt{
		UserID: 1, Reference: "VTU-done", LedgerReference: delivered.Reference, Service: model.ServiceAirtime,
		Network: "MTN", Phone: "0803", Amount: dec("200"), Status: model.StatusSuccess,
	}))

	// still inside the window
	_, err := h.ledger.Debit(ctx, 1, dec("100"), "airtime", "AUTO-pay-22")
	require.NoError(t, err)

	n, err := h.engine.RecoverStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, h.prov.count())
	assert.Equal(t, model.StatusFailed, h.entry(t, "AUTO-pay-20").Status)
	assert.Equal(t, model.StatusSuccess, h.entry(t, "AUTO-pay-21").Status)
	assert.Equal(t, model.StatusPending, h.entry(t, "AUTO-pay-22").Status)
	assert.True(t, h.balance(t, 1).Equal(dec("700")))

	n, err = h.engine.RecoverStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
