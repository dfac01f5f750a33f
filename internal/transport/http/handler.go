package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/ledger"
	"github.com/brightventurez/vtu-wallet/internal/model"
	"github.com/brightventurez/vtu-wallet/internal/payment"
	"github.com/brightventurez/vtu-wallet/internal/reconcile"
	"github.com/brightventurez/vtu-wallet/internal/sellreq"
	"github.com/brightventurez/vtu-wallet/internal/settlement"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type WalletReader interface {
	Balance(ctx context.Context, userID uint64) (decimal.Decimal, error)
	History(ctx context.Context, userID uint64, limit int, since time.Time) ([]model.LedgerEntry, error)
}

type Purchaser interface {
	BuyAirtime(ctx context.Context, userID uint64, network, phone string, amount decimal.Decimal) (*settlement.Outcome, error)
	BuyData(ctx context.Context, userID, planID uint64, phone string) (*settlement.Outcome, error)
}

type Catalog interface {
	ListPlans(ctx context.Context, network string) ([]model.PriceEntry, error)
	GetPlan(ctx context.Context, id uint64) (*model.PriceEntry, error)
}

type Payments interface {
	HandleWebhook(ctx context.Context, raw []byte, signature string) (*reconcile.Result, error)
	InitiateFunding(ctx context.Context, userID uint64, amount decimal.Decimal) (*payment.Checkout, error)
	CheckoutPurchase(ctx context.Context, d settlement.DeferredPurchase) (*payment.Checkout, error)
	VerifyFunding(ctx context.Context, userID uint64, reference string) (*reconcile.FundingResult, error)
}

type SellRequests interface {
	Create(ctx context.Context, userID uint64, in sellreq.Input) (*model.SellRequest, error)
	Approve(ctx context.Context, id, operator uint64) (*model.SellRequest, error)
	Reject(ctx context.Context, id, operator uint64) (*model.SellRequest, error)
	List(ctx context.Context, userID uint64, status model.SellStatus) ([]model.SellRequest, error)
}

// Services is everything the API calls into.
type Services struct {
	Wallet    WalletReader
	Purchases Purchaser
	Catalog   Catalog
	Payments  Payments
	Sells     SellRequests
}

func RegisterHandlers(r *gin.Engine, svc Services, authSecret string, log *zap.SugaredLogger) {
	r.POST("/v1/payments/webhook", webhookHandler(svc, log))

	v1 := r.Group("/v1", AuthMiddleware(authSecret))
	{
		v1.GET("/wallet/balance", balanceHandler(svc, log))
		v1.GET("/wallet/history", historyHandler(svc, log))
		v1.GET("/plans", plansHandler(svc, log))
		v1.POST("/purchases/airtime", buyAirtimeHandler(svc, log))
		v1.POST("/purchases/data", buyDataHandler(svc, log))
		v1.POST("/funding", fundingHandler(svc, log))
		v1.GET("/funding/verify", verifyFundingHandler(svc, log))
		v1.POST("/sell-requests", createSellHandler(svc, log))
		v1.GET("/sell-requests", listSellHandler(svc, log))
	}
	ops := v1.Group("/ops", RequireOperator())
	{
		ops.GET("/sell-requests", opsListSellHandler(svc, log))
		ops.POST("/sell-requests/:id/approve", decideSellHandler(svc, log, true))
		ops.POST("/sell-requests/:id/reject", decideSellHandler(svc, log, false))
	}
}

// money renders an amount as a JSON number with two decimals.
func money(d decimal.Decimal) json.Number { return json.Number(d.StringFixed(2)) }

func balanceHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, err := svc.Wallet.Balance(c.Request.Context(), userID(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": money(bal)})
	}
}

func historyHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().AddDate(0, 0, -30).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		entries, err := svc.Wallet.History(c.Request.Context(), userID(c), limit, since)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

func plansHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		plans, err := svc.Catalog.ListPlans(c.Request.Context(), c.Query("network"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"plans": plans})
	}
}

type airtimeReq struct {
	Network         string `json:"network" binding:"required"`
	Phone           string `json:"phone" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
	CheckoutIfShort bool   `json:"checkout_if_short"`
}

func buyAirtimeHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req airtimeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		uid := userID(c)
		out, err := svc.Purchases.BuyAirtime(c.Request.Context(), uid, req.Network, req.Phone, amt)
		if errors.Is(err, ledger.ErrInsufficientBalance) && req.CheckoutIfShort {
			startCheckout(c, svc, log, settlement.DeferredPurchase{
				UserID: uid, Service: model.ServiceAirtime, Network: req.Network, Phone: req.Phone, Amount: amt,
			})
			return
		}
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, purchaseResponse(out))
	}
}

type dataReq struct {
	PlanID          uint64 `json:"plan_id" binding:"required"`
	Phone           string `json:"phone" binding:"required"`
	CheckoutIfShort bool   `json:"checkout_if_short"`
}

func buyDataHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req dataReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		uid := userID(c)
		out, err := svc.Purchases.BuyData(c.Request.Context(), uid, req.PlanID, req.Phone)
		if errors.Is(err, ledger.ErrInsufficientBalance) && req.CheckoutIfShort {
			plan, perr := svc.Catalog.GetPlan(c.Request.Context(), req.PlanID)
			if perr != nil {
				writeError(c, log, perr)
				return
			}
			startCheckout(c, svc, log, settlement.DeferredPurchase{
				UserID: uid, Service: model.ServiceData, PlanID: plan.ID, Network: plan.Network,
				Phone: req.Phone, Amount: plan.ResalePrice,
			})
			return
		}
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, purchaseResponse(out))
	}
}

func purchaseResponse(out *settlement.Outcome) gin.H {
	return gin.H{
		"status":          "success",
		"reference":       out.Attempt.Reference,
		"debit_reference": out.Debit.Reference,
		"amount":          money(out.Debit.Amount),
		"message":         out.Message,
	}
}

func startCheckout(c *gin.Context, svc Services, log *zap.SugaredLogger, d settlement.DeferredPurchase) {
	co, err := svc.Payments.CheckoutPurchase(c.Request.Context(), d)
	if err != nil {
		writeError(c, log, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":            "checkout_required",
		"authorization_url": co.AuthorizationURL,
		"reference":         co.Reference,
	})
}

type fundingReq struct {
	Amount string `json:"amount" binding:"required"`
}

func fundingHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fundingReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		co, err := svc.Payments.InitiateFunding(c.Request.Context(), userID(c), amt)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"authorization_url": co.AuthorizationURL, "reference": co.Reference})
	}
}

func verifyFundingHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.Payments.VerifyFunding(c.Request.Context(), userID(c), c.Query("reference"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		status := "funded"
		if res.AlreadyProcessed {
			status = reconcile.StatusAlreadyProcessed
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    status,
			"reference": res.Reference,
			"gross":     money(res.Gross),
			"credited":  money(res.Credited),
		})
	}
}

func webhookHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		res, err := svc.Payments.HandleWebhook(c.Request.Context(), raw, c.GetHeader(payment.SignatureHeader))
		if err != nil {
			writeError(c, log, err)
			return
		}
		body := gin.H{"status": res.Status}
		if res.Status == reconcile.StatusSuccess {
			body["credited"] = money(res.Credited)
			body["provider_received"] = money(res.ProviderReceived)
		}
		c.JSON(http.StatusOK, body)
	}
}

func createSellHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in sellreq.Input
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req, err := svc.Sells.Create(c.Request.Context(), userID(c), in)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, req)
	}
}

func listSellHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.Sells.List(c.Request.Context(), userID(c), "")
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sell_requests": list})
	}
}

func opsListSellHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.Sells.List(c.Request.Context(), 0, model.SellStatus(c.Query("status")))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sell_requests": list})
	}
}

func decideSellHandler(svc Services, log *zap.SugaredLogger, approve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		decide := svc.Sells.Reject
		if approve {
			decide = svc.Sells.Approve
		}
		req, err := decide(c.Request.Context(), id, userID(c))
		if errors.Is(err, ledger.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}
