package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/config"
	"go.uber.org/zap"
)

// Paystack implements Gateway against the Paystack REST API.
type Paystack struct {
	cfg        config.PaymentConfig
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func NewPaystack(cfg config.PaymentConfig, logger *zap.SugaredLogger) *Paystack {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Paystack{cfg: cfg, httpClient: &http.Client{Timeout: timeout}, log: logger}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *Paystack) InitializeCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	callback := req.CallbackURL
	if callback == "" {
		callback = p.cfg.CallbackURL
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	payload := map[string]interface{}{
		"email":        req.Email,
		"amount":       ToMinor(req.Amount),
		"callback_url": callback,
		"metadata":     metadata,
	}
	if len(req.Split) > 0 {
		payload["subaccounts"] = req.Split
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := p.do(ctx, http.MethodPost, "/transaction/initialize", payload, &data); err != nil {
		return nil, err
	}
	if data.AuthorizationURL == "" {
		return nil, fmt.Errorf("paystack initialize: no authorization url")
	}
	p.log.Infow("checkout initialized", "reference", data.Reference, "email", req.Email, "amount", req.Amount)
	return &Checkout{AuthorizationURL: data.AuthorizationURL, AccessCode: data.AccessCode, Reference: data.Reference}, nil
}

func (p *Paystack) Verify(ctx context.Context, reference string) (*Verification, error) {
	var data struct {
		Status    string          `json:"status"`
		Reference string          `json:"reference"`
		Amount    int64           `json:"amount"`
		Metadata  json.RawMessage `json:"metadata"`
		Customer  struct {
			Email string `json:"email"`
		} `json:"customer"`
		Split       *Split       `json:"split"`
		Subaccounts []Subaccount `json:"subaccounts"`
	}
	if err := p.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return nil, err
	}
	subs := data.Subaccounts
	if data.Split != nil && len(data.Split.Subaccounts) > 0 {
		subs = data.Split.Subaccounts
	}
	return &Verification{
		Reference:   data.Reference,
		Status:      data.Status,
		Gross:       FromMinor(data.Amount),
		Email:       data.Customer.Email,
		Metadata:    data.Metadata,
		Subaccounts: subs,
	}, nil
}

func (p *Paystack) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal paystack payload: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("build paystack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paystack %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read paystack response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("paystack %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode paystack response: %w", err)
	}
	if !env.Status {
		return fmt.Errorf("paystack %s: %s", path, env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode paystack data: %w", err)
	}
	return nil
}
