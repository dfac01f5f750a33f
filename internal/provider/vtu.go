package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// successCode is the vendor's "transaction successful" code.
const successCode = "101"

// successStatus is the only status string that confirms a purchase; a boolean
// true status does too.
const successStatus = "success"

// VTUClient implements Gateway over the vendor's JSON API.
type VTUClient struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// NewVTUClient builds a client; cfg.Timeout caps each HTTP exchange.
func NewVTUClient(cfg config.ProviderConfig, logger *zap.SugaredLogger) *VTUClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &VTUClient{cfg: cfg, httpClient: &http.Client{Timeout: timeout}, log: logger}
}

func (c *VTUClient) PurchaseData(ctx context.Context, network, planCode, phone, reference string) (*Result, error) {
	return c.post(ctx, c.cfg.DataURL, map[string]interface{}{
		"networkId":    network,
		"MobileNumber": phone,
		"DataPlan":     planCode,
		"ref":          reference,
	})
}

func (c *VTUClient) PurchaseAirtime(ctx context.Context, network, phone string, amount decimal.Decimal, reference string) (*Result, error) {
	return c.post(ctx, c.cfg.AirtimeURL, map[string]interface{}{
		"network": network,
		"phone":   phone,
		"amount":  json.Number(amount.StringFixed(2)),
		"ref":     reference,
	})
}

func (c *VTUClient) post(ctx context.Context, url string, payload map[string]interface{}) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal vtu payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build vtu request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vtu request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.log.Warnw("read vtu response", "ref", payload["ref"], "err", err)
	}
	res := ParseResult(resp.StatusCode, raw)
	c.log.Infow("vtu response", "ref", payload["ref"], "status", resp.StatusCode, "success", res.Success)
	return res, nil
}

// ParseResult interprets a vendor reply. Only a 2xx with the success code or
// a success status counts as success.
func ParseResult(statusCode int, raw []byte) *Result {
	res := &Result{StatusCode: statusCode, Raw: string(raw)}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		res.Message = strings.TrimSpace(string(raw))
		if res.Message == "" {
			res.Message = http.StatusText(statusCode)
		}
		return res
	}

	for _, k := range []string{"message", "description", "msg", "error"} {
		if v, ok := body[k]; ok && v != nil {
			res.Message = fmt.Sprint(v)
			break
		}
	}

	if statusCode < 200 || statusCode > 299 {
		return res
	}
	if code, ok := body["code"]; ok && scalarString(code) == successCode {
		res.Success = true
	}
	switch status := body["status"].(type) {
	case bool:
		res.Success = res.Success || status
	case string:
		res.Success = res.Success || status == successStatus
	}
	return res
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return decimal.NewFromFloat(t).String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(v)
	}
}
