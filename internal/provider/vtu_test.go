package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brightventurez/vtu-wallet/internal/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseResult(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		success bool
		msg     string
	}{
		{"numeric code", 200, `{"code":101,"description":"Transaction Successful"}`, true, "Transaction Successful"},
		{"string code", 200, `{"code":"101","message":"ok"}`, true, "ok"},
		{"status flag", 200, `{"status":true}`, true, ""},
		{"status word", 200, `{"status":"success","message":"done"}`, true, "done"},
		{"status false", 200, `{"status":false,"message":"pending"}`, false, "pending"},
		{"other status words", 200, `{"status":"Successful"}`, false, ""},
		{"ok is not success", 200, `{"status":"ok"}`, false, ""},
		{"quoted true is not success", 200, `{"status":"true"}`, false, ""},
		{"failure code", 200, `{"code":102,"description":"Insufficient vendor balance"}`, false, "Insufficient vendor balance"},
		{"success body on 500", 500, `{"code":101,"message":"weird"}`, false, "weird"},
		{"not json", 502, `Bad Gateway`, false, "Bad Gateway"},
		{"empty", 503, ``, false, "Service Unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := ParseResult(tc.status, []byte(tc.body))
			assert.Equal(t, tc.success, res.Success)
			assert.Equal(t, tc.msg, res.Message)
			assert.Equal(t, tc.status, res.StatusCode)
			assert.Equal(t, tc.body, res.Raw)
		})
	}
}

func TestVTUClient_PurchaseAirtime(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Token key-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"code":101,"description":"done"}`))
	}))
	defer srv.Close()

	c := NewVTUClient(config.ProviderConfig{AirtimeURL: srv.URL, APIKey: "key-1"}, zap.NewNop().Sugar())
	res, err := c.PurchaseAirtime(context.Background(), "MTN", "08030000000", decimal.RequireFromString("150.5"), "VTU-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Message)
	assert.Equal(t, "MTN", got["network"])
	assert.Equal(t, 150.5, got["amount"])
	assert.Equal(t, "VTU-1", got["ref"])
}

func TestVTUClient_PurchaseData(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":400,"message":"invalid plan"}`))
	}))
	defer srv.Close()

	c := NewVTUClient(config.ProviderConfig{DataURL: srv.URL}, zap.NewNop().Sugar())
	res, err := c.PurchaseData(context.Background(), "GLO", "glo-sme-1gb", "08050000000", "VTU-2")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid plan", res.Message)
	assert.Equal(t, "glo-sme-1gb", got["DataPlan"])
	assert.Equal(t, "08050000000", got["MobileNumber"])
}

func TestVTUClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewVTUClient(config.ProviderConfig{DataURL: srv.URL, Timeout: 20 * time.Millisecond}, zap.NewNop().Sugar())
	res, err := c.PurchaseData(context.Background(), "MTN", "p", "0803", "VTU-3")
	assert.Error(t, err)
	assert.Nil(t, res)
}
