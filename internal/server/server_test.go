package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-upto"
	"github.com/x402-foundation/x402-upto/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubFacilitator struct {
	verifyResp *x402.VerifyResponse
	settleResp *x402.SettleResponse
	err        error
}

func (s *stubFacilitator) Scheme() string { return "upto" }

func (s *stubFacilitator) Verify(ctx context.Context, payload map[string]interface{}, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return s.verifyResp, s.err
}

func (s *stubFacilitator) Settle(ctx context.Context, payload map[string]interface{}, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	return s.settleResp, s.err
}

func newTestServer(stub *stubFacilitator) *Server {
	registry := x402.NewFacilitator()
	registry.Register("eip155:84532", stub)

	cfg := &config.Config{Network: "eip155:84532", Port: "4402"}
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	return New(cfg, registry, nil, "0xfacilitator", logger)
}

func paymentRequestBody() string {
	return `{
		"payload": {
			"signature": "0xsig",
			"permit2Authorization": {"from": "0xpayer"}
		},
		"requirements": {
			"scheme": "upto",
			"network": "eip155:84532",
			"asset": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			"maxAmount": "100000",
			"payTo": "0x2222222222222222222222222222222222222222"
		}
	}`
}

func TestHandleVerify(t *testing.T) {
	s := newTestServer(&stubFacilitator{
		verifyResp: &x402.VerifyResponse{IsValid: true, Payer: "0xpayer"},
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/verify", strings.NewReader(paymentRequestBody()))
	s.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xpayer", resp.Payer)
}

func TestHandleVerifyInvalidReasonReturned(t *testing.T) {
	s := newTestServer(&stubFacilitator{
		verifyResp: &x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_balance"},
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/verify", strings.NewReader(paymentRequestBody()))
	s.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.IsValid)
	assert.Equal(t, "insufficient_balance", resp.InvalidReason)
}

func TestHandleVerifyRejectsBadEnvelope(t *testing.T) {
	s := newTestServer(&stubFacilitator{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json"},
		{"missing payload", `{"requirements": {"scheme": "upto", "network": "eip155:84532", "asset": "0x0", "maxAmount": "1", "payTo": "0x0"}}`},
		{"payload missing signature", `{"payload": {"permit2Authorization": {}}, "requirements": {"scheme": "upto", "network": "eip155:84532", "asset": "0x0", "maxAmount": "1", "payTo": "0x0"}}`},
		{"requirements missing maxAmount", `{"payload": {"signature": "0x", "permit2Authorization": {}}, "requirements": {"scheme": "upto", "network": "eip155:84532", "asset": "0x0", "payTo": "0x0"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/verify", strings.NewReader(tt.body))
			s.Engine().ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleVerifyUnknownSchemeReturns400(t *testing.T) {
	s := newTestServer(&stubFacilitator{})

	body := strings.Replace(paymentRequestBody(), `"scheme": "upto"`, `"scheme": "exact"`, 1)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/verify", strings.NewReader(body))
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no facilitator registered")
}

func TestHandleSettle(t *testing.T) {
	s := newTestServer(&stubFacilitator{
		settleResp: &x402.SettleResponse{Success: true, TxHash: "0xhash", SettledAmount: "40000"},
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/settle", strings.NewReader(paymentRequestBody()))
	s.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.SettleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "0xhash", resp.TxHash)
	assert.Equal(t, "40000", resp.SettledAmount)
}

func TestHandleSupported(t *testing.T) {
	s := newTestServer(&stubFacilitator{})

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest("GET", "/supported", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.SupportedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"upto"}, resp.Schemes)
	assert.Equal(t, []x402.Network{"eip155:84532"}, resp.Networks)
	assert.Equal(t, "0xfacilitator", resp.Facilitator)
}

func TestHandleStatsWithoutStoreReturns503(t *testing.T) {
	s := newTestServer(&stubFacilitator{})

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest("GET", "/stats", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no audit store configured")
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&stubFacilitator{})

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), "eip155:84532")
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	s := newTestServer(&stubFacilitator{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(requestIDHeader, "my-id")
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, "my-id", w.Header().Get(requestIDHeader))

	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}
