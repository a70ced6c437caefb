package gin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-upto"
	"github.com/x402-foundation/x402-upto/pkg/facilitatorclient"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeFacilitator is an in-process facilitator HTTP server for middleware tests
type fakeFacilitator struct {
	verifyResp    x402.VerifyResponse
	settleResp    x402.SettleResponse
	settlePayload map[string]interface{}
	settleCalls   int
	server        *httptest.Server
}

func newFakeFacilitator(t *testing.T) *fakeFacilitator {
	t.Helper()

	f := &fakeFacilitator{
		verifyResp: x402.VerifyResponse{IsValid: true, Payer: "0xpayer"},
		settleResp: x402.SettleResponse{Success: true, TxHash: "0xhash", SettledAmount: "40000"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(f.verifyResp)
	})
	mux.HandleFunc("/settle", func(w http.ResponseWriter, r *http.Request) {
		f.settleCalls++
		var req x402.SettleRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.settlePayload = req.Payload
		json.NewEncoder(w).Encode(f.settleResp)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func testRoutes(meter MeterFunc) map[string]RouteConfig {
	return map[string]RouteConfig{
		"GET /api/data": {
			Price:   "$0.10",
			PayTo:   "0x2222222222222222222222222222222222222222",
			Network: "eip155:84532",
			Meter:   meter,
		},
	}
}

func newTestRouter(t *testing.T, facilitatorURL string, meter MeterFunc) *gin.Engine {
	t.Helper()

	middleware, err := PaymentMiddleware(testRoutes(meter),
		WithFacilitatorConfig(&facilitatorclient.Config{URL: facilitatorURL}))
	require.NoError(t, err)

	router := gin.New()
	router.Use(middleware)
	router.GET("/api/data", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": "hello"})
	})
	router.GET("/free", func(c *gin.Context) {
		c.String(http.StatusOK, "free")
	})
	return router
}

func paymentHeader(t *testing.T) string {
	t.Helper()

	header, err := x402.EncodePaymentHeader(map[string]interface{}{
		"signature": "0xsig",
		"permit2Authorization": map[string]interface{}{
			"from": "0xpayer",
			"permitted": map[string]interface{}{
				"token":  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				"amount": "100000",
			},
			"spender":  "0x4020633461b2895a48930Ff97eE8fCdE8E520002",
			"nonce":    "123",
			"deadline": "1900000000",
			"witness": map[string]interface{}{
				"to":         "0x2222222222222222222222222222222222222222",
				"validAfter": "1700000000",
				"extra":      "0x",
			},
		},
	})
	require.NoError(t, err)
	return header
}

func TestMiddlewareNoPaymentHeaderReturns402(t *testing.T) {
	f := newFakeFacilitator(t)
	router := newTestRouter(t, f.server.URL, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/data", nil))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	var body x402.PaymentRequired
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, x402.ErrPaymentRequired, body.Error)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "upto", body.Accepts[0].Scheme)
	assert.Equal(t, "100000", body.Accepts[0].MaxAmount)
	assert.Equal(t, x402.Network("eip155:84532"), body.Accepts[0].Network)
}

func TestMiddlewareUngatedRoutePassesThrough(t *testing.T) {
	f := newFakeFacilitator(t)
	router := newTestRouter(t, f.server.URL, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/free", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "free", w.Body.String())
	assert.Zero(t, f.settleCalls)
}

func TestMiddlewareMalformedHeaderReturns400(t *testing.T) {
	f := newFakeFacilitator(t)
	router := newTestRouter(t, f.server.URL, nil)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(x402.HeaderPayment, "!!!not-base64!!!")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), x402.ErrInvalidPaymentPayload)
}

func TestMiddlewareFacilitatorDownReturns503(t *testing.T) {
	f := newFakeFacilitator(t)
	url := f.server.URL
	f.server.Close()

	router := newTestRouter(t, url, nil)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(x402.HeaderPayment, paymentHeader(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), x402.ErrFacilitatorUnavailable)
}

func TestMiddlewareFacilitatorErrorReturns502(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	router := newTestRouter(t, server.URL, nil)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(x402.HeaderPayment, paymentHeader(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), x402.ErrFacilitatorUnavailable)
}

func TestMiddlewareAllowanceRequiredReturns412(t *testing.T) {
	f := newFakeFacilitator(t)
	f.verifyResp = x402.VerifyResponse{
		IsValid:       false,
		InvalidReason: "permit2_allowance_required",
		Payer:         "0xpayer",
	}
	router := newTestRouter(t, f.server.URL, nil)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(x402.HeaderPayment, paymentHeader(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Contains(t, w.Body.String(), "permit2_allowance_required")
}

func TestMiddlewareOtherInvalidReasonReturns402(t *testing.T) {
	f := newFakeFacilitator(t)
	f.verifyResp = x402.VerifyResponse{
		IsValid:       false,
		InvalidReason: "insufficient_balance",
	}
	router := newTestRouter(t, f.server.URL, nil)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(x402.HeaderPayment, paymentHeader(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_balance")
	assert.Zero(t, f.settleCalls)
}

func TestMiddlewareMetersAndSettles(t *testing.T) {
	f := newFakeFacilitator(t)

	var metered MeterContext
	meter := func(mc MeterContext) string {
		metered = mc
		return "40000"
	}

	router := newTestRouter(t, f.server.URL, meter)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(x402.HeaderPayment, paymentHeader(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// handler response intact
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello")

	// meter saw the buffered response and the authorization
	assert.Equal(t, http.StatusOK, metered.StatusCode)
	assert.Contains(t, string(metered.Body), "hello")
	assert.Equal(t, "100000", metered.AuthorizedAmount)
	assert.Equal(t, "0xpayer", metered.Payer)

	// settlement received the metered amount
	assert.Equal(t, 1, f.settleCalls)
	assert.Equal(t, "40000", f.settlePayload["settlementAmount"])

	// settlement headers set
	assert.Equal(t, "40000", w.Header().Get(x402.HeaderPaymentSettled))
	assert.Equal(t, "0xhash", w.Header().Get(x402.HeaderPaymentTxHash))

	decoded, err := x402.DecodeSettlementHeader(w.Header().Get(x402.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.True(t, decoded.Success)
	assert.Equal(t, "40000", decoded.SettledAmount)
	assert.Equal(t, "100000", decoded.AuthorizedAmount)
}

func TestMiddlewareZeroConsumptionElidesSettlement(t *testing.T) {
	f := newFakeFacilitator(t)
	f.settleResp = x402.SettleResponse{Success: true, SettledAmount: "0"}

	meter := func(MeterContext) string { return "0" }
	router := newTestRouter(t, f.server.URL, meter)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(x402.HeaderPayment, paymentHeader(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello")

	assert.Equal(t, 1, f.settleCalls)
	assert.Equal(t, "0", f.settlePayload["settlementAmount"])

	// elided settlement: settled amount is zero and no transaction was sent
	assert.Equal(t, "0", w.Header().Get(x402.HeaderPaymentSettled))
	assert.Empty(t, w.Header().Get(x402.HeaderPaymentTxHash))
}

func TestMiddlewareNoMeterSettlesRoutePrice(t *testing.T) {
	f := newFakeFacilitator(t)
	router := newTestRouter(t, f.server.URL, nil)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(x402.HeaderPayment, paymentHeader(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100000", f.settlePayload["settlementAmount"])
}

func TestMiddlewareSettleFailureDoesNotChangeResponse(t *testing.T) {
	f := newFakeFacilitator(t)
	f.settleResp = x402.SettleResponse{Success: false, Error: "transaction_reverted", TxHash: "0xhash"}
	router := newTestRouter(t, f.server.URL, nil)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(x402.HeaderPayment, paymentHeader(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello")
	assert.Empty(t, w.Header().Get(x402.HeaderPaymentSettled))
	assert.Empty(t, w.Header().Get(x402.HeaderPaymentResponse))
}

func TestMiddlewareAcceptsAliasHeader(t *testing.T) {
	f := newFakeFacilitator(t)
	router := newTestRouter(t, f.server.URL, nil)

	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set(x402.HeaderPaymentAlias, paymentHeader(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.settleCalls)
}

func TestPaymentMiddlewareRejectsBadRouteConfig(t *testing.T) {
	_, err := PaymentMiddleware(map[string]RouteConfig{
		"GET /x": {Price: "$0.10", PayTo: "0x2", Network: "eip155:1"},
	})
	assert.Error(t, err, "unknown network without explicit asset must fail construction")

	_, err = PaymentMiddleware(map[string]RouteConfig{
		"GET /x": {Price: "not a price", PayTo: "0x2", Network: "eip155:84532"},
	})
	assert.Error(t, err)
}
