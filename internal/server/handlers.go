package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/x402-foundation/x402-upto"
	"github.com/x402-foundation/x402-upto/internal/db"
	"github.com/x402-foundation/x402-upto/mechanisms/evm"
)

// paymentRequestSchema validates /verify and /settle bodies before decoding.
// Scheme-specific payload validation happens inside the scheme facilitator;
// this only guards the envelope shape.
const paymentRequestSchema = `{
	"type": "object",
	"required": ["payload", "requirements"],
	"properties": {
		"payload": {
			"type": "object",
			"required": ["signature", "permit2Authorization"]
		},
		"requirements": {
			"type": "object",
			"required": ["scheme", "network", "asset", "maxAmount", "payTo"],
			"properties": {
				"scheme": {"type": "string"},
				"network": {"type": "string"},
				"asset": {"type": "string"},
				"maxAmount": {"type": "string"},
				"payTo": {"type": "string"}
			}
		}
	}
}`

var paymentRequestValidator = gojsonschema.NewStringLoader(paymentRequestSchema)

// decodePaymentRequest validates and decodes a verify/settle request body
func decodePaymentRequest(c *gin.Context) (map[string]interface{}, x402.PaymentRequirements, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, x402.PaymentRequirements{}, false
	}

	result, err := gojsonschema.Validate(paymentRequestValidator, gojsonschema.NewBytesLoader(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return nil, x402.PaymentRequirements{}, false
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": errs})
		return nil, x402.PaymentRequirements{}, false
	}

	var req x402.VerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, x402.PaymentRequirements{}, false
	}

	return req.Payload, req.Requirements, true
}

// handleVerify verifies a payment payload and records it in the audit store
func (s *Server) handleVerify(c *gin.Context) {
	payload, requirements, ok := decodePaymentRequest(c)
	if !ok {
		return
	}

	resp, err := s.registry.Verify(c.Request.Context(), payload, requirements)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if resp.IsValid && s.store != nil {
		s.auditVerified(c, payload, requirements)
	}

	c.JSON(http.StatusOK, resp)
}

// handleSettle settles a payment and updates the audit record
func (s *Server) handleSettle(c *gin.Context) {
	payload, requirements, ok := decodePaymentRequest(c)
	if !ok {
		return
	}

	resp, err := s.registry.Settle(c.Request.Context(), payload, requirements)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.store != nil {
		s.auditSettled(c, payload, resp)
	}

	c.JSON(http.StatusOK, resp)
}

// handleSupported reports the schemes and networks this facilitator handles
func (s *Server) handleSupported(c *gin.Context) {
	schemes, networks := s.registry.Supported()
	c.JSON(http.StatusOK, x402.SupportedResponse{
		Schemes:     schemes,
		Networks:    networks,
		Facilitator: s.address,
	})
}

// handleStats aggregates the audit store
func (s *Server) handleStats(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats unavailable: no audit store configured"})
		return
	}

	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("stats query failed", "error", err, "request_id", c.GetString("request_id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate stats"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// handleHealth is the liveness probe
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"network":     s.config.Network,
		"facilitator": s.address,
	})
}

// auditVerified records a verified authorization. Audit failures are logged,
// never surfaced: the store records, it does not gate.
func (s *Server) auditVerified(c *gin.Context, payload map[string]interface{}, requirements x402.PaymentRequirements) {
	p, err := evm.UptoPermit2PayloadFromMap(payload)
	if err != nil {
		return
	}

	record := db.PaymentRecord{
		Payer:            evm.NormalizeAddress(p.Permit2Authorization.From),
		Recipient:        evm.NormalizeAddress(p.Permit2Authorization.Witness.To),
		Token:            evm.NormalizeAddress(p.Permit2Authorization.Permitted.Token),
		AuthorizedAmount: p.Permit2Authorization.Permitted.Amount,
		Nonce:            p.Permit2Authorization.Nonce,
		Network:          string(requirements.Network),
	}
	if err := s.store.RecordVerified(c.Request.Context(), record); err != nil {
		s.logger.Error("audit insert failed", "error", err, "nonce", record.Nonce,
			"request_id", c.GetString("request_id"))
	}
}

// auditSettled updates the audit record after a settlement attempt
func (s *Server) auditSettled(c *gin.Context, payload map[string]interface{}, resp *x402.SettleResponse) {
	p, err := evm.UptoPermit2PayloadFromMap(payload)
	if err != nil {
		return
	}
	nonce := p.Permit2Authorization.Nonce

	var auditErr error
	switch {
	case resp.Success && resp.TxHash != "":
		auditErr = s.store.MarkSettled(c.Request.Context(), nonce, resp.SettledAmount, resp.TxHash)
	case !resp.Success:
		auditErr = s.store.MarkFailed(c.Request.Context(), nonce, resp.Error, resp.TxHash)
	default:
		// Elided zero-amount settlement: the row stays verified
	}
	if auditErr != nil {
		s.logger.Error("audit update failed", "error", auditErr, "nonce", nonce,
			"request_id", c.GetString("request_id"))
	}
}
