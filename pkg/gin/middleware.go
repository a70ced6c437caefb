// Package gin provides the resource-server payment middleware for the upto
// scheme. Gated routes require a signed authorization up front, meter actual
// consumption after the handler runs, and settle only what was consumed.
package gin

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	x402 "github.com/x402-foundation/x402-upto"
	"github.com/x402-foundation/x402-upto/mechanisms/evm"
	"github.com/x402-foundation/x402-upto/pkg/facilitatorclient"
)

// MeterContext is what a route's meter sees after the handler has produced
// its response. Body is the buffered response body; reading it does not
// consume anything.
type MeterContext struct {
	Request          *http.Request
	StatusCode       int
	Body             []byte
	AuthorizedAmount string
	Payer            string
}

// MeterFunc returns the consumed amount in smallest token units as a decimal
// string. Returning "0" elides settlement entirely.
type MeterFunc func(MeterContext) string

// RouteConfig describes one gated route
type RouteConfig struct {
	// Price is a human-readable USD price string (e.g. "$0.10"); it becomes
	// the route's maxAmount ceiling in smallest units.
	Price string

	// PayTo is the recipient address bound into the signed witness
	PayTo string

	// Network is the CAIP-2 network identifier (e.g. "eip155:84532")
	Network x402.Network

	// Asset optionally overrides the network's default USDC address
	Asset string

	Description       string
	MimeType          string
	MaxTimeoutSeconds int

	// Meter computes consumption after the handler runs. When nil the full
	// route price is settled.
	Meter MeterFunc
}

// MiddlewareOptions configures PaymentMiddleware
type MiddlewareOptions struct {
	FacilitatorConfig *facilitatorclient.Config
	Logger            *slog.Logger
}

// Option mutates MiddlewareOptions
type Option func(*MiddlewareOptions)

// WithFacilitatorConfig sets the facilitator client configuration
func WithFacilitatorConfig(config *facilitatorclient.Config) Option {
	return func(o *MiddlewareOptions) {
		o.FacilitatorConfig = config
	}
}

// WithLogger sets the logger used for settlement failures and diagnostics
func WithLogger(logger *slog.Logger) Option {
	return func(o *MiddlewareOptions) {
		o.Logger = logger
	}
}

// gatedRoute is a route with its payment requirements resolved up front
type gatedRoute struct {
	config       RouteConfig
	requirements x402.PaymentRequirements
}

// PaymentMiddleware builds the gin middleware from a route table keyed by
// "METHOD /path" (e.g. "GET /api/weather"). Requests not in the table pass
// through untouched. Route configuration errors (bad price, unknown network)
// fail construction rather than surfacing per-request.
func PaymentMiddleware(routes map[string]RouteConfig, opts ...Option) (gin.HandlerFunc, error) {
	options := &MiddlewareOptions{
		FacilitatorConfig: &facilitatorclient.Config{URL: facilitatorclient.DefaultFacilitatorURL},
		Logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	gated := make(map[string]gatedRoute, len(routes))
	for key, config := range routes {
		requirements, err := resolveRequirements(config)
		if err != nil {
			return nil, err
		}
		gated[key] = gatedRoute{config: config, requirements: requirements}
	}

	client := facilitatorclient.NewFacilitatorClient(options.FacilitatorConfig)
	logger := options.Logger

	return func(c *gin.Context) {
		route, ok := gated[c.Request.Method+" "+c.Request.URL.Path]
		if !ok {
			c.Next()
			return
		}

		requirements := route.requirements

		header := c.GetHeader(x402.HeaderPayment)
		if header == "" {
			header = c.GetHeader(x402.HeaderPaymentAlias)
		}
		if header == "" {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.PaymentRequired{
				Error:       x402.ErrPaymentRequired,
				Accepts:     []x402.PaymentRequirements{requirements},
				Description: requirements.Description,
				MimeType:    requirements.MimeType,
			})
			return
		}

		payload, err := x402.DecodePaymentHeader(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": x402.ErrInvalidPaymentPayload,
			})
			return
		}

		verifyResp, err := client.Verify(c.Request.Context(), payload, requirements)
		if err != nil {
			logger.Error("facilitator verify failed",
				"path", c.Request.URL.Path,
				"error", err)
			// Unreachable facilitator is 503; a facilitator that answered
			// with an error is a broken upstream, 502.
			status := http.StatusBadGateway
			if facilitatorclient.IsTransportError(err) {
				status = http.StatusServiceUnavailable
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error": x402.ErrFacilitatorUnavailable,
			})
			return
		}

		if !verifyResp.IsValid {
			// A missing Permit2 allowance is a precondition the client fixes
			// by sending the one-time approval, not a bad payment.
			status := http.StatusPaymentRequired
			if verifyResp.InvalidReason == "permit2_allowance_required" {
				status = http.StatusPreconditionFailed
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":   x402.ErrVerificationFailed,
				"reason":  verifyResp.InvalidReason,
				"accepts": []x402.PaymentRequirements{requirements},
			})
			return
		}

		// Buffer the handler's response so the meter can read it and the
		// settlement headers can be attached before the body is committed.
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &strings.Builder{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		c.Next()

		body := writer.body.String()
		authorizedAmount := authorizedAmountFromPayload(payload)

		settlementAmount := requirements.MaxAmount
		if route.config.Meter != nil {
			settlementAmount = route.config.Meter(MeterContext{
				Request:          c.Request,
				StatusCode:       writer.statusCode,
				Body:             []byte(body),
				AuthorizedAmount: authorizedAmount,
				Payer:            verifyResp.Payer,
			})
		}
		payload["settlementAmount"] = settlementAmount

		settleResp, err := client.Settle(c.Request.Context(), payload, requirements)
		if err != nil {
			// The response is already committed from the handler's viewpoint;
			// settlement is best-effort and must not change what the client sees.
			logger.Error("settlement failed",
				"path", c.Request.URL.Path,
				"payer", verifyResp.Payer,
				"amount", settlementAmount,
				"error", err)
		} else if !settleResp.Success {
			logger.Error("settlement rejected",
				"path", c.Request.URL.Path,
				"payer", verifyResp.Payer,
				"amount", settlementAmount,
				"reason", settleResp.Error,
				"txHash", settleResp.TxHash)
		} else {
			settlementHeader, encErr := x402.EncodeSettlementHeader(x402.SettlementHeader{
				Success:          true,
				TxHash:           settleResp.TxHash,
				SettledAmount:    settleResp.SettledAmount,
				AuthorizedAmount: authorizedAmount,
			})
			if encErr == nil {
				c.Header(x402.HeaderPaymentResponse, settlementHeader)
			}
			c.Header(x402.HeaderPaymentSettled, settleResp.SettledAmount)
			if settleResp.TxHash != "" {
				c.Header(x402.HeaderPaymentTxHash, settleResp.TxHash)
			}
		}

		// Replay the buffered response
		c.Writer = writer.ResponseWriter
		c.Writer.WriteHeader(writer.statusCode)
		c.Writer.Write([]byte(body))
	}, nil
}

// resolveRequirements turns a route config into wire-level payment
// requirements, resolving the default asset for the network when unset.
func resolveRequirements(config RouteConfig) (x402.PaymentRequirements, error) {
	decimals := evm.DefaultDecimals
	asset := config.Asset
	if asset == "" {
		networkConfig, err := evm.GetNetworkConfig(string(config.Network))
		if err != nil {
			return x402.PaymentRequirements{}, err
		}
		asset = networkConfig.DefaultAsset.Address
		decimals = networkConfig.DefaultAsset.Decimals
	}

	maxAmount, err := x402.ParseUsdcAmount(config.Price, decimals)
	if err != nil {
		return x402.PaymentRequirements{}, err
	}

	maxTimeout := config.MaxTimeoutSeconds
	if maxTimeout <= 0 {
		maxTimeout = x402.DefaultMaxTimeoutSeconds
	}

	return x402.PaymentRequirements{
		Scheme:            x402.SchemeUpto,
		Network:           config.Network,
		Asset:             asset,
		MaxAmount:         maxAmount.String(),
		PayTo:             config.PayTo,
		MaxTimeoutSeconds: maxTimeout,
		Description:       config.Description,
		MimeType:          config.MimeType,
	}, nil
}

// authorizedAmountFromPayload pulls the signed ceiling out of the raw payload
// map. Returns "" when the payload shape is unexpected.
func authorizedAmountFromPayload(payload map[string]interface{}) string {
	auth, ok := payload["permit2Authorization"].(map[string]interface{})
	if !ok {
		return ""
	}
	permitted, ok := auth["permitted"].(map[string]interface{})
	if !ok {
		return ""
	}
	amount, _ := permitted["amount"].(string)
	return amount
}

// responseWriter buffers the handler's response so settlement headers can be
// set before anything is written to the wire
type responseWriter struct {
	gin.ResponseWriter
	body       *strings.Builder
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}
