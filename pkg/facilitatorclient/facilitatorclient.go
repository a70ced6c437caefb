// Package facilitatorclient is the HTTP client the resource middleware uses
// to talk to an upto facilitator service.
package facilitatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	x402 "github.com/x402-foundation/x402-upto"
)

const (
	// DefaultFacilitatorURL points at a local facilitator on its default port
	DefaultFacilitatorURL = "http://localhost:4402"

	// DefaultTimeout bounds each facilitator round trip
	DefaultTimeout = 30 * time.Second

	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"

	authHeaderVerify    = "verify"
	authHeaderSettle    = "settle"
	authHeaderSupported = "supported"
	authHeaderStats     = "stats"
)

// TransportError marks failures to reach the facilitator at all, as opposed
// to the facilitator rejecting the payment. The middleware maps these to 503.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("facilitator unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is a facilitator transport failure
func IsTransportError(err error) bool {
	te := &TransportError{}
	return errors.As(err, &te)
}

// Config configures a FacilitatorClient
type Config struct {
	URL     string
	Timeout time.Duration

	// CreateAuthHeaders optionally returns per-operation auth headers keyed by
	// operation name ("verify", "settle", "supported", "stats").
	CreateAuthHeaders func() (map[string]map[string]string, error)
}

// FacilitatorClient verifies and settles payments against a facilitator service
type FacilitatorClient struct {
	URL               string
	HTTPClient        *http.Client
	CreateAuthHeaders func() (map[string]map[string]string, error)
}

// NewFacilitatorClient creates a facilitator client. A nil config uses the
// default local facilitator URL.
func NewFacilitatorClient(config *Config) *FacilitatorClient {
	if config == nil {
		config = &Config{URL: DefaultFacilitatorURL}
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &FacilitatorClient{
		URL:               config.URL,
		HTTPClient:        &http.Client{Timeout: timeout},
		CreateAuthHeaders: config.CreateAuthHeaders,
	}
}

// Verify sends a payment verification request to the facilitator
func (c *FacilitatorClient) Verify(
	ctx context.Context,
	payload map[string]interface{},
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	body := x402.VerifyRequest{
		Payload:      payload,
		Requirements: requirements,
	}

	var verifyResp x402.VerifyResponse
	if err := c.post(ctx, "/verify", authHeaderVerify, body, &verifyResp); err != nil {
		return nil, err
	}
	return &verifyResp, nil
}

// Settle sends a payment settlement request to the facilitator
func (c *FacilitatorClient) Settle(
	ctx context.Context,
	payload map[string]interface{},
	requirements x402.PaymentRequirements,
) (*x402.SettleResponse, error) {
	body := x402.SettleRequest{
		Payload:      payload,
		Requirements: requirements,
	}

	var settleResp x402.SettleResponse
	if err := c.post(ctx, "/settle", authHeaderSettle, body, &settleResp); err != nil {
		return nil, err
	}
	return &settleResp, nil
}

// Supported retrieves the schemes and networks the facilitator handles
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	var supportedResp x402.SupportedResponse
	if err := c.get(ctx, "/supported", authHeaderSupported, &supportedResp); err != nil {
		return nil, err
	}
	return &supportedResp, nil
}

// Stats retrieves the facilitator's aggregate payment statistics
func (c *FacilitatorClient) Stats(ctx context.Context) (*x402.StatsResponse, error) {
	var statsResp x402.StatsResponse
	if err := c.get(ctx, "/stats", authHeaderStats, &statsResp); err != nil {
		return nil, err
	}
	return &statsResp, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path, authKey string, body interface{}, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	if err := c.addAuthHeader(req, authKey); err != nil {
		return fmt.Errorf("failed to apply auth headers: %w", err)
	}

	return c.do(req, path, out)
}

func (c *FacilitatorClient) get(ctx context.Context, path, authKey string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	if err := c.addAuthHeader(req, authKey); err != nil {
		return fmt.Errorf("failed to apply auth headers: %w", err)
	}

	return c.do(req, path, out)
}

func (c *FacilitatorClient) do(req *http.Request, path string, out interface{}) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	// Verify and settle failures are reported inside 200 bodies; a non-200
	// means the facilitator itself rejected or broke on the request.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s returned %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *FacilitatorClient) addAuthHeader(req *http.Request, key string) error {
	if c.CreateAuthHeaders == nil {
		return nil
	}

	headers, err := c.CreateAuthHeaders()
	if err != nil {
		return fmt.Errorf("create auth headers: %w", err)
	}

	actionHeaders, ok := headers[key]
	if !ok {
		return nil
	}

	for headerKey, value := range actionHeaders {
		req.Header.Set(headerKey, value)
	}

	return nil
}
