package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// SchemeUpto is the scheme identifier advertised in payment requirements.
	SchemeUpto = "upto"

	// DefaultMaxTimeoutSeconds bounds the authorization deadline when a route
	// does not configure its own.
	DefaultMaxTimeoutSeconds = 300

	// HeaderPayment carries the base64-encoded payment payload.
	HeaderPayment = "X-Payment"
	// HeaderPaymentAlias is accepted on input as an alias for HeaderPayment.
	HeaderPaymentAlias = "Payment-Signature"
	// HeaderPaymentResponse carries the base64-encoded settlement summary.
	HeaderPaymentResponse = "X-Payment-Response"
	// HeaderPaymentSettled carries the settled amount in smallest units.
	HeaderPaymentSettled = "X-Payment-Settled"
	// HeaderPaymentTxHash carries the settlement transaction hash.
	HeaderPaymentTxHash = "X-Payment-TxHash"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "eip155:8453" matches "eip155:*" and "eip155:*" matches "eip155:8453"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	// Bidirectional matching so registries can be keyed by wildcard
	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// PaymentRequirements defines what payment is acceptable for a resource.
// MaxAmount is the server-side ceiling in smallest token units; the payer
// must authorize at least this much, and settlement never exceeds what was
// authorized.
type PaymentRequirements struct {
	Scheme            string  `json:"scheme"`
	Network           Network `json:"network"`
	Asset             string  `json:"asset"`
	MaxAmount         string  `json:"maxAmount"`
	PayTo             string  `json:"payTo"`
	MaxTimeoutSeconds int     `json:"maxTimeoutSeconds"`
	Description       string  `json:"description,omitempty"`
	MimeType          string  `json:"mimeType,omitempty"`
}

// PaymentRequired is the 402 response body sent to clients
type PaymentRequired struct {
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Description string                `json:"description,omitempty"`
	MimeType    string                `json:"mimeType,omitempty"`
}

// VerifyRequest is the facilitator /verify request body
type VerifyRequest struct {
	Payload      map[string]interface{} `json:"payload"`
	Requirements PaymentRequirements    `json:"requirements"`
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleRequest is the facilitator /settle request body
type SettleRequest struct {
	Payload      map[string]interface{} `json:"payload"`
	Requirements PaymentRequirements    `json:"requirements"`
}

// SettleResponse contains the settlement result. TxHash is empty when the
// settlement was elided (zero consumption) or never reached the chain.
type SettleResponse struct {
	Success       bool   `json:"success"`
	TxHash        string `json:"txHash,omitempty"`
	SettledAmount string `json:"settledAmount,omitempty"`
	Error         string `json:"error,omitempty"`
}

// SettlementHeader is the decoded form of the X-Payment-Response header
type SettlementHeader struct {
	Success          bool   `json:"success"`
	TxHash           string `json:"txHash"`
	SettledAmount    string `json:"settledAmount"`
	AuthorizedAmount string `json:"authorizedAmount"`
}

// SupportedResponse describes what the facilitator supports
type SupportedResponse struct {
	Schemes     []string  `json:"schemes"`
	Networks    []Network `json:"networks"`
	Facilitator string    `json:"facilitator"`
}

// StatsResponse aggregates the audit store. Amounts are decimal strings of
// smallest token units; SavingsPercent is rounded to the nearest integer.
type StatsResponse struct {
	TotalPayments   int64  `json:"totalPayments"`
	SettledPayments int64  `json:"settledPayments"`
	TotalAuthorized string `json:"totalAuthorized"`
	TotalSettled    string `json:"totalSettled"`
	SavingsPercent  int64  `json:"savingsPercent"`
}

// EncodePaymentHeader encodes a payment payload map into the X-Payment
// header value (base64 of JSON).
func EncodePaymentHeader(payload map[string]interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader decodes an X-Payment header value into the payload map.
func DecodePaymentHeader(header string) (map[string]interface{}, error) {
	if header == "" {
		return nil, fmt.Errorf("payment header is empty")
	}

	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header: not valid base64: %w", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("invalid payment header: not valid JSON: %w", err)
	}

	return payload, nil
}

// EncodeSettlementHeader encodes the settlement summary for the
// X-Payment-Response header.
func EncodeSettlementHeader(h SettlementHeader) (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlementHeader decodes an X-Payment-Response header value.
func DecodeSettlementHeader(header string) (*SettlementHeader, error) {
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid settlement header: %w", err)
	}

	var h SettlementHeader
	if err := json.Unmarshal(decoded, &h); err != nil {
		return nil, fmt.Errorf("invalid settlement header: %w", err)
	}

	return &h, nil
}
