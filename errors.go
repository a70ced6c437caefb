package x402

import "fmt"

// Middleware-level error strings surfaced in HTTP bodies
const (
	ErrPaymentRequired        = "Payment Required"
	ErrInvalidPaymentPayload  = "Invalid payment payload"
	ErrVerificationFailed     = "Payment verification failed"
	ErrFacilitatorUnavailable = "Facilitator unavailable"
)

// VerifyError is a verification failure with a structured reason tag.
// The tag is surfaced to clients as invalidReason; the message stays local.
type VerifyError struct {
	InvalidReason string
	Payer         string
	Message       string
}

func (e *VerifyError) Error() string {
	if e.Message == "" {
		return e.InvalidReason
	}
	return fmt.Sprintf("%s: %s", e.InvalidReason, e.Message)
}

// NewVerifyError creates a verification error with a reason tag
func NewVerifyError(reason, payer, message string) *VerifyError {
	return &VerifyError{InvalidReason: reason, Payer: payer, Message: message}
}

// SettleError is a settlement failure. TxHash is set when the transaction
// was broadcast before failing.
type SettleError struct {
	Reason  string
	Payer   string
	TxHash  string
	Message string
}

func (e *SettleError) Error() string {
	if e.Message == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// NewSettleError creates a settlement error with a reason tag
func NewSettleError(reason, payer, txHash, message string) *SettleError {
	return &SettleError{Reason: reason, Payer: payer, TxHash: txHash, Message: message}
}
