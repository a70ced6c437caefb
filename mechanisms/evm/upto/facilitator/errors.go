package facilitator

// Facilitator error reason tags for the upto EVM scheme. These appear
// verbatim in invalidReason / error fields on the wire, so they are stable.
const (
	// Verify errors
	ErrInvalidPayload               = "invalid_payload"
	ErrInvalidSpender               = "invalid_spender"
	ErrInvalidRecipient             = "invalid_recipient"
	ErrDeadlineExpired              = "permit2_deadline_expired"
	ErrNotYetValid                  = "permit2_not_yet_valid"
	ErrInsufficientAuthorizedAmount = "insufficient_authorized_amount"
	ErrInvalidSignature             = "invalid_permit2_signature"
	ErrSignatureVerificationFailed  = "signature_verification_failed"
	ErrAllowanceRequired            = "permit2_allowance_required"
	ErrAllowanceCheckFailed         = "allowance_check_failed"
	ErrInsufficientBalance          = "insufficient_balance"
	ErrBalanceCheckFailed           = "balance_check_failed"

	// Settle errors
	ErrSettlementExceedsAuthorization = "settlement_exceeds_authorization"
	ErrFailedToGetReceipt             = "failed_to_get_receipt"
	ErrTransactionReverted            = "transaction_reverted"
)
