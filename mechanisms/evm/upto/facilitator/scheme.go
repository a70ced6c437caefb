package facilitator

import (
	"context"
	"errors"

	x402 "github.com/x402-foundation/x402-upto"
	"github.com/x402-foundation/x402-upto/mechanisms/evm"
)

// UptoEvmFacilitator implements x402.SchemeNetworkFacilitator for the upto
// scheme on EVM networks. Check failures are reported inside the response
// (isValid: false / success: false) rather than as Go errors, so the HTTP
// layer can relay them verbatim.
type UptoEvmFacilitator struct {
	signer evm.FacilitatorEvmSigner
}

// NewUptoEvmFacilitator creates an upto facilitator backed by the given signer
func NewUptoEvmFacilitator(signer evm.FacilitatorEvmSigner) *UptoEvmFacilitator {
	return &UptoEvmFacilitator{signer: signer}
}

// Scheme returns the scheme identifier
func (f *UptoEvmFacilitator) Scheme() string {
	return evm.SchemeUpto
}

// Verify checks an upto payment payload against requirements and chain state
func (f *UptoEvmFacilitator) Verify(
	ctx context.Context,
	payload map[string]interface{},
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	uptoPayload, err := evm.UptoPermit2PayloadFromMap(payload)
	if err != nil {
		return &x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: ErrInvalidPayload,
		}, nil
	}

	resp, err := VerifyUpto(ctx, f.signer, uptoPayload, requirements)
	if err != nil {
		ve := &x402.VerifyError{}
		if errors.As(err, &ve) {
			return &x402.VerifyResponse{
				IsValid:       false,
				InvalidReason: ve.InvalidReason,
				Payer:         ve.Payer,
			}, nil
		}
		return nil, err
	}
	return resp, nil
}

// Settle executes the on-chain settlement for a verified payload
func (f *UptoEvmFacilitator) Settle(
	ctx context.Context,
	payload map[string]interface{},
	requirements x402.PaymentRequirements,
) (*x402.SettleResponse, error) {
	uptoPayload, err := evm.UptoPermit2PayloadFromMap(payload)
	if err != nil {
		return &x402.SettleResponse{
			Success: false,
			Error:   ErrInvalidPayload,
		}, nil
	}

	resp, err := SettleUpto(ctx, f.signer, uptoPayload, requirements)
	if err != nil {
		se := &x402.SettleError{}
		if errors.As(err, &se) {
			return &x402.SettleResponse{
				Success: false,
				TxHash:  se.TxHash,
				Error:   se.Reason,
			}, nil
		}
		return nil, err
	}
	return resp, nil
}
