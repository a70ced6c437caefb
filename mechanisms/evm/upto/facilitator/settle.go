package facilitator

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-foundation/x402-upto"
	"github.com/x402-foundation/x402-upto/mechanisms/evm"
)

// SettleUpto settles an upto payment by calling settle() on the upto proxy
// with the metered amount. When the payload carries no settlementAmount the
// full authorized ceiling is settled. A zero amount is elided entirely: the
// response reports success without touching the chain.
func SettleUpto(
	ctx context.Context,
	signer evm.FacilitatorEvmSigner,
	payload *evm.UptoPermit2Payload,
	requirements x402.PaymentRequirements,
) (*x402.SettleResponse, error) {
	auth := payload.Permit2Authorization
	payer := auth.From

	authorizedAmount, ok := new(big.Int).SetString(auth.Permitted.Amount, 10)
	if !ok {
		return nil, x402.NewSettleError(ErrInvalidPayload, payer, "", "invalid permitted amount")
	}

	// Unmetered payloads settle the full ceiling
	amount := authorizedAmount
	if payload.SettlementAmount != "" {
		amount, ok = new(big.Int).SetString(payload.SettlementAmount, 10)
		if !ok || amount.Sign() < 0 {
			return nil, x402.NewSettleError(ErrInvalidPayload, payer, "", "invalid settlement amount")
		}
	}

	// The proxy would revert anyway; rejecting here saves the gas.
	if amount.Cmp(authorizedAmount) > 0 {
		return nil, x402.NewSettleError(ErrSettlementExceedsAuthorization, payer, "", "settlement amount exceeds authorization")
	}

	// Zero consumption settles nothing
	if amount.Sign() == 0 {
		return &x402.SettleResponse{
			Success:       true,
			SettledAmount: "0",
		}, nil
	}

	// Re-verify to close the window between the middleware's verify call and
	// settlement, in which balance or allowance may have changed.
	if _, err := VerifyUpto(ctx, signer, payload, requirements); err != nil {
		ve := &x402.VerifyError{}
		if errors.As(err, &ve) {
			return nil, x402.NewSettleError(ve.InvalidReason, ve.Payer, "", ve.Message)
		}
		return nil, x402.NewSettleError(ErrInvalidPayload, payer, "", err.Error())
	}

	nonce, ok := new(big.Int).SetString(auth.Nonce, 10)
	if !ok {
		return nil, x402.NewSettleError(ErrInvalidPayload, payer, "", "invalid nonce")
	}
	deadline, ok := new(big.Int).SetString(auth.Deadline, 10)
	if !ok {
		return nil, x402.NewSettleError(ErrInvalidPayload, payer, "", "invalid deadline")
	}
	validAfter, ok := new(big.Int).SetString(auth.Witness.ValidAfter, 10)
	if !ok {
		return nil, x402.NewSettleError(ErrInvalidPayload, payer, "", "invalid validAfter")
	}
	extraBytes, err := evm.HexToBytes(auth.Witness.Extra)
	if err != nil {
		return nil, x402.NewSettleError(ErrInvalidPayload, payer, "", "invalid witness extra")
	}
	signatureBytes, err := evm.HexToBytes(payload.Signature)
	if err != nil {
		return nil, x402.NewSettleError(ErrInvalidPayload, payer, "", "invalid signature format")
	}

	// The ABI expects: settle(permit, amount, owner, witness, signature)
	permitStruct := struct {
		Permitted struct {
			Token  common.Address
			Amount *big.Int
		}
		Nonce    *big.Int
		Deadline *big.Int
	}{
		Permitted: struct {
			Token  common.Address
			Amount *big.Int
		}{
			Token:  common.HexToAddress(auth.Permitted.Token),
			Amount: authorizedAmount,
		},
		Nonce:    nonce,
		Deadline: deadline,
	}

	witnessStruct := struct {
		To         common.Address
		ValidAfter *big.Int
		Extra      []byte
	}{
		To:         common.HexToAddress(auth.Witness.To),
		ValidAfter: validAfter,
		Extra:      extraBytes,
	}

	txHash, err := signer.WriteContract(
		ctx,
		evm.X402UptoPermit2ProxyAddress,
		evm.X402UptoPermit2ProxySettleABI,
		evm.FunctionSettle,
		permitStruct,
		amount,
		common.HexToAddress(payer),
		witnessStruct,
		signatureBytes,
	)
	if err != nil {
		return nil, x402.NewSettleError(parseUptoProxyError(err), payer, "", err.Error())
	}

	receipt, err := signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, x402.NewSettleError(ErrFailedToGetReceipt, payer, txHash, err.Error())
	}
	if receipt.Status != evm.TxStatusSuccess {
		return nil, x402.NewSettleError(ErrTransactionReverted, payer, txHash, "")
	}

	return &x402.SettleResponse{
		Success:       true,
		TxHash:        txHash,
		SettledAmount: amount.String(),
	}, nil
}

// parseUptoProxyError extracts a stable reason tag from contract revert
// messages surfaced by the RPC node.
func parseUptoProxyError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "AmountExceedsPermitted"):
		return ErrSettlementExceedsAuthorization
	case strings.Contains(msg, "InvalidSignature"), strings.Contains(msg, "SignatureExpired"):
		return ErrInvalidSignature
	default:
		return ErrTransactionReverted
	}
}
