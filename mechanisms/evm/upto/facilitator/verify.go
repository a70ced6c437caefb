package facilitator

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-foundation/x402-upto"
	"github.com/x402-foundation/x402-upto/mechanisms/evm"
)

// VerifyUpto verifies an upto payment payload against the requirements and
// chain state. Checks are ordered so that cheap local checks run before any
// RPC round trip; the first failure wins.
func VerifyUpto(
	ctx context.Context,
	signer evm.FacilitatorEvmSigner,
	payload *evm.UptoPermit2Payload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	auth := payload.Permit2Authorization
	payer := auth.From

	chainID, err := evm.GetEvmChainId(string(requirements.Network))
	if err != nil {
		return nil, x402.NewVerifyError(ErrInvalidPayload, payer, err.Error())
	}

	// 1. Spender must be the upto proxy; anything else lets funds bypass the
	// on-chain ceiling enforcement.
	if !strings.EqualFold(auth.Spender, evm.X402UptoPermit2ProxyAddress) {
		return nil, x402.NewVerifyError(ErrInvalidSpender, payer, "spender is not the upto proxy")
	}

	// 2. Witness recipient must match payTo
	if !strings.EqualFold(auth.Witness.To, requirements.PayTo) {
		return nil, x402.NewVerifyError(ErrInvalidRecipient, payer, "witness recipient does not match payTo")
	}

	// 3. Deadline must be strictly in the future
	now := big.NewInt(time.Now().Unix())
	deadline, ok := new(big.Int).SetString(auth.Deadline, 10)
	if !ok {
		return nil, x402.NewVerifyError(ErrInvalidPayload, payer, "invalid deadline format")
	}
	if deadline.Cmp(now) <= 0 {
		return nil, x402.NewVerifyError(ErrDeadlineExpired, payer, "deadline expired")
	}

	// 4. validAfter must not be in the future
	validAfter, ok := new(big.Int).SetString(auth.Witness.ValidAfter, 10)
	if !ok {
		return nil, x402.NewVerifyError(ErrInvalidPayload, payer, "invalid validAfter format")
	}
	if validAfter.Cmp(now) > 0 {
		return nil, x402.NewVerifyError(ErrNotYetValid, payer, "authorization not yet valid")
	}

	// 5. Authorized ceiling must cover the route's maximum
	authorizedAmount, ok := new(big.Int).SetString(auth.Permitted.Amount, 10)
	if !ok || authorizedAmount.Sign() < 0 {
		return nil, x402.NewVerifyError(ErrInvalidPayload, payer, "invalid permitted amount format")
	}
	maxAmount, ok := new(big.Int).SetString(requirements.MaxAmount, 10)
	if !ok {
		return nil, x402.NewVerifyError(ErrInvalidPayload, payer, "invalid required maxAmount format")
	}
	if authorizedAmount.Cmp(maxAmount) < 0 {
		return nil, x402.NewVerifyError(ErrInsufficientAuthorizedAmount, payer, "authorized amount below required maximum")
	}

	// 6. Signature must recover to the payer
	signatureBytes, err := evm.HexToBytes(payload.Signature)
	if err != nil {
		return nil, x402.NewVerifyError(ErrInvalidSignature, payer, "invalid signature encoding")
	}
	valid, err := verifyUptoSignature(ctx, signer, auth, signatureBytes, chainID)
	if err != nil {
		return nil, x402.NewVerifyError(ErrSignatureVerificationFailed, payer, err.Error())
	}
	if !valid {
		return nil, x402.NewVerifyError(ErrInvalidSignature, payer, "signature does not match payer")
	}

	// 7. Payer must have approved Permit2 for at least the ceiling
	tokenAddress := evm.NormalizeAddress(auth.Permitted.Token)
	allowance, err := signer.ReadContract(ctx, tokenAddress, evm.ERC20AllowanceABI, "allowance",
		common.HexToAddress(payer), common.HexToAddress(evm.PERMIT2Address))
	if err != nil {
		return nil, x402.NewVerifyError(ErrAllowanceCheckFailed, payer, err.Error())
	}
	allowanceBig, ok := allowance.(*big.Int)
	if !ok {
		return nil, x402.NewVerifyError(ErrAllowanceCheckFailed, payer, "unexpected allowance return type")
	}
	if allowanceBig.Cmp(authorizedAmount) < 0 {
		return nil, x402.NewVerifyError(ErrAllowanceRequired, payer, "permit2 allowance required")
	}

	// 8. Payer must hold at least the ceiling
	balance, err := signer.GetBalance(ctx, payer, tokenAddress)
	if err != nil {
		return nil, x402.NewVerifyError(ErrBalanceCheckFailed, payer, err.Error())
	}
	if balance.Cmp(authorizedAmount) < 0 {
		return nil, x402.NewVerifyError(ErrInsufficientBalance, payer, "insufficient balance")
	}

	return &x402.VerifyResponse{
		IsValid: true,
		Payer:   payer,
	}, nil
}

// verifyUptoSignature checks the EIP-712 signature over the Permit2
// authorization. Supports EOA, EIP-1271 and ERC-6492 signers.
func verifyUptoSignature(
	ctx context.Context,
	signer evm.FacilitatorEvmSigner,
	authorization evm.Permit2Authorization,
	signature []byte,
	chainID *big.Int,
) (bool, error) {
	hash, err := evm.HashPermit2Authorization(authorization, chainID)
	if err != nil {
		return false, err
	}

	var hash32 [32]byte
	copy(hash32[:], hash)

	valid, _, err := evm.VerifyUniversalSignature(ctx, signer, authorization.From, hash32, signature, true)
	return valid, err
}
