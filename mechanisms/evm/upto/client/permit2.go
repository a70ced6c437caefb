package client

import (
	"context"
	"fmt"
	"math/big"
	"time"

	x402 "github.com/x402-foundation/x402-upto"
	"github.com/x402-foundation/x402-upto/mechanisms/evm"
)

// validAfterSkewSeconds is subtracted from now when setting witness.validAfter
// so that authorizations are usable despite clock skew between parties.
const validAfterSkewSeconds = 60

// CreateUptoPermit2Payload builds and signs an upto authorization for the
// given payment requirements. The payer signs the ceiling
// (requirements.MaxAmount); the settled amount is decided later by the
// resource server's meter. SettlementAmount is left unset.
func CreateUptoPermit2Payload(
	ctx context.Context,
	signer evm.ClientEvmSigner,
	requirements x402.PaymentRequirements,
) (*evm.UptoPermit2Payload, error) {
	chainID, err := evm.GetEvmChainId(string(requirements.Network))
	if err != nil {
		return nil, err
	}

	nonce, err := evm.CreateUptoNonce()
	if err != nil {
		return nil, err
	}

	maxTimeout := requirements.MaxTimeoutSeconds
	if maxTimeout <= 0 {
		maxTimeout = x402.DefaultMaxTimeoutSeconds
	}

	now := time.Now().Unix()
	validAfter := fmt.Sprintf("%d", now-validAfterSkewSeconds)
	deadline := fmt.Sprintf("%d", now+int64(maxTimeout))

	tokenAddress := evm.NormalizeAddress(requirements.Asset)
	payTo := evm.NormalizeAddress(requirements.PayTo)

	authorization := evm.Permit2Authorization{
		From: signer.Address(),
		Permitted: evm.Permit2TokenPermissions{
			Token:  tokenAddress,
			Amount: requirements.MaxAmount,
		},
		Spender:  evm.X402UptoPermit2ProxyAddress,
		Nonce:    nonce,
		Deadline: deadline,
		Witness: evm.Permit2Witness{
			To:         payTo,
			ValidAfter: validAfter,
			Extra:      "0x",
		},
	}

	signature, err := signUptoAuthorization(ctx, signer, authorization, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upto authorization: %w", err)
	}

	return &evm.UptoPermit2Payload{
		Signature:            evm.BytesToHex(signature),
		Permit2Authorization: authorization,
	}, nil
}

// signUptoAuthorization signs the Permit2 authorization using EIP-712.
func signUptoAuthorization(
	ctx context.Context,
	signer evm.ClientEvmSigner,
	authorization evm.Permit2Authorization,
	chainID *big.Int,
) ([]byte, error) {
	// Create EIP-712 domain (Permit2 uses fixed name, no version)
	domain := evm.TypedDataDomain{
		Name:              "Permit2",
		ChainID:           chainID,
		VerifyingContract: evm.PERMIT2Address,
	}

	// Use shared EIP-712 types to ensure consistency with on-chain contract
	types := evm.GetPermit2EIP712Types()

	// Integer-valued fields are passed as big.Int; string conversion happens
	// only at the wire boundary. A mismatch here silently produces a
	// signature that fails verification.
	amount, ok := new(big.Int).SetString(authorization.Permitted.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid permitted amount: %s", authorization.Permitted.Amount)
	}
	nonce, ok := new(big.Int).SetString(authorization.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid nonce: %s", authorization.Nonce)
	}
	deadline, ok := new(big.Int).SetString(authorization.Deadline, 10)
	if !ok {
		return nil, fmt.Errorf("invalid deadline: %s", authorization.Deadline)
	}
	validAfter, ok := new(big.Int).SetString(authorization.Witness.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", authorization.Witness.ValidAfter)
	}
	extraBytes, err := evm.HexToBytes(authorization.Witness.Extra)
	if err != nil {
		return nil, fmt.Errorf("invalid witness extra: %w", err)
	}

	message := map[string]interface{}{
		"permitted": map[string]interface{}{
			"token":  authorization.Permitted.Token,
			"amount": amount,
		},
		"spender":  authorization.Spender,
		"nonce":    nonce,
		"deadline": deadline,
		"witness": map[string]interface{}{
			"extra":      extraBytes,
			"to":         authorization.Witness.To,
			"validAfter": validAfter,
		},
	}

	return signer.SignTypedData(ctx, domain, types, "PermitWitnessTransferFrom", message)
}

// CreatePermit2ApprovalTxData creates transaction data to approve Permit2 to
// spend tokens. The payer sends this transaction (paying gas) once per token
// before using the Permit2 flow. Returns the target address and call parameters.
func CreatePermit2ApprovalTxData(tokenAddress string) (to string, abi []byte, functionName string, args []interface{}) {
	return evm.NormalizeAddress(tokenAddress),
		evm.ERC20ApproveABI,
		"approve",
		[]interface{}{evm.PERMIT2Address, evm.MaxUint160()}
}
