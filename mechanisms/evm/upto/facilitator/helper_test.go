package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-upto"
	"github.com/x402-foundation/x402-upto/mechanisms/evm"
)

// writeCall records one WriteContract invocation
type writeCall struct {
	address  string
	function string
	args     []interface{}
}

// fakeFacilitatorSigner simulates chain state for verifier and settler tests
type fakeFacilitatorSigner struct {
	allowance    *big.Int
	allowanceErr error
	balance      *big.Int
	balanceErr   error
	code         []byte
	writeTx      string
	writeErr     error
	receipt      *evm.TransactionReceipt
	receiptErr   error

	readCalls  int
	writeCalls []writeCall
}

// newHealthyFakeSigner returns a fake with ample allowance and balance and a
// successful settle transaction
func newHealthyFakeSigner() *fakeFacilitatorSigner {
	return &fakeFacilitatorSigner{
		allowance: big.NewInt(1_000_000_000),
		balance:   big.NewInt(1_000_000_000),
		writeTx:   "0xsettlehash",
		receipt: &evm.TransactionReceipt{
			Status:      evm.TxStatusSuccess,
			BlockNumber: 1,
			TxHash:      "0xsettlehash",
		},
	}
}

func (f *fakeFacilitatorSigner) GetAddresses() []string {
	return []string{"0xfacilitator"}
}

func (f *fakeFacilitatorSigner) ReadContract(ctx context.Context, address string, abiBytes []byte, functionName string, args ...interface{}) (interface{}, error) {
	f.readCalls++
	switch functionName {
	case "allowance":
		if f.allowanceErr != nil {
			return nil, f.allowanceErr
		}
		return f.allowance, nil
	default:
		return nil, fmt.Errorf("unexpected read of %s", functionName)
	}
}

func (f *fakeFacilitatorSigner) VerifyTypedData(ctx context.Context, address string, domain evm.TypedDataDomain, types map[string][]evm.TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error) {
	return false, fmt.Errorf("not implemented")
}

func (f *fakeFacilitatorSigner) WriteContract(ctx context.Context, address string, abiBytes []byte, functionName string, args ...interface{}) (string, error) {
	f.writeCalls = append(f.writeCalls, writeCall{address: address, function: functionName, args: args})
	if f.writeErr != nil {
		return "", f.writeErr
	}
	return f.writeTx, nil
}

func (f *fakeFacilitatorSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func (f *fakeFacilitatorSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.balance, nil
}

func (f *fakeFacilitatorSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func (f *fakeFacilitatorSigner) GetCode(ctx context.Context, address string) ([]byte, error) {
	return f.code, nil
}

// signedPayload builds a payload signed by a fresh EOA. mutateBeforeSign edits
// the authorization before signing so the signature stays valid for it.
func signedPayload(t *testing.T, mutateBeforeSign func(*evm.Permit2Authorization)) (*evm.UptoPermit2Payload, x402.PaymentRequirements) {
	t.Helper()

	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	now := time.Now().Unix()
	auth := evm.Permit2Authorization{
		From: address.Hex(),
		Permitted: evm.Permit2TokenPermissions{
			Token:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Amount: "100000",
		},
		Spender:  evm.X402UptoPermit2ProxyAddress,
		Nonce:    "987654321",
		Deadline: fmt.Sprintf("%d", now+300),
		Witness: evm.Permit2Witness{
			To:         "0x2222222222222222222222222222222222222222",
			ValidAfter: fmt.Sprintf("%d", now-60),
			Extra:      "0x",
		},
	}

	if mutateBeforeSign != nil {
		mutateBeforeSign(&auth)
	}

	hash, err := evm.HashPermit2Authorization(auth, big.NewInt(84532))
	require.NoError(t, err)

	signature, err := crypto.Sign(hash, privateKey)
	require.NoError(t, err)
	signature[64] += 27

	payload := &evm.UptoPermit2Payload{
		Signature:            evm.BytesToHex(signature),
		Permit2Authorization: auth,
	}

	requirements := x402.PaymentRequirements{
		Scheme:            x402.SchemeUpto,
		Network:           "eip155:84532",
		Asset:             auth.Permitted.Token,
		MaxAmount:         "100000",
		PayTo:             auth.Witness.To,
		MaxTimeoutSeconds: 300,
	}

	return payload, requirements
}

// reasonOf extracts the verify error tag
func reasonOf(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	ve, ok := err.(*x402.VerifyError)
	require.True(t, ok, "expected VerifyError, got %T", err)
	return ve.InvalidReason
}

// settleReasonOf extracts the settle error tag
func settleReasonOf(t *testing.T, err error) *x402.SettleError {
	t.Helper()
	require.Error(t, err)
	se, ok := err.(*x402.SettleError)
	require.True(t, ok, "expected SettleError, got %T", err)
	return se
}
