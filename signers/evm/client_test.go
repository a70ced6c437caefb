package evm

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/x402-upto"
	x402evm "github.com/x402-foundation/x402-upto/mechanisms/evm"
	"github.com/x402-foundation/x402-upto/mechanisms/evm/upto/client"
)

func newTestSigner(t *testing.T) (x402evm.ClientEvmSigner, common.Address) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	signer, err := NewClientSignerFromPrivateKey("0x" + hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return signer, crypto.PubkeyToAddress(key.PublicKey)
}

func TestNewClientSignerFromPrivateKey(t *testing.T) {
	signer, address := newTestSigner(t)
	assert.Equal(t, address.Hex(), signer.Address())
}

func TestNewClientSignerRejectsInvalidKey(t *testing.T) {
	_, err := NewClientSignerFromPrivateKey("0xnothex")
	assert.Error(t, err)

	_, err = NewClientSignerFromPrivateKey("")
	assert.Error(t, err)
}

func TestClientSignerSignaturesVerify(t *testing.T) {
	signer, address := newTestSigner(t)

	requirements := x402.PaymentRequirements{
		Scheme:    x402.SchemeUpto,
		Network:   "eip155:84532",
		Asset:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		MaxAmount: "100000",
		PayTo:     "0x2222222222222222222222222222222222222222",
	}

	payload, err := client.CreateUptoPermit2Payload(context.Background(), signer, requirements)
	require.NoError(t, err)

	chainID, err := x402evm.GetEvmChainId(string(requirements.Network))
	require.NoError(t, err)

	hash, err := x402evm.HashPermit2Authorization(payload.Permit2Authorization, chainID)
	require.NoError(t, err)

	sig, err := x402evm.HexToBytes(payload.Signature)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	valid, err := x402evm.VerifyEOASignature(hash, sig, address)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestClientSignerReadContractRequiresClient(t *testing.T) {
	signer, _ := newTestSigner(t)

	cs, ok := signer.(*ClientSigner)
	require.True(t, ok)

	_, err := cs.ReadContract(context.Background(),
		"0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		x402evm.ERC20AllowanceABI, "allowance")
	assert.Error(t, err)
}
