package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// erc6492MagicBytes is the 32-byte magic value suffix for ERC-6492 signatures
var erc6492MagicBytes = common.Hex2Bytes(
	"6492649264926492649264926492649264926492649264926492649264926492",
)

// eip1271ABI is the minimal ABI for EIP-1271's isValidSignature function
const eip1271ABI = `[{
	"inputs": [
		{"type": "bytes32", "name": "hash"},
		{"type": "bytes", "name": "signature"}
	],
	"name": "isValidSignature",
	"outputs": [{"type": "bytes4", "name": "magicValue"}],
	"stateMutability": "view",
	"type": "function"
}]`

// eip1271MagicValue is bytes4(keccak256("isValidSignature(bytes32,bytes)"))
var eip1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

// IsERC6492Signature checks if a signature has the ERC-6492 magic suffix
func IsERC6492Signature(sig []byte) bool {
	if len(sig) < 32 {
		return false
	}
	return bytes.Equal(sig[len(sig)-32:], erc6492MagicBytes)
}

// ParseERC6492Signature unwraps an ERC-6492 signature to extract its components
//
// ERC-6492 Format:
//
//	abi.encode((address factory, bytes factoryCalldata, bytes signature)) + magicBytes
//
// If the signature is not ERC-6492 format, it returns the original signature
// as the InnerSignature with empty Factory and FactoryCalldata.
func ParseERC6492Signature(sig []byte) (*ERC6492SignatureData, error) {
	if !IsERC6492Signature(sig) {
		return &ERC6492SignatureData{
			InnerSignature: sig,
		}, nil
	}

	// Strip magic value
	payload := sig[:len(sig)-32]

	addressTy, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, err
	}
	bytesTy, err := abi.NewType("bytes", "", nil)
	if err != nil {
		return nil, err
	}

	arguments := abi.Arguments{
		{Type: addressTy}, // factory
		{Type: bytesTy},   // factoryCalldata
		{Type: bytesTy},   // originalSignature
	}

	unpacked, err := arguments.Unpack(payload)
	if err != nil {
		return nil, err
	}

	if len(unpacked) != 3 {
		return nil, fmt.Errorf("invalid ERC-6492 signature: expected 3 fields, got %d", len(unpacked))
	}

	factory, ok := unpacked[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("invalid ERC-6492 signature: factory is not an address")
	}

	factoryCalldata, ok := unpacked[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid ERC-6492 signature: factoryCalldata is not bytes")
	}

	innerSignature, ok := unpacked[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid ERC-6492 signature: innerSignature is not bytes")
	}

	var factoryBytes [20]byte
	copy(factoryBytes[:], factory.Bytes())

	return &ERC6492SignatureData{
		Factory:         factoryBytes,
		FactoryCalldata: factoryCalldata,
		InnerSignature:  innerSignature,
	}, nil
}

// VerifyEOASignature verifies an ECDSA signature from an externally owned account.
// Handles the Ethereum-specific v value adjustment (27/28 for recovery).
func VerifyEOASignature(
	hash []byte,
	signature []byte,
	expectedAddress common.Address,
) (bool, error) {
	if len(signature) != 65 {
		return false, errors.New("invalid EOA signature length: expected 65 bytes")
	}

	// Copy to avoid mutating the caller's signature
	sig := make([]byte, 65)
	copy(sig, signature)

	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false, err
	}

	recoveredAddress := crypto.PubkeyToAddress(*pubKey)
	return recoveredAddress == expectedAddress, nil
}

// VerifyEIP1271Signature verifies a signature from a deployed smart contract
// wallet by calling isValidSignature(bytes32,bytes) and checking for the
// 0x1626ba7e magic value.
func VerifyEIP1271Signature(
	ctx context.Context,
	signer FacilitatorEvmSigner,
	wallet string,
	hash [32]byte,
	signature []byte,
) (bool, error) {
	result, err := signer.ReadContract(
		ctx,
		wallet,
		[]byte(eip1271ABI),
		"isValidSignature",
		hash,
		signature,
	)
	if err != nil {
		return false, err
	}

	resultBytes, ok := result.([]byte)
	if !ok {
		if resultArray, ok := result.([4]byte); ok {
			resultBytes = resultArray[:]
		} else {
			return false, errors.New("invalid return type from isValidSignature: expected bytes4")
		}
	}

	if len(resultBytes) < 4 {
		return false, errors.New("invalid return value from isValidSignature: too short")
	}

	var returnedMagic [4]byte
	copy(returnedMagic[:], resultBytes[:4])

	return returnedMagic == eip1271MagicValue, nil
}

// VerifyUniversalSignature verifies signatures from EOA, EIP-1271, and ERC-6492 sources
//
// The verification flow:
// 1. Parse ERC-6492 wrapper if present to extract inner signature
// 2. If inner signature is exactly 65 bytes AND no factory: EOA path (skips GetCode)
// 3. Otherwise: check if contract is deployed (GetCode)
// 4. If undeployed + has deployment info + allowUndeployed: accept (deploy in settle)
// 5. If undeployed without deployment info: fallback to EOA verification
// 6. If deployed: use EIP-1271 verification
func VerifyUniversalSignature(
	ctx context.Context,
	facilitatorSigner FacilitatorEvmSigner,
	signerAddress string,
	hash [32]byte,
	signature []byte,
	allowUndeployed bool,
) (bool, *ERC6492SignatureData, error) {
	sigData, err := ParseERC6492Signature(signature)
	if err != nil {
		return false, nil, err
	}

	// EOA signatures are exactly 65 bytes with no deployment info
	zeroFactory := [20]byte{}
	isEOASignature := len(sigData.InnerSignature) == 65 && sigData.Factory == zeroFactory

	if isEOASignature {
		signerAddr := common.HexToAddress(signerAddress)
		valid, err := VerifyEOASignature(hash[:], sigData.InnerSignature, signerAddr)
		return valid, sigData, err
	}

	// Potential smart wallet signature - check if contract is deployed
	code, err := facilitatorSigner.GetCode(ctx, signerAddress)
	if err != nil {
		return false, nil, err
	}

	if len(code) == 0 {
		hasDeploymentInfo := sigData.Factory != zeroFactory &&
			len(sigData.FactoryCalldata) > 0

		if hasDeploymentInfo {
			if !allowUndeployed {
				return false, nil, errors.New("undeployed smart wallet not allowed")
			}
			// Valid ERC-6492 signature; deployment happens at settle time
			return true, sigData, nil
		}

		// No deployment info - try EOA verification as fallback
		signerAddr := common.HexToAddress(signerAddress)
		valid, err := VerifyEOASignature(hash[:], sigData.InnerSignature, signerAddr)
		return valid, sigData, err
	}

	// Deployed smart contract - use EIP-1271 verification
	valid, err := VerifyEIP1271Signature(
		ctx,
		facilitatorSigner,
		signerAddress,
		hash,
		sigData.InnerSignature,
	)
	return valid, sigData, err
}
