package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402evm "github.com/x402-foundation/x402-upto/mechanisms/evm"
)

// receiptPollInterval is how often WaitForTransactionReceipt polls the node.
const receiptPollInterval = 2 * time.Second

// FacilitatorSigner implements x402evm.FacilitatorEvmSigner over an ethclient.
// It holds the facilitator's own key for sending settle transactions and
// exposes the read capabilities the verifier needs.
type FacilitatorSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	ethClient  *ethclient.Client
}

// NewFacilitatorSigner creates a facilitator signer from a hex-encoded private
// key and an RPC endpoint URL.
func NewFacilitatorSigner(privateKeyHex string, rpcURL string) (*FacilitatorSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	ethClient, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	return &FacilitatorSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		ethClient:  ethClient,
	}, nil
}

// NewFacilitatorSignerWithClient creates a facilitator signer with an existing
// ethclient, mainly for tests.
func NewFacilitatorSignerWithClient(privateKeyHex string, ethClient *ethclient.Client) (*FacilitatorSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &FacilitatorSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		ethClient:  ethClient,
	}, nil
}

// GetAddresses returns the addresses this facilitator signs with
func (s *FacilitatorSigner) GetAddresses() []string {
	return []string{s.address.Hex()}
}

// ReadContract reads data from a smart contract
func (s *FacilitatorSigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	msg := ethereum.CallMsg{
		To:   &addr,
		Data: data,
	}

	result, err := s.ethClient.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}

	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// VerifyTypedData verifies an EIP-712 ECDSA signature against an address.
// Smart wallet signatures go through VerifyUniversalSignature instead.
func (s *FacilitatorSigner) VerifyTypedData(
	ctx context.Context,
	address string,
	domain x402evm.TypedDataDomain,
	dataTypes map[string][]x402evm.TypedDataField,
	primaryType string,
	message map[string]interface{},
	signature []byte,
) (bool, error) {
	hash, err := x402evm.HashTypedData(domain, dataTypes, primaryType, message)
	if err != nil {
		return false, fmt.Errorf("failed to hash typed data: %w", err)
	}

	return x402evm.VerifyEOASignature(hash, signature, common.HexToAddress(address))
}

// WriteContract sends a state-changing contract transaction and returns its hash
func (s *FacilitatorSigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	chainID, err := s.ethClient.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get chain ID: %w", err)
	}

	nonce, err := s.ethClient.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := s.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	msg := ethereum.CallMsg{
		From: s.address,
		To:   &to,
		Data: data,
	}
	gasLimit, err := s.ethClient.EstimateGas(ctx, msg)
	if err != nil {
		// Estimation fails when the call would revert; a fixed limit still
		// lets the revert surface in the receipt
		gasLimit = 300000
	} else {
		gasLimit = uint64(float64(gasLimit) * 1.2)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

// WaitForTransactionReceipt polls until the transaction is mined or ctx is done
func (s *FacilitatorSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := s.ethClient.TransactionReceipt(ctx, hash)
			if err != nil {
				if err == ethereum.NotFound {
					continue
				}
				return nil, err
			}
			return &x402evm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
	}
}

// GetBalance returns the ERC-20 token balance of an address
func (s *FacilitatorSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	result, err := s.ReadContract(ctx, tokenAddress, x402evm.ERC20BalanceOfABI, "balanceOf",
		common.HexToAddress(address))
	if err != nil {
		return nil, err
	}

	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type %T", result)
	}
	return balance, nil
}

// GetChainID returns the chain ID of the connected network
func (s *FacilitatorSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return s.ethClient.ChainID(ctx)
}

// GetCode returns the bytecode at an address; empty for EOAs
func (s *FacilitatorSigner) GetCode(ctx context.Context, address string) ([]byte, error) {
	return s.ethClient.CodeAt(ctx, common.HexToAddress(address), nil)
}
