package evm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// GetEvmChainId returns the chain ID for a CAIP-2 network identifier.
// Only the eip155 namespace is supported.
func GetEvmChainId(network string) (*big.Int, error) {
	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[0] != "eip155" {
		return nil, fmt.Errorf("unsupported network format: %s", network)
	}

	chainID, ok := new(big.Int).SetString(parts[1], 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain id in network: %s", network)
	}

	return chainID, nil
}

// GetNetworkConfig returns the configuration for a supported network
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	if config, ok := NetworkConfigs[network]; ok {
		return &config, nil
	}
	return nil, fmt.Errorf("unsupported network: %s", network)
}

// NormalizeAddress lowercases a hex address and ensures the 0x prefix
func NormalizeAddress(address string) string {
	addr := strings.TrimPrefix(strings.ToLower(address), "0x")
	return "0x" + addr
}

// IsValidAddress checks if a string is a valid Ethereum address
func IsValidAddress(address string) bool {
	addr := strings.TrimPrefix(address, "0x")
	if len(addr) != 40 {
		return false
	}
	_, err := hex.DecodeString(addr)
	return err == nil
}

// CreateUptoNonce generates a random 48-bit Permit2 nonce as a decimal string.
// Uniqueness is enforced on-chain by Permit2 nonce invalidation; 48 bits keep
// collision odds negligible for a single payer while staying JSON-safe.
func CreateUptoNonce() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return new(big.Int).SetBytes(buf).String(), nil
}

// MaxUint160 returns 2^160 - 1, the amount used for one-time Permit2 approvals.
// Permit2 tracks allowances as uint160, so this is the effective unlimited value.
func MaxUint160() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 160)
	return max.Sub(max, big.NewInt(1))
}

// HexToBytes converts a hex string to bytes
func HexToBytes(hexStr string) ([]byte, error) {
	cleaned := strings.TrimPrefix(hexStr, "0x")
	return hex.DecodeString(cleaned)
}

// BytesToHex converts bytes to a 0x-prefixed hex string
func BytesToHex(data []byte) string {
	return "0x" + hex.EncodeToString(data)
}
