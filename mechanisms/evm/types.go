package evm

import (
	"context"
	"fmt"
	"math/big"
)

// Permit2TokenPermissions represents the permitted token and amount for Permit2.
// This is part of the PermitWitnessTransferFrom message structure that gets signed.
type Permit2TokenPermissions struct {
	Token  string `json:"token"`  // Token contract address (hex)
	Amount string `json:"amount"` // Ceiling in smallest unit as decimal string
}

// Permit2Witness represents the witness data structure for x402UptoPermit2Proxy.
// The witness is included in the EIP-712 signature and verified on-chain by the proxy.
// Note: Upper time bound is enforced by Permit2's `deadline` field, not a witness field.
type Permit2Witness struct {
	To         string `json:"to"`         // Destination address for funds (hex)
	ValidAfter string `json:"validAfter"` // Unix timestamp (decimal string) - payment invalid before this time
	Extra      string `json:"extra"`      // Extra data (hex, typically "0x" for empty)
}

// Permit2Authorization represents the Permit2 authorization parameters.
// This maps to the PermitWitnessTransferFrom struct used by the Permit2 contract.
// Permitted.Amount is the ceiling; the settled amount may be anything up to it.
type Permit2Authorization struct {
	From      string                  `json:"from"`      // Signer/owner address (hex)
	Permitted Permit2TokenPermissions `json:"permitted"` // Token and ceiling amount permitted
	Spender   string                  `json:"spender"`   // Must be x402UptoPermit2Proxy address
	Nonce     string                  `json:"nonce"`     // uint256 nonce as decimal string (unique per signature)
	Deadline  string                  `json:"deadline"`  // Unix timestamp as decimal string - signature expires after this
	Witness   Permit2Witness          `json:"witness"`   // Witness data verified by x402UptoPermit2Proxy
}

// UptoPermit2Payload is the upto payment payload sent by clients.
// SettlementAmount is absent on the wire when the client creates the payload;
// the resource middleware fills it in after metering, before settlement.
type UptoPermit2Payload struct {
	Signature            string               `json:"signature"`                  // EIP-712 signature (hex, 65 bytes for EOA)
	Permit2Authorization Permit2Authorization `json:"permit2Authorization"`       // Authorization parameters that were signed
	SettlementAmount     string               `json:"settlementAmount,omitempty"` // Metered amount to settle (decimal string)
}

// ToMap converts an UptoPermit2Payload to a map for JSON marshaling.
func (p *UptoPermit2Payload) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"signature": p.Signature,
		"permit2Authorization": map[string]interface{}{
			"from": p.Permit2Authorization.From,
			"permitted": map[string]interface{}{
				"token":  p.Permit2Authorization.Permitted.Token,
				"amount": p.Permit2Authorization.Permitted.Amount,
			},
			"spender":  p.Permit2Authorization.Spender,
			"nonce":    p.Permit2Authorization.Nonce,
			"deadline": p.Permit2Authorization.Deadline,
			"witness": map[string]interface{}{
				"to":         p.Permit2Authorization.Witness.To,
				"validAfter": p.Permit2Authorization.Witness.ValidAfter,
				"extra":      p.Permit2Authorization.Witness.Extra,
			},
		},
	}
	if p.SettlementAmount != "" {
		result["settlementAmount"] = p.SettlementAmount
	}
	return result
}

// UptoPermit2PayloadFromMap creates an UptoPermit2Payload from a map.
// Returns an error if required fields are missing or malformed.
func UptoPermit2PayloadFromMap(data map[string]interface{}) (*UptoPermit2Payload, error) {
	payload := &UptoPermit2Payload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	} else {
		return nil, fmt.Errorf("missing or invalid signature field")
	}

	// settlementAmount is optional; the middleware writes it after metering
	if amount, ok := data["settlementAmount"].(string); ok {
		payload.SettlementAmount = amount
	}

	auth, ok := data["permit2Authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization field")
	}

	if from, ok := auth["from"].(string); ok {
		payload.Permit2Authorization.From = from
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.from field")
	}

	if spender, ok := auth["spender"].(string); ok {
		payload.Permit2Authorization.Spender = spender
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.spender field")
	}

	if nonce, ok := auth["nonce"].(string); ok {
		payload.Permit2Authorization.Nonce = nonce
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.nonce field")
	}

	if deadline, ok := auth["deadline"].(string); ok {
		payload.Permit2Authorization.Deadline = deadline
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.deadline field")
	}

	permitted, ok := auth["permitted"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.permitted field")
	}

	if token, ok := permitted["token"].(string); ok {
		payload.Permit2Authorization.Permitted.Token = token
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.permitted.token field")
	}

	if amount, ok := permitted["amount"].(string); ok {
		payload.Permit2Authorization.Permitted.Amount = amount
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.permitted.amount field")
	}

	witness, ok := auth["witness"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.witness field")
	}

	if to, ok := witness["to"].(string); ok {
		payload.Permit2Authorization.Witness.To = to
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.witness.to field")
	}

	if validAfter, ok := witness["validAfter"].(string); ok {
		payload.Permit2Authorization.Witness.ValidAfter = validAfter
	} else {
		return nil, fmt.Errorf("missing or invalid permit2Authorization.witness.validAfter field")
	}

	if extra, ok := witness["extra"].(string); ok {
		payload.Permit2Authorization.Witness.Extra = extra
	} else {
		// Extra is optional, default to "0x"
		payload.Permit2Authorization.Witness.Extra = "0x"
	}

	return payload, nil
}

// ClientEvmSigner defines the interface for client-side EVM signing operations
type ClientEvmSigner interface {
	// Address returns the signer's Ethereum address
	Address() string

	// SignTypedData signs EIP-712 typed data
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// FacilitatorEvmSigner defines the interface for facilitator EVM operations
type FacilitatorEvmSigner interface {
	// GetAddresses returns all addresses this facilitator can use for signing
	GetAddresses() []string

	// ReadContract reads data from a smart contract
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// VerifyTypedData verifies an EIP-712 signature
	VerifyTypedData(ctx context.Context, address string, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error)

	// WriteContract executes a smart contract transaction
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt waits for a transaction to be mined
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// GetBalance gets the balance of an address for a specific token
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)

	// GetChainID returns the chain ID of the connected network
	GetChainID(ctx context.Context) (*big.Int, error)

	// GetCode returns the bytecode at the given address
	// Returns empty slice if address is an EOA or doesn't exist
	GetCode(ctx context.Context, address string) ([]byte, error)
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// AssetInfo contains information about an ERC20 token
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// ERC6492SignatureData represents the parsed components of an ERC-6492 signature
// ERC-6492 allows signatures from undeployed smart contract accounts by wrapping
// the signature with deployment information (factory address and calldata)
type ERC6492SignatureData struct {
	Factory         [20]byte // CREATE2 factory address (zero address if not ERC-6492)
	FactoryCalldata []byte   // Calldata to deploy the wallet (empty if not ERC-6492)
	InnerSignature  []byte   // The actual signature (EIP-1271 or EOA)
}
