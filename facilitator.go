package x402

import (
	"context"
	"fmt"
	"sync"
)

// SchemeNetworkFacilitator verifies and settles payments for one scheme on
// one network (or a wildcard network like "eip155:*").
type SchemeNetworkFacilitator interface {
	// Scheme returns the scheme identifier this facilitator handles
	Scheme() string

	// Verify checks a payment payload against requirements and chain state
	Verify(ctx context.Context, payload map[string]interface{}, requirements PaymentRequirements) (*VerifyResponse, error)

	// Settle executes the on-chain settlement for a verified payload
	Settle(ctx context.Context, payload map[string]interface{}, requirements PaymentRequirements) (*SettleResponse, error)
}

// Facilitator routes verify and settle calls to registered scheme
// implementations by (network, scheme).
type Facilitator struct {
	mu      sync.RWMutex
	schemes map[Network]map[string]SchemeNetworkFacilitator
}

func NewFacilitator() *Facilitator {
	return &Facilitator{
		schemes: make(map[Network]map[string]SchemeNetworkFacilitator),
	}
}

// Register registers a facilitator mechanism for a network
func (f *Facilitator) Register(network Network, facilitator SchemeNetworkFacilitator) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.schemes[network] == nil {
		f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
	}
	f.schemes[network][facilitator.Scheme()] = facilitator
	return f
}

// Verify routes a verification request to the matching scheme facilitator
func (f *Facilitator) Verify(ctx context.Context, payload map[string]interface{}, requirements PaymentRequirements) (*VerifyResponse, error) {
	impl := f.find(requirements.Scheme, requirements.Network)
	if impl == nil {
		return nil, fmt.Errorf("no facilitator registered for scheme %q on network %q", requirements.Scheme, requirements.Network)
	}
	return impl.Verify(ctx, payload, requirements)
}

// Settle routes a settlement request to the matching scheme facilitator
func (f *Facilitator) Settle(ctx context.Context, payload map[string]interface{}, requirements PaymentRequirements) (*SettleResponse, error) {
	impl := f.find(requirements.Scheme, requirements.Network)
	if impl == nil {
		return nil, fmt.Errorf("no facilitator registered for scheme %q on network %q", requirements.Scheme, requirements.Network)
	}
	return impl.Settle(ctx, payload, requirements)
}

// Supported returns the registered (scheme, network) pairs
func (f *Facilitator) Supported() (schemes []string, networks []Network) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	seen := make(map[string]bool)
	for network, schemeMap := range f.schemes {
		networks = append(networks, network)
		for scheme := range schemeMap {
			if !seen[scheme] {
				seen[scheme] = true
				schemes = append(schemes, scheme)
			}
		}
	}
	return schemes, networks
}

// find locates a scheme implementation, trying an exact network match first
// and falling back to wildcard patterns (e.g. "eip155:*").
func (f *Facilitator) find(scheme string, network Network) SchemeNetworkFacilitator {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if schemeMap, exists := f.schemes[network]; exists {
		if impl, exists := schemeMap[scheme]; exists {
			return impl
		}
	}

	for registered, schemeMap := range f.schemes {
		if network.Match(registered) || registered.Match(network) {
			if impl, exists := schemeMap[scheme]; exists {
				return impl
			}
		}
	}

	return nil
}
