package attest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dstack-verify/attestor/infrastructure/chain"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

// RegistryClient reads the on-chain app registry and KMS registry
// contracts over per-chain-id RPC endpoints (spec.md §4.2 "On-chain
// registry", §6 "On-chain RPC"). Clients are created lazily per chain
// id and cached, mirroring the teacher's pooled-connection pattern.
type RegistryClient struct {
	mu        sync.Mutex
	endpoints map[uint64]string // chainId -> RPC URL
	clients   map[uint64]*chain.Client
	timeout   time.Duration
}

// NewRegistryClient builds a registry client from a chain-id -> RPC
// URL map (spec.md §6 "Configurable per chain id"); callers typically
// populate this from VerifierConfig.BaseRPCURL / EthereumRPCURL keyed
// by the well-known chain ids those endpoints serve.
func NewRegistryClient(endpoints map[uint64]string, timeout time.Duration) *RegistryClient {
	return &RegistryClient{
		endpoints: endpoints,
		clients:   make(map[uint64]*chain.Client),
		timeout:   timeout,
	}
}

func (r *RegistryClient) clientFor(chainID uint64) (*chain.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[chainID]; ok {
		return c, nil
	}
	url, ok := r.endpoints[chainID]
	if !ok || strings.TrimSpace(url) == "" {
		return nil, apperr.ConfigInvalid("no RPC endpoint configured for chain id")
	}
	c, err := chain.NewClient(chain.Config{RPCURL: url, Timeout: r.timeout})
	if err != nil {
		return nil, apperr.ConfigInvalid("invalid RPC configuration: " + err.Error())
	}
	r.clients[chainID] = c
	return c, nil
}

// AllowedComposeHashes calls allowedComposeHashes(bytes32)->bool on the
// app's registry contract (spec.md §4.3 "source-code check" step 3).
func (r *RegistryClient) AllowedComposeHashes(ctx context.Context, chainID uint64, contractAddress string, composeHash [32]byte) (bool, error) {
	client, err := r.clientFor(chainID)
	if err != nil {
		return false, err
	}
	contract := chain.NewRegistryContract(client, contractAddress)
	ok, err := contract.CallBool(ctx, "allowedComposeHashes(bytes32)", composeHash)
	if err != nil {
		return false, apperr.UpstreamUnavailable("on-chain-registry", err)
	}
	return ok, nil
}

// AllowedKmsID calls allowedKmsId()->bytes32 on the current-shape
// registry contract.
func (r *RegistryClient) AllowedKmsID(ctx context.Context, chainID uint64, contractAddress string) ([32]byte, error) {
	var zero [32]byte
	client, err := r.clientFor(chainID)
	if err != nil {
		return zero, err
	}
	contract := chain.NewRegistryContract(client, contractAddress)
	hash, err := contract.CallBytes32(ctx, "allowedKmsId()")
	if err != nil {
		return zero, apperr.UpstreamUnavailable("on-chain-registry", err)
	}
	return hash, nil
}

// LegacyKmsGetter calls the legacy registry shape's governance getter,
// kmsId(), present on contracts deployed before the current registry
// layout (spec.md §9 "Legacy KMS shape").
func (r *RegistryClient) LegacyKmsGetter(ctx context.Context, chainID uint64, contractAddress string) ([32]byte, error) {
	var zero [32]byte
	client, err := r.clientFor(chainID)
	if err != nil {
		return zero, err
	}
	contract := chain.NewRegistryContract(client, contractAddress)
	hash, err := contract.CallBytes32(ctx, "kmsId()")
	if err != nil {
		return zero, apperr.UpstreamUnavailable("on-chain-registry", err)
	}
	return hash, nil
}
