package verify

import (
	"context"

	"github.com/dstack-verify/attestor/internal/attest"
	"github.com/dstack-verify/attestor/internal/dataobject"
)

// redpillVerifier is the app variant parameterised by a model name,
// spec.md §4.3. Redpill applications host LLM inference and expose a
// GPU attestation bundle alongside the TDX quote.
type redpillVerifier struct {
	base
	model string
}

// NewRedpillVerifier constructs the app verifier for a redpill config.
func NewRedpillVerifier(cfg RedpillConfig, sysInfo *attest.SystemInfo, clients *Clients) Verifier {
	return &redpillVerifier{
		base: base{
			name:            "App",
			idPrefix:        "app",
			kind:            dataobject.KindApp,
			endpoint:        attest.RedpillAppEndpoint(clients.RedpillBaseURL, cfg.Model),
			contractAddress: cfg.ContractAddress,
			chainID:         sysInfo.KmsInfo.ChainID,
			clients:         clients,
			metadata:        cfg.AppMetadata,
			hasGPU:          true,
			legacyRegistry:  sysInfo.KmsInfo.IsLegacy(),
			expectedKmsID:   kmsIdentityHash(sysInfo.KmsInfo),
		},
		model: cfg.Model,
	}
}

// GetSystemInfo is RedpillVerifier's class-level static discovery
// operation (spec.md §4.3 "Static discovery"): it drives C4 without
// running any verification.
func GetRedpillSystemInfo(ctx context.Context, clients *Clients, baseURL, model string) (*attest.SystemInfo, error) {
	url := attest.RedpillDiscoveryURL(baseURL, model)
	return clients.SystemInfo.Fetch(ctx, url)
}
