package verify

import (
	"context"

	"github.com/dstack-verify/attestor/internal/attest"
	"github.com/dstack-verify/attestor/internal/dataobject"
)

// phalaCloudVerifier is the app variant parameterised by a custom
// domain, spec.md §4.3.
type phalaCloudVerifier struct {
	base
	domain string
}

// NewPhalaCloudVerifier constructs the app verifier for a phala-cloud
// config.
func NewPhalaCloudVerifier(cfg PhalaCloudConfig, sysInfo *attest.SystemInfo, clients *Clients) Verifier {
	return &phalaCloudVerifier{
		base: base{
			name:            "App",
			idPrefix:        "app",
			kind:            dataobject.KindApp,
			endpoint:        attest.PhalaCloudAppEndpoint(cfg.Domain),
			contractAddress: cfg.ContractAddress,
			chainID:         sysInfo.KmsInfo.ChainID,
			clients:         clients,
			metadata:        cfg.AppMetadata,
			legacyRegistry:  sysInfo.KmsInfo.IsLegacy(),
			expectedKmsID:   kmsIdentityHash(sysInfo.KmsInfo),
		},
		domain: cfg.Domain,
	}
}

// GetSystemInfo is PhalaCloudVerifier's class-level static discovery
// operation (spec.md §4.3 "Static discovery").
func GetPhalaCloudSystemInfo(ctx context.Context, clients *Clients, domain string) (*attest.SystemInfo, error) {
	url := attest.PhalaCloudDiscoveryURL(domain)
	return clients.SystemInfo.Fetch(ctx, url)
}
