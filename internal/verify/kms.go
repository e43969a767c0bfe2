package verify

import (
	"github.com/dstack-verify/attestor/internal/attest"
	"github.com/dstack-verify/attestor/internal/dataobject"
)

// kmsVerifier is the KMS-in-production verifier, spec.md §4.3. Its
// legacy/current sub-variants differ only in which on-chain registry
// getter the source-code check calls (base.legacyRegistry); the
// verification steps themselves are identical (spec.md §9 "Legacy KMS
// shape").
type kmsVerifier struct {
	base
}

// NewKmsVerifier constructs the KMS verifier for one verification run,
// selecting the legacy or current registry shape from the discovered
// SystemInfo (spec.md §4.4).
func NewKmsVerifier(sysInfo *attest.SystemInfo, clients *Clients) Verifier {
	info := sysInfo.KmsInfo
	endpoint := info.Endpoint
	if endpoint == "" {
		endpoint = info.GatewayAppURL
	}
	return &kmsVerifier{base: base{
		name:            "KMS",
		idPrefix:        "kms",
		kind:            dataobject.KindKMS,
		endpoint:        endpoint,
		contractAddress: info.ContractAddress,
		chainID:         info.ChainID,
		clients:         clients,
		legacyRegistry:  info.IsLegacy(),
		gatewayAppID:    info.GatewayAppID,
		expectedKmsID:   kmsIdentityHash(info),
		metadata: map[string]interface{}{
			"version": info.Version,
		},
	}}
}
