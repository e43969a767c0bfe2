package verify

import (
	"github.com/dstack-verify/attestor/internal/attest"
	"github.com/dstack-verify/attestor/internal/dataobject"
)

// wireRelationships applies the fixed cross-verifier relationship set
// from spec.md §4.5, run once after every verifier in the chain has
// completed. When SystemInfo.Version indicates the legacy registry
// shape, field-level arrows degrade to object-level arrows (no field
// names), per spec.md §4.5.
func wireRelationships(col *dataobject.Collector, sysInfo *attest.SystemInfo) {
	legacy := sysInfo != nil && sysInfo.KmsInfo.IsLegacy()

	rel := func(srcField, destField string) (string, string) {
		if legacy {
			return "", ""
		}
		return srcField, destField
	}

	gatewayAppIDSrc, gatewayAppIDDst := rel("gateway_app_id", "app_id")
	col.ConfigureVerifierRelationships([]dataobject.Relationship{
		{SourceID: "kms-main", SourceField: gatewayAppIDSrc, DestID: "gateway-main", DestField: gatewayAppIDDst},
	})

	certSrc, certDst := rel("cert_pubkey", "app_cert")
	col.ConfigureVerifierRelationships([]dataobject.Relationship{
		{SourceID: "kms-main", SourceField: certSrc, DestID: "gateway-main", DestField: certDst},
		{SourceID: "kms-main", SourceField: certSrc, DestID: "app-main", DestField: certDst},
	})
}
