package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/dstack-verify/attestor/internal/attest"
	"github.com/dstack-verify/attestor/internal/dataobject"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

// gatewayVerifier is the TEE-controlled reverse proxy verifier. It
// embeds base for the shared hardware/OS/source-code checks and adds
// the domain-trust capability set named in spec.md §4.3's "Gateway-only
// checks".
type gatewayVerifier struct {
	base
	domain           string
	allowedCAAIssuer string
	caaAccountURI    string
	allowedCTIssuers map[string]bool
}

var _ GatewayCapable = (*gatewayVerifier)(nil)

// NewGatewayVerifier constructs the Gateway verifier for one
// verification run.
func NewGatewayVerifier(sysInfo *attest.SystemInfo, domain string, clients *Clients, cfg Config) GatewayCapable {
	info := sysInfo.KmsInfo
	return &gatewayVerifier{
		base: base{
			name:            "Gateway",
			idPrefix:        "gateway",
			kind:            dataobject.KindGateway,
			endpoint:        info.GatewayAppURL,
			contractAddress: info.ContractAddress,
			chainID:         info.ChainID,
			clients:         clients,
			legacyRegistry:  info.IsLegacy(),
			expectedKmsID:   kmsIdentityHash(info),
		},
		domain:           domain,
		allowedCAAIssuer: cfg.AllowedCAAIssuer,
		caaAccountURI:    cfg.CAAAccountURI,
		allowedCTIssuers: cfg.AllowedCTIssuers,
	}
}

// VerifyTeeControlledKey asserts the gateway's certificate signing key
// is bound into its own TEE quote, spec.md §4.3.
func (g *gatewayVerifier) VerifyTeeControlledKey(ctx context.Context, col *dataobject.Collector) error {
	bn, err := g.fetchBundle(ctx)
	if err != nil {
		return err
	}
	certPubkey := sha256Hex([]byte(bn.info.Certificate))
	if bn.quote.ReportData == "" || !strings.Contains(strings.ToLower(bn.quote.ReportData), strings.ToLower(certPubkey)) {
		return apperr.DomainUntrusted("tee-controlled-key")
	}
	col.Register(g.id("main"), dataobject.Payload{
		Fields: map[string]interface{}{"cert_pubkey": certPubkey},
	})
	return nil
}

// VerifyCertificateKey fetches the live TLS certificate on the guarded
// domain and asserts its public key matches the TEE-bound key, spec.md
// §4.3.
func (g *gatewayVerifier) VerifyCertificateKey(ctx context.Context, col *dataobject.Collector) error {
	if g.clients.TLS == nil {
		return apperr.ConfigInvalid("tls client not configured")
	}
	bn, err := g.fetchBundle(ctx)
	if err != nil {
		return err
	}
	leaf, err := g.clients.TLS.FetchLeaf(ctx, g.domain)
	if err != nil {
		return err
	}
	teeKey := sha256Hex([]byte(bn.info.Certificate))
	if !strings.EqualFold(leaf.PublicKeyFingerprint, teeKey) {
		return apperr.DomainUntrusted("certificate-key")
	}
	col.Register(g.id("main"), dataobject.Payload{
		Fields: map[string]interface{}{"app_cert": leaf.Fingerprint},
	})
	return nil
}

// VerifyDnsCAA resolves CAA for the guarded domain and asserts
// issuance is restricted to an account the gateway controls.
func (g *gatewayVerifier) VerifyDnsCAA(ctx context.Context, col *dataobject.Collector) error {
	if g.clients.DNS == nil {
		return apperr.ConfigInvalid("dns client not configured")
	}
	records, err := g.clients.DNS.LookupCAA(ctx, g.domain)
	if err != nil {
		return err
	}
	if !attest.IssuerAuthorized(records, g.allowedCAAIssuer, g.caaAccountURI) {
		return apperr.DomainUntrusted("dns-caa")
	}
	return nil
}

// VerifyCTLog asserts the live certificate's fingerprint has been
// logged in CT and no unexpected issuers have issued for the domain.
func (g *gatewayVerifier) VerifyCTLog(ctx context.Context, col *dataobject.Collector) error {
	if g.clients.CTLog == nil || g.clients.TLS == nil {
		return apperr.ConfigInvalid("ct-log or tls client not configured")
	}
	leaf, err := g.clients.TLS.FetchLeaf(ctx, g.domain)
	if err != nil {
		return err
	}
	certs, err := g.clients.CTLog.Query(ctx, g.domain)
	if err != nil {
		return err
	}
	if !attest.FingerprintObserved(certs, leaf.Fingerprint) {
		return apperr.DomainUntrusted(fmt.Sprintf("ct-log: fingerprint %s not observed", leaf.Fingerprint))
	}
	if len(g.allowedCTIssuers) > 0 {
		if unexpected := attest.UnexpectedIssuers(certs, g.allowedCTIssuers); len(unexpected) > 0 {
			return apperr.DomainUntrusted(fmt.Sprintf("ct-log: %d unexpected issuer(s) observed", len(unexpected)))
		}
	}
	return nil
}
