package verify

import (
	"context"
	"net/url"
	"strings"

	"github.com/dstack-verify/attestor/internal/attest"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

// BuildChain is C4: given a discovered SystemInfo and the caller's app
// config, it constructs the ordered KMS -> Gateway -> App verifier
// chain, spec.md §4.4. The KMS variant's on-chain registry shape is
// selected from SystemInfo.KmsInfo.Version (legacy vs current); the App
// variant is selected from the concrete AppConfig type.
func BuildChain(sysInfo *attest.SystemInfo, cfg AppConfig, clients *Clients, verifyCfg Config) ([]Verifier, error) {
	if sysInfo == nil {
		return nil, apperr.ConfigInvalid("system info is required to build a verifier chain")
	}

	kms := NewKmsVerifier(sysInfo, clients)

	gatewayDomain := guardedDomain(sysInfo, cfg)
	gateway := NewGatewayVerifier(sysInfo, gatewayDomain, clients, verifyCfg)

	var app Verifier
	switch c := cfg.(type) {
	case RedpillConfig:
		app = NewRedpillVerifier(c, sysInfo, clients)
	case PhalaCloudConfig:
		app = NewPhalaCloudVerifier(c, sysInfo, clients)
	default:
		return nil, apperr.ConfigInvalid("unknown app config variant")
	}

	return []Verifier{kms, gateway, app}, nil
}

// guardedDomain picks the domain the Gateway's domain-trust checks
// (TEE-controlled key, certificate key, DNS CAA, CT log) run against:
// the app's own domain for phala-cloud apps, or the gateway's own host
// (from its published URL) for model-routed redpill apps, which have
// no domain of their own.
func guardedDomain(sysInfo *attest.SystemInfo, cfg AppConfig) string {
	if pc, ok := cfg.(PhalaCloudConfig); ok && pc.Domain != "" {
		return pc.Domain
	}
	if u, err := url.Parse(sysInfo.KmsInfo.GatewayAppURL); err == nil && u.Host != "" {
		return strings.Split(u.Host, ":")[0]
	}
	return ""
}

// DiscoverSystemInfo is C4's companion static call, spec.md §4.3
// "Static discovery": it resolves SystemInfo from the app config
// without running any verifier. A failure here means no chain can be
// built at all, so callers MUST treat it as fatal to the whole run
// (spec.md §7 "Only ConfigInvalid raised during SystemInfo discovery
// aborts the whole run").
func DiscoverSystemInfo(ctx context.Context, clients *Clients, cfg AppConfig) (*attest.SystemInfo, error) {
	switch c := cfg.(type) {
	case RedpillConfig:
		info, err := GetRedpillSystemInfo(ctx, clients, clients.RedpillBaseURL, c.Model)
		if err != nil {
			return nil, apperr.ConfigInvalid("redpill system info discovery failed: " + err.Error())
		}
		return info, nil
	case PhalaCloudConfig:
		info, err := GetPhalaCloudSystemInfo(ctx, clients, c.Domain)
		if err != nil {
			return nil, apperr.ConfigInvalid("phala-cloud system info discovery failed: " + err.Error())
		}
		return info, nil
	default:
		return nil, apperr.ConfigInvalid("unknown app config variant")
	}
}
