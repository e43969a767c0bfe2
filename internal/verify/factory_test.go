package verify

import (
	"testing"

	"github.com/dstack-verify/attestor/internal/attest"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

func TestGuardedDomainPrefersPhalaCloudDomain(t *testing.T) {
	sysInfo := &attest.SystemInfo{KmsInfo: attest.KmsInfo{GatewayAppURL: "https://gateway.example.com:8443"}}

	got := guardedDomain(sysInfo, PhalaCloudConfig{Domain: "app.example.com"})
	if got != "app.example.com" {
		t.Errorf("guardedDomain() = %q, want phala-cloud domain", got)
	}
}

func TestGuardedDomainFallsBackToGatewayHost(t *testing.T) {
	sysInfo := &attest.SystemInfo{KmsInfo: attest.KmsInfo{GatewayAppURL: "https://gateway.example.com:8443"}}

	got := guardedDomain(sysInfo, RedpillConfig{Model: "llama"})
	if got != "gateway.example.com" {
		t.Errorf("guardedDomain() = %q, want gateway host stripped of port", got)
	}
}

func TestBuildChainRejectsNilSystemInfo(t *testing.T) {
	_, err := BuildChain(nil, RedpillConfig{}, &Clients{}, Config{})
	if apperr.GetAppError(err) == nil || apperr.GetAppError(err).Kind != apperr.KindConfigInvalid {
		t.Errorf("BuildChain(nil sysInfo) error = %v, want ConfigInvalid", err)
	}
}

func TestBuildChainOrdersKmsGatewayApp(t *testing.T) {
	sysInfo := &attest.SystemInfo{KmsInfo: attest.KmsInfo{GatewayAppURL: "https://gateway.example.com"}}
	chain, err := BuildChain(sysInfo, RedpillConfig{Model: "llama"}, &Clients{}, Config{})
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("BuildChain() len = %d, want 3", len(chain))
	}
	if chain[0].Name() != "KMS" || chain[1].Name() != "Gateway" || chain[2].Name() != "App" {
		t.Errorf("BuildChain() order = [%s %s %s], want [KMS Gateway App]", chain[0].Name(), chain[1].Name(), chain[2].Name())
	}
	if _, ok := chain[1].(GatewayCapable); !ok {
		t.Error("gateway chain member does not implement GatewayCapable")
	}
}

func TestDiscoverSystemInfoRejectsUnknownConfig(t *testing.T) {
	_, err := DiscoverSystemInfo(nil, &Clients{}, nil)
	if apperr.GetAppError(err) == nil || apperr.GetAppError(err).Kind != apperr.KindConfigInvalid {
		t.Errorf("DiscoverSystemInfo(nil cfg) error = %v, want ConfigInvalid", err)
	}
}
