package verify

import (
	"context"
	"time"

	"github.com/dstack-verify/attestor/internal/attest"
	"github.com/dstack-verify/attestor/internal/dataobject"
)

// Verifier is the capability set every chain member implements,
// spec.md §4.3: hardware, operating-system and source-code checks plus
// a metadata accessor. Variants are a closed set (kms.go, gateway.go,
// redpill.go, phalacloud.go); none of them is exported as a base class,
// only through this interface, so the chain factory and service never
// need to know which concrete type they are holding.
type Verifier interface {
	Name() string
	VerifyHardware(ctx context.Context, col *dataobject.Collector) error
	VerifyOperatingSystem(ctx context.Context, col *dataobject.Collector) error
	VerifySourceCode(ctx context.Context, col *dataobject.Collector) error
	GetMetadata() map[string]interface{}
}

// GatewayCapable is the narrower capability set only the Gateway
// variant implements (spec.md §4.3 "Gateway-only checks", §9 "Chain
// polymorphism" — the factory/service downcast to this interface only
// when wiring domain checks, never treating it as the common case).
type GatewayCapable interface {
	Verifier
	VerifyTeeControlledKey(ctx context.Context, col *dataobject.Collector) error
	VerifyCertificateKey(ctx context.Context, col *dataobject.Collector) error
	VerifyDnsCAA(ctx context.Context, col *dataobject.Collector) error
	VerifyCTLog(ctx context.Context, col *dataobject.Collector) error
}

// Clients bundles every C2 attestation adapter a verifier or the chain
// factory might need. One Clients value is shared read-only across an
// entire verify() run; none of the adapters it holds carry per-run
// state (spec.md §4.2's adapters are pure I/O).
type Clients struct {
	AppInfo        *attest.AppInfoClient
	SystemInfo     *attest.SystemInfoClient
	QuoteTool      *attest.QuoteTool
	Nvidia         *attest.NvidiaClient
	Registry       *attest.RegistryClient
	DNS            *attest.DNSClient
	CTLog          *attest.CTLogClient
	TLS            *attest.TLSClient
	RedpillBaseURL string
}

// Config bundles the knobs the verification service needs beyond the
// attestation clients themselves: CAA/CT-log expectations and the
// per-task deadline are operator configuration, not I/O.
type Config struct {
	TaskDeadline     time.Duration
	AllowedCAAIssuer string
	CAAAccountURI    string
	AllowedCTIssuers map[string]bool
}
