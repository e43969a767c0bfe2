package verify

import (
	"context"
	"time"

	"github.com/dstack-verify/attestor/internal/dataobject"
	"github.com/dstack-verify/attestor/internal/domain"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

// Service is C5, the verification service: spec.md §4.5's
// `verify(appConfig, flags?) -> VerificationResponse`.
type Service struct {
	clients *Clients
	config  Config
	now     func() time.Time
}

// NewService builds the verification service from a shared client
// bundle and static configuration.
func NewService(clients *Clients, cfg Config) *Service {
	return &Service{clients: clients, config: cfg, now: time.Now}
}

// Verify runs the KMS -> Gateway -> App chain under the given flags
// mask (nil means every flag enabled) and returns the finished report.
// Each verification run gets a brand-new Collector (spec.md §4.1, §9
// "per-run isolation of the collector") — never share one across
// concurrent calls.
func (s *Service) Verify(ctx context.Context, cfg AppConfig, flags *domain.VerificationFlags) (*Report, error) {
	f := domain.DefaultFlags()
	if flags != nil {
		f = *flags
	}

	if s.config.TaskDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TaskDeadline)
		defer cancel()
	}

	sysInfo, err := DiscoverSystemInfo(ctx, s.clients, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.DeadlineExceeded()
		}
		return nil, err
	}

	verifiers, err := BuildChain(sysInfo, cfg, s.clients, s.config)
	if err != nil {
		return nil, err
	}

	col := dataobject.New()
	var errs []ReportError

	for _, v := range verifiers {
		if ctx.Err() != nil {
			errs = append(errs, ReportError{Kind: apperr.KindDeadlineExceeded, Message: "deadline exceeded", Verifier: v.Name()})
			break
		}
		s.runVerifier(ctx, v, f, col, &errs)
	}

	wireRelationships(col, sysInfo)

	objects := col.Snapshot()
	return &Report{
		DataObjects: objects,
		CompletedAt: s.now().UTC(),
		Errors:      errs,
		Success:     len(errs) == 0,
	}, nil
}

// runVerifier invokes the enabled capability subset of v in the strict
// order spec.md §4.3's state machine names: hardware -> os ->
// sourceCode -> (gateway-only) domain. A failed step is recorded and
// does not prevent later steps or later verifiers from running
// (spec.md §7 "Propagation policy").
func (s *Service) runVerifier(ctx context.Context, v Verifier, f domain.VerificationFlags, col *dataobject.Collector, errs *[]ReportError) {
	record := func(step string, err error) {
		if err == nil {
			return
		}
		kind := apperr.KindInternal
		if ae := apperr.GetAppError(err); ae != nil && ae.Kind != "" {
			kind = ae.Kind
		}
		*errs = append(*errs, ReportError{Kind: kind, Message: err.Error(), Verifier: v.Name(), Step: step})
	}

	if f.Hardware {
		record("hardware", v.VerifyHardware(ctx, col))
	}
	if f.OS {
		record("os", v.VerifyOperatingSystem(ctx, col))
	}
	if f.SourceCode {
		record("sourceCode", v.VerifySourceCode(ctx, col))
	}

	gw, ok := v.(GatewayCapable)
	if !ok {
		return
	}
	if f.TeeControlledKey {
		record("teeControlledKey", gw.VerifyTeeControlledKey(ctx, col))
	}
	if f.CertificateKey {
		record("certificateKey", gw.VerifyCertificateKey(ctx, col))
	}
	if f.DnsCAA {
		record("dnsCAA", gw.VerifyDnsCAA(ctx, col))
	}
	if f.CTLog {
		record("ctLog", gw.VerifyCTLog(ctx, col))
	}
}
