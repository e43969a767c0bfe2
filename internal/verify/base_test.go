package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dstack-verify/attestor/infrastructure/chain"
	"github.com/dstack-verify/attestor/internal/attest"
	"github.com/dstack-verify/attestor/internal/dataobject"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

func TestVerifyHardwarePassesHexTextThroughToQuoteTool(t *testing.T) {
	cert := "app-certificate-pem"
	certFingerprint := sha256.Sum256([]byte(cert))
	reportData := hex.EncodeToString(certFingerprint[:])

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"quote":"deadbeef","certificate":%q,"device_id":"dev-1"}`, cert)
	}))
	defer server.Close()

	tool := fakeQuoteToolWithReportData(t, reportData)

	b := &base{
		name:     "KMS",
		idPrefix: "kms",
		kind:     dataobject.KindKMS,
		endpoint: server.URL,
		clients: &Clients{
			AppInfo:   attest.NewAppInfoClient(5 * time.Second),
			QuoteTool: tool,
		},
	}

	col := dataobject.New()
	if err := b.VerifyHardware(context.Background(), col); err != nil {
		t.Fatalf("VerifyHardware() error = %v", err)
	}

	obj := col.Get("kms-main")
	if obj == nil || obj.Fields["cert_pubkey"] != hex.EncodeToString(certFingerprint[:]) {
		t.Errorf("kms-main fields = %+v", obj)
	}
}

func fakeQuoteToolWithReportData(t *testing.T, reportData string) *attest.QuoteTool {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tdx-quote-tool")
	script := fmt.Sprintf(`#!/bin/sh
cmd="$1"; shift
hexflag=""
for a in "$@"; do
  if [ "$a" = "--hex" ]; then hexflag="yes"; fi
done
if [ "$hexflag" != "yes" ]; then
  echo "expected --hex flag" >&2
  exit 1
fi
case "$cmd" in
decode) echo '{"mrtd":"mm","rtmr0":"r0","rtmr1":"r1","rtmr2":"r2","rtmr3":"r3","report_data":"%s"}' ;;
verify) echo '{"valid": true}' ;;
*) echo "unknown command $cmd" >&2; exit 1 ;;
esac
`, reportData)
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatalf("write fake quote tool: %v", err)
	}
	return attest.NewQuoteTool(path)
}

func TestVerifyHardwareRejectsInvalidHexQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"quote":"not-hex!!","certificate":"c"}`)
	}))
	defer server.Close()

	b := &base{
		name:     "KMS",
		idPrefix: "kms",
		endpoint: server.URL,
		clients: &Clients{
			AppInfo:   attest.NewAppInfoClient(5 * time.Second),
			QuoteTool: attest.NewQuoteTool("/bin/true"),
		},
	}

	col := dataobject.New()
	if err := b.VerifyHardware(context.Background(), col); err == nil {
		t.Error("VerifyHardware() with non-hex quote should error")
	}
}

// TestVerifyOperatingSystemDetectsRtmrMismatch feeds VerifyOperatingSystem an
// event log whose replayed RTMR1 disagrees with the quote tool's decoded
// RTMR1, and expects the OsMismatch path spec.md §4.3's OS check describes.
func TestVerifyOperatingSystemDetectsRtmrMismatch(t *testing.T) {
	bundle := buildAttestationBundle("services:\n  app:\n    image: test\n", "cert-fixture")

	tamperedRTMR := map[int]string{0: bundle.rtmr[0], 1: bundle.rtmr[1], 2: bundle.rtmr[2], 3: bundle.rtmr[3]}
	tamperedRTMR[1] = sha384Hex([]byte("a register value the event log never replays to"))

	tool := fixedQuoteTool(t, tamperedRTMR, "mrtd-fixture", bundle.reportData)

	server := httptest.NewServer(appInfoHandler(bundle, "dev-os-mismatch"))
	defer server.Close()

	b := &base{
		name:     "KMS",
		idPrefix: "kms",
		kind:     dataobject.KindKMS,
		endpoint: server.URL,
		clients: &Clients{
			AppInfo:   attest.NewAppInfoClient(5 * time.Second),
			QuoteTool: tool,
		},
	}

	col := dataobject.New()
	err := b.VerifyOperatingSystem(context.Background(), col)
	if err == nil {
		t.Fatal("VerifyOperatingSystem() error = nil, want OsMismatch")
	}
	if ae := apperr.GetAppError(err); ae == nil || ae.Kind != apperr.KindOsMismatch {
		t.Fatalf("VerifyOperatingSystem() error = %v, want kind OsMismatch", err)
	}
}

// TestVerifySourceCodeRegistryMismatchOnKmsIdMismatch targets the exact
// defect a prior review flagged in VerifySourceCode: a registry contract
// whose allowedComposeHashes accepts the compose hash but whose
// allowedKmsId()/kmsId() getter returns an id other than the KMS this chain
// actually observed must still fail with RegistryMismatch, not pass.
func TestVerifySourceCodeRegistryMismatchOnKmsIdMismatch(t *testing.T) {
	bundle := buildAttestationBundle("services:\n  app:\n    image: test\n", "cert-fixture")
	tool := fixedQuoteTool(t, bundle.rtmr, "mrtd-fixture", bundle.reportData)

	server := httptest.NewServer(appInfoHandler(bundle, "dev-kms-mismatch"))
	defer server.Close()

	const contractAddress = "0x00000000000000000000000000000000000abc"
	composeHashBytes, err := chain.ParseBytes32(bundle.composeHash)
	if err != nil {
		t.Fatalf("parse compose hash: %v", err)
	}

	// The registry allow-lists this compose hash, but its governance
	// getter returns a KMS id distinct from whatever b.expectedKmsID names
	// below — the exact shape the review said previously passed silently.
	var wrongKmsID [32]byte
	wrongKmsID[31] = 0xee
	registryServ := fakeRegistryServer(t, map[string]registryAnswer{
		contractAddress: {allowedCompose: composeHashBytes, kmsID: wrongKmsID},
	})
	defer registryServ.Close()

	b := &base{
		name:            "KMS",
		idPrefix:        "kms",
		kind:            dataobject.KindKMS,
		endpoint:        server.URL,
		contractAddress: contractAddress,
		chainID:         testChainID,
		expectedKmsID:   sha256Hex([]byte("some-other-kms-identity")),
		clients: &Clients{
			AppInfo:   attest.NewAppInfoClient(5 * time.Second),
			QuoteTool: tool,
			Registry:  attest.NewRegistryClient(map[uint64]string{testChainID: registryServ.URL}, 5*time.Second),
		},
	}

	col := dataobject.New()
	err = b.VerifySourceCode(context.Background(), col)
	if err == nil {
		t.Fatal("VerifySourceCode() error = nil, want RegistryMismatch on kms id mismatch")
	}
	ae := apperr.GetAppError(err)
	if ae == nil || ae.Kind != apperr.KindRegistryMismatch {
		t.Fatalf("VerifySourceCode() error = %v, want kind RegistryMismatch", err)
	}
	if ae.Error() == "" {
		t.Fatalf("RegistryMismatch error has empty message")
	}
}

// TestVerifySourceCodeRegistryMismatchOnComposeHashRejected covers the
// simpler RegistryMismatch path: a compose hash the registry never
// allow-lists, independent of any KMS id comparison.
func TestVerifySourceCodeRegistryMismatchOnComposeHashRejected(t *testing.T) {
	bundle := buildAttestationBundle("services:\n  app:\n    image: test\n", "cert-fixture")
	tool := fixedQuoteTool(t, bundle.rtmr, "mrtd-fixture", bundle.reportData)

	server := httptest.NewServer(appInfoHandler(bundle, "dev-compose-rejected"))
	defer server.Close()

	const contractAddress = "0x00000000000000000000000000000000000abc"
	registryServ := fakeRegistryServer(t, map[string]registryAnswer{
		contractAddress: {}, // allowedComposeHashes always answers false
	})
	defer registryServ.Close()

	b := &base{
		name:            "App",
		idPrefix:        "app",
		kind:            dataobject.KindApp,
		endpoint:        server.URL,
		contractAddress: contractAddress,
		chainID:         testChainID,
		expectedKmsID:   sha256Hex([]byte("irrelevant-here")),
		clients: &Clients{
			AppInfo:   attest.NewAppInfoClient(5 * time.Second),
			QuoteTool: tool,
			Registry:  attest.NewRegistryClient(map[uint64]string{testChainID: registryServ.URL}, 5*time.Second),
		},
	}

	col := dataobject.New()
	err := b.VerifySourceCode(context.Background(), col)
	if err == nil {
		t.Fatal("VerifySourceCode() error = nil, want RegistryMismatch on unlisted compose hash")
	}
	if ae := apperr.GetAppError(err); ae == nil || ae.Kind != apperr.KindRegistryMismatch {
		t.Fatalf("VerifySourceCode() error = %v, want kind RegistryMismatch", err)
	}
}
