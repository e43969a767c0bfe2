package attest

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

// LiveCertificate is the leaf TLS certificate observed on a live
// connection, reduced to the fields the Gateway verifier's
// verifyCertificateKey check needs (spec.md §4.3).
type LiveCertificate struct {
	Subject            string
	Issuer             string
	PublicKeyFingerprint string // sha256 of the SubjectPublicKeyInfo DER
	Fingerprint        string   // sha256 of the whole leaf certificate DER
	NotBefore          time.Time
	NotAfter           time.Time
}

// TLSClient dials the guarded domain's HTTPS port and inspects the
// certificate the server actually presents, independent of any
// attestation bundle (spec.md §4.3 "fetch the live TLS certificate on
// the guarded domain").
type TLSClient struct {
	timeout time.Duration
}

// NewTLSClient returns a client bound to the given dial timeout.
func NewTLSClient(timeout time.Duration) *TLSClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TLSClient{timeout: timeout}
}

// FetchLeaf dials domain:443 and returns the leaf certificate the
// server presents during the TLS handshake.
func (c *TLSClient) FetchLeaf(ctx context.Context, domain string) (*LiveCertificate, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.timeout},
		Config:    &tls.Config{ServerName: domain},
	}
	raw, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(domain, "443"))
	if err != nil {
		return nil, apperr.UpstreamUnavailable("tls-cert", err)
	}
	defer raw.Close()
	conn := raw.(*tls.Conn)

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, apperr.UpstreamUnavailable("tls-cert", fmt.Errorf("no peer certificates presented"))
	}
	return leafFromCert(state.PeerCertificates[0]), nil
}

func leafFromCert(cert *x509.Certificate) *LiveCertificate {
	certDigest := sha256.Sum256(cert.Raw)
	pubKeyDigest := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return &LiveCertificate{
		Subject:              cert.Subject.CommonName,
		Issuer:               cert.Issuer.CommonName,
		PublicKeyFingerprint: hex.EncodeToString(pubKeyDigest[:]),
		Fingerprint:          hex.EncodeToString(certDigest[:]),
		NotBefore:            cert.NotBefore,
		NotAfter:             cert.NotAfter,
	}
}
