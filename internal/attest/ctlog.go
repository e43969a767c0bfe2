package attest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/tidwall/gjson"
)

const defaultCTLogURL = "https://crt.sh/"

// CTLogClient queries a Certificate Transparency log index for
// certificates issued for a domain (spec.md §4.2 "Certificate
// Transparency").
type CTLogClient struct {
	baseURL string
	http    *httpClient
}

// NewCTLogClient binds a client to the configured CT log query base
// URL; an empty baseURL falls back to crt.sh.
func NewCTLogClient(baseURL string, timeout time.Duration) *CTLogClient {
	if baseURL == "" {
		baseURL = defaultCTLogURL
	}
	return &CTLogClient{baseURL: baseURL, http: newHTTPClient(timeout, 2, 2)}
}

// Query fetches the certificate set issued for domain.
func (c *CTLogClient) Query(ctx context.Context, domain string) ([]Certificate, error) {
	reqURL := fmt.Sprintf("%s?q=%s&output=json", c.baseURL, url.QueryEscape(domain))
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, apperr.Internal("build ct-log request", err)
	}

	resp, err := c.http.do(ctx, req)
	if err != nil {
		return nil, apperr.UpstreamUnavailable("ct-log", err)
	}
	data, err := readBody(resp, maxBodyBytes)
	if err != nil {
		return nil, apperr.UpstreamUnavailable("ct-log", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.UpstreamUnavailable("ct-log", fmt.Errorf("status %d", resp.StatusCode))
	}
	if !gjson.ValidBytes(data) {
		// crt.sh returns an empty body (not valid JSON) when there are no matches.
		return nil, nil
	}

	var certs []Certificate
	for _, entry := range gjson.ParseBytes(data).Array() {
		certs = append(certs, Certificate{
			Issuer:      entry.Get("issuer_name").String(),
			Fingerprint: entry.Get("serial_number").String(),
			NotBefore:   entry.Get("not_before").String(),
			NotAfter:    entry.Get("not_after").String(),
		})
	}
	return certs, nil
}

// FingerprintObserved reports whether fingerprint appears among certs,
// the predicate spec.md §4.3's verifyCTLog needs.
func FingerprintObserved(certs []Certificate, fingerprint string) bool {
	for _, c := range certs {
		if c.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// UnexpectedIssuers returns the subset of certs whose issuer is not
// among the allowed set.
func UnexpectedIssuers(certs []Certificate, allowed map[string]bool) []Certificate {
	var out []Certificate
	for _, c := range certs {
		if !allowed[c.Issuer] {
			out = append(out, c)
		}
	}
	return out
}
