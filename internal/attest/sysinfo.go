package attest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/tidwall/gjson"
)

// SystemInfoClient discovers the gateway's reported system info, the
// payload that drives C4's chain construction (spec.md §4.2
// "System-info discovery").
type SystemInfoClient struct {
	http *httpClient
}

// NewSystemInfoClient returns a client for gateway system-info
// discovery.
func NewSystemInfoClient(timeout time.Duration) *SystemInfoClient {
	return &SystemInfoClient{http: newHTTPClient(timeout, 10, 10)}
}

// Fetch performs `GET <url>` against a model- or domain-derived
// discovery URL and parses the nested kms_info block.
func (c *SystemInfoClient) Fetch(ctx context.Context, url string) (*SystemInfo, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Internal("build system-info request", err)
	}

	resp, err := c.http.do(ctx, req)
	if err != nil {
		return nil, apperr.UpstreamUnavailable("system-info", err)
	}
	data, err := readBody(resp, maxBodyBytes)
	if err != nil {
		return nil, apperr.UpstreamUnavailable("system-info", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.UpstreamUnavailable("system-info", fmt.Errorf("status %d: %s", resp.StatusCode, string(data)))
	}
	if !gjson.ValidBytes(data) {
		return nil, apperr.UpstreamUnavailable("system-info", fmt.Errorf("invalid JSON response"))
	}

	root := gjson.ParseBytes(data)
	kms := root.Get("kms_info")
	return &SystemInfo{
		KmsInfo: KmsInfo{
			ContractAddress: kms.Get("contract_address").String(),
			ChainID:         kms.Get("chain_id").Uint(),
			GatewayAppID:    kms.Get("gateway_app_id").String(),
			GatewayAppURL:   kms.Get("gateway_app_url").String(),
			Endpoint:        kms.Get("kms_endpoint").String(),
			Version:         kms.Get("version").String(),
		},
	}, nil
}

// RedpillDiscoveryURL builds the model-parameterised discovery URL for
// a RedpillVerifier's static getSystemInfo call.
func RedpillDiscoveryURL(baseURL, model string) string {
	return fmt.Sprintf("%s/info?model=%s", baseURL, model)
}

// PhalaCloudDiscoveryURL builds the domain-parameterised discovery URL
// for a PhalaCloudVerifier's static getSystemInfo call.
func PhalaCloudDiscoveryURL(domain string) string {
	return fmt.Sprintf("https://%s/prpc/Info", domain)
}

// RedpillAppEndpoint builds the base URL an AppInfoClient fetches the
// target redpill model's own attestation bundle from (AppInfoClient
// appends "/prpc/Info" itself).
func RedpillAppEndpoint(baseURL, model string) string {
	return fmt.Sprintf("%s/models/%s", baseURL, model)
}

// PhalaCloudAppEndpoint builds the base URL an AppInfoClient fetches
// the target domain's own attestation bundle from.
func PhalaCloudAppEndpoint(domain string) string {
	return "https://" + domain
}
