package attest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/tidwall/gjson"
)

// AppInfoClient fetches the target application's own attestation
// bundle over HTTPS (spec.md §4.2 "App info endpoint").
type AppInfoClient struct {
	http *httpClient
}

// NewAppInfoClient returns a client for the app-info endpoint.
func NewAppInfoClient(timeout time.Duration) *AppInfoClient {
	return &AppInfoClient{http: newHTTPClient(timeout, 10, 10)}
}

// Fetch performs `GET <endpoint>/prpc/Info` and parses the response
// with gjson rather than a rigid struct, since the upstream payload
// shape varies slightly across dstack versions.
func (c *AppInfoClient) Fetch(ctx context.Context, endpoint string) (*AppInfo, error) {
	url := strings.TrimRight(endpoint, "/") + "/prpc/Info"
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Internal("build app-info request", err)
	}

	resp, err := c.http.do(ctx, req)
	if err != nil {
		return nil, apperr.UpstreamUnavailable("app-info", err)
	}
	data, err := readBody(resp, maxBodyBytes)
	if err != nil {
		return nil, apperr.UpstreamUnavailable("app-info", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.UpstreamUnavailable("app-info", fmt.Errorf("status %d: %s", resp.StatusCode, string(data)))
	}
	if !gjson.ValidBytes(data) {
		return nil, apperr.UpstreamUnavailable("app-info", fmt.Errorf("invalid JSON response"))
	}

	root := gjson.ParseBytes(data)
	info := &AppInfo{
		Quote:       root.Get("quote").String(),
		ComposeHash: root.Get("compose_hash").String(),
		DeviceID:    root.Get("device_id").String(),
		Certificate: root.Get("certificate").String(),
		Endpoint:    root.Get("tcb_endpoint").String(),
		ComposeFile: root.Get("compose_file").String(),
	}

	for _, entry := range root.Get("event_log").Array() {
		info.EventLog = append(info.EventLog, EventLogEntry{
			IMR:       int(entry.Get("imr").Int()),
			EventType: entry.Get("event_type").String(),
			Digest:    entry.Get("digest").String(),
			EventData: entry.Get("event_data").String(),
		})
	}

	return info, nil
}
