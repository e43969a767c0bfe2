package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

const defaultNvidiaURL = "https://nras.attestation.nvidia.com/v3/attest/gpu"

// NvidiaClient attests GPU evidence against NVIDIA's remote attestation
// service (spec.md §4.2 "NVIDIA attestation").
type NvidiaClient struct {
	url  string
	http *httpClient
}

// NewNvidiaClient binds a client to the vendor URL; an empty url falls
// back to the documented production endpoint.
func NewNvidiaClient(url string, timeout time.Duration) *NvidiaClient {
	if url == "" {
		url = defaultNvidiaURL
	}
	return &NvidiaClient{url: url, http: newHTTPClient(timeout, 5, 5)}
}

type nvidiaRequest struct {
	Nonce        string   `json:"nonce"`
	EvidenceList []string `json:"evidence_list"`
	Arch         string   `json:"arch"`
}

// Attest submits GPU evidence and returns the vendor's verdict.
func (c *NvidiaClient) Attest(ctx context.Context, nonce string, evidenceList []string, arch string) (*NvidiaVerdict, error) {
	body, err := json.Marshal(nvidiaRequest{Nonce: nonce, EvidenceList: evidenceList, Arch: arch})
	if err != nil {
		return nil, apperr.Internal("marshal nvidia attestation request", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("build nvidia attestation request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.do(ctx, req)
	if err != nil {
		return nil, apperr.UpstreamUnavailable("nvidia", err)
	}
	data, err := readBody(resp, maxBodyBytes)
	if err != nil {
		return nil, apperr.UpstreamUnavailable("nvidia", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.UpstreamUnavailable("nvidia", fmt.Errorf("status %d: %s", resp.StatusCode, string(data)))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apperr.UpstreamUnavailable("nvidia", fmt.Errorf("decode response: %w", err))
	}

	verified, _ := payload["verified"].(bool)
	return &NvidiaVerdict{Verified: verified, Payload: payload}, nil
}
