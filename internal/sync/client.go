// Package sync implements C9, the upstream sync engine: two cron loops
// that pull application and profile catalogs from an external analytics
// endpoint and converge local state, spec.md §4.9.
package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

// httpClient is the minimal POST-with-header client the analytics
// endpoint needs, following the same shape as internal/attest's shared
// client (timeout + rate limit), generalized from GET to the upstream's
// own empty-body POST convention (spec.md §6 "Outbound upstream
// catalog").
type httpClient struct {
	client *http.Client
}

func newHTTPClient(timeout time.Duration) *httpClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpClient{client: &http.Client{Timeout: timeout}}
}

const maxBodyBytes int64 = 16 << 20

// ProfileRecord mirrors one row of the profile-sync upstream payload,
// spec.md §4.9 "Profile sync".
type ProfileRecord struct {
	EntityType   string
	EntityID     int64
	DisplayName  string
	AvatarURL    string
	Description  string
	CustomDomain string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AppRecord mirrors one row of the app-sync upstream payload, spec.md
// §4.9 "App sync".
type AppRecord struct {
	DstackAppID         string
	AppID               string
	AppName             string
	WorkspaceID         int64
	CreatorID           int64
	ChainID             int64
	KmsContractAddress  string
	ContractAddress     string
	BaseImage           string
	TproxyBaseDomain    string
	GatewayDomainSuffix string
	Listed              bool
	Username            string
	Email               string
	AppCreatedAt        time.Time
	VMCreatedAt         time.Time
	DockerComposeFile   string
}

// Client fetches the upstream application and profile catalogs, spec.md
// §6 "Outbound upstream catalog": `POST` (empty body) with header
// `X-API-KEY: <key>`.
type Client struct {
	http   *httpClient
	apiKey string
}

// NewClient returns a Client authenticated with apiKey.
func NewClient(apiKey string, timeout time.Duration) *Client {
	return &Client{http: newHTTPClient(timeout), apiKey: apiKey}
}

func (c *Client) post(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, apperr.Internal("build sync request", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.http.client.Do(req)
	if err != nil {
		return nil, apperr.SyncFetchFailed(url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.SyncFetchFailed(url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.SyncFetchFailed(url, fmt.Errorf("status %d", resp.StatusCode))
	}
	if !gjson.ValidBytes(data) {
		return nil, apperr.SyncParseFailed("invalid JSON response from upstream catalog")
	}
	return data, nil
}

// FetchProfiles pulls the profile catalog from url.
func (c *Client) FetchProfiles(ctx context.Context, url string) ([]ProfileRecord, error) {
	data, err := c.post(ctx, url)
	if err != nil {
		return nil, err
	}

	var records []ProfileRecord
	for _, row := range gjson.ParseBytes(data).Array() {
		records = append(records, ProfileRecord{
			EntityType:   row.Get("entityType").String(),
			EntityID:     row.Get("entityId").Int(),
			DisplayName:  row.Get("displayName").String(),
			AvatarURL:    row.Get("avatarUrl").String(),
			Description:  row.Get("description").String(),
			CustomDomain: row.Get("customDomain").String(),
			CreatedAt:    parseTime(row.Get("createdAt").String()),
			UpdatedAt:    parseTime(row.Get("updatedAt").String()),
		})
	}
	return records, nil
}

// FetchApps pulls the application catalog from url.
func (c *Client) FetchApps(ctx context.Context, url string) ([]AppRecord, error) {
	data, err := c.post(ctx, url)
	if err != nil {
		return nil, err
	}

	var records []AppRecord
	for _, row := range gjson.ParseBytes(data).Array() {
		records = append(records, AppRecord{
			DstackAppID:         row.Get("dstack_app_id").String(),
			AppID:               row.Get("app_id").String(),
			AppName:             row.Get("app_name").String(),
			WorkspaceID:         row.Get("workspace_id").Int(),
			CreatorID:           row.Get("creator_id").Int(),
			ChainID:             row.Get("chain_id").Int(),
			KmsContractAddress:  row.Get("kms_contract_address").String(),
			ContractAddress:     row.Get("contract_address").String(),
			BaseImage:           row.Get("base_image").String(),
			TproxyBaseDomain:    row.Get("tproxy_base_domain").String(),
			GatewayDomainSuffix: row.Get("gateway_domain_suffix").String(),
			Listed:              row.Get("listed").Bool(),
			Username:            row.Get("username").String(),
			Email:               row.Get("email").String(),
			AppCreatedAt:        parseTime(row.Get("app_created_at").String()),
			VMCreatedAt:         parseTime(row.Get("vm_created_at").String()),
			DockerComposeFile:   row.Get("docker_compose_file").String(),
		})
	}
	return records, nil
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

