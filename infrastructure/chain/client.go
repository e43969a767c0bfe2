package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	hexutil "github.com/dstack-verify/attestor/infrastructure/hex"
)

// Client is a minimal Ethereum JSON-RPC client bound to a single endpoint.
// The verification pipeline is read-only: it never signs or submits
// transactions, so the client exposes only Call and the narrow eth_call /
// eth_chainId helpers built on top of it.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	RPCURL     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewClient creates a new Ethereum JSON-RPC client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("chain: RPC URL required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{rpcURL: cfg.RPCURL, httpClient: httpClient}, nil
}

// Call makes a raw JSON-RPC call against the configured endpoint.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	reqBody, err := json.Marshal(RPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rpc http error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// ChainID returns the chain id reported by the endpoint (eth_chainId).
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return 0, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return 0, fmt.Errorf("unmarshal chain id: %w", err)
	}
	return strconv.ParseUint(strings.TrimPrefix(hexStr, "0x"), 16, 64)
}

// BlockNumber returns the current block height (eth_blockNumber). Used by
// the RPC pool's health check.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return 0, fmt.Errorf("unmarshal block number: %w", err)
	}
	return strconv.ParseUint(strings.TrimPrefix(hexStr, "0x"), 16, 64)
}

// EthCall performs a read-only eth_call against the given contract address
// with the given ABI-encoded calldata, at the "latest" block, and returns
// the raw ABI-encoded return data.
func (c *Client) EthCall(ctx context.Context, contractAddress string, data []byte) ([]byte, error) {
	params := []interface{}{
		map[string]string{
			"to":   contractAddress,
			"data": hexutil.EncodeWithPrefix(data),
		},
		"latest",
	}
	result, err := c.Call(ctx, "eth_call", params)
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, fmt.Errorf("unmarshal eth_call result: %w", err)
	}
	return hexutil.DecodeString(hexStr)
}
