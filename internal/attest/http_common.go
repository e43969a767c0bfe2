package attest

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/dstack-verify/attestor/infrastructure/resilience"
)

// httpClient is the shared shape every upstream HTTP-based adapter in
// this package builds on: a bounded client, a token-bucket limiter, and
// a circuit breaker that trips after repeated upstream failures — the
// exact failure mode every caller here reports as UpstreamUnavailable.
type httpClient struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

func newHTTPClient(timeout time.Duration, ratePerSecond float64, burst int) *httpClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	if burst <= 0 {
		burst = 5
	}
	return &httpClient{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		breaker: resilience.New(resilience.DefaultConfig()),
	}
}

func (h *httpClient) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp *http.Response
	err := h.breaker.Execute(ctx, func() error {
		var doErr error
		resp, doErr = h.client.Do(req.WithContext(ctx))
		return doErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func readBody(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

const maxBodyBytes = 8 << 20
