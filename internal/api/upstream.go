package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"

	"github.com/lox/aircast/internal/httputil"
	"github.com/lox/aircast/internal/metrics"
)

// errUnavailable marks network failures and an open circuit. Handlers map
// it to 503.
var errUnavailable = errors.New("upstream unavailable")

// upstreamStatusError is a non-2xx answer from the provider. Handlers map it
// to 404.
type upstreamStatusError struct {
	Upstream   string
	StatusCode int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.Upstream, e.StatusCode)
}

// upstream is one live provider behind a circuit breaker with a short-lived
// response cache.
type upstream struct {
	name    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *expirable.LRU[string, []byte]
}

type upstreamResponse struct {
	status int
	body   []byte
}

func newUpstream(name string, timeout, cacheTTL time.Duration) *upstream {
	return &upstream{
		name:   name,
		client: httputil.NewClient(timeout),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 5,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
		}),
		cache: expirable.NewLRU[string, []byte](256, nil, cacheTTL),
	}
}

// getJSON fetches rawURL and decodes a JSON object. Successful bodies are
// cached by URL; status errors are not.
func (u *upstream) getJSON(ctx context.Context, rawURL string, header http.Header) (map[string]any, bool, error) {
	if body, ok := u.cache.Get(rawURL); ok {
		out, err := decodeObject(body)
		return out, true, err
	}

	result, err := u.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		start := time.Now()
		resp, err := u.client.Do(req)
		metrics.ProviderLatency.WithLabelValues(u.name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues(u.name, "error").Inc()
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues(u.name, "error").Inc()
			return nil, err
		}
		metrics.ProviderCallsTotal.WithLabelValues(u.name, fmt.Sprintf("%d", resp.StatusCode)).Inc()
		// A non-2xx answer means the upstream is reachable; it does not count
		// against the breaker.
		return upstreamResponse{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", errUnavailable, u.name, err)
	}

	resp := result.(upstreamResponse)
	if resp.status < 200 || resp.status > 299 {
		return nil, false, &upstreamStatusError{Upstream: u.name, StatusCode: resp.status}
	}

	out, err := decodeObject(resp.body)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", u.name, err)
	}
	u.cache.Add(rawURL, resp.body)
	return out, false, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}
