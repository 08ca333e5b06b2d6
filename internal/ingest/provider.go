package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lox/aircast/internal/metrics"
)

// Record is one provider row as decoded from JSON, before normalization.
type Record map[string]any

// Response is the outcome of a single provider fetch.
type Response struct {
	Provider   string
	Endpoint   string
	StatusCode int
	Body       []byte
	Records    []Record
}

// Provider fetches raw records for one entity. Implementations make no
// retries; a failed call fails the entity for the current run.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, entity string) (*Response, error)
}

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// get performs one GET and returns the body of a 2xx response.
func get(ctx context.Context, client *http.Client, provider, rawURL string, header http.Header) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: build request: %w", provider, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	metrics.ProviderLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(provider, "error").Inc()
		return 0, nil, fmt.Errorf("%s: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(provider, "error").Inc()
		return resp.StatusCode, nil, fmt.Errorf("%s: read body: %w", provider, err)
	}

	metrics.ProviderCallsTotal.WithLabelValues(provider, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, body, &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return resp.StatusCode, body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
