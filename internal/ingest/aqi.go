package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lox/aircast/internal/httputil"
)

const (
	ProviderAQI = "datagov_aqi"
	EndpointAQI = "resource/records"
)

// AQIClient reads station-level pollutant readings from the data.gov.in
// real-time air quality resource.
type AQIClient struct {
	apiKey  string
	baseURL string
	limit   int
	client  *http.Client
}

func NewAQIClient(apiKey, baseURL string, limit int, timeout time.Duration) *AQIClient {
	if limit <= 0 {
		limit = 1000
	}
	return &AQIClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		limit:   limit,
		client:  httputil.NewClient(timeout),
	}
}

func (c *AQIClient) Name() string { return ProviderAQI }

type aqiResponse struct {
	Records []Record `json:"records"`
}

func (c *AQIClient) Fetch(ctx context.Context, city string) (*Response, error) {
	q := url.Values{}
	q.Set("api-key", c.apiKey)
	q.Set("format", "json")
	q.Set("filters[country]", "India")
	q.Set("filters[city]", city)
	q.Set("limit", strconv.Itoa(c.limit))

	status, body, err := get(ctx, c.client, ProviderAQI, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch aqi %s: %w", city, err)
	}

	records, err := DecodeAQI(body)
	if err != nil {
		return nil, fmt.Errorf("fetch aqi %s: %w", city, err)
	}

	return &Response{
		Provider:   ProviderAQI,
		Endpoint:   EndpointAQI,
		StatusCode: status,
		Body:       body,
		Records:    records,
	}, nil
}

// DecodeAQI reads the records array of a data.gov.in response. A missing
// array yields no records.
func DecodeAQI(body []byte) ([]Record, error) {
	var data aqiResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return data.Records, nil
}
