package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/lox/aircast/internal/httputil"
)

const (
	ProviderWeather = "weatherapi_history"
	EndpointWeather = "history.json"
)

// WeatherClient pulls hourly history from WeatherAPI, one request per day of
// the look-back window.
type WeatherClient struct {
	apiKey       string
	baseURL      string
	lookbackDays int
	client       *http.Client
	now          func() time.Time
}

func NewWeatherClient(apiKey, baseURL string, lookbackDays int, timeout time.Duration) *WeatherClient {
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	return &WeatherClient{
		apiKey:       apiKey,
		baseURL:      baseURL,
		lookbackDays: lookbackDays,
		client:       httputil.NewClient(timeout),
		now:          time.Now,
	}
}

func (c *WeatherClient) Name() string { return ProviderWeather }

type historyResponse struct {
	Forecast *struct {
		ForecastDay []struct {
			Hour []historyHour `json:"hour"`
		} `json:"forecastday"`
	} `json:"forecast"`
}

type historyHour struct {
	TimeEpoch  int64    `json:"time_epoch"`
	Time       string   `json:"time"`
	TempC      *float64 `json:"temp_c"`
	Humidity   *float64 `json:"humidity"`
	PressureMB *float64 `json:"pressure_mb"`
	WindKPH    *float64 `json:"wind_kph"`
	Condition  struct {
		Text string `json:"text"`
	} `json:"condition"`
}

// Fetch returns hourly records for city covering the look-back window up to
// now. Any failed day fails the whole fetch.
func (c *WeatherClient) Fetch(ctx context.Context, city string) (*Response, error) {
	now := c.now().UTC()
	window := time.Duration(c.lookbackDays-1) * 24 * time.Hour
	if window < 24*time.Hour {
		window = 24 * time.Hour
	}
	since := now.Add(-window)

	var (
		bodies  []json.RawMessage
		records []Record
		status  int
	)
	for d := c.lookbackDays - 1; d >= 0; d-- {
		day := now.AddDate(0, 0, -d).Format("2006-01-02")

		q := url.Values{}
		q.Set("key", c.apiKey)
		q.Set("q", city)
		q.Set("dt", day)

		code, body, err := get(ctx, c.client, ProviderWeather, c.baseURL+"/history.json?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("fetch weather %s %s: %w", city, day, err)
		}
		status = code

		dayRecords, err := historyDay(city, body, func(at time.Time) bool {
			return !at.Before(since) && !at.After(now)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch weather %s %s: %w", city, day, err)
		}
		bodies = append(bodies, json.RawMessage(body))
		records = append(records, dayRecords...)
	}

	raw, err := json.Marshal(bodies)
	if err != nil {
		return nil, fmt.Errorf("fetch weather %s: marshal payload: %w", city, err)
	}

	return &Response{
		Provider:   ProviderWeather,
		Endpoint:   EndpointWeather,
		StatusCode: status,
		Body:       raw,
		Records:    records,
	}, nil
}

// DecodeWeatherHistory rebuilds records from a payload stored by Fetch: a
// JSON array of per-day history responses. Every hour is kept.
func DecodeWeatherHistory(city string, payload []byte) ([]Record, error) {
	var days []json.RawMessage
	if err := json.Unmarshal(payload, &days); err != nil {
		return nil, fmt.Errorf("decode weather history: %w", err)
	}
	var records []Record
	for _, body := range days {
		dayRecords, err := historyDay(city, body, nil)
		if err != nil {
			return nil, err
		}
		records = append(records, dayRecords...)
	}
	return records, nil
}

// historyDay decodes one history.json body. keep filters hours by their
// epoch time; hours without one are always kept.
func historyDay(city string, body []byte, keep func(time.Time) bool) ([]Record, error) {
	var data historyResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if data.Forecast == nil || len(data.Forecast.ForecastDay) == 0 {
		return nil, nil
	}

	var records []Record
	for _, h := range data.Forecast.ForecastDay[0].Hour {
		if keep != nil && h.TimeEpoch > 0 && !keep(time.Unix(h.TimeEpoch, 0)) {
			continue
		}
		records = append(records, hourRecord(city, h))
	}
	return records, nil
}

func hourRecord(city string, h historyHour) Record {
	var ts any = h.Time
	if h.TimeEpoch > 0 {
		ts = h.TimeEpoch
	}
	return Record{
		"city":        city,
		"timestamp":   ts,
		"temperature": floatOrNil(h.TempC),
		"humidity":    floatOrNil(h.Humidity),
		"pressure":    floatOrNil(h.PressureMB),
		"wind_speed":  floatOrNil(h.WindKPH),
		"description": h.Condition.Text,
	}
}

func floatOrNil(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
