package api

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed demo/*.json
var demoFS embed.FS

// loadDemo decodes an embedded payload. Each call returns a fresh map so
// handlers can edit it.
func loadDemo(name string) map[string]any {
	data, err := demoFS.ReadFile("demo/" + name)
	if err != nil {
		panic(fmt.Sprintf("demo payload %s: %v", name, err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("demo payload %s: %v", name, err))
	}
	return out
}

func titleCase(s string) string {
	return cases.Title(language.Und).String(strings.TrimSpace(s))
}

func demoWeather(location string) map[string]any {
	d := loadDemo("weather.json")
	if loc, ok := d["location"].(map[string]any); ok {
		loc["name"] = titleCase(location)
	}
	d["is_demo"] = true
	return d
}

func demoAQI(location string) map[string]any {
	d := loadDemo("aqi.json")
	for _, st := range stations(d) {
		st["city"] = titleCase(location)
		st["placeName"] = titleCase(location)
	}
	d["is_demo"] = true
	return d
}

func demoAQICoordinates(lat, lng float64) map[string]any {
	d := loadDemo("aqi_coordinates.json")
	for _, st := range stations(d) {
		st["lat"] = lat
		st["lng"] = lng
	}
	d["is_demo"] = true
	return d
}

// demoForecast returns the seeded forecast for the five known cities and a
// generic one for anything else, limited to days entries.
func demoForecast(location string, days int) map[string]any {
	all := make(map[string]map[string]any)
	data, err := demoFS.ReadFile("demo/forecasts.json")
	if err != nil {
		panic(fmt.Sprintf("demo payload forecasts.json: %v", err))
	}
	if err := json.Unmarshal(data, &all); err != nil {
		panic(fmt.Sprintf("demo payload forecasts.json: %v", err))
	}

	d, known := all[strings.ToLower(strings.TrimSpace(location))]
	if !known {
		d = all["default"]
		if loc, ok := d["location"].(map[string]any); ok {
			loc["name"] = titleCase(location)
		}
	}
	if fc, ok := d["forecast"].(map[string]any); ok {
		if fd, ok := fc["forecastday"].([]any); ok && days < len(fd) {
			fc["forecastday"] = fd[:days]
		}
	}
	d["is_demo"] = true
	d["is_hardcoded"] = known
	return d
}

func stations(d map[string]any) []map[string]any {
	list, _ := d["stations"].([]any)
	out := make([]map[string]any, 0, len(list))
	for _, s := range list {
		if m, ok := s.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
