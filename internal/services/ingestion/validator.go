// Package ingestion turns raw sensor messages into validated readings and hands
// them to the irrigation controller.
package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

// WeatherSource fills temperature and humidity the sensor did not report.
type WeatherSource interface {
	GetWeather(ctx context.Context) (*messages.Weather, error)
}

type Validator struct {
	weather WeatherSource
	timeout time.Duration
	now     func() time.Time
}

// NewValidator accepts a nil weather source; readings then keep their missing fields.
func NewValidator(w WeatherSource, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Validator{weather: w, timeout: timeout, now: time.Now}
}

// Validate decodes a JSON object with a moisture field, or else free text holding a
// number. The result always has moisture within [0,100] and a capture time no later
// than now.
func (v *Validator) Validate(ctx context.Context, raw []byte) (messages.SensorReading, error) {
	r, err := v.decode(raw)
	if err != nil {
		return messages.SensorReading{}, err
	}
	if math.IsNaN(r.Moisture) || r.Moisture < 0 || r.Moisture > 100 {
		return messages.SensorReading{}, fmt.Errorf("%w: %v", ErrOutOfRange, r.Moisture)
	}
	// capture time never later than receipt
	now := v.now().UTC()
	if r.CapturedAt.IsZero() || r.CapturedAt.After(now) {
		r.CapturedAt = now
	}
	if (r.Temperature == nil || r.Humidity == nil) && v.weather != nil {
		v.fillFromWeather(ctx, &r)
	}
	return r, nil
}

func (v *Validator) decode(raw []byte) (messages.SensorReading, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return messages.SensorReading{}, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}
	if trimmed[0] == '{' {
		return decodeStructured(trimmed)
	}
	m, err := parseBare(string(trimmed))
	if err != nil {
		return messages.SensorReading{}, err
	}
	return messages.SensorReading{Moisture: m}, nil
}

// decodeStructured accepts numbers and numeric strings for every field.
func decodeStructured(b []byte) (messages.SensorReading, error) {
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		// non è JSON valido: si ripiega sul parse del numero nudo
		m, perr := parseBare(string(b))
		if perr != nil {
			return messages.SensorReading{}, perr
		}
		return messages.SensorReading{Moisture: m}, nil
	}

	rawMoisture, ok := obj["moisture"]
	if !ok {
		return messages.SensorReading{}, fmt.Errorf("%w: no moisture field", ErrMalformedPayload)
	}
	m, ok := toF64(rawMoisture)
	if !ok {
		return messages.SensorReading{}, fmt.Errorf("%w: moisture %v is not numeric", ErrMalformedPayload, rawMoisture)
	}

	r := messages.SensorReading{Moisture: m}
	if t, ok := toF64(obj["temperature"]); ok {
		r.Temperature = &t
	}
	if h, ok := toF64(obj["humidity"]); ok {
		r.Humidity = &h
	}
	if ts, ok := obj["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			r.CapturedAt = t.UTC()
		}
	}
	return r, nil
}

// parseBare keeps only digits, '.', '-' and '+' and parses what is left.
func parseBare(s string) (float64, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '+' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, fmt.Errorf("%w: %q has no number", ErrMalformedPayload, truncate(s, 64))
	}
	f, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedPayload, truncate(s, 64))
	}
	return f, nil
}

func toF64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", "."), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func (v *Validator) fillFromWeather(ctx context.Context, r *messages.SensorReading) {
	wctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	w, err := v.weather.GetWeather(wctx)
	if err != nil || w == nil {
		return
	}
	if r.Temperature == nil && w.Temperature != nil {
		t := *w.Temperature
		r.Temperature = &t
	}
	if r.Humidity == nil && w.Humidity != nil {
		h := *w.Humidity
		r.Humidity = &h
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
