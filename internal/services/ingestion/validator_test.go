package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

type fakeWeather struct {
	snap  *messages.Weather
	err   error
	calls int
}

func (f *fakeWeather) GetWeather(context.Context) (*messages.Weather, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func fptr(v float64) *float64 { return &v }

func newTestValidator(w WeatherSource) *Validator {
	v := NewValidator(w, time.Second)
	v.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }
	return v
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		want     float64
		wantTemp *float64
		wantErr  error
	}{
		{name: "structured", payload: `{"moisture": 42.5, "temperature": 19}`, want: 42.5, wantTemp: fptr(19)},
		{name: "numeric string field", payload: `{"moisture": "33"}`, want: 33},
		{name: "free text with unit", payload: "42%", want: 42},
		{name: "bare number", payload: " 17.25 \n", want: 17.25},
		{name: "bounds inclusive", payload: "100", want: 100},
		{name: "zero", payload: `{"moisture": 0}`, want: 0},
		{name: "letters only", payload: "abc", wantErr: ErrMalformedPayload},
		{name: "empty", payload: "   ", wantErr: ErrMalformedPayload},
		{name: "object without moisture", payload: `{"temperature": 20}`, wantErr: ErrMalformedPayload},
		{name: "object with text moisture", payload: `{"moisture": "dry"}`, wantErr: ErrMalformedPayload},
		{name: "too wet", payload: "150", wantErr: ErrOutOfRange},
		{name: "negative", payload: `{"moisture": -1}`, wantErr: ErrOutOfRange},
		{name: "nan", payload: `{"moisture": "NaN"}`, wantErr: ErrOutOfRange},
		{name: "broken json falls back", payload: `{moisture: 55`, want: 55},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newTestValidator(nil).Validate(context.Background(), []byte(tt.payload))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Moisture != tt.want {
				t.Errorf("moisture = %v, want %v", got.Moisture, tt.want)
			}
			if tt.wantTemp != nil && (got.Temperature == nil || *got.Temperature != *tt.wantTemp) {
				t.Errorf("temperature = %v, want %v", got.Temperature, *tt.wantTemp)
			}
			if got.CapturedAt.IsZero() {
				t.Error("capturedAt not set")
			}
		})
	}
}

func TestValidateKeepsPayloadTimestamp(t *testing.T) {
	got, err := newTestValidator(nil).Validate(context.Background(), []byte(`{"moisture": 40, "timestamp": "2026-02-28T23:00:00Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC); !got.CapturedAt.Equal(want) {
		t.Fatalf("capturedAt = %v, want %v", got.CapturedAt, want)
	}
}

func TestValidateClampsFutureTimestamp(t *testing.T) {
	got, err := newTestValidator(nil).Validate(context.Background(), []byte(`{"moisture": 90, "timestamp": "2026-03-04T09:30:00Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC); !got.CapturedAt.Equal(want) {
		t.Fatalf("capturedAt = %v, want receipt time %v", got.CapturedAt, want)
	}
}

func TestValidateFillsFromWeather(t *testing.T) {
	w := &fakeWeather{snap: &messages.Weather{Temperature: fptr(24), Humidity: fptr(55)}}
	got, err := newTestValidator(w).Validate(context.Background(), []byte(`{"moisture": 38, "humidity": 70}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.Temperature == nil || *got.Temperature != 24 {
		t.Errorf("temperature = %v, want 24 from weather", got.Temperature)
	}
	if got.Humidity == nil || *got.Humidity != 70 {
		t.Errorf("humidity = %v, sensor value must win", got.Humidity)
	}
}

func TestValidateWeatherUnavailable(t *testing.T) {
	w := &fakeWeather{err: errors.New("timeout")}
	got, err := newTestValidator(w).Validate(context.Background(), []byte("31"))
	if err != nil {
		t.Fatalf("weather failure must not reject the reading: %v", err)
	}
	if got.Temperature != nil || got.Humidity != nil {
		t.Errorf("fields should stay nil, got %+v", got)
	}
	if w.calls != 1 {
		t.Errorf("weather calls = %d", w.calls)
	}
}

func TestValidateSkipsWeatherWhenComplete(t *testing.T) {
	w := &fakeWeather{snap: &messages.Weather{}}
	if _, err := newTestValidator(w).Validate(context.Background(), []byte(`{"moisture": 50, "temperature": 20, "humidity": 60}`)); err != nil {
		t.Fatal(err)
	}
	if w.calls != 0 {
		t.Errorf("weather called %d times for a complete reading", w.calls)
	}
}
