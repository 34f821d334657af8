package irrigation_controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Features is the predictor input.
type Features struct {
	SoilMoisture     float64  `json:"soil_moisture"`
	RainfallDetected int      `json:"rainfall_detected"` // 0 or 1
	Temperature      *float64 `json:"temperature"`
	Humidity         *float64 `json:"humidity"`
	Pressure         *float64 `json:"pressure"`
}

type Predictor interface {
	Predict(ctx context.Context, f Features) (*Verdict, error)
}

type predictResponse struct {
	WillRain  bool   `json:"will_rain"`
	Irrigate  bool   `json:"irrigate"`
	Timestamp string `json:"timestamp"`
}

// HTTPPredictor calls POST <base>/predict on the ML service.
type HTTPPredictor struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

func NewHTTPPredictor(baseURL string, timeout time.Duration, breaker BreakerConfig) *HTTPPredictor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPredictor{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		cb:      newBreaker("predictor", breaker),
	}
}

func (p *HTTPPredictor) Predict(ctx context.Context, f Features) (*Verdict, error) {
	res, err := p.cb.Execute(func() (interface{}, error) {
		return p.call(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Verdict), nil
}

func (p *HTTPPredictor) call(ctx context.Context, f Features) (*Verdict, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("predictor status %d: %s", resp.StatusCode, string(b))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode prediction: %w", err)
	}
	return &Verdict{Irrigate: out.Irrigate, WillRain: out.WillRain}, nil
}
