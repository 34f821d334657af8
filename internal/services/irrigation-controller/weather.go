package irrigation_controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

// WeatherSource is the weather oracle. A nil snapshot with a nil error never happens.
type WeatherSource interface {
	GetWeather(ctx context.Context) (*messages.Weather, error)
}

type WeatherConfig struct {
	APIKey   string
	Location string
	BaseURL  string        // default https://api.openweathermap.org
	TTL      time.Duration // snapshot reuse window
	Timeout  time.Duration
	Breaker  BreakerConfig
}

type owmCurrent struct {
	Name string `json:"name"`
	Main struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
		Pressure *float64 `json:"pressure"`
	} `json:"main"`
	Rain struct {
		OneHour   float64 `json:"1h"`
		ThreeHour float64 `json:"3h"`
	} `json:"rain"`
}

// OWMClient reads current conditions from OpenWeatherMap, caching the snapshot for TTL.
type OWMClient struct {
	apiKey   string
	location string
	baseURL  string
	ttl      time.Duration
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
	now      func() time.Time

	mu       sync.Mutex
	cached   *messages.Weather
	cachedAt time.Time
}

func NewOWMClient(cfg WeatherConfig) *OWMClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openweathermap.org"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OWMClient{
		apiKey:   cfg.APIKey,
		location: cfg.Location,
		baseURL:  base,
		ttl:      cfg.TTL,
		http:     &http.Client{Timeout: timeout},
		cb:       newBreaker("openweather", cfg.Breaker),
		now:      time.Now,
	}
}

func (c *OWMClient) GetWeather(ctx context.Context) (*messages.Weather, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("missing api key")
	}

	c.mu.Lock()
	if c.cached != nil && c.ttl > 0 && c.now().Sub(c.cachedAt) < c.ttl {
		w := *c.cached
		c.mu.Unlock()
		return &w, nil
	}
	c.mu.Unlock()

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	w := res.(*messages.Weather)

	c.mu.Lock()
	c.cached = w
	c.cachedAt = c.now()
	c.mu.Unlock()

	out := *w
	return &out, nil
}

func (c *OWMClient) fetch(ctx context.Context) (*messages.Weather, error) {
	q := url.Values{}
	q.Set("q", c.location)
	q.Set("units", "metric")
	q.Set("appid", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/data/2.5/weather?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("owm status %d: %s", resp.StatusCode, string(b))
	}

	var cur owmCurrent
	if err := json.NewDecoder(resp.Body).Decode(&cur); err != nil {
		return nil, fmt.Errorf("decode owm: %w", err)
	}

	// l'API current-weather non ha una probabilità: pioggia recente = pioggia probabile
	rainChance := 0.0
	if cur.Rain.OneHour > 0 || cur.Rain.ThreeHour > 0 {
		rainChance = 80
	}
	loc := cur.Name
	if loc == "" {
		loc = c.location
	}
	return &messages.Weather{
		Location:    loc,
		Temperature: cur.Main.Temp,
		Humidity:    cur.Main.Humidity,
		Pressure:    cur.Main.Pressure,
		RainChance:  rainChance,
		FetchedAt:   c.now().UTC(),
	}, nil
}
