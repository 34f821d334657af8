package sensor_simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// gainPerMin: +1.5 punti percentuali al minuto quando la pompa è ON.
	gainPerMin = 1.5

	// defaultSeed: valore di partenza se SoilGrids non è disponibile.
	defaultSeed = 45.0

	// soilGridsURL: una sola fetch all'avvio, NON ad ogni tick.
	soilGridsURL = "https://rest.isric.org/soilgrids/v2.0/properties/query?lat=%f&lon=%f&property=wv0010"
)

// DataGenerator keeps a simulated soil-moisture level in percent and moves it
// with the pump state: it decays while OFF and rises while ON.
type DataGenerator struct {
	mu          sync.Mutex
	seeded      bool
	last        time.Time
	moisture    float64
	decayPerMin float64
	noise       float64
	pumpOn      bool
	rnd         *rand.Rand
	httpClient  *http.Client
	baseURL     string
}

// NewDataGenerator creates a generator losing decayPerMin percent points per
// minute while the pump is OFF. noise is the amplitude of the uniform jitter
// added to every sample.
func NewDataGenerator(decayPerMin, noise float64, seed int64) *DataGenerator {
	return &DataGenerator{
		decayPerMin: math.Max(0, decayPerMin),
		noise:       math.Max(0, noise),
		rnd:         rand.New(rand.NewSource(seed)),
		httpClient:  &http.Client{Timeout: 8 * time.Second},
		baseURL:     soilGridsURL,
	}
}

// Seed sets the starting level. Calling it after the first sample has no effect.
func (g *DataGenerator) Seed(moisture float64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seeded {
		return
	}
	g.moisture = clampPercent(moisture)
	g.last = now
	g.seeded = true
}

// SeedFromSoilGrids does a single SoilGrids lookup for the given coordinates and
// falls back to the default seed when it fails.
func (g *DataGenerator) SeedFromSoilGrids(ctx context.Context, lat, lon float64, now time.Time) float64 {
	seed := defaultSeed
	if lat != 0 || lon != 0 {
		if m, err := g.fetchSoilMoisture(ctx, lat, lon); err == nil {
			seed = m
		}
	}
	g.Seed(seed, now)
	return seed
}

// SetPump switches the simulated pump. Elapsed time up to now is accounted with
// the previous state.
func (g *DataGenerator) SetPump(on bool, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)
	g.pumpOn = on
}

func (g *DataGenerator) PumpOn() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pumpOn
}

// Next advances the model to now and returns a noisy sample in [0,100].
func (g *DataGenerator) Next(now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance(now)
	v := g.moisture
	if g.noise > 0 {
		v += (g.rnd.Float64()*2 - 1) * g.noise
	}
	return math.Round(clampPercent(v)*10) / 10
}

func (g *DataGenerator) advance(now time.Time) {
	if !g.seeded {
		g.moisture = defaultSeed
		g.last = now
		g.seeded = true
		return
	}
	dtMin := now.Sub(g.last).Minutes()
	if dtMin < 0 {
		dtMin = 0
	}
	if g.pumpOn {
		g.moisture = clampPercent(g.moisture + gainPerMin*dtMin)
	} else {
		g.moisture = clampPercent(g.moisture - g.decayPerMin*dtMin)
	}
	g.last = now
}

func (g *DataGenerator) fetchSoilMoisture(ctx context.Context, lat, lon float64) (float64, error) {
	url := fmt.Sprintf(g.baseURL, lat, lon)

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(600*time.Millisecond), 1), ctx)
	var out float64
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "irrigation-sensor-simulator/1.0")

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var parsed any
			if err := json.Unmarshal(body, &parsed); err != nil {
				return backoff.Permanent(err)
			}
			m := extractMoisture(parsed)
			if m < 0 {
				return backoff.Permanent(errors.New("soilgrids: moisture field not found"))
			}
			out = normalizeWV(m) * 100
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("soilgrids HTTP %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("soilgrids HTTP %d", resp.StatusCode))
		}
	}, bo)
	if err != nil {
		return -1, err
	}
	return out, nil
}

// extractMoisture looks for properties.layers[0].depths[0].values in either the
// plain or the GeoJSON feature shape of the response.
func extractMoisture(v any) float64 {
	m, ok := v.(map[string]any)
	if !ok {
		return -1
	}
	if feats, ok := m["features"].([]any); ok && len(feats) > 0 {
		if f0, ok := feats[0].(map[string]any); ok {
			if p, ok := f0["properties"].(map[string]any); ok {
				if x := fromProperties(p); x >= 0 {
					return x
				}
			}
		}
	}
	if p, ok := m["properties"].(map[string]any); ok {
		return fromProperties(p)
	}
	return -1
}

func fromProperties(p map[string]any) float64 {
	layers, ok := p["layers"].([]any)
	if !ok || len(layers) == 0 {
		return -1
	}
	l0, ok := layers[0].(map[string]any)
	if !ok {
		return -1
	}
	depths, ok := l0["depths"].([]any)
	if !ok || len(depths) == 0 {
		return -1
	}
	d0, ok := depths[0].(map[string]any)
	if !ok {
		return -1
	}
	vals, ok := d0["values"].(map[string]any)
	if !ok {
		return -1
	}
	for _, k := range []string{"Q0.5", "mean", "Q0.95", "Q0.05"} {
		if f, ok := vals[k].(float64); ok {
			return f
		}
	}
	return -1
}

// normalizeWV maps SoilGrids wv values to a 0..1 fraction. Most layers are
// integers in thousandths of m3/m3 (420 => 0.420).
func normalizeWV(x float64) float64 {
	if x > 1.5 {
		x = x / 1000.0
	}
	return math.Min(1, math.Max(0, x))
}

func clampPercent(x float64) float64 {
	return math.Min(100, math.Max(0, x))
}
