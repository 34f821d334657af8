package irrigation_controller

import (
	"context"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/persistence"
)

// AverageSnapshot is the read-only view of the cache.
type AverageSnapshot struct {
	Value      *float64      `json:"value"`
	ComputedAt *time.Time    `json:"computedAt"`
	Samples    int           `json:"samples"`
	Window     time.Duration `json:"-"`
}

// AverageCache holds the trailing-window mean moisture. Only the coordinator calls
// Recompute; readers take snapshots.
type AverageCache struct {
	store  persistence.ReadingStore
	window time.Duration

	mu         sync.RWMutex
	value      *float64
	computedAt *time.Time
	samples    int
}

func NewAverageCache(store persistence.ReadingStore, window time.Duration) *AverageCache {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &AverageCache{store: store, window: window}
}

// Recompute refreshes the mean over readings captured within the window ending at now.
// It yields 0 when no reading qualifies. On error the previous value is kept.
func (a *AverageCache) Recompute(ctx context.Context, now time.Time) (float64, error) {
	mean, n, err := a.store.MeanMoisture(ctx, now.Add(-a.window), now)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		mean = 0
	}
	a.mu.Lock()
	a.value = &mean
	a.computedAt = &now
	a.samples = n
	a.mu.Unlock()
	return mean, nil
}

func (a *AverageCache) Snapshot() AverageSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AverageSnapshot{Samples: a.samples, Window: a.window}
	if a.value != nil {
		v := *a.value
		s.Value = &v
	}
	if a.computedAt != nil {
		t := *a.computedAt
		s.ComputedAt = &t
	}
	return s
}
