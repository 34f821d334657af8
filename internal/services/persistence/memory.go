package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

// MemoryStore is a process-local StateStore and ReadingStore. The error fields let
// tests simulate a failing backend.
type MemoryStore struct {
	mu       sync.Mutex
	state    *entities.IrrigationState
	readings []messages.SensorReading

	SaveErr   error
	InsertErr error
	DeleteErr error
	Saves     int
}

var (
	_ StateStore   = (*MemoryStore)(nil)
	_ ReadingStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (entities.IrrigationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return entities.IrrigationState{}, ErrNotFound
	}
	return m.state.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, st entities.IrrigationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	c := st.Clone()
	m.state = &c
	m.Saves++
	return nil
}

func (m *MemoryStore) InsertReading(_ context.Context, r messages.SensorReading) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return "", m.InsertErr
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	m.readings = append(m.readings, r)
	return r.ID, nil
}

func (m *MemoryStore) DeleteReading(_ context.Context, r messages.SensorReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	kept := m.readings[:0]
	for _, have := range m.readings {
		if have.ID != r.ID {
			kept = append(kept, have)
		}
	}
	m.readings = kept
	return nil
}

func (m *MemoryStore) MeanMoisture(_ context.Context, from, to time.Time) (float64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	var n int
	for _, r := range m.readings {
		if r.CapturedAt.Before(from) || r.CapturedAt.After(to) {
			continue
		}
		sum += r.Moisture
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / float64(n), n, nil
}

func (m *MemoryStore) LatestReadings(_ context.Context, asOf time.Time, limit int) ([]messages.SensorReading, error) {
	m.mu.Lock()
	out := make([]messages.SensorReading, 0, len(m.readings))
	for _, r := range m.readings {
		if !r.CapturedAt.After(asOf) {
			out = append(out, r)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
