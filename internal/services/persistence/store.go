// Package persistence holds the durable stores behind the irrigation controller:
// the singleton state document and the append-only reading log.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

// ErrNotFound is returned by StateStore.Load before the document exists.
var ErrNotFound = errors.New("irrigation state not found")

// StateStore loads and saves the irrigation document.
type StateStore interface {
	Load(ctx context.Context) (entities.IrrigationState, error)
	Save(ctx context.Context, st entities.IrrigationState) error
}

// ReadingStore is the log of accepted readings.
type ReadingStore interface {
	InsertReading(ctx context.Context, r messages.SensorReading) (string, error)
	// DeleteReading removes a reading whose command was aborted after the insert.
	DeleteReading(ctx context.Context, r messages.SensorReading) error
	// MeanMoisture returns the mean moisture captured in [from, to] and the number of
	// readings it covers (mean is 0 when n is 0).
	MeanMoisture(ctx context.Context, from, to time.Time) (mean float64, n int, err error)
	// LatestReadings returns up to limit readings captured at or before asOf, newest first.
	LatestReadings(ctx context.Context, asOf time.Time, limit int) ([]messages.SensorReading, error)
}
