package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

// SQLiteStore keeps the irrigation document and the reading log in one database.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ StateStore   = (*SQLiteStore)(nil)
	_ ReadingStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// single writer; the coordinator serializes writes anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(s.migrate, bo); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS irrigation_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		doc TEXT NOT NULL,
		updated_at_ns INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sensor_readings (
		id TEXT PRIMARY KEY,
		moisture REAL NOT NULL,
		temperature REAL,
		humidity REAL,
		captured_at_ns INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sensor_readings_captured ON sensor_readings(captured_at_ns);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns ErrNotFound until the first Save.
func (s *SQLiteStore) Load(ctx context.Context) (entities.IrrigationState, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM irrigation_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return entities.IrrigationState{}, ErrNotFound
	}
	if err != nil {
		return entities.IrrigationState{}, fmt.Errorf("load state: %w", err)
	}
	var st entities.IrrigationState
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return entities.IrrigationState{}, fmt.Errorf("decode state: %w", err)
	}
	if _, err := entities.ParseStatus(string(st.Status)); err != nil {
		return entities.IrrigationState{}, fmt.Errorf("decode state: %w", err)
	}
	if _, err := entities.ParseMode(string(st.Mode)); err != nil {
		return entities.IrrigationState{}, fmt.Errorf("decode state: %w", err)
	}
	if st.History == nil {
		st.History = entities.History{}
	}
	return st, nil
}

func (s *SQLiteStore) Save(ctx context.Context, st entities.IrrigationState) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO irrigation_state (id, doc, updated_at_ns) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at_ns = excluded.updated_at_ns`,
		string(doc), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertReading(ctx context.Context, r messages.SensorReading) (string, error) {
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor_readings (id, moisture, temperature, humidity, captured_at_ns) VALUES (?, ?, ?, ?, ?)`,
		id, r.Moisture, nullFloat(r.Temperature), nullFloat(r.Humidity), r.CapturedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert reading: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) DeleteReading(ctx context.Context, r messages.SensorReading) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sensor_readings WHERE id = ?`, r.ID); err != nil {
		return fmt.Errorf("delete reading: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MeanMoisture(ctx context.Context, from, to time.Time) (float64, int, error) {
	var mean float64
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(moisture), 0), COUNT(*) FROM sensor_readings
		 WHERE captured_at_ns >= ? AND captured_at_ns <= ?`,
		from.UnixNano(), to.UnixNano()).Scan(&mean, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("mean moisture: %w", err)
	}
	return mean, n, nil
}

func (s *SQLiteStore) LatestReadings(ctx context.Context, asOf time.Time, limit int) ([]messages.SensorReading, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, moisture, temperature, humidity, captured_at_ns FROM sensor_readings
		 WHERE captured_at_ns <= ?
		 ORDER BY captured_at_ns DESC LIMIT ?`, asOf.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	out := make([]messages.SensorReading, 0, limit)
	for rows.Next() {
		var (
			r         messages.SensorReading
			temp, hum sql.NullFloat64
			ns        int64
		)
		if err := rows.Scan(&r.ID, &r.Moisture, &temp, &hum, &ns); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Temperature = floatPtr(temp)
		r.Humidity = floatPtr(hum)
		r.CapturedAt = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
