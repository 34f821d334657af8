package persistence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

// InfluxConfig configures the Influx-backed reading log.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string // default "soil_moisture"
}

// InfluxReadings stores accepted readings as points and answers the windowed
// mean with a Flux query.
type InfluxReadings struct {
	writeAPI    api.WriteAPIBlocking
	queryAPI    api.QueryAPI
	deleteAPI   api.DeleteAPI
	org         string
	bucket      string
	measurement string
}

var _ ReadingStore = (*InfluxReadings)(nil)

func NewInfluxReadings(client influxdb2.Client, cfg InfluxConfig) (*InfluxReadings, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	m := cfg.Measurement
	if m == "" {
		m = "soil_moisture"
	}
	return &InfluxReadings{
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI:    client.QueryAPI(cfg.Org),
		deleteAPI:   client.DeleteAPI(),
		org:         cfg.Org,
		bucket:      cfg.Bucket,
		measurement: sanitizeMeasurement(m),
	}, nil
}

func (s *InfluxReadings) InsertReading(ctx context.Context, r messages.SensorReading) (string, error) {
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := r.CapturedAt
	if t.IsZero() {
		t = time.Now()
	}

	fields := map[string]interface{}{
		"moisture":   r.Moisture,
		"reading_id": id,
	}
	if r.Temperature != nil {
		fields["temperature"] = *r.Temperature
	}
	if r.Humidity != nil {
		fields["humidity"] = *r.Humidity
	}
	point := influxdb2.NewPoint(s.measurement, map[string]string{"sensor": "soil"}, fields, t)

	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return "", fmt.Errorf("influx write: %w", err)
	}
	return id, nil
}

// DeleteReading drops the soil point at the reading's timestamp. Influx keys a
// point by series and time, so no other reading shares it.
func (s *InfluxReadings) DeleteReading(ctx context.Context, r messages.SensorReading) error {
	pred := fmt.Sprintf(`_measurement="%s" AND sensor="soil"`, s.measurement)
	if err := s.deleteAPI.DeleteWithName(ctx, s.org, s.bucket, r.CapturedAt, r.CapturedAt, pred); err != nil {
		return fmt.Errorf("influx delete: %w", err)
	}
	return nil
}

func (s *InfluxReadings) MeanMoisture(ctx context.Context, from, to time.Time) (float64, int, error) {
	res, err := s.queryAPI.Query(ctx, buildStatsFlux(s.bucket, s.measurement, from, to))
	if err != nil {
		return 0, 0, fmt.Errorf("influx query: %w", err)
	}
	defer res.Close()

	var mean float64
	var n int
	for res.Next() {
		rec := res.Record()
		switch rec.Result() {
		case "mean":
			mean = toFloat(rec.Value())
		case "count":
			n = int(toFloat(rec.Value()))
		}
	}
	if err := res.Err(); err != nil {
		return 0, 0, fmt.Errorf("influx iterate: %w", err)
	}
	if n == 0 {
		mean = 0
	}
	return mean, n, nil
}

func (s *InfluxReadings) LatestReadings(ctx context.Context, asOf time.Time, limit int) ([]messages.SensorReading, error) {
	if limit <= 0 {
		limit = 1
	}
	res, err := s.queryAPI.Query(ctx, buildLatestFlux(s.bucket, s.measurement, asOf, limit))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer res.Close()

	out := make([]messages.SensorReading, 0, limit)
	for res.Next() {
		rec := res.Record()
		r := messages.SensorReading{
			Moisture:   toFloat(rec.ValueByKey("moisture")),
			CapturedAt: rec.Time().UTC(),
		}
		if v, ok := rec.ValueByKey("reading_id").(string); ok {
			r.ID = v
		}
		if v := rec.ValueByKey("temperature"); v != nil {
			f := toFloat(v)
			r.Temperature = &f
		}
		if v := rec.ValueByKey("humidity"); v != nil {
			f := toFloat(v)
			r.Humidity = &f
		}
		out = append(out, r)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("influx iterate: %w", err)
	}
	return out, nil
}

// Flux range stops are exclusive; both builders add 1ns so the upper bound is inclusive.
func buildStatsFlux(bucket, measurement string, from, to time.Time) string {
	return fmt.Sprintf(`
data = from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r._field == "moisture")
  |> group()

data |> mean() |> yield(name: "mean")
data |> count() |> yield(name: "count")
`, bucket, from.UTC().Format(time.RFC3339Nano), to.Add(time.Nanosecond).UTC().Format(time.RFC3339Nano), measurement)
}

func buildLatestFlux(bucket, measurement string, asOf time.Time, limit int) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: 0, stop: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
`, bucket, asOf.Add(time.Nanosecond).UTC().Format(time.RFC3339Nano), measurement, limit)
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case int:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return 0
}

func sanitizeMeasurement(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
