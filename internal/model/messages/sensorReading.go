package messages

import "time"

// SensorReading is an accepted soil-moisture sample. Only the ingestion validator
// builds one, so Moisture is always within [0,100].
type SensorReading struct {
	ID          string    `json:"id,omitempty"`
	Moisture    float64   `json:"moisture"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
	CapturedAt  time.Time `json:"timestamp"`
}
