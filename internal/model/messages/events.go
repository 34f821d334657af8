package messages

import "time"

// EventType names a fan-out message.
type EventType string

const (
	EventSensorUpdate  EventType = "sensor_update"
	EventPumpUpdate    EventType = "pump_update"
	EventSensorMissing EventType = "sensor_missing"
)

// Event is what the fan-out delivers to every sink. Payload is one of
// SensorUpdate, PumpUpdate or SensorMissing.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type SensorUpdate struct {
	Moisture    float64   `json:"moisture"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
	AvgMoisture float64   `json:"avgMoisture"`
	Timestamp   time.Time `json:"timestamp"`
}

type PumpUpdate struct {
	PumpStatus string    `json:"pumpStatus"`
	DecidedBy  string    `json:"decidedBy"`
	Timestamp  time.Time `json:"timestamp"`
}

type SensorMissing struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ActuatorCommand is published to the pump controller.
type ActuatorCommand struct {
	Action string `json:"action"` // "ON" | "OFF"
}
