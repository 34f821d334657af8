package event

import (
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

const eventMeasurement = "irrigation_event"

// EventToPoint maps a fan-out event onto the irrigation_event measurement.
func EventToPoint(evt messages.Event) (*write.Point, error) {
	tags := map[string]string{
		"event_type": string(evt.Type),
	}
	fields := map[string]interface{}{
		"event_id": evt.ID,
	}

	switch p := evt.Payload.(type) {
	case messages.SensorUpdate:
		fields["moisture"] = p.Moisture
		fields["avg_moisture"] = p.AvgMoisture
		if p.Temperature != nil {
			fields["temperature"] = *p.Temperature
		}
		if p.Humidity != nil {
			fields["humidity"] = *p.Humidity
		}
	case messages.PumpUpdate:
		tags["decided_by"] = p.DecidedBy
		fields["pump_status"] = p.PumpStatus
		on := int64(0)
		if p.PumpStatus == "ON" {
			on = 1
		}
		fields["pump_on"] = on
	case messages.SensorMissing:
		tags["severity"] = "warning"
		fields["message"] = p.Message
	default:
		return nil, fmt.Errorf("event %s: unsupported payload %T", evt.Type, evt.Payload)
	}

	// every point carries at least one field
	fields["count"] = int64(1)

	return influxdb2.NewPoint(eventMeasurement, tags, fields, evt.Timestamp), nil
}
