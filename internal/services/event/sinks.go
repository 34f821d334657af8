package event

import (
	"fmt"
	"log"
	"strings"

	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/broker"
)

// MQTTSink publishes each event on <prefix>/<type>, e.g. iot/irrigation/events/pump_update.
type MQTTSink struct {
	publisher broker.IPublisher
	prefix    string
	qos       byte
}

func NewMQTTSink(p broker.IPublisher, prefix string, qos byte) *MQTTSink {
	return &MQTTSink{publisher: p, prefix: strings.TrimSuffix(prefix, "/"), qos: qos}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(t messages.EventType) string {
	return s.prefix + "/" + string(t)
}

func (s *MQTTSink) Send(evt messages.Event) error {
	// pump_update is retained so late subscribers see the current pump status
	retained := evt.Type == messages.EventPumpUpdate
	return s.publisher.PublishTo(s.Topic(evt.Type), s.qos, retained, evt)
}

// InfluxSink writes events as points through the async write API.
type InfluxSink struct {
	api    api.WriteAPI
	writer *Writer
}

func NewInfluxSink(w api.WriteAPI, writer *Writer) *InfluxSink {
	return &InfluxSink{api: w, writer: writer}
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Send(evt messages.Event) error {
	p, err := EventToPoint(evt)
	if err != nil {
		return err
	}
	s.api.WritePoint(p)
	s.writer.markWritten(evt.Type)
	return nil
}

// LogSink prints one line per event.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(evt messages.Event) error {
	switch p := evt.Payload.(type) {
	case messages.SensorUpdate:
		log.Printf("event: %s moisture=%.1f avg=%.1f", evt.Type, p.Moisture, p.AvgMoisture)
	case messages.PumpUpdate:
		log.Printf("event: %s pump=%s by=%s", evt.Type, p.PumpStatus, p.DecidedBy)
	case messages.SensorMissing:
		log.Printf("event: %s %s", evt.Type, p.Message)
	default:
		return fmt.Errorf("unknown payload %T", evt.Payload)
	}
	return nil
}
