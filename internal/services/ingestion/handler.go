package ingestion

import (
	"context"
	"errors"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	controller "github.com/LeonardoBeccarini/smart_irrigation/internal/services/irrigation-controller"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/broker"
)

// Target is the coordinator side of ingestion.
type Target interface {
	Ingest(ctx context.Context, r messages.SensorReading) (controller.Outcome, error)
	ReportRejected(result, detail string, sensorMissing bool)
}

// Handler is the ingestion trigger: one call per sensor message.
type Handler struct {
	validator *Validator
	target    Target
	timeout   time.Duration
}

func NewHandler(v *Validator, t Target, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{validator: v, target: t, timeout: timeout}
}

// Handle fits broker.Handler. Rejected payloads are dropped, never retried.
func (h *Handler) Handle(topic string, msg mqtt.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.Process(ctx, topic, msg.Payload())
}

func (h *Handler) Process(ctx context.Context, topic string, payload []byte) error {
	r, err := h.validator.Validate(ctx, payload)
	switch {
	case errors.Is(err, ErrOutOfRange):
		log.Printf("ingest: rejected on %s: %v", topic, err)
		h.target.ReportRejected("out_of_range", err.Error(), true)
		return nil
	case errors.Is(err, ErrMalformedPayload):
		log.Printf("ingest: rejected on %s: %v", topic, err)
		h.target.ReportRejected("malformed", err.Error(), false)
		return nil
	case err != nil:
		return err
	}

	out, err := h.target.Ingest(ctx, r)
	if err != nil {
		log.Printf("ingest: reading %.1f%% dropped: %v", r.Moisture, err)
		return err
	}
	log.Printf("ingest: moisture=%.1f%% decision=%s applied=%t", r.Moisture, out.Decision, out.Applied)
	return nil
}

var _ broker.Handler = (*Handler)(nil).Handle
