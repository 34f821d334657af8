package irrigation_controller

import (
	"context"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/broker"
)

// Actuator forwards pump commands. Delivery is fire-and-forget.
type Actuator interface {
	Publish(ctx context.Context, cmd messages.ActuatorCommand) error
}

// MQTTActuator publishes retained commands so a reconnecting pump picks up the last one.
type MQTTActuator struct {
	publisher broker.IPublisher
	topic     string
}

func NewMQTTActuator(p broker.IPublisher, topic string) *MQTTActuator {
	return &MQTTActuator{publisher: p, topic: topic}
}

func (a *MQTTActuator) Publish(_ context.Context, cmd messages.ActuatorCommand) error {
	return a.publisher.PublishTo(a.topic, 1, true, cmd)
}
