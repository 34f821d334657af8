package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher sends messages to a fixed default topic or to an explicit one.
type IPublisher interface {
	PublishMessage(message interface{}) error
	PublishTo(topic string, qos byte, retained bool, message interface{}) error
}

type Publisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	async   bool
}

func NewPublisher(client mqtt.Client, topic string, qos byte) *Publisher {
	return &Publisher{
		client:  client,
		topic:   topic,
		qos:     qos,
		timeout: 5 * time.Second,
	}
}

// Async makes PublishTo return as soon as paho has queued the message. Errors the
// client reports immediately (e.g. not connected) are still returned; a late failure
// or a missing broker ack is only logged.
func (p *Publisher) Async() *Publisher {
	p.async = true
	return p
}

// PublishMessage publishes to the publisher's default topic.
func (p *Publisher) PublishMessage(message interface{}) error {
	return p.PublishTo(p.topic, p.qos, false, message)
}

// PublishTo accepts string and []byte payloads as-is and JSON-encodes anything else.
func (p *Publisher) PublishTo(topic string, qos byte, retained bool, message interface{}) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if p.async {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				return fmt.Errorf("publish to %s: %w", topic, err)
			}
		default:
			go p.watch(topic, token)
		}
		return nil
	}
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) watch(topic string, token mqtt.Token) {
	if !token.WaitTimeout(p.timeout) {
		log.Printf("broker: publish to %s not acknowledged after %s", topic, p.timeout)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("broker: publish to %s: %v", topic, err)
	}
}

// Encode turns a message into the wire payload.
func Encode(message interface{}) ([]byte, error) {
	switch m := message.(type) {
	case string:
		return []byte(m), nil
	case []byte:
		return m, nil
	}
	b, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}
