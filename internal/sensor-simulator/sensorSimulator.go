package sensor_simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/broker"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PayloadFormat selects how a sample is rendered on the wire.
type PayloadFormat string

const (
	FormatJSON    PayloadFormat = "json"
	FormatPercent PayloadFormat = "percent"
	FormatPlain   PayloadFormat = "plain"
	// FormatMixed rotates through the other formats.
	FormatMixed PayloadFormat = "mixed"
)

var mixedCycle = []PayloadFormat{FormatJSON, FormatPercent, FormatJSON, FormatPlain}

// glitches: payload volutamente rotti, pubblicati con probabilità glitchRate.
var glitches = []string{"sensor error", "ERR:-", "-7.5", "142%", `{"moisture":"wet"}`}

// SensorSimulator publishes soil-moisture samples and follows the pump commands
// sent to the actuator topic.
type SensorSimulator struct {
	mu          sync.Mutex
	generator   *DataGenerator
	publisher   broker.IPublisher
	consumer    broker.IConsumer
	format      PayloadFormat
	temperature float64
	humidity    float64
	seq         int
	glitchRate  float64
	rnd         *rand.Rand
	now         func() time.Time
}

func NewSensorSimulator(consumer broker.IConsumer, publisher broker.IPublisher,
	gen *DataGenerator, format PayloadFormat) *SensorSimulator {
	if format == "" {
		format = FormatMixed
	}
	return &SensorSimulator{
		generator:   gen,
		publisher:   publisher,
		consumer:    consumer,
		format:      format,
		temperature: 21.5,
		humidity:    55,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithGlitches makes the simulator replace a fraction of the samples with
// malformed or out-of-range payloads.
func (s *SensorSimulator) WithGlitches(rate float64, seed int64) *SensorSimulator {
	s.glitchRate = rate
	s.rnd = rand.New(rand.NewSource(seed))
	return s
}

// Start subscribes to actuator commands and publishes a sample every interval
// until ctx is cancelled.
func (s *SensorSimulator) Start(ctx context.Context, interval time.Duration) {
	if s.consumer != nil {
		s.consumer.SetHandler(s.handleMessage)
		go func() {
			if err := s.consumer.ConsumeMessage(ctx); err != nil {
				log.Printf("simulator: actuator subscription failed: %v", err)
			}
		}()
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.PublishOnce(); err != nil {
				log.Printf("simulator: publish error: %v", err)
			}
		}
	}
}

// PublishOnce samples the generator and publishes one payload.
func (s *SensorSimulator) PublishOnce() error {
	payload := s.nextPayload()
	log.Printf("simulator: pub %s (pump=%t)", payload, s.generator.PumpOn())
	return s.publisher.PublishMessage(payload)
}

func (s *SensorSimulator) nextPayload() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	moisture := s.generator.Next(s.now())
	if s.rnd != nil && s.glitchRate > 0 && s.rnd.Float64() < s.glitchRate {
		return glitches[s.rnd.Intn(len(glitches))]
	}
	f := s.format
	if f == FormatMixed {
		f = mixedCycle[s.seq%len(mixedCycle)]
	}
	s.seq++

	switch f {
	case FormatPercent:
		return strconv.FormatFloat(moisture, 'f', 1, 64) + "%"
	case FormatPlain:
		return strconv.FormatFloat(moisture, 'f', 1, 64)
	default:
		b, _ := json.Marshal(map[string]float64{
			"moisture":    moisture,
			"temperature": s.temperature,
			"humidity":    s.humidity,
		})
		return string(b)
	}
}

func (s *SensorSimulator) handleMessage(_ string, msg mqtt.Message) error {
	var cmd model.ActuatorCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		return fmt.Errorf("invalid actuator command: %w", err)
	}
	switch model.PumpStatus(strings.ToUpper(cmd.Action)) {
	case model.StatusOn:
		s.generator.SetPump(true, s.now())
	case model.StatusOff, model.PumpStatus(model.ActionSafetyOff):
		s.generator.SetPump(false, s.now())
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
	log.Printf("simulator: pump -> %s", strings.ToUpper(cmd.Action))
	return nil
}
