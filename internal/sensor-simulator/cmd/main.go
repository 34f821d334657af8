package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	sensorSimulator "github.com/LeonardoBeccarini/smart_irrigation/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/broker"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	port, err := strconv.Atoi(env("MQTT_PORT", "1883"))
	if err != nil {
		log.Fatalf("invalid MQTT_PORT: %v", err)
	}

	clientID := flag.String("client-id", env("SIM_CLIENT_ID", "sensorSimulator1"), "MQTT client ID")
	sensorTopic := flag.String("sensor-topic", env("SENSOR_TOPIC", "iot/irrigation/sensor"), "topic to publish readings on")
	actuatorTopic := flag.String("actuator-topic", env("ACTUATOR_TOPIC", "iot/irrigation/actuator"), "topic carrying pump commands")
	interval := flag.Duration("interval", 10*time.Second, "publish interval")
	format := flag.String("format", "mixed", "payload format: json|percent|plain|mixed")
	decay := flag.Float64("decay", 0.2, "moisture loss per minute while the pump is OFF")
	noise := flag.Float64("noise", 0.8, "noise amplitude in percent points")
	glitch := flag.Float64("glitch", 0.05, "fraction of samples replaced by malformed payloads")
	lat := flag.Float64("lat", 0, "latitude for the SoilGrids seed (0 disables the lookup)")
	lon := flag.Float64("lon", 0, "longitude for the SoilGrids seed")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	cfg := &broker.Config{
		Host:     env("MQTT_HOST", "localhost"),
		Port:     port,
		User:     env("MQTT_USER", "guest"),
		Password: env("MQTT_PASSWORD", "guest"),
		ClientID: *clientID,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := broker.Connect(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}

	generator := sensorSimulator.NewDataGenerator(*decay, *noise, *seed)
	start := generator.SeedFromSoilGrids(ctx, *lat, *lon, time.Now().UTC())
	log.Printf("simulator: starting at moisture=%.1f%%", start)

	publisher := broker.NewPublisher(client, *sensorTopic, 1)
	consumer := broker.NewConsumer(client, *actuatorTopic, 1, nil)
	sim := sensorSimulator.NewSensorSimulator(consumer, publisher, generator, sensorSimulator.PayloadFormat(*format)).
		WithGlitches(*glitch, *seed)

	sim.Start(ctx, *interval)
}
