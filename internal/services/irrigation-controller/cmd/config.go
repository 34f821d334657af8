package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MQTTHost       string
	MQTTPort       int
	MQTTUser       string
	MQTTPassword   string
	MQTTClientID   string
	SensorTopic    string
	ActuatorTopic  string
	EventTopicBase string

	StateDBPath    string
	ReadingBackend string // sqlite | influx | memory

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	InfluxEvents bool

	OWMAPIKey       string
	WeatherLocation string
	WeatherTTL      time.Duration
	MLURL           string

	Threshold       float64
	Hysteresis      float64
	Cooldown        time.Duration
	MaxRun          time.Duration
	RainChanceLimit float64
	RainMargin      float64

	ReconcileInterval   time.Duration
	SensorSilence       time.Duration
	CollaboratorTimeout time.Duration
	AverageWindow       time.Duration

	HTTPPort int
	GRPCPort int

	CBFails    int
	CBOpen     time.Duration
	CBInterval time.Duration
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("config: %s=%q is not an integer, using %d", key, v, def)
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64); err == nil {
			return f
		}
		log.Printf("config: %s=%q is not a number, using %v", key, v, def)
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("config: %s=%q is not a bool, using %v", key, v, def)
	}
	return def
}

// envDuration accepts Go durations ("90s") or plain seconds ("90").
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	log.Printf("config: %s=%q is not a duration, using %s", key, v, def)
	return def
}

func loadConfig() Config {
	// .env is optional
	_ = godotenv.Load()

	return Config{
		MQTTHost:       env("MQTT_HOST", "localhost"),
		MQTTPort:       envInt("MQTT_PORT", 1883),
		MQTTUser:       env("MQTT_USER", ""),
		MQTTPassword:   env("MQTT_PASSWORD", ""),
		MQTTClientID:   env("MQTT_CLIENT_ID", "irrigation-controller-"+env("HOSTNAME", "local")),
		SensorTopic:    env("SENSOR_TOPIC", "iot/irrigation/sensor"),
		ActuatorTopic:  env("ACTUATOR_TOPIC", "iot/irrigation/actuator"),
		EventTopicBase: env("EVENT_TOPIC_BASE", "iot/irrigation/events"),

		StateDBPath:    env("STATE_DB_PATH", "data/irrigation.db"),
		ReadingBackend: strings.ToLower(env("READING_BACKEND", "sqlite")),

		InfluxURL:    env("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:  env("INFLUX_TOKEN", ""),
		InfluxOrg:    env("INFLUX_ORG", "irrigation"),
		InfluxBucket: env("INFLUX_BUCKET", "irrigation"),
		InfluxEvents: envBool("INFLUX_EVENTS", true),

		OWMAPIKey:       env("OPENWEATHER_API_KEY", ""),
		WeatherLocation: env("WEATHER_LOCATION", "Pune"),
		WeatherTTL:      envDuration("WEATHER_TTL", time.Minute),
		MLURL:           env("ML_URL", ""),

		Threshold:       envFloat("MOISTURE_THRESHOLD", 40),
		Hysteresis:      envFloat("HYSTERESIS", 3),
		Cooldown:        envDuration("COOLDOWN", 2*time.Minute),
		MaxRun:          envDuration("MAX_RUN", 20*time.Minute),
		RainChanceLimit: envFloat("RAIN_CHANCE_LIMIT", 50),
		RainMargin:      envFloat("RAIN_MARGIN", 10),

		ReconcileInterval:   envDuration("RECONCILE_INTERVAL", time.Minute),
		SensorSilence:       envDuration("SENSOR_SILENCE", 5*time.Minute),
		CollaboratorTimeout: envDuration("COLLABORATOR_TIMEOUT", 5*time.Second),
		AverageWindow:       envDuration("AVERAGE_WINDOW", 24*time.Hour),

		HTTPPort: envInt("HTTP_PORT", 5000),
		GRPCPort: envInt("GRPC_PORT", 50051),

		CBFails:    envInt("CB_FAILS", 3),
		CBOpen:     envDuration("CB_OPEN", 30*time.Second),
		CBInterval: envDuration("CB_INTERVAL", time.Minute),
	}
}
