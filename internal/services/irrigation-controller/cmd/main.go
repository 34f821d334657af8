package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/event"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/ingestion"
	controller "github.com/LeonardoBeccarini/smart_irrigation/internal/services/irrigation-controller"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/persistence"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/broker"
)

const grpcServiceName = "irrigation.Controller"

func main() {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === Stores ===
	sqliteStore, err := persistence.NewSQLiteStore(cfg.StateDBPath)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}
	defer sqliteStore.Close()

	var influx influxdb2.Client
	if cfg.InfluxToken != "" {
		influx = influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
		defer influx.Close()
	}

	var readings persistence.ReadingStore = sqliteStore
	switch cfg.ReadingBackend {
	case "influx":
		if influx == nil {
			log.Fatalf("READING_BACKEND=influx requires INFLUX_TOKEN")
		}
		readings, err = persistence.NewInfluxReadings(influx, persistence.InfluxConfig{
			URL: cfg.InfluxURL, Token: cfg.InfluxToken, Org: cfg.InfluxOrg, Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			log.Fatalf("influx readings: %v", err)
		}
	case "memory":
		readings = persistence.NewMemoryStore()
	case "sqlite":
	default:
		log.Fatalf("unknown READING_BACKEND %q", cfg.ReadingBackend)
	}

	// === MQTT ===
	mqClient, err := broker.Connect(ctx, &broker.Config{
		Host:     cfg.MQTTHost,
		Port:     cfg.MQTTPort,
		User:     cfg.MQTTUser,
		Password: cfg.MQTTPassword,
		ClientID: cfg.MQTTClientID,
	})
	if err != nil {
		log.Fatalf("MQTT connect failed: %v", err)
	}
	defer broker.Close(mqClient)

	// === Event fan-out ===
	sinks := []event.Sink{
		event.LogSink{},
		event.NewMQTTSink(broker.NewPublisher(mqClient, cfg.EventTopicBase, 1).Async(), cfg.EventTopicBase, 1),
	}
	var writer *event.Writer
	if influx != nil && cfg.InfluxEvents {
		writeAPI := influx.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket)
		writer = event.NewWriter(writeAPI.Errors())
		sinks = append(sinks, event.NewInfluxSink(writeAPI, writer))
		defer writeAPI.Flush()
	}
	fanout := event.NewFanout(sinks...)

	// === Collaborators ===
	breaker := controller.BreakerConfig{Fails: cfg.CBFails, Open: cfg.CBOpen, Interval: cfg.CBInterval}
	var weather controller.WeatherSource
	if cfg.OWMAPIKey != "" {
		weather = controller.NewOWMClient(controller.WeatherConfig{
			APIKey:   cfg.OWMAPIKey,
			Location: cfg.WeatherLocation,
			TTL:      cfg.WeatherTTL,
			Timeout:  cfg.CollaboratorTimeout,
			Breaker:  breaker,
		})
	} else {
		log.Printf("controller: OPENWEATHER_API_KEY not set, running without weather")
	}
	var predictor controller.Predictor
	if cfg.MLURL != "" {
		predictor = controller.NewHTTPPredictor(cfg.MLURL, cfg.CollaboratorTimeout, breaker)
	}
	actuator := controller.NewMQTTActuator(broker.NewPublisher(mqClient, cfg.ActuatorTopic, 1).Async(), cfg.ActuatorTopic)

	policy := controller.Policy{
		Hysteresis:      cfg.Hysteresis,
		Cooldown:        cfg.Cooldown,
		MaxRun:          cfg.MaxRun,
		RainChanceLimit: cfg.RainChanceLimit,
		RainMargin:      cfg.RainMargin,
	}
	metrics := controller.NewMetrics()
	metrics.TrackSubscribers(fanout.Subscribers)
	if writer != nil {
		metrics.Registry.MustRegister(writer)
	}
	coord := controller.NewCoordinator(sqliteStore, readings, weather, predictor, actuator, fanout, metrics, controller.Options{
		Policy:              policy,
		DefaultThreshold:    cfg.Threshold,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
		AverageWindow:       cfg.AverageWindow,
		SensorSilence:       cfg.SensorSilence,
	})
	if st, err := coord.Snapshot(ctx); err != nil {
		log.Printf("controller: initial state load failed: %v", err)
	} else {
		log.Printf("controller: state status=%s mode=%s threshold=%.1f history=%d", st.Status, st.Mode, st.Threshold, len(st.History))
		if last, ok := st.History.Latest(); ok {
			log.Printf("controller: last action %s by %s at %s: %s", last.Action, last.Source, last.CreatedAt.Format(time.RFC3339), last.Reason)
		}
	}

	// === Triggers ===
	handler := ingestion.NewHandler(ingestion.NewValidator(weather, cfg.CollaboratorTimeout), coord, 0)
	consumer := broker.NewConsumer(mqClient, cfg.SensorTopic, 1, handler.Handle)
	go func() {
		if err := consumer.ConsumeMessage(ctx); err != nil {
			log.Printf("controller: sensor consumer stopped: %v", err)
			stop()
		}
	}()
	go controller.NewReconciler(coord, controller.NewTimeTicker(cfg.ReconcileInterval)).Run(ctx)

	// === HTTP ===
	hc := &controller.Health{MQTT: mqClient, Store: sqliteStore, MinErrorAge: 30 * time.Second}
	if writer != nil {
		hc.Influx = writer
	}
	hs := &http.Server{
		Addr: ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: controller.NewHTTPMux(controller.API{
			Coordinator: coord,
			Readings:    readings,
			Weather:     weather,
			Predictor:   predictor,
			Events:      fanout,
			Health:      hc,
			Timeout:     cfg.CollaboratorTimeout,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("controller: HTTP listening on :%d", cfg.HTTPPort)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// === gRPC health ===
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	gs := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthSrv)
	go func() {
		log.Printf("controller: gRPC health on :%d", cfg.GRPCPort)
		if err := gs.Serve(lis); err != nil {
			log.Printf("grpc server stopped: %v", err)
		}
	}()
	go watchReadiness(ctx, hc, healthSrv)

	log.Printf("controller running. sensor=%s actuator=%s events=%s/# backend=%s",
		cfg.SensorTopic, cfg.ActuatorTopic, cfg.EventTopicBase, cfg.ReadingBackend)
	<-ctx.Done()
	log.Printf("controller: shutting down...")

	healthSrv.Shutdown()
	gs.GracefulStop()
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hs.Shutdown(shCtx)
}

// watchReadiness mirrors /readyz onto the gRPC health service.
func watchReadiness(ctx context.Context, hc *controller.Health, srv *health.Server) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if hc.Ready(ctx) {
			status = healthpb.HealthCheckResponse_SERVING
		}
		srv.SetServingStatus(grpcServiceName, status)
		srv.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
