package irrigation_controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics are registered on a private registry so several coordinators (tests) can coexist.
type Metrics struct {
	Registry *prometheus.Registry

	Readings             *prometheus.CounterVec
	Decisions            *prometheus.CounterVec
	Transitions          *prometheus.CounterVec
	CollaboratorFailures *prometheus.CounterVec
	PersistenceFailures  prometheus.Counter
	ConcurrentAccess     prometheus.Counter
	PumpOn               prometheus.Gauge
	AverageMoisture      prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_readings_total",
			Help: "Sensor payloads by ingestion result.",
		}, []string{"result"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_decisions_total",
			Help: "Decision engine outcomes.",
		}, []string{"decision"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_transitions_total",
			Help: "Applied pump and mode transitions.",
		}, []string{"action", "source"}),
		CollaboratorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_collaborator_failures_total",
			Help: "Weather and predictor calls that degraded to defaults.",
		}, []string{"collaborator"}),
		PersistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigation_persistence_failures_total",
			Help: "Commands aborted because the store failed.",
		}),
		ConcurrentAccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigation_concurrent_access_total",
			Help: "Detected overlaps inside the coordinator critical section.",
		}),
		PumpOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irrigation_pump_on",
			Help: "1 when the pump is commanded ON.",
		}),
		AverageMoisture: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "irrigation_average_moisture_percent",
			Help: "Trailing-window mean soil moisture.",
		}),
	}
	m.Registry.MustRegister(
		m.Readings, m.Decisions, m.Transitions, m.CollaboratorFailures,
		m.PersistenceFailures, m.ConcurrentAccess, m.PumpOn, m.AverageMoisture,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// TrackSubscribers exports the number of open event streams, read at scrape time.
func (m *Metrics) TrackSubscribers(count func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "irrigation_event_stream_subscribers",
		Help: "Open /api/events/stream connections.",
	}, func() float64 { return float64(count()) }))
}
