package irrigation_controller

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type connChecker interface {
	IsConnectionOpen() bool
}

type pinger interface {
	Ping(ctx context.Context) error
}

type errorAger interface {
	LastErrorAge() time.Duration
}

// Health reports dependency status for /healthz, /readyz and the gRPC health service.
// Nil dependencies are treated as not configured and skipped.
type Health struct {
	MQTT   connChecker
	Store  pinger
	Influx errorAger
	// MinErrorAge is how long ago the last Influx write error must be for "ok".
	MinErrorAge time.Duration
}

type healthStatus struct {
	Status          string   `json:"status"`
	MQTTConnected   bool     `json:"mqtt_connected"`
	StoreOK         bool     `json:"store_ok"`
	LastWriteErrorS *float64 `json:"last_write_error_age_sec,omitempty"`
}

func (h *Health) check(ctx context.Context) healthStatus {
	st := healthStatus{MQTTConnected: true, StoreOK: true}
	if h.MQTT != nil {
		st.MQTTConnected = h.MQTT.IsConnectionOpen()
	}
	if h.Store != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		st.StoreOK = h.Store.Ping(pctx) == nil
		cancel()
	}
	influxOK := true
	if h.Influx != nil {
		age := h.Influx.LastErrorAge()
		secs := age.Seconds()
		st.LastWriteErrorS = &secs
		influxOK = age > h.MinErrorAge
	}

	switch {
	case st.MQTTConnected && st.StoreOK && influxOK:
		st.Status = "ok"
	case st.StoreOK:
		st.Status = "degraded"
	default:
		st.Status = "down"
	}
	return st
}

// Ready is true only when every configured dependency is healthy.
func (h *Health) Ready(ctx context.Context) bool {
	return h.check(ctx).Status == "ok"
}

func (h *Health) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := h.check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if st.Status == "down" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	})
}

func (h *Health) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ready := h.Ready(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Ready bool `json:"ready"`
		}{Ready: ready})
	})
}
