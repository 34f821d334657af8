package irrigation_controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/persistence"
)

type eventSubscriber interface {
	Subscribe(buf int) (<-chan messages.Event, func())
}

// API bundles what the HTTP layer reads from. Weather, Predictor, Events and Health
// are optional.
type API struct {
	Coordinator *Coordinator
	Readings    persistence.ReadingStore
	Weather     WeatherSource
	Predictor   Predictor
	Events      eventSubscriber
	Health      *Health
	Timeout     time.Duration
}

type controlRequest struct {
	Action string `json:"action"`
	Source string `json:"source,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type modeRequest struct {
	Mode      string   `json:"mode"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type averageResponse struct {
	AverageSnapshot
	WindowHours float64 `json:"windowHours"`
}

type predictionResponse struct {
	Features Features `json:"features"`
	Verdict  *Verdict `json:"verdict"`
}

func NewHTTPMux(a API) *http.ServeMux {
	if a.Timeout <= 0 {
		a.Timeout = 5 * time.Second
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/irrigation/status", a.handleStatus)
	mux.HandleFunc("POST /api/irrigation/control", a.handleControl)
	mux.HandleFunc("POST /api/irrigation/mode", a.handleMode)
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("GET /api/sensors", a.handleSensors)
	mux.HandleFunc("GET /api/sensors/latest", a.handleLatest)
	mux.HandleFunc("GET /api/sensors/average", a.handleAverage)
	mux.HandleFunc("GET /api/weather", a.handleWeather)
	mux.HandleFunc("POST /api/ml/predict", a.handlePredict)
	mux.HandleFunc("GET /api/events/stream", a.handleStream)

	if a.Health != nil {
		mux.Handle("GET /healthz", a.Health.HealthHandler())
		mux.Handle("GET /readyz", a.Health.ReadyHandler())
	} else {
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.Coordinator.Metrics().Registry, promhttp.HandlerOpts{}))
	return mux
}

func (a API) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.Timeout)
	defer cancel()
	st, err := a.Coordinator.Snapshot(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a API) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidCommand, err))
		return
	}
	action, err := entities.ParseAction(req.Action)
	if err != nil || (action != entities.ActionOn && action != entities.ActionOff) {
		writeError(w, fmt.Errorf("%w: action must be ON or OFF", ErrInvalidCommand))
		return
	}
	source := entities.SourceUser
	if req.Source != "" {
		if source, err = entities.ParseSource(req.Source); err != nil {
			writeError(w, fmt.Errorf("%w: %v", ErrInvalidCommand, err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.Timeout)
	defer cancel()
	st, err := a.Coordinator.Control(ctx, action, source, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a API) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidCommand, err))
		return
	}
	mode, err := entities.ParseMode(req.Mode)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidCommand, err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.Timeout)
	defer cancel()
	st, err := a.Coordinator.SetMode(ctx, mode, req.Threshold)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a API) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.Timeout)
	defer cancel()
	h, err := a.Coordinator.History(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a API) handleSensors(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 1, 500)
	ctx, cancel := context.WithTimeout(r.Context(), a.Timeout)
	defer cancel()
	list, err := a.Readings.LatestReadings(ctx, a.Coordinator.now(), limit)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrPersistence, err))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a API) handleLatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.Timeout)
	defer cancel()
	list, err := a.Readings.LatestReadings(ctx, a.Coordinator.now(), 1)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrPersistence, err))
		return
	}
	if len(list) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sensor data"})
		return
	}
	writeJSON(w, http.StatusOK, list[0])
}

func (a API) handleAverage(w http.ResponseWriter, _ *http.Request) {
	s := a.Coordinator.Average()
	writeJSON(w, http.StatusOK, averageResponse{AverageSnapshot: s, WindowHours: s.Window.Hours()})
}

func (a API) handleWeather(w http.ResponseWriter, r *http.Request) {
	if a.Weather == nil {
		writeError(w, fmt.Errorf("%w: weather not configured", ErrCollaboratorUnavailable))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.Timeout)
	defer cancel()
	snap, err := a.Weather.GetWeather(ctx)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handlePredict asks the predictor about the latest reading and current weather.
func (a API) handlePredict(w http.ResponseWriter, r *http.Request) {
	if a.Predictor == nil {
		writeError(w, fmt.Errorf("%w: predictor not configured", ErrCollaboratorUnavailable))
		return
	}
	reading, ok := a.Coordinator.LastReading()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sensor data"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.Timeout)
	defer cancel()

	f := Features{SoilMoisture: reading.Moisture, Temperature: reading.Temperature, Humidity: reading.Humidity}
	if a.Weather != nil {
		if snap, err := a.Weather.GetWeather(ctx); err == nil {
			if f.Temperature == nil {
				f.Temperature = snap.Temperature
			}
			if f.Humidity == nil {
				f.Humidity = snap.Humidity
			}
			f.Pressure = snap.Pressure
			if snap.RainChance >= a.Coordinator.Policy().RainChanceLimit {
				f.RainfallDetected = 1
			}
		}
	}
	v, err := a.Predictor.Predict(ctx, f)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrCollaboratorUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, predictionResponse{Features: f, Verdict: v})
}

// handleStream relays fan-out events as server-sent events until the client leaves.
func (a API) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if a.Events == nil || !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	events, cancel := a.Events.Subscribe(32)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			b, err := json.Marshal(evt.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, b)
			flusher.Flush()
		}
	}
}

func queryInt(r *http.Request, key string, def, min, max int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrInvalidThreshold):
		code = http.StatusBadRequest
	case errors.Is(err, ErrCollaboratorUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
