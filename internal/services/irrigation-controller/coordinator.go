package irrigation_controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/persistence"
)

// EventPublisher is the fan-out seen by the coordinator.
type EventPublisher interface {
	Publish(typ messages.EventType, payload any) messages.Event
}

type Options struct {
	Policy           Policy
	DefaultThreshold float64
	// CollaboratorTimeout bounds each weather and predictor call.
	CollaboratorTimeout time.Duration
	AverageWindow       time.Duration
	// SensorSilence is how long without a reading before sensor_missing; zero disables it.
	SensorSilence time.Duration
	Now           func() time.Time
}

// Coordinator is the only writer of IrrigationState and the AverageCache. Every
// command runs read, decide, persist and publish under one mutex.
type Coordinator struct {
	mu       sync.Mutex
	inFlight atomic.Int32

	states    persistence.StateStore
	readings  persistence.ReadingStore
	weather   WeatherSource
	predictor Predictor
	actuator  Actuator
	events    EventPublisher
	avg       *AverageCache
	metrics   *Metrics

	policy           Policy
	defaultThreshold float64
	timeout          time.Duration
	silence          time.Duration
	now              func() time.Time

	state           *entities.IrrigationState
	lastReading     *messages.SensorReading
	lastReadingAt   time.Time
	missingNotified bool
}

// NewCoordinator wires the collaborators. weather and predictor may be nil.
func NewCoordinator(
	states persistence.StateStore,
	readings persistence.ReadingStore,
	weather WeatherSource,
	predictor Predictor,
	actuator Actuator,
	events EventPublisher,
	metrics *Metrics,
	opts Options,
) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CollaboratorTimeout <= 0 {
		opts.CollaboratorTimeout = 5 * time.Second
	}
	if opts.DefaultThreshold <= 0 {
		opts.DefaultThreshold = entities.DefaultThreshold
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Coordinator{
		states:           states,
		readings:         readings,
		weather:          weather,
		predictor:        predictor,
		actuator:         actuator,
		events:           events,
		avg:              NewAverageCache(readings, opts.AverageWindow),
		metrics:          metrics,
		policy:           opts.Policy,
		defaultThreshold: opts.DefaultThreshold,
		timeout:          opts.CollaboratorTimeout,
		silence:          opts.SensorSilence,
		now:              opts.Now,
		lastReadingAt:    opts.Now(),
	}
}

func (c *Coordinator) Metrics() *Metrics { return c.metrics }

func (c *Coordinator) Policy() Policy { return c.policy }

// enter takes the coordinator lock. The in-flight guard can only trip if some path
// touches the state without the lock.
func (c *Coordinator) enter() func() {
	c.mu.Lock()
	if !c.inFlight.CompareAndSwap(0, 1) {
		c.metrics.ConcurrentAccess.Inc()
		log.Printf("controller: FATAL INVARIANT: %v", ErrConcurrentAccess)
	}
	return func() {
		c.inFlight.Store(0)
		c.mu.Unlock()
	}
}

// loadLocked returns the current state, creating and persisting the default document
// on first access.
func (c *Coordinator) loadLocked(ctx context.Context) (entities.IrrigationState, error) {
	if c.state != nil {
		return c.state.Clone(), nil
	}
	st, err := c.states.Load(ctx)
	if errors.Is(err, persistence.ErrNotFound) {
		st = entities.NewIrrigationState()
		st.Threshold = c.defaultThreshold
		if err := c.states.Save(ctx, st); err != nil {
			c.metrics.PersistenceFailures.Inc()
			return entities.IrrigationState{}, fmt.Errorf("%w: create state: %v", ErrPersistence, err)
		}
		log.Printf("controller: created irrigation state (mode=%s threshold=%.1f)", st.Mode, st.Threshold)
	} else if err != nil {
		c.metrics.PersistenceFailures.Inc()
		return entities.IrrigationState{}, fmt.Errorf("%w: load state: %v", ErrPersistence, err)
	}
	c.commitLocked(st)
	return st.Clone(), nil
}

// commitLocked replaces the in-memory state. Call only after a successful Save.
func (c *Coordinator) commitLocked(st entities.IrrigationState) {
	cp := st.Clone()
	c.state = &cp
	if st.Status == entities.StatusOn {
		c.metrics.PumpOn.Set(1)
	} else {
		c.metrics.PumpOn.Set(0)
	}
}

func (c *Coordinator) saveLocked(ctx context.Context, st entities.IrrigationState) error {
	if err := c.states.Save(ctx, st); err != nil {
		c.metrics.PersistenceFailures.Inc()
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	c.commitLocked(st)
	return nil
}

// Ingest runs one accepted reading through the controller. In MANUAL mode it only
// records the moisture and refreshes the average. When the state cannot be saved
// the reading is dropped: removed from the store and never averaged or announced.
func (c *Coordinator) Ingest(ctx context.Context, r messages.SensorReading) (Outcome, error) {
	release := c.enter()
	defer release()

	now := c.now()
	st, err := c.loadLocked(ctx)
	if err != nil {
		return Outcome{}, err
	}

	id, err := c.readings.InsertReading(ctx, r)
	if err != nil {
		c.metrics.PersistenceFailures.Inc()
		c.metrics.Readings.WithLabelValues("persist_failed").Inc()
		return Outcome{}, fmt.Errorf("%w: insert reading: %v", ErrPersistence, err)
	}
	r.ID = id
	accept := func() { c.acceptReadingLocked(ctx, r, now) }

	if st.Mode == entities.ModeManual {
		next := st.Clone()
		m := r.Moisture
		next.LastAppliedMoisture = &m
		if err := c.saveLocked(ctx, next); err != nil {
			c.dropReadingLocked(ctx, r)
			return Outcome{}, err
		}
		accept()
		return Outcome{Decision: DecisionNoAction, Rule: DecisionNoAction, Source: entities.SourceSystem, Reason: "manual mode"}, nil
	}

	w, v := c.prepare(ctx, &r)
	out, err := c.applyLocked(ctx, st, Decide(c.policy, st, &r, w, v, now), &r, now, accept)
	if err != nil {
		c.dropReadingLocked(ctx, r)
		return out, err
	}
	return out, nil
}

// acceptReadingLocked makes a stored reading visible: average, last reading and
// sensor_update.
func (c *Coordinator) acceptReadingLocked(ctx context.Context, r messages.SensorReading, now time.Time) {
	c.metrics.Readings.WithLabelValues("accepted").Inc()

	avg, err := c.avg.Recompute(ctx, now)
	if err != nil {
		log.Printf("controller: average recompute failed: %v", err)
		if s := c.avg.Snapshot(); s.Value != nil {
			avg = *s.Value
		}
	} else {
		c.metrics.AverageMoisture.Set(avg)
	}

	c.lastReading = &r
	c.lastReadingAt = now
	c.missingNotified = false

	c.events.Publish(messages.EventSensorUpdate, messages.SensorUpdate{
		Moisture:    r.Moisture,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		AvgMoisture: avg,
		Timestamp:   r.CapturedAt,
	})
}

func (c *Coordinator) dropReadingLocked(ctx context.Context, r messages.SensorReading) {
	c.metrics.Readings.WithLabelValues("persist_failed").Inc()
	if err := c.readings.DeleteReading(ctx, r); err != nil {
		log.Printf("controller: could not remove dropped reading %s: %v", r.ID, err)
	}
}

// Reconcile re-evaluates the state without new input: the safety gate always, the
// last reading only while it is fresher than the sensor-silence window.
func (c *Coordinator) Reconcile(ctx context.Context) (Outcome, error) {
	release := c.enter()
	defer release()

	now := c.now()
	st, err := c.loadLocked(ctx)
	if err != nil {
		return Outcome{}, err
	}

	silent := c.silence > 0 && now.Sub(c.lastReadingAt) >= c.silence
	if silent && !c.missingNotified {
		c.missingNotified = true
		msg := fmt.Sprintf("no sensor reading for %s", now.Sub(c.lastReadingAt).Round(time.Second))
		log.Printf("controller: %s", msg)
		c.events.Publish(messages.EventSensorMissing, messages.SensorMissing{Message: msg, Timestamp: now.UTC()})
	}

	var r *messages.SensorReading
	if st.Mode == entities.ModeAuto && c.lastReading != nil && !silent {
		cp := *c.lastReading
		r = &cp
	}

	var (
		w *messages.Weather
		v *Verdict
	)
	if r != nil {
		w, v = c.prepare(ctx, r)
	}
	out := Decide(c.policy, st, r, w, v, now)
	return c.applyLocked(ctx, st, out, r, now, nil)
}

// Control applies an externally requested ON or OFF, in either mode. Requesting the
// current status is a no-op.
func (c *Coordinator) Control(ctx context.Context, action entities.Action, source entities.Source, reason string) (entities.IrrigationState, error) {
	var d Decision
	switch action {
	case entities.ActionOn:
		d = DecisionOn
	case entities.ActionOff:
		d = DecisionOff
	default:
		return entities.IrrigationState{}, fmt.Errorf("%w: action %q", ErrInvalidCommand, action)
	}
	if source == "" {
		source = entities.SourceUser
	}

	release := c.enter()
	defer release()

	now := c.now()
	st, err := c.loadLocked(ctx)
	if err != nil {
		return entities.IrrigationState{}, err
	}
	if reason == "" {
		reason = fmt.Sprintf("%s command (mode=%s)", source, st.Mode)
	}

	var r *messages.SensorReading
	if c.lastReading != nil {
		cp := *c.lastReading
		r = &cp
	}
	if _, err := c.applyLocked(ctx, st, Outcome{Decision: d, Rule: d, Source: source, Reason: reason}, r, now, nil); err != nil {
		return entities.IrrigationState{}, err
	}
	return c.state.Clone(), nil
}

// SetMode switches AUTO/MANUAL, optionally changing the threshold, and records it.
func (c *Coordinator) SetMode(ctx context.Context, mode entities.Mode, threshold *float64) (entities.IrrigationState, error) {
	if mode != entities.ModeAuto && mode != entities.ModeManual {
		return entities.IrrigationState{}, fmt.Errorf("%w: mode %q", ErrInvalidCommand, mode)
	}
	if threshold != nil && (*threshold < 0 || *threshold > 100 || math.IsNaN(*threshold)) {
		return entities.IrrigationState{}, ErrInvalidThreshold
	}

	release := c.enter()
	defer release()

	now := c.now()
	st, err := c.loadLocked(ctx)
	if err != nil {
		return entities.IrrigationState{}, err
	}

	next := st.Clone()
	next.Mode = mode
	if threshold != nil {
		next.Threshold = *threshold
	}
	action := entities.ModeAction(mode)
	next.History = next.History.Prepend(entities.HistoryEntry{
		Action:    action,
		Source:    entities.SourceUser,
		Reason:    fmt.Sprintf("mode set to %s (threshold=%.1f%%)", mode, next.Threshold),
		CreatedAt: now,
	})
	if err := c.saveLocked(ctx, next); err != nil {
		return entities.IrrigationState{}, err
	}
	c.metrics.Transitions.WithLabelValues(string(action), string(entities.SourceUser)).Inc()
	log.Printf("controller: mode=%s threshold=%.1f", mode, next.Threshold)
	return next.Clone(), nil
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot(ctx context.Context) (entities.IrrigationState, error) {
	release := c.enter()
	defer release()
	return c.loadLocked(ctx)
}

func (c *Coordinator) History(ctx context.Context) (entities.History, error) {
	st, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return st.History, nil
}

func (c *Coordinator) Average() AverageSnapshot {
	return c.avg.Snapshot()
}

// LastReading returns the most recent accepted reading seen by this process.
func (c *Coordinator) LastReading() (messages.SensorReading, bool) {
	release := c.enter()
	defer release()
	if c.lastReading == nil {
		return messages.SensorReading{}, false
	}
	return *c.lastReading, true
}

// ReportRejected counts a dropped payload; sensorMissing also notifies observers.
func (c *Coordinator) ReportRejected(result, detail string, sensorMissing bool) {
	c.metrics.Readings.WithLabelValues(result).Inc()
	if !sensorMissing {
		return
	}
	c.events.Publish(messages.EventSensorMissing, messages.SensorMissing{
		Message:   "soil sensor unreliable: " + detail,
		Timestamp: c.now().UTC(),
	})
}

// prepare gathers weather and the predictor verdict, degrading to nil on failure.
func (c *Coordinator) prepare(ctx context.Context, r *messages.SensorReading) (*messages.Weather, *Verdict) {
	var w *messages.Weather
	if c.weather != nil {
		wctx, cancel := context.WithTimeout(ctx, c.timeout)
		got, err := c.weather.GetWeather(wctx)
		cancel()
		if err != nil {
			c.metrics.CollaboratorFailures.WithLabelValues("weather").Inc()
			log.Printf("controller: %v", fmt.Errorf("%w: weather: %v", ErrCollaboratorUnavailable, err))
		} else {
			w = got
		}
	}

	if c.predictor == nil {
		return w, nil
	}
	f := Features{SoilMoisture: r.Moisture, Temperature: r.Temperature, Humidity: r.Humidity}
	if w != nil {
		if f.Temperature == nil {
			f.Temperature = w.Temperature
		}
		if f.Humidity == nil {
			f.Humidity = w.Humidity
		}
		f.Pressure = w.Pressure
		if w.RainChance >= c.policy.RainChanceLimit {
			f.RainfallDetected = 1
		}
	}
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	v, err := c.predictor.Predict(pctx, f)
	if err != nil {
		c.metrics.CollaboratorFailures.WithLabelValues("predictor").Inc()
		log.Printf("controller: %v", fmt.Errorf("%w: predictor: %v", ErrCollaboratorUnavailable, err))
		return w, nil
	}
	return w, v
}

// applyLocked turns an outcome into a transition: persist first, then the actuator
// and one pump_update. No-ops change nothing. committed, when set, runs once the
// outcome is durable (right away for a no-op) and before anything is published.
func (c *Coordinator) applyLocked(ctx context.Context, st entities.IrrigationState, out Outcome, r *messages.SensorReading, now time.Time, committed func()) (Outcome, error) {
	c.metrics.Decisions.WithLabelValues(string(out.Decision)).Inc()

	action, status, ok := transition(st, out.Decision)
	if !ok {
		if committed != nil {
			committed()
		}
		return out, nil
	}

	next := st.Clone()
	next.Status = status
	next.LastCommandAt = &now
	if r != nil {
		m := r.Moisture
		next.LastAppliedMoisture = &m
	}
	next.History = next.History.Prepend(entities.HistoryEntry{
		Action:    action,
		Source:    out.Source,
		Reason:    out.Reason,
		CreatedAt: now,
	})
	if err := c.saveLocked(ctx, next); err != nil {
		log.Printf("controller: %s not applied: %v", action, err)
		return out, err
	}
	out.Applied = true
	if committed != nil {
		committed()
	}
	c.metrics.Transitions.WithLabelValues(string(action), string(out.Source)).Inc()
	log.Printf("controller: pump %s -> %s (%s by %s): %s", st.Status, status, action, out.Source, out.Reason)

	if c.actuator != nil {
		if err := c.actuator.Publish(ctx, messages.ActuatorCommand{Action: string(status)}); err != nil {
			log.Printf("controller: actuator publish failed: %v", err)
		}
	}
	c.events.Publish(messages.EventPumpUpdate, messages.PumpUpdate{
		PumpStatus: string(status),
		DecidedBy:  string(out.Source),
		Timestamp:  now.UTC(),
	})
	return out, nil
}
