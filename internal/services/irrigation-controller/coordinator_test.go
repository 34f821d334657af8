package irrigation_controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/persistence"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingEvents struct {
	mu     sync.Mutex
	events []messages.Event
}

func (r *recordingEvents) Publish(typ messages.EventType, payload any) messages.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt := messages.Event{Type: typ, Payload: payload}
	r.events = append(r.events, evt)
	return evt
}

func (r *recordingEvents) ofType(typ messages.EventType) []messages.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []messages.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type recordingActuator struct {
	mu   sync.Mutex
	cmds []messages.ActuatorCommand
}

func (a *recordingActuator) Publish(_ context.Context, cmd messages.ActuatorCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cmds = append(a.cmds, cmd)
	return nil
}

func (a *recordingActuator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cmds)
}

type stubWeather struct {
	snap *messages.Weather
	err  error
}

func (s *stubWeather) GetWeather(context.Context) (*messages.Weather, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.snap
	return &cp, nil
}

type stubPredictor struct {
	verdict *Verdict
	err     error
	last    Features
}

func (s *stubPredictor) Predict(_ context.Context, f Features) (*Verdict, error) {
	s.last = f
	if s.err != nil {
		return nil, s.err
	}
	return s.verdict, nil
}

type harness struct {
	c       *Coordinator
	store   *persistence.MemoryStore
	events  *recordingEvents
	act     *recordingActuator
	clock   *testClock
	weather *stubWeather
	pred    *stubPredictor
}

// newHarness builds a coordinator over a memory store; seed, when non-nil, is the
// persisted state it starts from.
func newHarness(t *testing.T, seed *entities.IrrigationState) *harness {
	t.Helper()
	h := &harness{
		store:   persistence.NewMemoryStore(),
		events:  &recordingEvents{},
		act:     &recordingActuator{},
		clock:   &testClock{t: t0},
		weather: &stubWeather{snap: &messages.Weather{RainChance: 0}},
		pred:    &stubPredictor{verdict: &Verdict{Irrigate: false}},
	}
	if seed != nil {
		if err := h.store.Save(context.Background(), *seed); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	h.c = NewCoordinator(h.store, h.store, h.weather, h.pred, h.act, h.events, NewMetrics(), Options{
		Policy:        DefaultPolicy(),
		AverageWindow: 24 * time.Hour,
		SensorSilence: 5 * time.Minute,
		Now:           h.clock.Now,
	})
	return h
}

func (h *harness) ingest(t *testing.T, m float64) Outcome {
	t.Helper()
	out, err := h.c.Ingest(context.Background(), messages.SensorReading{Moisture: m, CapturedAt: h.clock.Now()})
	if err != nil {
		t.Fatalf("ingest %.1f: %v", m, err)
	}
	return out
}

func (h *harness) state(t *testing.T) entities.IrrigationState {
	t.Helper()
	st, err := h.c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return st
}

func seeded(mode entities.Mode, status entities.PumpStatus, lastCommand *time.Time) *entities.IrrigationState {
	st := entities.NewIrrigationState()
	st.Mode = mode
	st.Status = status
	st.LastCommandAt = lastCommand
	return &st
}

func TestIngestDrySoilTurnsPumpOn(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOff, nil))

	out := h.ingest(t, 30)
	if out.Decision != DecisionOn || !out.Applied {
		t.Fatalf("outcome = %+v", out)
	}

	st := h.state(t)
	if st.Status != entities.StatusOn {
		t.Fatalf("status = %s", st.Status)
	}
	if len(st.History) != 1 || st.History[0].Action != entities.ActionOn || st.History[0].Source != entities.SourceSystem {
		t.Fatalf("history = %+v", st.History)
	}
	if !strings.Contains(st.History[0].Reason, "moisture=30.0%") {
		t.Errorf("reason %q should embed the moisture", st.History[0].Reason)
	}
	if st.LastCommandAt == nil || !st.LastCommandAt.Equal(t0) || st.LastAppliedMoisture == nil || *st.LastAppliedMoisture != 30 {
		t.Errorf("command bookkeeping not updated: %+v", st)
	}
	if h.act.count() != 1 || h.act.cmds[0].Action != "ON" {
		t.Errorf("actuator = %+v", h.act.cmds)
	}
	pumps := h.events.ofType(messages.EventPumpUpdate)
	if len(pumps) != 1 || pumps[0].Payload.(messages.PumpUpdate).DecidedBy != "system" {
		t.Errorf("pump updates = %+v", pumps)
	}
	if len(h.events.ofType(messages.EventSensorUpdate)) != 1 {
		t.Error("expected one sensor_update")
	}
	if got := testutil.ToFloat64(h.c.Metrics().PumpOn); got != 1 {
		t.Errorf("pump gauge = %v", got)
	}

	persisted, err := h.store.Load(context.Background())
	if err != nil || persisted.Status != entities.StatusOn {
		t.Fatalf("persisted = %+v, %v", persisted, err)
	}
}

func TestIngestWetSoilTurnsPumpOff(t *testing.T) {
	last := t0.Add(-5 * time.Minute)
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOn, &last))

	if out := h.ingest(t, 45); out.Decision != DecisionOff || !out.Applied {
		t.Fatalf("outcome = %+v", out)
	}
	if st := h.state(t); st.Status != entities.StatusOff || st.History[0].Action != entities.ActionOff {
		t.Fatalf("state = %+v", st)
	}
}

func TestRepeatedDecisionIsIdempotent(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOff, nil))

	h.ingest(t, 30)
	h.clock.Advance(3 * time.Minute)
	out := h.ingest(t, 30)

	if out.Decision != DecisionOn || out.Applied {
		t.Fatalf("second outcome = %+v, want unapplied ON", out)
	}
	if n := len(h.state(t).History); n != 1 {
		t.Fatalf("history length = %d, want 1", n)
	}
	if h.act.count() != 1 || len(h.events.ofType(messages.EventPumpUpdate)) != 1 {
		t.Fatal("no-op decisions must not publish")
	}
}

func TestPredictorPromotesInsideBand(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOff, nil))
	h.pred.verdict = &Verdict{Irrigate: true}

	out := h.ingest(t, 39)
	if out.Decision != DecisionOn || out.Source != entities.SourceAutoML {
		t.Fatalf("outcome = %+v", out)
	}
	st := h.state(t)
	if st.History[0].Source != entities.SourceAutoML || !strings.Contains(st.History[0].Reason, "ml=irrigate") {
		t.Fatalf("history = %+v", st.History[0])
	}
	if pumps := h.events.ofType(messages.EventPumpUpdate); pumps[0].Payload.(messages.PumpUpdate).DecidedBy != "auto-ml" {
		t.Errorf("decidedBy = %+v", pumps[0].Payload)
	}
	if h.pred.last.SoilMoisture != 39 || h.pred.last.RainfallDetected != 0 {
		t.Errorf("features = %+v", h.pred.last)
	}
}

func TestRainDelaysIrrigation(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOff, nil))
	h.weather.snap = &messages.Weather{RainChance: 60}

	out := h.ingest(t, 35)
	if out.Decision != DecisionDelay || out.Applied {
		t.Fatalf("outcome = %+v", out)
	}
	if st := h.state(t); st.Status != entities.StatusOff || len(st.History) != 0 {
		t.Fatalf("state = %+v", st)
	}
	if h.pred.last.RainfallDetected != 1 {
		t.Errorf("rainfall_detected = %d, want 1", h.pred.last.RainfallDetected)
	}
}

func TestCollaboratorFailuresDegradeToRule(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOff, nil))
	h.weather.err = errors.New("dial tcp: timeout")
	h.pred.err = errors.New("503")

	if out := h.ingest(t, 30); out.Decision != DecisionOn || !out.Applied {
		t.Fatalf("outcome = %+v", out)
	}
	m := h.c.Metrics()
	if testutil.ToFloat64(m.CollaboratorFailures.WithLabelValues("weather")) != 1 ||
		testutil.ToFloat64(m.CollaboratorFailures.WithLabelValues("predictor")) != 1 {
		t.Error("collaborator failures not counted")
	}
}

func TestReconcileSafetyShutoffUnderSilence(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOn, &t0))
	h.clock.Advance(21 * time.Minute)

	out, err := h.c.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != DecisionSafetyOff || !out.Applied {
		t.Fatalf("outcome = %+v", out)
	}
	st := h.state(t)
	if st.Status != entities.StatusOff {
		t.Fatalf("status = %s", st.Status)
	}
	if e := st.History[0]; e.Action != entities.ActionSafetyOff || e.Source != entities.SourceSystem {
		t.Fatalf("history = %+v", e)
	}
	if h.act.count() != 1 || h.act.cmds[0].Action != "OFF" {
		t.Errorf("actuator = %+v", h.act.cmds)
	}
	if len(h.events.ofType(messages.EventSensorMissing)) != 1 {
		t.Error("expected one sensor_missing after silence")
	}

	h.clock.Advance(time.Minute)
	if out, err := h.c.Reconcile(context.Background()); err != nil || out.Applied {
		t.Fatalf("second reconcile = %+v, %v", out, err)
	}
	if len(h.events.ofType(messages.EventSensorMissing)) != 1 {
		t.Error("sensor_missing must be sent once per silence")
	}
	if len(h.state(t).History) != 1 {
		t.Error("no further history expected")
	}
}

func TestReconcileRetriesCooldownSuppressedReading(t *testing.T) {
	last := t0.Add(-time.Minute)
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOff, &last))

	if out := h.ingest(t, 30); out.Decision != DecisionNoAction {
		t.Fatalf("inside cooldown: %+v", out)
	}
	h.clock.Advance(90 * time.Second)
	out, err := h.c.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != DecisionOn || !out.Applied {
		t.Fatalf("reconcile outcome = %+v", out)
	}
}

func TestReconcileIgnoresStaleReading(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOff, nil))
	h.pred.verdict = nil
	h.weather.snap = &messages.Weather{RainChance: 90}
	h.ingest(t, 35) // delayed by rain

	h.weather.snap = &messages.Weather{}
	h.clock.Advance(10 * time.Minute)
	out, err := h.c.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Applied {
		t.Fatalf("stale reading must not drive the pump: %+v", out)
	}
}

func TestManualModeSkipsEngine(t *testing.T) {
	h := newHarness(t, nil)

	out := h.ingest(t, 10)
	if out.Decision != DecisionNoAction || out.Applied {
		t.Fatalf("outcome = %+v", out)
	}
	st := h.state(t)
	if st.Mode != entities.ModeManual || st.Status != entities.StatusOff || len(st.History) != 0 {
		t.Fatalf("state = %+v", st)
	}
	if st.LastAppliedMoisture == nil || *st.LastAppliedMoisture != 10 {
		t.Fatalf("lastAppliedMoisture = %v", st.LastAppliedMoisture)
	}
	if avg := h.c.Average(); avg.Value == nil || *avg.Value != 10 {
		t.Fatalf("average = %+v", avg)
	}
	if h.pred.last.SoilMoisture != 0 {
		t.Error("predictor must not be consulted in MANUAL mode")
	}
}

func TestManualModeStillEnforcesMaxRun(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeManual, entities.StatusOn, &t0))
	h.clock.Advance(25 * time.Minute)

	out, err := h.c.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != DecisionSafetyOff || !out.Applied {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSetMode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	th := 35.0
	st, err := h.c.SetMode(ctx, entities.ModeAuto, &th)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode != entities.ModeAuto || st.Threshold != 35 {
		t.Fatalf("state = %+v", st)
	}
	if e := st.History[0]; e.Action != entities.ActionModeAuto || e.Source != entities.SourceUser {
		t.Fatalf("history = %+v", e)
	}
	if st.LastCommandAt != nil {
		t.Error("mode changes must not start the cooldown")
	}

	// 33 sits inside the new band around 35
	if out := h.ingest(t, 33); out.Decision != DecisionNoAction {
		t.Fatalf("outcome = %+v", out)
	}

	bad := 120.0
	if _, err := h.c.SetMode(ctx, entities.ModeAuto, &bad); !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("err = %v, want ErrInvalidThreshold", err)
	}

	st, err = h.c.SetMode(ctx, entities.ModeManual, nil)
	if err != nil {
		t.Fatal(err)
	}
	if st.Threshold != 35 || st.History[0].Action != entities.ActionModeManual || len(st.History) != 2 {
		t.Fatalf("state = %+v", st)
	}
	if out := h.ingest(t, 5); out.Applied {
		t.Fatal("MANUAL must ignore engine decisions")
	}
}

func TestControl(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	st, err := h.c.Control(ctx, entities.ActionOn, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != entities.StatusOn || st.History[0].Source != entities.SourceUser {
		t.Fatalf("state = %+v", st)
	}

	st, err = h.c.Control(ctx, entities.ActionOn, entities.SourceUser, "again")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.History) != 1 || h.act.count() != 1 {
		t.Fatal("repeated ON must be a no-op")
	}

	if _, err := h.c.Control(ctx, entities.ActionSafetyOff, "", ""); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("err = %v, want ErrInvalidCommand", err)
	}

	st, err = h.c.Control(ctx, entities.ActionOff, entities.SourceUser, "done watering")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != entities.StatusOff || st.History[0].Reason != "done watering" {
		t.Fatalf("state = %+v", st)
	}
}

func TestHistoryStaysBounded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		action := entities.ActionOn
		if i%2 == 1 {
			action = entities.ActionOff
		}
		if _, err := h.c.Control(ctx, action, entities.SourceUser, ""); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(time.Second)
	}

	st := h.state(t)
	if len(st.History) != entities.MaxHistory {
		t.Fatalf("history length = %d", len(st.History))
	}
	if st.History[0].Action != entities.ActionOff || !st.History[0].CreatedAt.After(st.History[1].CreatedAt) {
		t.Fatal("history must be newest first")
	}
}

func (h *harness) storedReadings(t *testing.T) []messages.SensorReading {
	t.Helper()
	list, err := h.store.LatestReadings(context.Background(), h.clock.Now(), 100)
	if err != nil {
		t.Fatal(err)
	}
	return list
}

func (h *harness) assertReadingDropped(t *testing.T) {
	t.Helper()
	if n := len(h.storedReadings(t)); n != 0 {
		t.Fatalf("stored readings = %d, want 0", n)
	}
	if n := len(h.events.ofType(messages.EventSensorUpdate)); n != 0 {
		t.Fatalf("sensor_update events = %d, want 0", n)
	}
	if h.c.Average().Value != nil {
		t.Fatal("average recomputed for a dropped reading")
	}
	if _, ok := h.c.LastReading(); ok {
		t.Fatal("dropped reading recorded as last reading")
	}
}

func TestPersistenceFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOff, nil))
	h.state(t)
	h.store.SaveErr = errors.New("disk full")

	_, err := h.c.Ingest(context.Background(), messages.SensorReading{Moisture: 30, CapturedAt: t0})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	st := h.state(t)
	if st.Status != entities.StatusOff || len(st.History) != 0 || st.LastCommandAt != nil || st.LastAppliedMoisture != nil {
		t.Fatalf("state changed after failed save: %+v", st)
	}
	if h.act.count() != 0 || len(h.events.ofType(messages.EventPumpUpdate)) != 0 {
		t.Fatal("nothing may be published for an unsaved transition")
	}
	h.assertReadingDropped(t)
	if got := testutil.ToFloat64(h.c.Metrics().Readings.WithLabelValues("persist_failed")); got != 1 {
		t.Fatalf("persist_failed = %v", got)
	}

	// the dropped reading is not retried by reconciliation
	h.store.SaveErr = nil
	h.clock.Advance(time.Minute)
	out, err := h.c.Reconcile(context.Background())
	if err != nil || out.Applied {
		t.Fatalf("reconcile = %+v, %v", out, err)
	}

	// the next reading goes through normally
	if out := h.ingest(t, 30); !out.Applied || out.Decision != DecisionOn {
		t.Fatalf("next ingest = %+v", out)
	}
	if n := len(h.storedReadings(t)); n != 1 {
		t.Fatalf("stored readings = %d", n)
	}
}

func TestManualPersistenceFailureDropsReading(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeManual, entities.StatusOff, nil))
	h.state(t)
	h.store.SaveErr = errors.New("disk full")

	if _, err := h.c.Ingest(context.Background(), messages.SensorReading{Moisture: 55, CapturedAt: t0}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if st := h.state(t); st.LastAppliedMoisture != nil {
		t.Fatalf("lastAppliedMoisture = %v", *st.LastAppliedMoisture)
	}
	h.assertReadingDropped(t)
}

func TestReadingInsertFailureDropsReading(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOff, nil))
	h.store.InsertErr = errors.New("readonly")

	if _, err := h.c.Ingest(context.Background(), messages.SensorReading{Moisture: 30, CapturedAt: t0}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v", err)
	}
	h.assertReadingDropped(t)
}

func TestAverageFollowsIngestion(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(t, 20)
	h.clock.Advance(time.Minute)
	h.ingest(t, 40)

	avg := h.c.Average()
	if avg.Value == nil || *avg.Value != 30 || avg.Samples != 2 {
		t.Fatalf("average = %+v", avg)
	}
	updates := h.events.ofType(messages.EventSensorUpdate)
	if got := updates[1].Payload.(messages.SensorUpdate).AvgMoisture; got != 30 {
		t.Fatalf("avgMoisture = %v", got)
	}
}

func TestConcurrentTriggersApplyOnce(t *testing.T) {
	h := newHarness(t, seeded(entities.ModeAuto, entities.StatusOff, nil))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.c.Ingest(ctx, messages.SensorReading{Moisture: 30, CapturedAt: t0})
		}()
		go func() {
			defer wg.Done()
			_, _ = h.c.Reconcile(ctx)
		}()
	}
	wg.Wait()

	if n := len(h.state(t).History); n != 1 {
		t.Fatalf("history length = %d, want exactly one ON", n)
	}
	if h.act.count() != 1 {
		t.Fatalf("actuator commands = %d", h.act.count())
	}
	if got := testutil.ToFloat64(h.c.Metrics().ConcurrentAccess); got != 0 {
		t.Fatalf("concurrent access detected %v times", got)
	}
}

func TestReportRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.c.ReportRejected("malformed", "abc", false)
	h.c.ReportRejected("out_of_range", "150", true)

	if len(h.events.ofType(messages.EventSensorMissing)) != 1 {
		t.Fatal("only out-of-range readings raise sensor_missing")
	}
	if testutil.ToFloat64(h.c.Metrics().Readings.WithLabelValues("malformed")) != 1 {
		t.Fatal("rejections must be counted")
	}
}
