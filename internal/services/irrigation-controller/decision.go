package irrigation_controller

import (
	"fmt"
	"time"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

// Decision is the engine's verdict for one evaluation.
type Decision string

const (
	DecisionOn        Decision = "ON"
	DecisionOff       Decision = "OFF"
	DecisionNoAction  Decision = "NO_ACTION"
	DecisionDelay     Decision = "DELAY"
	DecisionSafetyOff Decision = "SAFETY_OFF"
)

// Policy holds the tunables of the decision engine.
type Policy struct {
	Hysteresis      float64       // half-width of the dead band around the threshold
	Cooldown        time.Duration // minimum gap between commands
	MaxRun          time.Duration // longest continuous ON period
	RainChanceLimit float64       // rain chance (%) at which irrigation is delayed
	RainMargin      float64       // delay only when moisture > threshold - RainMargin
}

func DefaultPolicy() Policy {
	return Policy{
		Hysteresis:      3,
		Cooldown:        2 * time.Minute,
		MaxRun:          20 * time.Minute,
		RainChanceLimit: 50,
		RainMargin:      10,
	}
}

// Verdict is the predictor's advice. A nil *Verdict means the predictor was not consulted
// or was unreachable.
type Verdict struct {
	Irrigate bool `json:"irrigate"`
	WillRain bool `json:"will_rain"`
}

// Outcome is what Decide returns: the resolved decision, a human-readable reason
// and the source to record when it is applied.
type Outcome struct {
	Decision Decision        `json:"decision"`
	Rule     Decision        `json:"rule"`
	Reason   string          `json:"reason"`
	Source   entities.Source `json:"source"`
	Applied  bool            `json:"applied"`
}

// Decide evaluates one reading against the current state. It has no side effects.
// A nil reading evaluates only the max-run safety gate.
func Decide(p Policy, st entities.IrrigationState, r *messages.SensorReading, w *messages.Weather, v *Verdict, now time.Time) Outcome {
	elapsed, commanded := st.SinceLastCommand(now)
	out := Outcome{Decision: DecisionNoAction, Rule: DecisionNoAction, Source: entities.SourceSystem, Reason: "no reading to evaluate"}

	if r != nil {
		m, th := r.Moisture, st.Threshold
		detail := fmt.Sprintf("moisture=%.1f%%, threshold=%.1f%%, ml=%s", m, th, verdictLabel(v))

		switch {
		case m < th-p.Hysteresis:
			out.Decision = DecisionOn
			out.Reason = "soil below hysteresis band (" + detail + ")"
		case m > th+p.Hysteresis:
			out.Decision = DecisionOff
			out.Reason = "soil above hysteresis band (" + detail + ")"
		default:
			out.Reason = "soil within hysteresis band (" + detail + ")"
		}
		out.Rule = out.Decision

		if out.Decision == DecisionNoAction && v != nil && v.Irrigate {
			out.Decision = DecisionOn
			out.Source = entities.SourceAutoML
			out.Reason = "predictor requested irrigation inside hysteresis band (" + detail + ")"
		}

		if w != nil && w.RainChance >= p.RainChanceLimit && m > th-p.RainMargin {
			out.Decision = DecisionDelay
			out.Source = entities.SourceSystem
			out.Reason = fmt.Sprintf("rain expected, chance %.0f%% (%s)", w.RainChance, detail)
		}

		if commanded && elapsed < p.Cooldown && out.Decision != DecisionDelay {
			out.Decision = DecisionNoAction
			out.Source = entities.SourceSystem
			out.Reason = fmt.Sprintf("cooldown, last command %s ago (%s)", elapsed.Round(time.Second), detail)
		}
	}

	if st.Status == entities.StatusOn && commanded && elapsed > p.MaxRun {
		out.Decision = DecisionSafetyOff
		out.Source = entities.SourceSystem
		moisture := "n/a"
		if r != nil {
			moisture = fmt.Sprintf("%.1f%%", r.Moisture)
		}
		out.Reason = fmt.Sprintf("safety shutoff, pump ON for %s exceeds %s (moisture=%s, ml=%s)",
			elapsed.Round(time.Second), p.MaxRun, moisture, verdictLabel(v))
	}
	return out
}

// transition maps a decision onto the pump. ok is false when nothing changes; a
// SAFETY_OFF is always recorded.
func transition(st entities.IrrigationState, d Decision) (entities.Action, entities.PumpStatus, bool) {
	switch d {
	case DecisionOn:
		if st.Status == entities.StatusOn {
			return "", "", false
		}
		return entities.ActionOn, entities.StatusOn, true
	case DecisionOff:
		if st.Status == entities.StatusOff {
			return "", "", false
		}
		return entities.ActionOff, entities.StatusOff, true
	case DecisionSafetyOff:
		return entities.ActionSafetyOff, entities.StatusOff, true
	}
	return "", "", false
}

func verdictLabel(v *Verdict) string {
	switch {
	case v == nil:
		return "unavailable"
	case v.Irrigate:
		return "irrigate"
	default:
		return "skip"
	}
}
