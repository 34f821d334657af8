package entities

import (
	"fmt"
	"strings"
	"time"
)

// PumpStatus is the commanded state of the irrigation pump.
type PumpStatus string

const (
	StatusOff PumpStatus = "OFF"
	StatusOn  PumpStatus = "ON"
)

// Mode selects who drives the pump: the decision engine (AUTO) or the user (MANUAL).
type Mode string

const (
	ModeAuto   Mode = "AUTO"
	ModeManual Mode = "MANUAL"
)

// Action is what a history entry records.
type Action string

const (
	ActionOn         Action = "ON"
	ActionOff        Action = "OFF"
	ActionModeAuto   Action = "MODE_AUTO"
	ActionModeManual Action = "MODE_MANUAL"
	ActionSafetyOff  Action = "SAFETY_OFF"
)

// Source tells who originated a history entry.
type Source string

const (
	SourceUser   Source = "user"
	SourceSystem Source = "system"
	SourceAutoML Source = "auto-ml"
)

const DefaultThreshold = 40.0

func ParseStatus(s string) (PumpStatus, error) {
	switch PumpStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusOn:
		return StatusOn, nil
	case StatusOff:
		return StatusOff, nil
	}
	return "", fmt.Errorf("invalid pump status %q", s)
}

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	}
	return "", fmt.Errorf("invalid mode %q", s)
}

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionOn, ActionOff, ActionModeAuto, ActionModeManual, ActionSafetyOff:
		return a, nil
	}
	return "", fmt.Errorf("invalid action %q", s)
}

// ParseSource accepts the legacy upper-case "AUTO-ML" spelling too.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceUser, SourceSystem, SourceAutoML:
		return src, nil
	}
	return "", fmt.Errorf("invalid source %q", s)
}

// ModeAction maps a mode switch to its history action.
func ModeAction(m Mode) Action {
	if m == ModeAuto {
		return ActionModeAuto
	}
	return ActionModeManual
}

// IrrigationState is the singleton control document owned by the coordinator.
type IrrigationState struct {
	Status              PumpStatus `json:"status"`
	Mode                Mode       `json:"mode"`
	Threshold           float64    `json:"threshold"`
	LastCommandAt       *time.Time `json:"lastCommandAt"`
	LastAppliedMoisture *float64   `json:"lastAppliedMoisture"`
	History             History    `json:"history"`
}

// NewIrrigationState returns the document created on first access.
func NewIrrigationState() IrrigationState {
	return IrrigationState{
		Status:    StatusOff,
		Mode:      ModeManual,
		Threshold: DefaultThreshold,
		History:   History{},
	}
}

// Clone returns a deep copy so callers never share pointers or the history slice.
func (s IrrigationState) Clone() IrrigationState {
	out := s
	if s.LastCommandAt != nil {
		t := *s.LastCommandAt
		out.LastCommandAt = &t
	}
	if s.LastAppliedMoisture != nil {
		m := *s.LastAppliedMoisture
		out.LastAppliedMoisture = &m
	}
	out.History = append(History(nil), s.History...)
	if out.History == nil {
		out.History = History{}
	}
	return out
}

// SinceLastCommand reports the elapsed time since the last command, and false when
// no command was ever issued.
func (s IrrigationState) SinceLastCommand(now time.Time) (time.Duration, bool) {
	if s.LastCommandAt == nil {
		return 0, false
	}
	return now.Sub(*s.LastCommandAt), true
}
