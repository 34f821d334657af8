// Package model re-exports the wire types shared with field devices.
package model

import (
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

type (
	ActuatorCommand = messages.ActuatorCommand
	PumpStatus      = entities.PumpStatus
)

const (
	StatusOn  = entities.StatusOn
	StatusOff = entities.StatusOff

	ActionSafetyOff = entities.ActionSafetyOff
)
