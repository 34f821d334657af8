package irrigation_controller

import "errors"

var (
	// ErrCollaboratorUnavailable marks a weather or predictor failure. Callers degrade.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	// ErrPersistence aborts the current command; in-memory state is left untouched.
	ErrPersistence = errors.New("persistence failure")
	// ErrConcurrentAccess is logged when two commands overlap inside the coordinator.
	ErrConcurrentAccess = errors.New("concurrent access to irrigation state")

	ErrInvalidCommand   = errors.New("invalid command")
	ErrInvalidThreshold = errors.New("threshold must be within [0,100]")
)
