package engine

import (
	"errors"
)

var (
	// ErrDuplicateCase is returned when launching or restoring under a case
	// id that is already live.
	ErrDuplicateCase = errors.New("case id already in use")

	// ErrUnknownCase is returned when the case id resolves to no live case.
	ErrUnknownCase = errors.New("unknown case")

	// ErrMonitoringDisabled is returned for unload requests while no idle
	// monitoring is configured.
	ErrMonitoringDisabled = errors.New("idle monitoring is disabled")

	// ErrVersionMismatch is returned when a snapshot references a
	// specification version that is not the registered one.
	ErrVersionMismatch = errors.New("snapshot specification version mismatch")

	// ErrShutdown is returned for operations on an engine that has been
	// shut down.
	ErrShutdown = errors.New("engine is shut down")
)
