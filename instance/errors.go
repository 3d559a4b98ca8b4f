package instance

import (
	"errors"
)

var (
	// ErrInvalidFiring is returned for an illegal fire request: the task is
	// not enabled or the task id is unknown.  The marking is not mutated.
	ErrInvalidFiring = errors.New("invalid firing request")

	// ErrNoViableFlow is returned when an XOR or OR split finds no matching
	// predicate and no default flow.
	ErrNoViableFlow = errors.New("no viable outgoing flow")

	// ErrAlreadyEnabled is returned by task enablement when the (runner,
	// task) group already has active work items.
	ErrAlreadyEnabled = errors.New("task already enabled")

	// ErrInvalidTransition is returned when a work item is not in a state
	// from which the requested transition is legal.
	ErrInvalidTransition = errors.New("illegal work item transition")

	// ErrUnknownWorkItem is returned when the work item id is not known to
	// the case.
	ErrUnknownWorkItem = errors.New("unknown work item")

	// ErrCaseNotRunning is returned when an operation is attempted on a
	// case that has already completed or been cancelled.
	ErrCaseNotRunning = errors.New("case is not running")
)
