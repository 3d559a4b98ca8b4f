package model

type CaseStatus int
type WorkItemStatus int

const (
	// CaseStatusRunning indicates that the Case is active in the engine
	CaseStatusRunning CaseStatus = 100

	// CaseStatusCompleted indicates that the Case has run to completion
	CaseStatusCompleted CaseStatus = 500

	// CaseStatusCancelled indicates that the Case has been cancelled
	CaseStatusCancelled CaseStatus = 600

	// CaseStatusUnloaded indicates that the Case was evicted into a snapshot
	CaseStatusUnloaded CaseStatus = 700

	// ItemStatusEnabled indicates that the Work Item may be started
	ItemStatusEnabled WorkItemStatus = 10

	// ItemStatusFired indicates that the Work Item's task has consumed its
	// input tokens
	ItemStatusFired WorkItemStatus = 20

	// ItemStatusExecuting indicates that the Work Item is being worked on
	ItemStatusExecuting WorkItemStatus = 30

	// ItemStatusSuspended indicates that the Work Item is paused and resumable
	ItemStatusSuspended WorkItemStatus = 40

	// ItemStatusComplete indicates that the Work Item finished normally
	ItemStatusComplete WorkItemStatus = 50

	// ItemStatusCancelled indicates that the Work Item was withdrawn or
	// cancelled
	ItemStatusCancelled WorkItemStatus = 60
)

func (s CaseStatus) String() string {
	switch s {
	case CaseStatusRunning:
		return "Running"
	case CaseStatusCompleted:
		return "Completed"
	case CaseStatusCancelled:
		return "Cancelled"
	case CaseStatusUnloaded:
		return "Unloaded"
	}
	return "Unknown"
}

func (s WorkItemStatus) String() string {
	switch s {
	case ItemStatusEnabled:
		return "Enabled"
	case ItemStatusFired:
		return "Fired"
	case ItemStatusExecuting:
		return "Executing"
	case ItemStatusSuspended:
		return "Suspended"
	case ItemStatusComplete:
		return "Complete"
	case ItemStatusCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// IsTerminal reports whether no further transitions are possible from s.
// An unloaded case is not terminal; it re-enters via snapshot restore.
func (s CaseStatus) IsTerminal() bool {
	return s == CaseStatusCompleted || s == CaseStatusCancelled
}

// IsTerminal reports whether no further transitions are possible from s.
func (s WorkItemStatus) IsTerminal() bool {
	return s == ItemStatusComplete || s == ItemStatusCancelled
}

// legal work item transitions: Enabled → Fired → Executing →
// {Complete, Cancelled, Suspended ⇄ Executing}; cancel is legal from any
// non-terminal state
var itemTransitions = map[WorkItemStatus][]WorkItemStatus{
	ItemStatusEnabled:   {ItemStatusFired, ItemStatusCancelled},
	ItemStatusFired:     {ItemStatusExecuting, ItemStatusCancelled},
	ItemStatusExecuting: {ItemStatusComplete, ItemStatusCancelled, ItemStatusSuspended},
	ItemStatusSuspended: {ItemStatusExecuting, ItemStatusCancelled},
}

// CanTransition reports whether a work item may move from one status to
// another.
func (s WorkItemStatus) CanTransition(to WorkItemStatus) bool {
	for _, next := range itemTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether a case may move from one status to another.
// Completed, Cancelled and Unloaded are all terminal within the engine's
// active set; an Unloaded case re-enters only via snapshot restore.
func (s CaseStatus) CanTransition(to CaseStatus) bool {
	if s != CaseStatusRunning {
		return false
	}
	return to == CaseStatusCompleted || to == CaseStatusCancelled || to == CaseStatusUnloaded
}
