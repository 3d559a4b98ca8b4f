package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle transition announced to listeners.
type Type string

const (
	CaseLaunched    Type = "CASE_LAUNCHED"
	CaseCompleted   Type = "CASE_COMPLETED"
	CaseCancelled   Type = "CASE_CANCELLED"
	CaseUnloaded    Type = "CASE_UNLOADED"
	CaseRestored    Type = "CASE_RESTORED"
	CaseIdleTimeout Type = "CASE_IDLE_TIMEOUT"

	ItemEnabled           Type = "ITEM_ENABLED"
	ItemEnabledReannounce Type = "ITEM_ENABLED_REANNOUNCE"
	ItemStarted           Type = "ITEM_STARTED"
	ItemCompleted         Type = "ITEM_COMPLETED"
	ItemCancelled         Type = "ITEM_CANCELLED"
	ItemSuspended         Type = "ITEM_SUSPENDED"
	ItemResumed           Type = "ITEM_RESUMED"
	ItemTimerExpired      Type = "ITEM_TIMER_EXPIRED"
)

// Event is one announced lifecycle transition.  CaseID is always set;
// TaskID and ItemID are set for work item events.
type Event struct {
	ID     string                 `json:"id"`
	Type   Type                   `json:"type"`
	CaseID string                 `json:"caseId"`
	TaskID string                 `json:"taskId,omitempty"`
	ItemID string                 `json:"itemId,omitempty"`
	Time   time.Time              `json:"time"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// New constructs an event stamped with the current time.
func New(eventType Type, caseID string) *Event {
	return &Event{
		ID:     uuid.New().String(),
		Type:   eventType,
		CaseID: caseID,
		Time:   time.Now(),
	}
}

// Listener receives announced events.  Listeners may reenter engine APIs;
// delivery is queued outside the per-case section so doing so cannot
// deadlock.  A returned error is logged and isolated.
type Listener interface {
	HandleEvent(evt *Event) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(evt *Event) error

func (f ListenerFunc) HandleEvent(evt *Event) error {
	return f(evt)
}
