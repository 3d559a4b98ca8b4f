package instance

import (
	"github.com/wfnet/engine/event"
)

func newCaseEvent(eventType event.Type, caseID string) *event.Event {
	return event.New(eventType, caseID)
}

func newItemEvent(eventType event.Type, caseID string, wi *WorkItem) *event.Event {
	evt := event.New(eventType, caseID)
	evt.TaskID = wi.taskID
	evt.ItemID = wi.id
	return evt
}
