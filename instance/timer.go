package instance

import (
	"fmt"
	"time"

	"github.com/wfnet/engine/definition"
	"github.com/wfnet/engine/event"
	"github.com/wfnet/engine/model"
)

// itemTimer tracks one armed task timer.  The wall-clock deadline rather
// than the original duration is kept so that unload and restore preserve
// the remaining time.
type itemTimer struct {
	itemID   string
	taskID   string
	deadline time.Time
	action   definition.TimerAction

	t *time.Timer
}

func (it *itemTimer) remaining() time.Duration {
	d := time.Until(it.deadline)
	if d < 0 {
		d = 0
	}
	return d
}

// armTimer registers a timer for a freshly enabled work item and, when an
// expiry handler is installed, schedules its firing.
func (c *Case) armTimer(r *NetRunner, wi *WorkItem, timer *definition.Timer) {
	it := &itemTimer{
		itemID:   wi.id,
		taskID:   wi.taskID,
		deadline: time.Now().Add(timer.Duration()),
		action:   timer.Action(),
	}
	r.timers[wi.id] = it
	c.scheduleTimer(it)
}

func (c *Case) scheduleTimer(it *itemTimer) {
	if c.onTimerExpiry == nil {
		return
	}
	handler := c.onTimerExpiry
	caseID := c.id
	itemID := it.itemID
	it.t = time.AfterFunc(it.remaining(), func() {
		handler(caseID, itemID)
	})
}

// disarmTimer stops and removes the timer of the given item, if any.
func (c *Case) disarmTimer(itemID string) {
	for _, r := range c.runners {
		it, ok := r.timers[itemID]
		if !ok {
			continue
		}
		if it.t != nil {
			it.t.Stop()
		}
		delete(r.timers, itemID)
		return
	}
}

// ArmTimers schedules the firing of every tracked timer.  Called after a
// restore once the expiry handler is installed; timers whose deadline has
// already passed fire immediately.
func (c *Case) ArmTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.runners {
		for _, it := range r.timers {
			if it.t == nil {
				c.scheduleTimer(it)
			}
		}
	}
}

// ExpireTimer applies the expiry of the given item's timer: the expiry is
// announced and the timer's action is carried out.  An unknown item or a
// timer already disarmed is a benign race and reports no error.
func (c *Case) ExpireTimer(itemID string) ([]*event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != model.CaseStatusRunning {
		return nil, nil
	}

	var it *itemTimer
	var owner *NetRunner
	for _, r := range c.runners {
		if found, ok := r.timers[itemID]; ok {
			it = found
			owner = r
			break
		}
	}
	if it == nil {
		return nil, nil
	}
	delete(owner.timers, itemID)

	wi, ok := c.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: timer for '%s' has no work item", ErrUnknownWorkItem, itemID)
	}

	c.emit(newItemEvent(event.ItemTimerExpired, c.id, wi))

	var err error
	switch it.action {
	case definition.TimerActionComplete:
		if wi.status == model.ItemStatusEnabled {
			err = c.startItem(itemID)
		}
		if err == nil && wi.status == model.ItemStatusExecuting {
			err = c.completeItem(itemID, nil)
		}
	case definition.TimerActionCancel:
		if wi.IsActive() {
			err = c.cancelItem(itemID)
		}
	}

	if err == nil {
		c.touch()
	}
	return c.takePending(), err
}
