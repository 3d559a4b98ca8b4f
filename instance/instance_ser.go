package instance

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wfnet/engine/definition"
	"github.com/wfnet/engine/event"
	"github.com/wfnet/engine/model"
	"github.com/wfnet/engine/state"
	"github.com/wfnet/engine/support/log"
	"github.com/wfnet/engine/util"
)

// Snapshot externalizes the full case state.  The snapshot is built under
// the case's exclusive section with copied data, so later mutation of the
// case never leaks into it.
func (c *Case) Snapshot() (*state.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// snapshotLocked builds the snapshot; the exclusive section is held by
// the caller.
func (c *Case) snapshotLocked() (*state.Snapshot, error) {

	if c.root == nil {
		return nil, fmt.Errorf("%w: case '%s' was never launched", ErrCaseNotRunning, c.id)
	}

	snap := &state.Snapshot{
		SpecID:      c.def.ID(),
		SpecVersion: c.def.Version(),
		CaseID:      c.id,
		Status:      int(c.status),
		Data:        util.DeepCopyMap(c.data),
		Created:     c.created,
		Marshaled:   time.Now(),
		Runner:      c.runnerState(c.root),
		Counters:    make(map[string]int, len(c.suffixCtrs)),
		Groups:      make(map[string]int, len(c.groupCompleted)),
	}

	for _, wi := range c.sortedItems() {
		snap.Items = append(snap.Items, &state.ItemState{
			ID:         wi.id,
			RunnerID:   wi.runnerID,
			TaskID:     wi.taskID,
			Suffix:     wi.suffix,
			Status:     int(wi.status),
			Created:    wi.created,
			InputData:  util.DeepCopyMap(wi.inputData),
			OutputData: util.DeepCopyMap(wi.outputData),
		})
	}
	for key, n := range c.suffixCtrs {
		snap.Counters[encodeGroupKey(key)] = n
	}
	for key, n := range c.groupCompleted {
		snap.Groups[encodeGroupKey(key)] = n
	}
	return snap, nil
}

// SnapshotAndUnload atomically snapshots the case and moves it to
// Unloaded.  No work item activity can interleave; the caller announces
// the returned events after removing the case from its registry.
func (c *Case) SnapshotAndUnload() (*state.Snapshot, []*event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != model.CaseStatusRunning {
		return nil, nil, fmt.Errorf("%w: case '%s' is %s", ErrCaseNotRunning, c.id, c.status.String())
	}

	snap, err := c.snapshotLocked()
	if err != nil {
		return nil, nil, err
	}

	for _, r := range c.runners {
		for _, it := range r.timers {
			if it.t != nil {
				it.t.Stop()
				it.t = nil
			}
		}
	}

	c.status = model.CaseStatusUnloaded
	c.emit(newCaseEvent(event.CaseUnloaded, c.id))
	return snap, c.takePending(), nil
}

func (c *Case) runnerState(r *NetRunner) *state.RunnerState {

	rs := &state.RunnerState{
		ID:         r.id,
		NetID:      r.net.ID(),
		ParentTask: r.parentTask,
		Tokens:     r.marking.Tokens(),
		Busy:       r.marking.BusyTasks(),
	}

	itemIDs := make([]string, 0, len(r.timers))
	for itemID := range r.timers {
		itemIDs = append(itemIDs, itemID)
	}
	sort.Strings(itemIDs)
	for _, itemID := range itemIDs {
		it := r.timers[itemID]
		rs.Timers = append(rs.Timers, &state.TimerState{
			ItemID:    it.itemID,
			TaskID:    it.taskID,
			Remaining: it.remaining(),
			Action:    string(it.action),
		})
	}

	childIDs := make([]string, 0, len(r.children))
	for childID := range r.children {
		childIDs = append(childIDs, childID)
	}
	sort.Strings(childIDs)
	for _, childID := range childIDs {
		rs.Children = append(rs.Children, c.runnerState(r.children[childID]))
	}
	return rs
}

// RestoreCase rebuilds a running case from a snapshot taken against the
// given specification.  Enabled work items are reported in the returned
// events as re-announcements so listeners can resynchronize without
// mistaking them for new enablements.  Timers are tracked with their
// remaining durations but fire only once an expiry handler is installed
// and ArmTimers is called.
func RestoreCase(def *definition.Definition, snap *state.Snapshot, logger log.Logger) (*Case, []*event.Event, error) {

	if err := snap.Validate(); err != nil {
		return nil, nil, err
	}
	if snap.SpecID != def.ID() {
		return nil, nil, fmt.Errorf("%w: snapshot is for spec '%s', not '%s'", state.ErrCorruptSnapshot, snap.SpecID, def.ID())
	}

	c := NewCase(def, snap.CaseID, logger)
	c.status = model.CaseStatusRunning
	if snap.Data != nil {
		c.data = util.DeepCopyMap(snap.Data)
	}
	c.created = snap.Created

	root, err := c.restoreRunner(snap.Runner, nil)
	if err != nil {
		return nil, nil, err
	}
	c.root = root

	for _, is := range snap.Items {
		wi := &WorkItem{
			id:         is.ID,
			runnerID:   is.RunnerID,
			taskID:     is.TaskID,
			suffix:     is.Suffix,
			status:     model.WorkItemStatus(is.Status),
			created:    is.Created,
			inputData:  util.DeepCopyMap(is.InputData),
			outputData: util.DeepCopyMap(is.OutputData),
		}
		c.items[wi.id] = wi
	}

	// A terminal item may reference a child runner that has since been
	// discarded, but an active item must resolve to a live runner and task.
	for _, wi := range c.items {
		if wi.status.IsTerminal() {
			continue
		}
		r, ok := c.runners[wi.runnerID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: item '%s' references unknown runner '%s'", state.ErrCorruptSnapshot, wi.id, wi.runnerID)
		}
		if r.net.GetTask(wi.taskID) == nil {
			return nil, nil, fmt.Errorf("%w: item '%s' references unknown task '%s'", state.ErrCorruptSnapshot, wi.id, wi.taskID)
		}
	}

	for encoded, n := range snap.Counters {
		key, err := decodeGroupKey(encoded)
		if err != nil {
			return nil, nil, err
		}
		c.suffixCtrs[key] = n
	}
	for encoded, n := range snap.Groups {
		key, err := decodeGroupKey(encoded)
		if err != nil {
			return nil, nil, err
		}
		c.groupCompleted[key] = n
	}

	var events []*event.Event
	for _, wi := range c.sortedItems() {
		if wi.status == model.ItemStatusEnabled {
			events = append(events, newItemEvent(event.ItemEnabledReannounce, c.id, wi))
		}
	}
	c.touch()
	return c, events, nil
}

func (c *Case) restoreRunner(rs *state.RunnerState, parent *NetRunner) (*NetRunner, error) {

	net := c.def.GetNet(rs.NetID)
	if net == nil {
		return nil, fmt.Errorf("%w: runner '%s' references unknown net '%s'", state.ErrCorruptSnapshot, rs.ID, rs.NetID)
	}

	r := newNetRunner(c, rs.ID, net, parent, rs.ParentTask)
	c.noteRunnerID(rs.ID)

	for condID, count := range rs.Tokens {
		if net.GetCondition(condID) == nil {
			return nil, fmt.Errorf("%w: runner '%s' marks unknown condition '%s'", state.ErrCorruptSnapshot, rs.ID, condID)
		}
		for i := 0; i < count; i++ {
			r.marking.AddToken(condID)
		}
	}
	for _, taskID := range rs.Busy {
		if net.GetTask(taskID) == nil {
			return nil, fmt.Errorf("%w: runner '%s' marks unknown task '%s' busy", state.ErrCorruptSnapshot, rs.ID, taskID)
		}
		r.marking.SetBusy(taskID, true)
	}
	for _, ts := range rs.Timers {
		r.timers[ts.ItemID] = &itemTimer{
			itemID:   ts.ItemID,
			taskID:   ts.TaskID,
			deadline: time.Now().Add(ts.Remaining),
			action:   definition.TimerAction(ts.Action),
		}
	}
	for _, child := range rs.Children {
		if _, err := c.restoreRunner(child, r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// noteRunnerID advances the child runner counter past a restored id so
// new composite firings never collide with restored runners.
func (c *Case) noteRunnerID(id string) {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return
	}
	if n, err := strconv.Atoi(id[idx+1:]); err == nil && n > c.runnerCtr {
		c.runnerCtr = n
	}
}

func encodeGroupKey(key itemKey) string {
	return key.runnerID + "|" + key.taskID
}

func decodeGroupKey(encoded string) (itemKey, error) {
	parts := strings.SplitN(encoded, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return itemKey{}, fmt.Errorf("%w: malformed group key '%s'", state.ErrCorruptSnapshot, encoded)
	}
	return itemKey{runnerID: parts[0], taskID: parts[1]}, nil
}
