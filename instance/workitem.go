package instance

import (
	"fmt"
	"sort"
	"time"

	"github.com/wfnet/engine/definition"
	"github.com/wfnet/engine/model"
)

// WorkItem is the externally visible instance of a task within a running
// case.  Its id is runnerID:taskID, with an .N suffix for the siblings of
// a multiple-instance group.
type WorkItem struct {
	id       string
	runnerID string
	taskID   string
	suffix   int

	status  model.WorkItemStatus
	created time.Time

	inputData  map[string]interface{}
	outputData map[string]interface{}
}

func newWorkItem(runnerID, taskID string, suffix int, inputData map[string]interface{}) *WorkItem {
	return &WorkItem{
		id:        workItemID(runnerID, taskID, suffix),
		runnerID:  runnerID,
		taskID:    taskID,
		suffix:    suffix,
		status:    model.ItemStatusEnabled,
		created:   time.Now(),
		inputData: inputData,
	}
}

func workItemID(runnerID, taskID string, suffix int) string {
	if suffix == 0 {
		return runnerID + ":" + taskID
	}
	return fmt.Sprintf("%s:%s.%d", runnerID, taskID, suffix)
}

// ID returns the work item identifier
func (wi *WorkItem) ID() string {
	return wi.id
}

// RunnerID returns the id of the net runner the item belongs to
func (wi *WorkItem) RunnerID() string {
	return wi.runnerID
}

// TaskID returns the id of the item's task
func (wi *WorkItem) TaskID() string {
	return wi.taskID
}

// Suffix returns the instance suffix within a multiple-instance group,
// zero for single-instance tasks
func (wi *WorkItem) Suffix() int {
	return wi.suffix
}

// Status returns the current lifecycle status
func (wi *WorkItem) Status() model.WorkItemStatus {
	return wi.status
}

// Created returns the enablement timestamp
func (wi *WorkItem) Created() time.Time {
	return wi.created
}

// InputData returns the item's input data
func (wi *WorkItem) InputData() map[string]interface{} {
	return wi.inputData
}

// OutputData returns the item's output data, nil until completion
func (wi *WorkItem) OutputData() map[string]interface{} {
	return wi.outputData
}

// IsActive reports whether the item is in a non-terminal state.
func (wi *WorkItem) IsActive() bool {
	return !wi.status.IsTerminal()
}

func (wi *WorkItem) String() string {
	return fmt.Sprintf("WorkItem[%s] %s", wi.id, wi.status)
}

// transition moves the item to the target status, guarded by the legal
// transition table.
func (wi *WorkItem) transition(to model.WorkItemStatus) error {
	if !wi.status.CanTransition(to) {
		return fmt.Errorf("%w: '%s' %s -> %s", ErrInvalidTransition, wi.id, wi.status, to)
	}
	wi.status = to
	return nil
}

// itemKey identifies an active (runner, task) group.
type itemKey struct {
	runnerID string
	taskID   string
}

// activeSiblings returns the non-terminal items of the task group.
func (c *Case) activeSiblings(runnerID, taskID string) []*WorkItem {
	var siblings []*WorkItem
	for _, wi := range c.items {
		if wi.runnerID == runnerID && wi.taskID == taskID && wi.IsActive() {
			siblings = append(siblings, wi)
		}
	}
	sortItems(siblings)
	return siblings
}

func sortItems(items []*WorkItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].id < items[j].id })
}

// completionThreshold returns the number of completed siblings at which a
// task group retires: 1 for single-instance tasks, the configured
// threshold for multiple-instance tasks.
func completionThreshold(task *definition.Task) int {
	if mi := task.MultiInstance(); mi != nil {
		return mi.Threshold()
	}
	return 1
}
