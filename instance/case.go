package instance

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfnet/engine/definition"
	"github.com/wfnet/engine/event"
	"github.com/wfnet/engine/model"
	"github.com/wfnet/engine/support/log"
	"github.com/wfnet/engine/util"
)

// Case is one live execution of a workflow specification.  It owns the
// runner tree, the work item pool and the case data, all guarded by a
// single exclusive section: every exported operation locks, mutates, and
// returns the events raised so the caller can announce them outside the
// lock.
type Case struct {
	id  string
	def *definition.Definition

	mu     sync.Mutex
	status model.CaseStatus
	data   map[string]interface{}

	created    time.Time
	lastActive atomic.Int64

	root      *NetRunner
	runners   map[string]*NetRunner
	runnerCtr int

	items          map[string]*WorkItem
	suffixCtrs     map[itemKey]int
	groupCompleted map[itemKey]int

	pending []*event.Event

	evaluator definition.PredicateEvaluator
	orJoin    *orJoinAnalyzer
	logger    log.Logger

	onTimerExpiry func(caseID, itemID string)
}

// NewCase creates an unstarted case for the given specification.
func NewCase(def *definition.Definition, caseID string, logger log.Logger) *Case {
	if logger == nil {
		logger = log.RootLogger()
	}
	c := &Case{
		id:             caseID,
		def:            def,
		status:         model.CaseStatusRunning,
		data:           make(map[string]interface{}),
		created:        time.Now(),
		runners:        make(map[string]*NetRunner),
		items:          make(map[string]*WorkItem),
		suffixCtrs:     make(map[itemKey]int),
		groupCompleted: make(map[itemKey]int),
		evaluator:      definition.NewBasicEvaluator(),
		orJoin:         newOrJoinAnalyzer(DefaultOrJoinSearchLimit),
		logger:         logger,
	}
	c.touch()
	return c
}

// ID returns the case identifier.
func (c *Case) ID() string {
	return c.id
}

// Definition returns the specification the case executes.
func (c *Case) Definition() *definition.Definition {
	return c.def
}

// Status returns the current lifecycle status.
func (c *Case) Status() model.CaseStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastActive returns the time of the last successful state change.  Safe
// to call without entering the case's exclusive section.
func (c *Case) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// SetPredicateEvaluator replaces the predicate evaluator used by XOR and
// OR splits.  Must be called before Launch.
func (c *Case) SetPredicateEvaluator(evaluator definition.PredicateEvaluator) {
	if evaluator != nil {
		c.evaluator = evaluator
	}
}

// SetOrJoinSearchLimit bounds the backward search of OR-join enablement
// analysis.  Must be called before Launch.
func (c *Case) SetOrJoinSearchLimit(limit int) {
	if limit > 0 {
		c.orJoin = newOrJoinAnalyzer(limit)
	}
}

// SetTimerExpiryHandler installs the callback invoked when a task timer
// fires.  With no handler installed timers are tracked but never fire,
// which unit tests rely on.
func (c *Case) SetTimerExpiryHandler(handler func(caseID, itemID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTimerExpiry = handler
}

// Launch starts the case: the root runner is created, the input condition
// of the root net is marked and initial enablement is evaluated.
func (c *Case) Launch(initialData map[string]interface{}) ([]*event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root != nil {
		return nil, fmt.Errorf("%w: case '%s' already launched", ErrCaseNotRunning, c.id)
	}
	if initialData != nil {
		c.data = util.DeepCopyMap(initialData)
	}

	c.emit(newCaseEvent(event.CaseLaunched, c.id))

	c.root = newNetRunner(c, c.id, c.def.RootNet(), nil, "")
	c.root.marking.AddToken(c.root.net.InputCondition().ID())
	c.root.evaluate()

	c.touch()
	return c.takePending(), nil
}

// ListItems returns a snapshot of all work items, sorted by id.
func (c *Case) ListItems() []*WorkItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*WorkItem, 0, len(c.items))
	for _, wi := range c.items {
		out = append(out, wi)
	}
	sortItems(out)
	return out
}

// GetItem returns the work item with the given id.
func (c *Case) GetItem(itemID string) (*WorkItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wi, ok := c.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownWorkItem, itemID)
	}
	return wi, nil
}

// Data returns a copy of the case data.
func (c *Case) Data() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return util.DeepCopyMap(c.data)
}

// StartItem moves an enabled work item to Executing.  The first sibling
// started consumes the firing task's input tokens; a consumption that
// cannot be satisfied fails with ErrInvalidFiring and changes nothing.
func (c *Case) StartItem(itemID string) ([]*event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureRunning(); err != nil {
		return nil, err
	}
	err := c.startItem(itemID)
	if err == nil {
		c.touch()
	}
	return c.takePending(), err
}

// CompleteItem finishes an executing work item, merging its output into
// the case data.  When the completion count of the firing reaches the
// task's threshold the task completes: remaining siblings are cancelled,
// split outputs are produced once and the cancellation set is applied.
func (c *Case) CompleteItem(itemID string, outputData map[string]interface{}) ([]*event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureRunning(); err != nil {
		return nil, err
	}
	err := c.completeItem(itemID, outputData)
	if err == nil {
		c.touch()
	}
	return c.takePending(), err
}

// CancelItem cancels a single active work item.  When the last active
// sibling of a firing is cancelled below the completion threshold the
// firing is abandoned: the task's busy flag clears without producing
// output tokens, and its cancellation set is applied.
func (c *Case) CancelItem(itemID string) ([]*event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureRunning(); err != nil {
		return nil, err
	}
	err := c.cancelItem(itemID)
	if err == nil {
		c.touch()
	}
	return c.takePending(), err
}

// SuspendItem pauses an executing work item.
func (c *Case) SuspendItem(itemID string) ([]*event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureRunning(); err != nil {
		return nil, err
	}
	wi, ok := c.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownWorkItem, itemID)
	}
	if err := wi.transition(model.ItemStatusSuspended); err != nil {
		return nil, err
	}
	c.emit(newItemEvent(event.ItemSuspended, c.id, wi))
	c.touch()
	return c.takePending(), nil
}

// ResumeItem returns a suspended work item to Executing.
func (c *Case) ResumeItem(itemID string) ([]*event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureRunning(); err != nil {
		return nil, err
	}
	wi, ok := c.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownWorkItem, itemID)
	}
	if err := wi.transition(model.ItemStatusExecuting); err != nil {
		return nil, err
	}
	c.emit(newItemEvent(event.ItemResumed, c.id, wi))
	c.touch()
	return c.takePending(), nil
}

// Cancel terminates the whole case: every active work item is cancelled,
// every timer disarmed, and the case moves to Cancelled.
func (c *Case) Cancel() ([]*event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureRunning(); err != nil {
		return nil, err
	}

	for _, wi := range c.sortedItems() {
		if !wi.IsActive() {
			continue
		}
		_ = wi.transition(model.ItemStatusCancelled)
		c.disarmTimer(wi.id)
		c.emit(newItemEvent(event.ItemCancelled, c.id, wi))
	}
	for _, r := range c.runners {
		for itemID := range r.timers {
			c.disarmTimer(itemID)
		}
	}

	c.status = model.CaseStatusCancelled
	c.emit(newCaseEvent(event.CaseCancelled, c.id))
	c.touch()
	return c.takePending(), nil
}

//////////////////////////////////////////////////////////////////////////
// internals, case lock held

func (c *Case) ensureRunning() error {
	if c.status != model.CaseStatusRunning {
		return fmt.Errorf("%w: case '%s' is %s", ErrCaseNotRunning, c.id, c.status.String())
	}
	return nil
}

func (c *Case) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Case) emit(evt *event.Event) {
	c.pending = append(c.pending, evt)
}

func (c *Case) takePending() []*event.Event {
	events := c.pending
	c.pending = nil
	return events
}

// enableTask creates the work items of a newly enabled task: one item for
// an atomic task, the full sibling group for a multiple-instance task.
// A task with siblings still active reports ErrAlreadyEnabled and is left
// alone.
func (c *Case) enableTask(r *NetRunner, task *definition.Task) error {

	if len(c.activeSiblings(r.id, task.ID())) > 0 {
		return fmt.Errorf("%w: task '%s' in runner '%s'", ErrAlreadyEnabled, task.ID(), r.id)
	}

	count := 1
	if mi := task.MultiInstance(); mi != nil {
		count = mi.Max()
	}

	key := itemKey{runnerID: r.id, taskID: task.ID()}
	for i := 0; i < count; i++ {
		suffix := c.suffixCtrs[key]
		c.suffixCtrs[key]++

		wi := newWorkItem(r.id, task.ID(), suffix, util.DeepCopyMap(c.data))
		c.items[wi.id] = wi
		c.emit(newItemEvent(event.ItemEnabled, c.id, wi))

		if timer := task.Timer(); timer != nil {
			c.armTimer(r, wi, timer)
		}
	}
	return nil
}

// withdrawEnabled cancels the Enabled items of a task that is no longer
// enabled by the marking.
func (c *Case) withdrawEnabled(r *NetRunner, task *definition.Task) {
	for _, wi := range c.activeSiblings(r.id, task.ID()) {
		if wi.status != model.ItemStatusEnabled {
			continue
		}
		_ = wi.transition(model.ItemStatusCancelled)
		c.disarmTimer(wi.id)
		c.emit(newItemEvent(event.ItemCancelled, c.id, wi))
	}
}

func (c *Case) startItem(itemID string) error {

	wi, ok := c.items[itemID]
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrUnknownWorkItem, itemID)
	}
	if wi.status != model.ItemStatusEnabled {
		return fmt.Errorf("%w: work item '%s' is %s", ErrInvalidTransition, itemID, wi.status.String())
	}

	r, ok := c.runners[wi.runnerID]
	if !ok {
		return fmt.Errorf("%w: work item '%s' has no live runner", ErrUnknownWorkItem, itemID)
	}
	task := r.net.GetTask(wi.taskID)
	if task == nil {
		return fmt.Errorf("%w: work item '%s' references unknown task '%s'", ErrUnknownWorkItem, itemID, wi.taskID)
	}

	// the first sibling started fires the task
	if !r.marking.IsBusy(task.ID()) {
		if err := r.fire(task); err != nil {
			return err
		}
		c.groupCompleted[itemKey{runnerID: r.id, taskID: task.ID()}] = 0
	}

	_ = wi.transition(model.ItemStatusFired)
	_ = wi.transition(model.ItemStatusExecuting)
	c.emit(newItemEvent(event.ItemStarted, c.id, wi))

	// consuming input tokens may disable sibling tasks
	r.evaluate()
	return nil
}

func (c *Case) completeItem(itemID string, outputData map[string]interface{}) error {

	wi, ok := c.items[itemID]
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrUnknownWorkItem, itemID)
	}
	if wi.status != model.ItemStatusExecuting {
		return fmt.Errorf("%w: work item '%s' is %s", ErrInvalidTransition, itemID, wi.status.String())
	}

	r, ok := c.runners[wi.runnerID]
	if !ok {
		return fmt.Errorf("%w: work item '%s' has no live runner", ErrUnknownWorkItem, itemID)
	}
	task := r.net.GetTask(wi.taskID)
	if task == nil {
		return fmt.Errorf("%w: work item '%s' references unknown task '%s'", ErrUnknownWorkItem, itemID, wi.taskID)
	}
	key := itemKey{runnerID: r.id, taskID: task.ID()}

	completed := c.groupCompleted[key] + 1
	retire := completed >= completionThreshold(task)

	// evaluate the split against the merged data before committing
	// anything; a rejected completion leaves case data and item state
	// untouched
	merged := c.data
	if outputData != nil {
		merged = util.DeepCopyMap(c.data)
		for k, v := range util.DeepCopyMap(outputData) {
			merged[k] = v
		}
	}
	var targets []*definition.Condition
	if retire {
		var err error
		targets, err = r.splitTargets(task, merged)
		if err != nil {
			return err
		}
	}
	c.data = merged

	_ = wi.transition(model.ItemStatusComplete)
	wi.outputData = util.DeepCopyMap(outputData)
	c.disarmTimer(wi.id)
	c.emit(newItemEvent(event.ItemCompleted, c.id, wi))
	c.groupCompleted[key] = completed

	if !retire {
		return nil
	}

	// threshold reached: surplus siblings are cancelled, the task
	// completes exactly once
	for _, sibling := range c.activeSiblings(r.id, task.ID()) {
		_ = sibling.transition(model.ItemStatusCancelled)
		c.disarmTimer(sibling.id)
		c.emit(newItemEvent(event.ItemCancelled, c.id, sibling))
	}
	delete(c.groupCompleted, key)

	r.completeFiring(task, targets)
	return nil
}

func (c *Case) cancelItem(itemID string) error {

	wi, ok := c.items[itemID]
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrUnknownWorkItem, itemID)
	}
	if err := wi.transition(model.ItemStatusCancelled); err != nil {
		return err
	}
	c.disarmTimer(wi.id)
	c.emit(newItemEvent(event.ItemCancelled, c.id, wi))

	r, ok := c.runners[wi.runnerID]
	if !ok {
		return nil
	}
	task := r.net.GetTask(wi.taskID)
	if task == nil {
		return nil
	}
	key := itemKey{runnerID: r.id, taskID: task.ID()}

	// cancelling an item that never started consumes nothing: the input
	// tokens stay put and the task is re-offered on the next marking change
	if !r.marking.IsBusy(task.ID()) {
		return nil
	}
	if len(c.activeSiblings(r.id, task.ID())) > 0 {
		return nil
	}

	// last sibling of the firing gone before the threshold
	delete(c.groupCompleted, key)
	r.abandonFiring(task)
	return nil
}

// cancelTaskItems cancels every active work item of a task, announcing
// each cancellation.  Used by cancellation sets and runner teardown.
func (c *Case) cancelTaskItems(r *NetRunner, task *definition.Task) {
	for _, wi := range c.activeSiblings(r.id, task.ID()) {
		_ = wi.transition(model.ItemStatusCancelled)
		c.disarmTimer(wi.id)
		c.emit(newItemEvent(event.ItemCancelled, c.id, wi))
	}
	delete(c.groupCompleted, itemKey{runnerID: r.id, taskID: task.ID()})
}

// cancelRunnerTree tears down a child runner and its descendants: active
// items cancelled, timers disarmed, runners removed from the arena.
func (c *Case) cancelRunnerTree(r *NetRunner) {

	for _, child := range r.children {
		c.cancelRunnerTree(child)
	}

	for _, wi := range c.sortedItems() {
		if wi.runnerID != r.id || !wi.IsActive() {
			continue
		}
		_ = wi.transition(model.ItemStatusCancelled)
		c.emit(newItemEvent(event.ItemCancelled, c.id, wi))
	}
	for itemID := range r.timers {
		c.disarmTimer(itemID)
	}

	c.discardRunner(r)
}

func (c *Case) discardRunner(r *NetRunner) {
	delete(c.runners, r.id)
	if r.parent != nil {
		delete(r.parent.children, r.id)
	}
}

func (c *Case) completeCase() {
	c.status = model.CaseStatusCompleted
	c.emit(newCaseEvent(event.CaseCompleted, c.id))
}

func (c *Case) sortedItems() []*WorkItem {
	out := make([]*WorkItem, 0, len(c.items))
	for _, wi := range c.items {
		out = append(out, wi)
	}
	sortItems(out)
	return out
}
