package instance

import (
	"fmt"
	"sort"

	"github.com/wfnet/engine/definition"
)

// NetRunner is the execution unit bound to one case or sub-case.  It owns
// exactly one Marking over one net, the timers of its items, and the child
// runners of its live composite task instances.  Runners form a strict
// tree; a child's completion is reported to its parent as completion of
// the originating composite task.
//
// All NetRunner methods are called with the owning case's exclusive
// section held.
type NetRunner struct {
	c  *Case
	id string

	net     *definition.Net
	marking *Marking

	parent     *NetRunner
	parentTask string
	children   map[string]*NetRunner

	timers map[string]*itemTimer
}

func newNetRunner(c *Case, id string, net *definition.Net, parent *NetRunner, parentTask string) *NetRunner {
	r := &NetRunner{
		c:          c,
		id:         id,
		net:        net,
		marking:    NewMarking(),
		parent:     parent,
		parentTask: parentTask,
		children:   make(map[string]*NetRunner),
		timers:     make(map[string]*itemTimer),
	}
	c.runners[id] = r
	if parent != nil {
		parent.children[id] = r
	}
	return r
}

// ID returns the runner identifier: the case id for the root runner, a
// case-scoped sub-identifier for composite children.
func (r *NetRunner) ID() string {
	return r.id
}

// Net returns the net this runner executes.
func (r *NetRunner) Net() *definition.Net {
	return r.net
}

// Marking returns the runner's token state.
func (r *NetRunner) Marking() *Marking {
	return r.marking
}

// evaluate recomputes task enablement from the current marking: newly
// enabled atomic tasks get work items, automatically firing composite
// tasks are fired, and items of tasks that lost their enablement are
// withdrawn.  Re-run after every marking change.
func (r *NetRunner) evaluate() {

	for fired := true; fired; {
		fired = false

		for _, task := range r.sortedTasks() {
			if r.marking.IsBusy(task.ID()) {
				continue
			}
			if r.joinEnabled(task) {
				if task.IsComposite() {
					if err := r.fireComposite(task); err != nil {
						r.c.logger.Errorf("case '%s': composite task '%s' failed to fire: %v", r.c.id, task.ID(), err)
						continue
					}
					fired = true
					break // marking changed, restart the scan
				}
				// an active group keeps its items across re-evaluation
				_ = r.c.enableTask(r, task)
			} else {
				r.c.withdrawEnabled(r, task)
			}
		}
	}

	r.checkCompletion()
}

func (r *NetRunner) sortedTasks() []*definition.Task {
	tasks := r.net.Tasks()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID() < tasks[j].ID() })
	return tasks
}

// joinEnabled applies the join rule of the task to the current marking.
func (r *NetRunner) joinEnabled(task *definition.Task) bool {

	inputs := inputConditions(task)
	if len(inputs) == 0 {
		return false
	}

	switch task.JoinType() {
	case definition.JoinAnd:
		for _, cond := range inputs {
			if !r.marking.HasToken(cond.ID()) {
				return false
			}
		}
		return true

	case definition.JoinXor:
		for _, cond := range inputs {
			if r.marking.HasToken(cond.ID()) {
				return true
			}
		}
		return false

	case definition.JoinOr:
		return r.c.orJoin.enabled(r.marking, task)
	}
	return false
}

// fire consumes the task's input tokens per its join type and records the
// task as busy.  Illegal requests fail with ErrInvalidFiring and leave the
// marking untouched.
func (r *NetRunner) fire(task *definition.Task) error {

	if r.marking.IsBusy(task.ID()) {
		return fmt.Errorf("%w: task '%s' is already firing", ErrInvalidFiring, task.ID())
	}
	if !r.joinEnabled(task) {
		return fmt.Errorf("%w: task '%s' is not enabled", ErrInvalidFiring, task.ID())
	}

	inputs := inputConditions(task)

	switch task.JoinType() {
	case definition.JoinAnd:
		// verified by joinEnabled; consume one token from every input
		for _, cond := range inputs {
			if !r.marking.HasToken(cond.ID()) {
				return fmt.Errorf("%w: task '%s' input '%s' unmarked", ErrInvalidFiring, task.ID(), cond.ID())
			}
		}
		for _, cond := range inputs {
			_ = r.marking.RemoveToken(cond.ID())
		}

	case definition.JoinXor:
		consumed := false
		for _, cond := range inputs {
			if r.marking.HasToken(cond.ID()) {
				_ = r.marking.RemoveToken(cond.ID())
				consumed = true
				break
			}
		}
		if !consumed {
			return fmt.Errorf("%w: task '%s' has no marked input", ErrInvalidFiring, task.ID())
		}

	case definition.JoinOr:
		consumed := false
		for _, cond := range inputs {
			if r.marking.HasToken(cond.ID()) {
				_ = r.marking.RemoveToken(cond.ID())
				consumed = true
			}
		}
		if !consumed {
			return fmt.Errorf("%w: task '%s' has no marked input", ErrInvalidFiring, task.ID())
		}
	}

	r.marking.SetBusy(task.ID(), true)
	return nil
}

// splitTargets evaluates the task's split semantics against the given data
// and returns the conditions that receive output tokens.  Pure: neither the
// marking nor the case data is touched, so callers can validate before
// mutating.
func (r *NetRunner) splitTargets(task *definition.Task, data map[string]interface{}) ([]*definition.Condition, error) {

	flows := task.FromFlows()

	switch task.SplitType() {
	case definition.SplitAnd:
		targets := make([]*definition.Condition, 0, len(flows))
		for _, flow := range flows {
			targets = append(targets, flow.To().(*definition.Condition))
		}
		return targets, nil

	case definition.SplitXor:
		var fallback *definition.Condition
		for _, flow := range flows {
			if flow.IsDefault() {
				fallback = flow.To().(*definition.Condition)
				continue
			}
			if flow.Predicate() == "" {
				if len(flows) == 1 {
					return []*definition.Condition{flow.To().(*definition.Condition)}, nil
				}
				continue
			}
			match, err := r.c.evaluator.Eval(flow.Predicate(), data)
			if err != nil {
				return nil, fmt.Errorf("task '%s' predicate '%s': %w", task.ID(), flow.Predicate(), err)
			}
			if match {
				return []*definition.Condition{flow.To().(*definition.Condition)}, nil
			}
		}
		if fallback != nil {
			return []*definition.Condition{fallback}, nil
		}
		return nil, fmt.Errorf("%w: task '%s' xor-split matched no predicate and has no default", ErrNoViableFlow, task.ID())

	case definition.SplitOr:
		var targets []*definition.Condition
		var fallback *definition.Condition
		for _, flow := range flows {
			if flow.IsDefault() {
				fallback = flow.To().(*definition.Condition)
				continue
			}
			if flow.Predicate() == "" {
				if len(flows) == 1 {
					targets = append(targets, flow.To().(*definition.Condition))
				}
				continue
			}
			match, err := r.c.evaluator.Eval(flow.Predicate(), data)
			if err != nil {
				return nil, fmt.Errorf("task '%s' predicate '%s': %w", task.ID(), flow.Predicate(), err)
			}
			if match {
				targets = append(targets, flow.To().(*definition.Condition))
			}
		}
		if len(targets) == 0 && fallback != nil {
			targets = append(targets, fallback)
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("%w: task '%s' or-split matched no predicate and has no default", ErrNoViableFlow, task.ID())
		}
		return targets, nil
	}

	return nil, fmt.Errorf("%w: task '%s' has unknown split type", ErrInvalidFiring, task.ID())
}

// completeFiring releases a busy task: output tokens are produced on the
// given targets, the cancellation set is applied, and enablement is
// re-evaluated.
func (r *NetRunner) completeFiring(task *definition.Task, targets []*definition.Condition) {
	for _, cond := range targets {
		r.marking.AddToken(cond.ID())
	}
	r.marking.SetBusy(task.ID(), false)
	r.applyCancellationSet(task)
	r.evaluate()
}

// abandonFiring releases a busy task without producing output tokens, used
// when every sibling work item of a firing was cancelled below the
// completion threshold.
func (r *NetRunner) abandonFiring(task *definition.Task) {
	r.marking.SetBusy(task.ID(), false)
	r.applyCancellationSet(task)
	r.evaluate()
}

// fireComposite fires a composite task by instantiating a child runner
// over its nested net.  The child's end-condition token is later
// translated into the composite task's completion in this runner.
func (r *NetRunner) fireComposite(task *definition.Task) error {
	if err := r.fire(task); err != nil {
		return err
	}

	r.c.runnerCtr++
	childID := fmt.Sprintf("%s.%d", r.c.id, r.c.runnerCtr)
	child := newNetRunner(r.c, childID, task.SubNet(), r, task.ID())
	child.marking.AddToken(child.net.InputCondition().ID())
	child.evaluate()
	return nil
}

// completeComposite handles a finished child runner: the child is
// discarded and the originating composite task completes in this runner.
func (r *NetRunner) completeComposite(child *NetRunner) {

	task := r.net.GetTask(child.parentTask)
	r.c.discardRunner(child)

	targets, err := r.splitTargets(task, r.c.data)
	if err != nil {
		r.c.logger.Errorf("case '%s': composite task '%s' completion: %v", r.c.id, task.ID(), err)
		r.marking.SetBusy(task.ID(), false)
		return
	}
	r.completeFiring(task, targets)
}

// applyCancellationSet removes all tokens held in, and work items active
// for, every element named by the task's cancellation set, recursively
// cancelling live child runners rooted at composite tasks in the set.
// Applying a set that names the completing task itself is safe; each named
// element is cleared exactly once.
func (r *NetRunner) applyCancellationSet(task *definition.Task) {

	for _, id := range task.CancellationSet() {

		if cond := r.net.GetCondition(id); cond != nil {
			r.marking.Clear(id)
			continue
		}

		target := r.net.GetTask(id)
		if target == nil {
			continue
		}

		r.c.cancelTaskItems(r, target)

		if r.marking.IsBusy(target.ID()) {
			r.marking.SetBusy(target.ID(), false)
			for _, child := range r.childrenOf(target.ID()) {
				r.c.cancelRunnerTree(child)
			}
		}
	}
}

func (r *NetRunner) childrenOf(taskID string) []*NetRunner {
	var out []*NetRunner
	for _, child := range r.children {
		if child.parentTask == taskID {
			out = append(out, child)
		}
	}
	return out
}

// checkCompletion detects a finished net: a token at the output condition
// with no firing tasks and no active work items.  A finished root runner
// completes the case; a finished child completes its composite task.
func (r *NetRunner) checkCompletion() {

	if !r.marking.HasToken(r.net.OutputCondition().ID()) {
		return
	}
	if len(r.marking.BusyTasks()) > 0 {
		return
	}
	for _, wi := range r.c.items {
		if wi.runnerID == r.id && wi.IsActive() {
			return
		}
	}

	if r.parent == nil {
		r.c.completeCase()
	} else {
		r.parent.completeComposite(r)
	}
}

func inputConditions(task *definition.Task) []*definition.Condition {
	conds := make([]*definition.Condition, 0, len(task.ToFlows()))
	for _, flow := range task.ToFlows() {
		if cond, ok := flow.From().(*definition.Condition); ok {
			conds = append(conds, cond)
		}
	}
	return conds
}
