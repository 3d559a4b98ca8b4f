package definition

import (
	"fmt"
	"time"
)

// SplitType is an enum for the token-producing behavior of a task.
type SplitType int

// JoinType is an enum for the token-consuming behavior of a task.
type JoinType int

const (
	SplitAnd SplitType = iota
	SplitXor
	SplitOr
)

const (
	JoinXor JoinType = iota
	JoinAnd
	JoinOr
)

func (s SplitType) String() string {
	switch s {
	case SplitAnd:
		return "and"
	case SplitXor:
		return "xor"
	case SplitOr:
		return "or"
	}
	return "unknown"
}

func (j JoinType) String() string {
	switch j {
	case JoinAnd:
		return "and"
	case JoinXor:
		return "xor"
	case JoinOr:
		return "or"
	}
	return "unknown"
}

// TimerAction determines what a task timer does to its work item on expiry.
type TimerAction string

const (
	// TimerActionExpire only announces the expiry
	TimerActionExpire TimerAction = "expire"

	// TimerActionComplete completes the work item on expiry
	TimerActionComplete TimerAction = "complete"

	// TimerActionCancel cancels the work item on expiry
	TimerActionCancel TimerAction = "cancel"
)

// Element is a node of the net graph, either a *Task or a *Condition.
type Element interface {
	ID() string
	Name() string
	ToFlows() []*Flow
	FromFlows() []*Flow
}

// Definition is the object that describes a validated workflow
// specification.  It contains a root net and one nested net per composite
// task decomposition.  A Definition is immutable after load and is shared
// read-only across all cases of that specification.
type Definition struct {
	id      string
	name    string
	version string

	nets    map[string]*Net
	rootNet string
}

// ID returns the specification identifier
func (d *Definition) ID() string {
	return d.id
}

// Name returns the name of the definition
func (d *Definition) Name() string {
	return d.name
}

// Version returns the specification version
func (d *Definition) Version() string {
	return d.version
}

// RootNet returns the top-level net of the specification
func (d *Definition) RootNet() *Net {
	return d.nets[d.rootNet]
}

// GetNet returns the net with the specified ID
func (d *Definition) GetNet(netID string) *Net {
	return d.nets[netID]
}

// Nets returns all nets of the specification
func (d *Definition) Nets() []*Net {
	nets := make([]*Net, 0, len(d.nets))
	for _, net := range d.nets {
		nets = append(nets, net)
	}
	return nets
}

// Net is a directed bipartite graph of Conditions and Tasks connected by
// Flows, with exactly one input and one output Condition.
type Net struct {
	definition *Definition
	id         string

	inputCond  *Condition
	outputCond *Condition

	conditions map[string]*Condition
	tasks      map[string]*Task
	flows      []*Flow
}

// ID returns the net identifier
func (n *Net) ID() string {
	return n.id
}

// Definition returns the owning specification
func (n *Net) Definition() *Definition {
	return n.definition
}

// InputCondition returns the start condition of the net
func (n *Net) InputCondition() *Condition {
	return n.inputCond
}

// OutputCondition returns the end condition of the net
func (n *Net) OutputCondition() *Condition {
	return n.outputCond
}

// GetTask returns the task with the specified ID
func (n *Net) GetTask(taskID string) *Task {
	return n.tasks[taskID]
}

// GetCondition returns the condition with the specified ID
func (n *Net) GetCondition(conditionID string) *Condition {
	return n.conditions[conditionID]
}

// GetElement returns the task or condition with the specified ID
func (n *Net) GetElement(id string) Element {
	if task, ok := n.tasks[id]; ok {
		return task
	}
	if cond, ok := n.conditions[id]; ok {
		return cond
	}
	return nil
}

// Tasks returns the tasks of the net
func (n *Net) Tasks() []*Task {
	tasks := make([]*Task, 0, len(n.tasks))
	for _, task := range n.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

// Conditions returns the conditions of the net, explicit and implicit
func (n *Net) Conditions() []*Condition {
	conditions := make([]*Condition, 0, len(n.conditions))
	for _, cond := range n.conditions {
		conditions = append(conditions, cond)
	}
	return conditions
}

// Flows returns the flows of the net
func (n *Net) Flows() []*Flow {
	return n.flows
}

// MultiInstance holds the instance bounds of a multiple-instance task.
// Threshold is the number of completed sibling instances at which the
// group retires and the task reports completion.
type MultiInstance struct {
	min       int
	max       int
	threshold int
}

func (mi *MultiInstance) Min() int {
	return mi.min
}

func (mi *MultiInstance) Max() int {
	return mi.max
}

func (mi *MultiInstance) Threshold() int {
	return mi.threshold
}

// Timer holds the deadline configuration of a task.  The timer is armed
// when a work item of the task is enabled.
type Timer struct {
	duration time.Duration
	action   TimerAction
}

func (t *Timer) Duration() time.Duration {
	return t.duration
}

func (t *Timer) Action() TimerAction {
	return t.action
}

// Task is the object that describes the definition of a task: its join and
// split behavior, its ordered outgoing flows, its cancellation set and,
// for composite tasks, the nested net it decomposes to.
type Task struct {
	net  *Net
	id   string
	name string

	join  JoinType
	split SplitType

	toFlows   []*Flow
	fromFlows []*Flow

	cancellationSet []string
	multiInstance   *MultiInstance
	timer           *Timer
	subNetID        string
}

// ID returns the id of the task
func (t *Task) ID() string {
	return t.id
}

// Name returns the name of the task
func (t *Task) Name() string {
	return t.name
}

// JoinType returns the join behavior of the task
func (t *Task) JoinType() JoinType {
	return t.join
}

// SplitType returns the split behavior of the task
func (t *Task) SplitType() SplitType {
	return t.split
}

// ToFlows returns the incoming flows of the task
func (t *Task) ToFlows() []*Flow {
	return t.toFlows
}

// FromFlows returns the outgoing flows of the task in declared order
func (t *Task) FromFlows() []*Flow {
	return t.fromFlows
}

// CancellationSet returns the ids of the elements this task clears on
// completion or cancellation
func (t *Task) CancellationSet() []string {
	return t.cancellationSet
}

// MultiInstance returns the multiple-instance bounds, nil for single
// instance tasks
func (t *Task) MultiInstance() *MultiInstance {
	return t.multiInstance
}

// Timer returns the timer configuration, nil if the task has no deadline
func (t *Task) Timer() *Timer {
	return t.timer
}

// IsComposite reports whether the task decomposes to a nested net
func (t *Task) IsComposite() bool {
	return t.subNetID != ""
}

// SubNet returns the nested net of a composite task, nil otherwise
func (t *Task) SubNet() *Net {
	if t.subNetID == "" {
		return nil
	}
	return t.net.definition.GetNet(t.subNetID)
}

func (t *Task) String() string {
	return fmt.Sprintf("Task[%s] '%s'", t.id, t.name)
}

// Condition is a token-holding place of the net.
type Condition struct {
	net  *Net
	id   string
	name string

	implicit bool

	toFlows   []*Flow
	fromFlows []*Flow
}

// ID returns the id of the condition
func (c *Condition) ID() string {
	return c.id
}

// Name returns the name of the condition
func (c *Condition) Name() string {
	return c.name
}

// IsImplicit reports whether the condition was synthesized for a direct
// task-to-task flow
func (c *Condition) IsImplicit() bool {
	return c.implicit
}

// ToFlows returns the incoming flows of the condition
func (c *Condition) ToFlows() []*Flow {
	return c.toFlows
}

// FromFlows returns the outgoing flows of the condition
func (c *Condition) FromFlows() []*Flow {
	return c.fromFlows
}

func (c *Condition) String() string {
	return fmt.Sprintf("Condition[%s]", c.id)
}

// Flow is a directed edge between a condition and a task.  Outgoing flows
// of XOR and OR split tasks carry a predicate; one flow of such a task may
// be marked as the default.
type Flow struct {
	net  *Net
	from Element
	to   Element

	predicate string
	isDefault bool
	order     int
}

// From returns the source element of the flow
func (f *Flow) From() Element {
	return f.from
}

// To returns the target element of the flow
func (f *Flow) To() Element {
	return f.to
}

// Predicate returns the predicate expression of the flow, empty if none
func (f *Flow) Predicate() string {
	return f.predicate
}

// IsDefault reports whether the flow is the designated default of its split
func (f *Flow) IsDefault() bool {
	return f.isDefault
}

// Order returns the declared evaluation order of the flow within its split
func (f *Flow) Order() int {
	return f.order
}

func (f *Flow) String() string {
	return fmt.Sprintf("Flow[%s->%s]", f.from.ID(), f.to.ID())
}
