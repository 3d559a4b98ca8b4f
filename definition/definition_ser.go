package definition

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefinitionRep is a serializable representation of a Definition
type DefinitionRep struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`

	RootNet string    `json:"rootNet,omitempty"`
	Nets    []*NetRep `json:"nets"`
}

// NetRep is a serializable representation of a net
type NetRep struct {
	ID string `json:"id"`

	InputCondition  string `json:"inputCondition"`
	OutputCondition string `json:"outputCondition"`

	Conditions []string   `json:"conditions,omitempty"`
	Tasks      []*TaskRep `json:"tasks"`
	Flows      []*FlowRep `json:"flows"`
}

// TaskRep is a serializable representation of a task
type TaskRep struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Join  string `json:"join,omitempty"`
	Split string `json:"split,omitempty"`

	CancellationSet []string          `json:"cancellationSet,omitempty"`
	MultiInstance   *MultiInstanceRep `json:"multiInstance,omitempty"`
	Timer           *TimerRep         `json:"timer,omitempty"`
	SubNet          string            `json:"subNet,omitempty"`
}

// FlowRep is a serializable representation of a flow
type FlowRep struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Predicate string `json:"predicate,omitempty"`
	Default   bool   `json:"default,omitempty"`
}

// MultiInstanceRep is a serializable representation of multiple-instance
// bounds
type MultiInstanceRep struct {
	Min       int `json:"min"`
	Max       int `json:"max"`
	Threshold int `json:"threshold"`
}

// TimerRep is a serializable representation of a task timer
type TimerRep struct {
	Duration string `json:"duration"`
	Action   string `json:"action,omitempty"`
}

// ParseDefinition unmarshals a JSON specification document and materializes
// it into a validated Definition.
func ParseDefinition(data []byte) (*Definition, error) {
	rep := &DefinitionRep{}
	if err := json.Unmarshal(data, rep); err != nil {
		return nil, fmt.Errorf("malformed specification document: %w", err)
	}
	return NewDefinition(rep)
}

// NewDefinition creates a Definition from a serializable definition
// representation.  The result is structurally validated; all structural
// errors are collected and returned as one aggregate.
func NewDefinition(rep *DefinitionRep) (*Definition, error) {

	def := &Definition{
		id:      rep.ID,
		name:    rep.Name,
		version: rep.Version,
		nets:    make(map[string]*Net, len(rep.Nets)),
		rootNet: rep.RootNet,
	}

	if def.rootNet == "" && len(rep.Nets) > 0 {
		def.rootNet = rep.Nets[0].ID
	}

	for _, netRep := range rep.Nets {
		net, err := materializeNet(def, netRep)
		if err != nil {
			return nil, err
		}
		def.nets[net.id] = net
	}

	if err := validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

func materializeNet(def *Definition, rep *NetRep) (*Net, error) {

	net := &Net{
		definition: def,
		id:         rep.ID,
		conditions: make(map[string]*Condition),
		tasks:      make(map[string]*Task, len(rep.Tasks)),
	}

	addCondition := func(id string, implicit bool) *Condition {
		cond := &Condition{net: net, id: id, name: id, implicit: implicit}
		net.conditions[id] = cond
		return cond
	}

	net.inputCond = addCondition(rep.InputCondition, false)
	net.outputCond = addCondition(rep.OutputCondition, false)

	for _, condID := range rep.Conditions {
		if _, exists := net.conditions[condID]; !exists {
			addCondition(condID, false)
		}
	}

	for _, taskRep := range rep.Tasks {
		task, err := materializeTask(net, taskRep)
		if err != nil {
			return nil, err
		}
		net.tasks[task.id] = task
	}

	for order, flowRep := range rep.Flows {
		from := net.GetElement(flowRep.From)
		to := net.GetElement(flowRep.To)

		if from == nil || to == nil {
			// leave dangling flow references to validation
			net.flows = append(net.flows, &Flow{net: net,
				from: danglingElement(net, flowRep.From),
				to:   danglingElement(net, flowRep.To),
				predicate: flowRep.Predicate, isDefault: flowRep.Default, order: order})
			continue
		}

		// a direct task-to-task flow passes through an implicit condition
		if fromTask, ok := from.(*Task); ok {
			if toTask, ok := to.(*Task); ok {
				implicit := addCondition(implicitConditionID(fromTask.id, toTask.id), true)
				linkFlow(net, fromTask, implicit, flowRep, order)
				linkFlow(net, implicit, toTask, &FlowRep{}, order)
				continue
			}
		}

		linkFlow(net, from, to, flowRep, order)
	}

	return net, nil
}

func materializeTask(net *Net, rep *TaskRep) (*Task, error) {

	task := &Task{
		net:             net,
		id:              rep.ID,
		name:            rep.Name,
		cancellationSet: rep.CancellationSet,
		subNetID:        rep.SubNet,
	}
	if task.name == "" {
		task.name = task.id
	}

	var err error
	if task.join, err = parseJoinType(rep.Join); err != nil {
		return nil, fmt.Errorf("task '%s': %w", rep.ID, err)
	}
	if task.split, err = parseSplitType(rep.Split); err != nil {
		return nil, fmt.Errorf("task '%s': %w", rep.ID, err)
	}

	if rep.MultiInstance != nil {
		task.multiInstance = &MultiInstance{
			min:       rep.MultiInstance.Min,
			max:       rep.MultiInstance.Max,
			threshold: rep.MultiInstance.Threshold,
		}
	}

	if rep.Timer != nil {
		duration, err := time.ParseDuration(rep.Timer.Duration)
		if err != nil {
			return nil, fmt.Errorf("task '%s': invalid timer duration '%s'", rep.ID, rep.Timer.Duration)
		}
		action := TimerAction(rep.Timer.Action)
		if action == "" {
			action = TimerActionExpire
		}
		switch action {
		case TimerActionExpire, TimerActionComplete, TimerActionCancel:
		default:
			return nil, fmt.Errorf("task '%s': unknown timer action '%s'", rep.ID, rep.Timer.Action)
		}
		task.timer = &Timer{duration: duration, action: action}
	}

	return task, nil
}

func linkFlow(net *Net, from Element, to Element, rep *FlowRep, order int) {
	flow := &Flow{
		net:       net,
		from:      from,
		to:        to,
		predicate: rep.Predicate,
		isDefault: rep.Default,
		order:     order,
	}
	net.flows = append(net.flows, flow)

	switch e := from.(type) {
	case *Task:
		e.fromFlows = append(e.fromFlows, flow)
	case *Condition:
		e.fromFlows = append(e.fromFlows, flow)
	}
	switch e := to.(type) {
	case *Task:
		e.toFlows = append(e.toFlows, flow)
	case *Condition:
		e.toFlows = append(e.toFlows, flow)
	}
}

func implicitConditionID(fromID, toID string) string {
	return "c{" + fromID + "_" + toID + "}"
}

// danglingElement stands in for a flow endpoint that references an unknown
// element, so validation can report it instead of materialization panicking.
func danglingElement(net *Net, id string) Element {
	return &Condition{net: net, id: id, name: id}
}

func parseJoinType(s string) (JoinType, error) {
	switch s {
	case "", "xor":
		return JoinXor, nil
	case "and":
		return JoinAnd, nil
	case "or":
		return JoinOr, nil
	}
	return JoinXor, fmt.Errorf("unknown join type '%s'", s)
}

func parseSplitType(s string) (SplitType, error) {
	switch s {
	case "", "and":
		return SplitAnd, nil
	case "xor":
		return SplitXor, nil
	case "or":
		return SplitOr, nil
	}
	return SplitAnd, fmt.Errorf("unknown split type '%s'", s)
}
