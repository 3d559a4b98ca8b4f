package definition

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// validate performs the structural checks that reject a malformed
// specification at load time.  All violations are collected so callers see
// the complete picture in one pass.
func validate(def *Definition) error {

	var result *multierror.Error

	if def.id == "" {
		result = multierror.Append(result, fmt.Errorf("specification has no id"))
	}
	if len(def.nets) == 0 {
		result = multierror.Append(result, fmt.Errorf("specification '%s' has no nets", def.id))
		return result.ErrorOrNil()
	}
	if def.RootNet() == nil {
		result = multierror.Append(result, fmt.Errorf("specification '%s': root net '%s' not found", def.id, def.rootNet))
	}

	for _, net := range def.nets {
		result = multierror.Append(result, validateNet(net))
	}

	return result.ErrorOrNil()
}

func validateNet(net *Net) error {

	var result *multierror.Error

	if net.inputCond == nil || net.inputCond.id == "" {
		result = multierror.Append(result, fmt.Errorf("net '%s' has no input condition", net.id))
	}
	if net.outputCond == nil || net.outputCond.id == "" {
		result = multierror.Append(result, fmt.Errorf("net '%s' has no output condition", net.id))
	}
	if net.inputCond != nil && net.outputCond != nil && net.inputCond.id == net.outputCond.id {
		result = multierror.Append(result, fmt.Errorf("net '%s': input and output conditions must differ", net.id))
	}

	for _, flow := range net.flows {
		if net.GetElement(flow.from.ID()) == nil {
			result = multierror.Append(result,
				fmt.Errorf("net '%s': flow references unknown element '%s'", net.id, flow.from.ID()))
		}
		if net.GetElement(flow.to.ID()) == nil {
			result = multierror.Append(result,
				fmt.Errorf("net '%s': flow references unknown element '%s'", net.id, flow.to.ID()))
		}
		_, fromTask := flow.from.(*Task)
		_, toTask := flow.to.(*Task)
		if fromTask == toTask {
			result = multierror.Append(result,
				fmt.Errorf("net '%s': flow '%s'->'%s' must connect a task and a condition",
					net.id, flow.from.ID(), flow.to.ID()))
		}
	}

	for _, task := range net.tasks {
		result = multierror.Append(result, validateTask(net, task))
	}

	if net.inputCond != nil && len(net.inputCond.toFlows) > 0 {
		result = multierror.Append(result,
			fmt.Errorf("net '%s': input condition '%s' must have no incoming flows", net.id, net.inputCond.id))
	}
	if net.outputCond != nil && len(net.outputCond.fromFlows) > 0 {
		result = multierror.Append(result,
			fmt.Errorf("net '%s': output condition '%s' must have no outgoing flows", net.id, net.outputCond.id))
	}

	result = multierror.Append(result, validateReachability(net))

	return result.ErrorOrNil()
}

func validateTask(net *Net, task *Task) error {

	var result *multierror.Error

	if len(task.toFlows) == 0 {
		result = multierror.Append(result, fmt.Errorf("net '%s': task '%s' has no input flow", net.id, task.id))
	}
	if len(task.fromFlows) == 0 {
		result = multierror.Append(result, fmt.Errorf("net '%s': task '%s' has no output flow", net.id, task.id))
	}

	if task.split == SplitXor || task.split == SplitOr {
		for _, flow := range task.fromFlows {
			if flow.predicate == "" && !flow.isDefault && len(task.fromFlows) > 1 {
				result = multierror.Append(result,
					fmt.Errorf("net '%s': task '%s' %s-split flow to '%s' has neither predicate nor default",
						net.id, task.id, task.split, flow.to.ID()))
			}
		}
	}

	for _, id := range task.cancellationSet {
		if net.GetElement(id) == nil {
			result = multierror.Append(result,
				fmt.Errorf("net '%s': task '%s' cancellation set references unknown element '%s'",
					net.id, task.id, id))
		}
	}

	if task.subNetID != "" && net.definition.GetNet(task.subNetID) == nil {
		result = multierror.Append(result,
			fmt.Errorf("net '%s': composite task '%s' references unknown net '%s'",
				net.id, task.id, task.subNetID))
	}

	if mi := task.multiInstance; mi != nil {
		if mi.min < 1 || mi.min > mi.max || mi.threshold < mi.min || mi.threshold > mi.max {
			result = multierror.Append(result,
				fmt.Errorf("net '%s': task '%s' multi-instance bounds invalid (min=%d max=%d threshold=%d)",
					net.id, task.id, mi.min, mi.max, mi.threshold))
		}
		if task.IsComposite() {
			result = multierror.Append(result,
				fmt.Errorf("net '%s': task '%s' cannot be both composite and multi-instance", net.id, task.id))
		}
	}

	return result.ErrorOrNil()
}

// validateReachability flags tasks that no token from the input condition
// can ever reach.
func validateReachability(net *Net) error {

	if net.inputCond == nil {
		return nil
	}

	reached := make(map[string]bool, len(net.tasks)+len(net.conditions))
	frontier := []Element{net.inputCond}
	reached[net.inputCond.id] = true

	for len(frontier) > 0 {
		elem := frontier[0]
		frontier = frontier[1:]
		for _, flow := range elem.FromFlows() {
			to := flow.To()
			if !reached[to.ID()] {
				reached[to.ID()] = true
				frontier = append(frontier, to)
			}
		}
	}

	var result *multierror.Error
	for _, task := range net.tasks {
		if !reached[task.id] {
			result = multierror.Append(result,
				fmt.Errorf("net '%s': task '%s' is unreachable from the input condition", net.id, task.id))
		}
	}
	return result.ErrorOrNil()
}
