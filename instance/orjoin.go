package instance

import (
	"github.com/wfnet/engine/definition"
)

// DefaultOrJoinSearchLimit bounds the backward reachability search.  When
// the search visits more elements than this, the result is treated as
// inconclusive and the join does not fire.  The bound is a policy trade-off
// between analysis cost and join liveness and is configurable per engine.
const DefaultOrJoinSearchLimit = 1000

// orJoinAnalyzer decides OR-join enablement.  An OR-join is enabled only
// when at least one input condition holds a token and no token can still
// arrive at another, unmarked input via a path that does not pass through
// the join itself.  The analysis is marking-dependent and is re-run on
// every marking change affecting the join's inputs.
type orJoinAnalyzer struct {
	limit int
}

func newOrJoinAnalyzer(limit int) *orJoinAnalyzer {
	if limit < 1 {
		limit = DefaultOrJoinSearchLimit
	}
	return &orJoinAnalyzer{limit: limit}
}

func (a *orJoinAnalyzer) enabled(marking *Marking, join *definition.Task) bool {

	anyMarked := false
	var unmarked []*definition.Condition

	for _, flow := range join.ToFlows() {
		cond, ok := flow.From().(*definition.Condition)
		if !ok {
			continue
		}
		if marking.HasToken(cond.ID()) {
			anyMarked = true
		} else {
			unmarked = append(unmarked, cond)
		}
	}

	if !anyMarked {
		return false
	}

	for _, cond := range unmarked {
		if a.mightArrive(marking, join, cond) {
			return false
		}
	}
	return true
}

// mightArrive searches backward from the unmarked input condition for a
// token source: a marked condition or a firing task with a directed path to
// it.  The search never crosses the join under analysis.  Other OR-joins
// on the path are traversed like any other task: whether they would fire
// is not decided here, only whether a token upstream of them could still
// flow down, which over-approximates and so never enables unsoundly.
// Exceeding the visit budget is inconclusive, which counts as "might
// arrive" (never fire on ambiguous reachability).
func (a *orJoinAnalyzer) mightArrive(marking *Marking, join *definition.Task, target *definition.Condition) bool {

	visited := map[string]bool{target.ID(): true}
	frontier := []definition.Element{target}
	visits := 0

	for len(frontier) > 0 {
		elem := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		visits++
		if visits > a.limit {
			return true
		}

		for _, flow := range elem.ToFlows() {
			src := flow.From()
			if src.ID() == join.ID() {
				continue
			}
			if visited[src.ID()] {
				continue
			}
			visited[src.ID()] = true

			switch e := src.(type) {
			case *definition.Condition:
				if marking.HasToken(e.ID()) {
					return true
				}
				frontier = append(frontier, e)
			case *definition.Task:
				if marking.IsBusy(e.ID()) {
					return true
				}
				frontier = append(frontier, e)
			}
		}
	}
	return false
}
