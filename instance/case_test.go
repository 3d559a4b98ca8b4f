package instance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfnet/engine/definition"
	"github.com/wfnet/engine/event"
	"github.com/wfnet/engine/model"
)

const defSequential = `
{
  "id": "seq",
  "version": "1",
  "nets": [
    {
      "id": "main",
      "inputCondition": "i",
      "outputCondition": "o",
      "tasks": [ { "id": "t1" }, { "id": "t2" } ],
      "flows": [
        { "from": "i", "to": "t1" },
        { "from": "t1", "to": "t2" },
        { "from": "t2", "to": "o" }
      ]
    }
  ]
}
`

const defAndSplitJoin = `
{
  "id": "parallel",
  "version": "1",
  "nets": [
    {
      "id": "main",
      "inputCondition": "i",
      "outputCondition": "o",
      "conditions": ["c1", "c2", "m1", "m2"],
      "tasks": [
        { "id": "fork", "split": "and" },
        { "id": "a" },
        { "id": "b" },
        { "id": "merge", "join": "and" }
      ],
      "flows": [
        { "from": "i", "to": "fork" },
        { "from": "fork", "to": "c1" },
        { "from": "fork", "to": "c2" },
        { "from": "c1", "to": "a" },
        { "from": "c2", "to": "b" },
        { "from": "a", "to": "m1" },
        { "from": "b", "to": "m2" },
        { "from": "m1", "to": "merge" },
        { "from": "m2", "to": "merge" },
        { "from": "merge", "to": "o" }
      ]
    }
  ]
}
`

const defXorSplit = `
{
  "id": "routing",
  "version": "1",
  "nets": [
    {
      "id": "main",
      "inputCondition": "i",
      "outputCondition": "o",
      "conditions": ["c1", "c2"],
      "tasks": [
        { "id": "route", "split": "xor" },
        { "id": "fast" },
        { "id": "slow" }
      ],
      "flows": [
        { "from": "i", "to": "route" },
        { "from": "route", "to": "c1", "predicate": "express" },
        { "from": "route", "to": "c2", "default": true },
        { "from": "c1", "to": "fast" },
        { "from": "c2", "to": "slow" },
        { "from": "fast", "to": "o" },
        { "from": "slow", "to": "o" }
      ]
    }
  ]
}
`

const defDeferredChoice = `
{
  "id": "deferred",
  "version": "1",
  "nets": [
    {
      "id": "main",
      "inputCondition": "i",
      "outputCondition": "o",
      "tasks": [ { "id": "a" }, { "id": "b" } ],
      "flows": [
        { "from": "i", "to": "a" },
        { "from": "i", "to": "b" },
        { "from": "a", "to": "o" },
        { "from": "b", "to": "o" }
      ]
    }
  ]
}
`

const defMultiInstance = `
{
  "id": "review",
  "version": "1",
  "nets": [
    {
      "id": "main",
      "inputCondition": "i",
      "outputCondition": "o",
      "tasks": [
        { "id": "assess", "multiInstance": { "min": 2, "max": 3, "threshold": 2 } }
      ],
      "flows": [
        { "from": "i", "to": "assess" },
        { "from": "assess", "to": "o" }
      ]
    }
  ]
}
`

const defCancellation = `
{
  "id": "cancellation",
  "version": "1",
  "nets": [
    {
      "id": "main",
      "inputCondition": "i",
      "outputCondition": "o",
      "conditions": ["c1", "c2", "m1"],
      "tasks": [
        { "id": "fork", "split": "and" },
        { "id": "victim" },
        { "id": "fin" },
        { "id": "canc", "cancellationSet": ["victim", "c1", "m1", "canc"] }
      ],
      "flows": [
        { "from": "i", "to": "fork" },
        { "from": "fork", "to": "c1" },
        { "from": "fork", "to": "c2" },
        { "from": "c1", "to": "victim" },
        { "from": "victim", "to": "m1" },
        { "from": "m1", "to": "fin" },
        { "from": "fin", "to": "o" },
        { "from": "c2", "to": "canc" },
        { "from": "canc", "to": "o" }
      ]
    }
  ]
}
`

const defComposite = `
{
  "id": "nested",
  "version": "1",
  "nets": [
    {
      "id": "main",
      "inputCondition": "i",
      "outputCondition": "o",
      "tasks": [ { "id": "comp", "subNet": "sub" } ],
      "flows": [
        { "from": "i", "to": "comp" },
        { "from": "comp", "to": "o" }
      ]
    },
    {
      "id": "sub",
      "inputCondition": "si",
      "outputCondition": "so",
      "tasks": [ { "id": "inner" } ],
      "flows": [
        { "from": "si", "to": "inner" },
        { "from": "inner", "to": "so" }
      ]
    }
  ]
}
`

func newTestCase(t *testing.T, doc string) *Case {
	def, err := definition.ParseDefinition([]byte(doc))
	require.NoError(t, err)
	return NewCase(def, "case-1", nil)
}

func eventTypes(events []*event.Event) []event.Type {
	types := make([]event.Type, 0, len(events))
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	return types
}

func TestSequentialCase(t *testing.T) {

	c := newTestCase(t, defSequential)

	events, err := c.Launch(nil)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.CaseLaunched, event.ItemEnabled}, eventTypes(events))

	events, err = c.StartItem("case-1:t1")
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.ItemStarted}, eventTypes(events))

	events, err = c.CompleteItem("case-1:t1", nil)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.ItemCompleted, event.ItemEnabled}, eventTypes(events))

	_, err = c.StartItem("case-1:t2")
	require.NoError(t, err)

	events, err = c.CompleteItem("case-1:t2", nil)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.ItemCompleted, event.CaseCompleted}, eventTypes(events))
	assert.Equal(t, model.CaseStatusCompleted, c.Status())
}

func TestAndSplitJoinBothOrders(t *testing.T) {

	orders := [][]string{
		{"case-1:a", "case-1:b"},
		{"case-1:b", "case-1:a"},
	}

	for _, order := range orders {
		c := newTestCase(t, defAndSplitJoin)

		_, err := c.Launch(nil)
		require.NoError(t, err)
		_, err = c.StartItem("case-1:fork")
		require.NoError(t, err)
		_, err = c.CompleteItem("case-1:fork", nil)
		require.NoError(t, err)

		// both branches enabled by the and-split
		_, err = c.StartItem(order[0])
		require.NoError(t, err)
		_, err = c.StartItem(order[1])
		require.NoError(t, err)

		events, err := c.CompleteItem(order[0], nil)
		require.NoError(t, err)
		// the and-join still waits on the second branch
		assert.Equal(t, []event.Type{event.ItemCompleted}, eventTypes(events))

		events, err = c.CompleteItem(order[1], nil)
		require.NoError(t, err)
		assert.Equal(t, []event.Type{event.ItemCompleted, event.ItemEnabled}, eventTypes(events))

		_, err = c.StartItem("case-1:merge")
		require.NoError(t, err)
		_, err = c.CompleteItem("case-1:merge", nil)
		require.NoError(t, err)
		assert.Equal(t, model.CaseStatusCompleted, c.Status())
	}
}

func TestXorSplitRoutesByPredicate(t *testing.T) {

	c := newTestCase(t, defXorSplit)

	_, err := c.Launch(nil)
	require.NoError(t, err)
	_, err = c.StartItem("case-1:route")
	require.NoError(t, err)

	events, err := c.CompleteItem("case-1:route", map[string]interface{}{"express": true})
	require.NoError(t, err)
	require.Equal(t, []event.Type{event.ItemCompleted, event.ItemEnabled}, eventTypes(events))
	assert.Equal(t, "fast", events[1].TaskID)
}

func TestXorSplitFallsBackToDefault(t *testing.T) {

	c := newTestCase(t, defXorSplit)

	_, err := c.Launch(nil)
	require.NoError(t, err)
	_, err = c.StartItem("case-1:route")
	require.NoError(t, err)

	events, err := c.CompleteItem("case-1:route", nil)
	require.NoError(t, err)
	require.Equal(t, []event.Type{event.ItemCompleted, event.ItemEnabled}, eventTypes(events))
	assert.Equal(t, "slow", events[1].TaskID)
}

func TestDeferredChoiceWithdrawsLoser(t *testing.T) {

	c := newTestCase(t, defDeferredChoice)

	events, err := c.Launch(nil)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.CaseLaunched, event.ItemEnabled, event.ItemEnabled}, eventTypes(events))

	// starting one task consumes the shared token and withdraws the other
	events, err = c.StartItem("case-1:a")
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.ItemStarted, event.ItemCancelled}, eventTypes(events))
	assert.Equal(t, "case-1:b", events[1].ItemID)

	b, err := c.GetItem("case-1:b")
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusCancelled, b.Status())

	_, err = c.CompleteItem("case-1:a", nil)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusCompleted, c.Status())
}

func TestCancelledEnabledItemReofferedOnNextChange(t *testing.T) {

	c := newTestCase(t, defAndSplitJoin)

	_, err := c.Launch(nil)
	require.NoError(t, err)
	_, err = c.StartItem("case-1:fork")
	require.NoError(t, err)
	_, err = c.CompleteItem("case-1:fork", nil)
	require.NoError(t, err)

	// cancelling an enabled item consumes no tokens
	_, err = c.CancelItem("case-1:a")
	require.NoError(t, err)
	a, err := c.GetItem("case-1:a")
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusCancelled, a.Status())

	// the token on c1 is still there, so the next marking change
	// offers the task again as a fresh item
	_, err = c.StartItem("case-1:b")
	require.NoError(t, err)
	events, err := c.CompleteItem("case-1:b", nil)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.ItemCompleted, event.ItemEnabled}, eventTypes(events))
	assert.Equal(t, "case-1:a.1", events[1].ItemID)

	_, err = c.StartItem("case-1:a.1")
	require.NoError(t, err)
	_, err = c.CompleteItem("case-1:a.1", nil)
	require.NoError(t, err)
	_, err = c.StartItem("case-1:merge")
	require.NoError(t, err)
	_, err = c.CompleteItem("case-1:merge", nil)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusCompleted, c.Status())
}

func TestMultiInstanceThresholdFiresOnce(t *testing.T) {

	c := newTestCase(t, defMultiInstance)

	events, err := c.Launch(nil)
	require.NoError(t, err)
	// max instances spawned as one sibling group
	assert.Equal(t, []event.Type{event.CaseLaunched, event.ItemEnabled, event.ItemEnabled, event.ItemEnabled},
		eventTypes(events))

	items := []string{"case-1:assess", "case-1:assess.1", "case-1:assess.2"}
	for _, id := range items {
		_, err = c.StartItem(id)
		require.NoError(t, err)
	}

	events, err = c.CompleteItem(items[0], nil)
	require.NoError(t, err)
	// below threshold, nothing else happens
	assert.Equal(t, []event.Type{event.ItemCompleted}, eventTypes(events))

	events, err = c.CompleteItem(items[1], nil)
	require.NoError(t, err)
	// threshold of 2 reached: surplus sibling cancelled, outputs produced once
	assert.Equal(t, []event.Type{event.ItemCompleted, event.ItemCancelled, event.CaseCompleted},
		eventTypes(events))
	assert.Equal(t, items[2], events[1].ItemID)

	_, err = c.CompleteItem(items[2], nil)
	assert.ErrorIs(t, err, ErrCaseNotRunning)
}

func TestMultiInstanceAbandonedFiring(t *testing.T) {

	c := newTestCase(t, defMultiInstance)

	_, err := c.Launch(nil)
	require.NoError(t, err)

	items := []string{"case-1:assess", "case-1:assess.1", "case-1:assess.2"}
	for _, id := range items {
		_, err = c.StartItem(id)
		require.NoError(t, err)
	}

	// cancelling every sibling below the threshold abandons the firing
	for _, id := range items {
		_, err = c.CancelItem(id)
		require.NoError(t, err)
	}

	assert.Equal(t, model.CaseStatusRunning, c.Status())
	for _, wi := range c.ListItems() {
		assert.Equal(t, model.ItemStatusCancelled, wi.Status())
	}
}

func TestCancellationRegion(t *testing.T) {

	c := newTestCase(t, defCancellation)

	_, err := c.Launch(nil)
	require.NoError(t, err)
	_, err = c.StartItem("case-1:fork")
	require.NoError(t, err)
	_, err = c.CompleteItem("case-1:fork", nil)
	require.NoError(t, err)

	_, err = c.StartItem("case-1:victim")
	require.NoError(t, err)
	_, err = c.StartItem("case-1:canc")
	require.NoError(t, err)

	// completing canc clears its region, including the firing victim, and
	// names itself in the set without effect
	events, err := c.CompleteItem("case-1:canc", nil)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.ItemCompleted, event.ItemCancelled, event.CaseCompleted},
		eventTypes(events))
	assert.Equal(t, "case-1:victim", events[1].ItemID)
	assert.Equal(t, model.CaseStatusCompleted, c.Status())
}

func TestCompositeTask(t *testing.T) {

	c := newTestCase(t, defComposite)

	events, err := c.Launch(nil)
	require.NoError(t, err)
	// the composite fires automatically; its child net enables inner
	require.Equal(t, []event.Type{event.CaseLaunched, event.ItemEnabled}, eventTypes(events))
	assert.Equal(t, "case-1.1:inner", events[1].ItemID)

	_, err = c.StartItem("case-1.1:inner")
	require.NoError(t, err)

	events, err = c.CompleteItem("case-1.1:inner", nil)
	require.NoError(t, err)
	// the finished child completes the composite in the parent net
	assert.Equal(t, []event.Type{event.ItemCompleted, event.CaseCompleted}, eventTypes(events))
	assert.Equal(t, model.CaseStatusCompleted, c.Status())
}

func TestSuspendResume(t *testing.T) {

	c := newTestCase(t, defSequential)

	_, err := c.Launch(nil)
	require.NoError(t, err)
	_, err = c.StartItem("case-1:t1")
	require.NoError(t, err)

	events, err := c.SuspendItem("case-1:t1")
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.ItemSuspended}, eventTypes(events))

	// a suspended item cannot complete
	_, err = c.CompleteItem("case-1:t1", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	events, err = c.ResumeItem("case-1:t1")
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.ItemResumed}, eventTypes(events))

	_, err = c.CompleteItem("case-1:t1", nil)
	assert.NoError(t, err)
}

func TestCancelCase(t *testing.T) {

	c := newTestCase(t, defSequential)

	_, err := c.Launch(nil)
	require.NoError(t, err)
	_, err = c.StartItem("case-1:t1")
	require.NoError(t, err)

	events, err := c.Cancel()
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.ItemCancelled, event.CaseCancelled}, eventTypes(events))
	assert.Equal(t, model.CaseStatusCancelled, c.Status())

	_, err = c.StartItem("case-1:t1")
	assert.ErrorIs(t, err, ErrCaseNotRunning)
	_, err = c.Launch(nil)
	assert.Error(t, err)
}

func TestWorkItemLifecycleErrors(t *testing.T) {

	c := newTestCase(t, defSequential)

	_, err := c.Launch(nil)
	require.NoError(t, err)

	_, err = c.StartItem("case-1:nope")
	assert.ErrorIs(t, err, ErrUnknownWorkItem)

	_, err = c.CompleteItem("case-1:t1", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = c.StartItem("case-1:t1")
	require.NoError(t, err)
	_, err = c.StartItem("case-1:t1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = c.ResumeItem("case-1:t1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCaseDataFlow(t *testing.T) {

	c := newTestCase(t, defSequential)

	initial := map[string]interface{}{"customer": "acme"}
	_, err := c.Launch(initial)
	require.NoError(t, err)

	t1, err := c.GetItem("case-1:t1")
	require.NoError(t, err)
	assert.Equal(t, "acme", t1.InputData()["customer"])

	// mutating the caller's map never leaks into the case
	initial["customer"] = "changed"
	assert.Equal(t, "acme", t1.InputData()["customer"])

	_, err = c.StartItem("case-1:t1")
	require.NoError(t, err)
	_, err = c.CompleteItem("case-1:t1", map[string]interface{}{"total": 42})
	require.NoError(t, err)

	// the merged output is visible to downstream items
	t2, err := c.GetItem("case-1:t2")
	require.NoError(t, err)
	assert.Equal(t, "acme", t2.InputData()["customer"])
	assert.Equal(t, 42, t2.InputData()["total"])

	data := c.Data()
	assert.Equal(t, 42, data["total"])
}

func TestNoViableFlowLeavesItemExecuting(t *testing.T) {

	def, err := definition.ParseDefinition([]byte(`
	{
	  "id": "no-viable",
	  "version": "1",
	  "nets": [
	    {
	      "id": "main",
	      "inputCondition": "i",
	      "outputCondition": "o",
	      "conditions": ["c1"],
	      "tasks": [
	        { "id": "route", "split": "xor" },
	        { "id": "t" }
	      ],
	      "flows": [
	        { "from": "i", "to": "route" },
	        { "from": "route", "to": "o", "predicate": "done" },
	        { "from": "route", "to": "c1", "predicate": "retry" },
	        { "from": "c1", "to": "t" },
	        { "from": "t", "to": "o" }
	      ]
	    }
	  ]
	}`))
	require.NoError(t, err)

	c := NewCase(def, "case-1", nil)
	_, err = c.Launch(nil)
	require.NoError(t, err)
	_, err = c.StartItem("case-1:route")
	require.NoError(t, err)

	_, err = c.CompleteItem("case-1:route", map[string]interface{}{"junk": 99})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoViableFlow))

	// the failed completion left the item and the case data untouched
	wi, err := c.GetItem("case-1:route")
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusExecuting, wi.Status())
	assert.NotContains(t, c.Data(), "junk")

	// a later completion that satisfies a predicate succeeds
	_, err = c.CompleteItem("case-1:route", map[string]interface{}{"done": true})
	assert.NoError(t, err)
	assert.Equal(t, model.CaseStatusCompleted, c.Status())
}
