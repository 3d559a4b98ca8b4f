package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCollectsAllViolations(t *testing.T) {

	_, err := ParseDefinition([]byte(`
	{
	  "id": "broken",
	  "version": "1",
	  "nets": [
	    {
	      "id": "main",
	      "inputCondition": "i",
	      "outputCondition": "o",
	      "tasks": [
	        { "id": "t", "cancellationSet": ["ghost"] },
	        { "id": "orphan" }
	      ],
	      "flows": [
	        { "from": "i", "to": "t" },
	        { "from": "t", "to": "o" },
	        { "from": "orphan", "to": "o" },
	        { "from": "missing", "to": "t" }
	      ]
	    }
	  ]
	}`))
	require.Error(t, err)

	// every violation shows up in one aggregate
	assert.ErrorContains(t, err, "cancellation set references unknown element 'ghost'")
	assert.ErrorContains(t, err, "task 'orphan' has no input flow")
	assert.ErrorContains(t, err, "flow references unknown element 'missing'")
	assert.ErrorContains(t, err, "task 'orphan' is unreachable")
}

func TestValidateXorSplitNeedsPredicateOrDefault(t *testing.T) {

	_, err := ParseDefinition([]byte(`
	{
	  "id": "bad-split",
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
	        { "from": "route", "to": "c1" },
	        { "from": "c1", "to": "t" },
	        { "from": "t", "to": "o" }
	      ]
	    }
	  ]
	}`))
	assert.ErrorContains(t, err, "has neither predicate nor default")
}

func TestValidateMultiInstanceBounds(t *testing.T) {

	_, err := ParseDefinition([]byte(`
	{
	  "id": "bad-mi",
	  "version": "1",
	  "nets": [
	    {
	      "id": "main",
	      "inputCondition": "i",
	      "outputCondition": "o",
	      "tasks": [
	        { "id": "t", "multiInstance": { "min": 3, "max": 2, "threshold": 1 } }
	      ],
	      "flows": [
	        { "from": "i", "to": "t" },
	        { "from": "t", "to": "o" }
	      ]
	    }
	  ]
	}`))
	assert.ErrorContains(t, err, "multi-instance bounds invalid")
}

func TestValidateCompositeSubNetMustResolve(t *testing.T) {

	_, err := ParseDefinition([]byte(`
	{
	  "id": "bad-composite",
	  "version": "1",
	  "nets": [
	    {
	      "id": "main",
	      "inputCondition": "i",
	      "outputCondition": "o",
	      "tasks": [ { "id": "t", "subNet": "nowhere" } ],
	      "flows": [
	        { "from": "i", "to": "t" },
	        { "from": "t", "to": "o" }
	      ]
	    }
	  ]
	}`))
	assert.ErrorContains(t, err, "references unknown net 'nowhere'")
}

func TestValidateInputOutputConditionsMustDiffer(t *testing.T) {

	_, err := ParseDefinition([]byte(`
	{
	  "id": "same-ends",
	  "version": "1",
	  "nets": [
	    {
	      "id": "main",
	      "inputCondition": "x",
	      "outputCondition": "x",
	      "tasks": [ { "id": "t" } ],
	      "flows": [
	        { "from": "x", "to": "t" },
	        { "from": "t", "to": "x" }
	      ]
	    }
	  ]
	}`))
	assert.ErrorContains(t, err, "input and output conditions must differ")
}
