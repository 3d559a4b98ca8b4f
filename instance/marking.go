package instance

import (
	"fmt"
	"sort"
	"strings"
)

// Marking is the token state of one net instance: how many tokens each
// condition holds, plus the set of tasks currently firing (holding tokens
// they have consumed but not yet released as output).
type Marking struct {
	tokens map[string]int
	busy   map[string]bool
}

// NewMarking creates an empty marking.
func NewMarking() *Marking {
	return &Marking{
		tokens: make(map[string]int),
		busy:   make(map[string]bool),
	}
}

// AddToken places one token in the condition.
func (m *Marking) AddToken(conditionID string) {
	m.tokens[conditionID]++
}

// RemoveToken consumes one token from the condition.
func (m *Marking) RemoveToken(conditionID string) error {
	if m.tokens[conditionID] < 1 {
		return fmt.Errorf("condition '%s' holds no token", conditionID)
	}
	m.tokens[conditionID]--
	if m.tokens[conditionID] == 0 {
		delete(m.tokens, conditionID)
	}
	return nil
}

// Clear removes all tokens from the condition and returns how many were
// removed.
func (m *Marking) Clear(conditionID string) int {
	n := m.tokens[conditionID]
	delete(m.tokens, conditionID)
	return n
}

// HasToken reports whether the condition holds at least one token.
func (m *Marking) HasToken(conditionID string) bool {
	return m.tokens[conditionID] > 0
}

// TokenCount returns the number of tokens the condition holds.
func (m *Marking) TokenCount(conditionID string) int {
	return m.tokens[conditionID]
}

// TotalTokens returns the number of tokens across all conditions.
func (m *Marking) TotalTokens() int {
	total := 0
	for _, n := range m.tokens {
		total += n
	}
	return total
}

// MarkedConditions returns the ids of all conditions holding tokens, in
// stable order.
func (m *Marking) MarkedConditions() []string {
	ids := make([]string, 0, len(m.tokens))
	for id := range m.tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tokens returns a copy of the token counts keyed by condition id.
func (m *Marking) Tokens() map[string]int {
	tokens := make(map[string]int, len(m.tokens))
	for id, n := range m.tokens {
		tokens[id] = n
	}
	return tokens
}

// SetBusy records whether the task is currently firing.
func (m *Marking) SetBusy(taskID string, busy bool) {
	if busy {
		m.busy[taskID] = true
	} else {
		delete(m.busy, taskID)
	}
}

// IsBusy reports whether the task is currently firing.
func (m *Marking) IsBusy(taskID string) bool {
	return m.busy[taskID]
}

// BusyTasks returns the ids of all currently firing tasks, in stable order.
func (m *Marking) BusyTasks() []string {
	ids := make([]string, 0, len(m.busy))
	for id := range m.busy {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Marking) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, id := range m.MarkedConditions() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s:%d", id, m.tokens[id])
	}
	sb.WriteString("}")
	return sb.String()
}
