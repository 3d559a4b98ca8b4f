// Package state holds the serializable snapshot of a case, decoupled from
// the live execution structures so that stores and transports can depend
// on it without pulling in the engine.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCorruptSnapshot indicates a snapshot that cannot be decoded or
	// fails structural validation.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// Snapshot is the full externalized state of a case, sufficient to
// restore it against the same specification version.
type Snapshot struct {
	SpecID      string                 `json:"specId"`
	SpecVersion string                 `json:"specVersion"`
	CaseID      string                 `json:"caseId"`
	Status      int                    `json:"status"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Created     time.Time              `json:"created"`
	Marshaled   time.Time              `json:"marshaled"`

	Runner   *RunnerState   `json:"runner"`
	Items    []*ItemState   `json:"items,omitempty"`
	Counters map[string]int `json:"counters,omitempty"`
	Groups   map[string]int `json:"groups,omitempty"`
}

// RunnerState captures one net runner: its marking, busy tasks, timers
// and, for composite tasks in flight, the child runners.
type RunnerState struct {
	ID         string         `json:"id"`
	NetID      string         `json:"netId"`
	ParentTask string         `json:"parentTask,omitempty"`
	Tokens     map[string]int `json:"tokens,omitempty"`
	Busy       []string       `json:"busy,omitempty"`
	Timers     []*TimerState  `json:"timers,omitempty"`
	Children   []*RunnerState `json:"children,omitempty"`
}

// TimerState captures an armed task timer as a remaining duration, so the
// deadline survives the wall-clock gap between unload and restore.
type TimerState struct {
	ItemID    string        `json:"itemId"`
	TaskID    string        `json:"taskId"`
	Remaining time.Duration `json:"remaining"`
	Action    string        `json:"action"`
}

// ItemState captures one work item.
type ItemState struct {
	ID         string                 `json:"id"`
	RunnerID   string                 `json:"runnerId"`
	TaskID     string                 `json:"taskId"`
	Suffix     int                    `json:"suffix"`
	Status     int                    `json:"status"`
	Created    time.Time              `json:"created"`
	InputData  map[string]interface{} `json:"inputData,omitempty"`
	OutputData map[string]interface{} `json:"outputData,omitempty"`
}

// Encode serializes the snapshot.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Decode deserializes and validates a snapshot.
func Decode(data []byte) (*Snapshot, error) {
	snapshot := &Snapshot{}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Validate checks the structural invariants a restorable snapshot must
// hold.
func (s *Snapshot) Validate() error {
	if s.SpecID == "" {
		return fmt.Errorf("%w: missing spec id", ErrCorruptSnapshot)
	}
	if s.CaseID == "" {
		return fmt.Errorf("%w: missing case id", ErrCorruptSnapshot)
	}
	if s.Runner == nil {
		return fmt.Errorf("%w: missing root runner", ErrCorruptSnapshot)
	}
	return validateRunner(s.Runner)
}

func validateRunner(r *RunnerState) error {
	if r.ID == "" {
		return fmt.Errorf("%w: runner without id", ErrCorruptSnapshot)
	}
	if r.NetID == "" {
		return fmt.Errorf("%w: runner '%s' without net id", ErrCorruptSnapshot, r.ID)
	}
	for id, count := range r.Tokens {
		if count < 0 {
			return fmt.Errorf("%w: runner '%s' condition '%s' has negative token count", ErrCorruptSnapshot, r.ID, id)
		}
	}
	for _, child := range r.Children {
		if child.ParentTask == "" {
			return fmt.Errorf("%w: child runner '%s' without parent task", ErrCorruptSnapshot, child.ID)
		}
		if err := validateRunner(child); err != nil {
			return err
		}
	}
	return nil
}
