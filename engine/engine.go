// Package engine exposes the public facade of the workflow engine: the
// specification registry, the live case table, work item operations and
// case lifecycle management.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/wfnet/engine/definition"
	"github.com/wfnet/engine/event"
	"github.com/wfnet/engine/instance"
	"github.com/wfnet/engine/state"
	"github.com/wfnet/engine/support"
	"github.com/wfnet/engine/support/log"
)

// Engine hosts running cases over registered specifications.  All methods
// are safe for concurrent use; events raised by an operation are announced
// after the owning case's exclusive section is released, so listeners may
// reenter the engine freely.
type Engine struct {
	cfg    *Config
	logger log.Logger

	specs     *support.SpecManager
	announcer *event.Announcer

	mu       sync.RWMutex // protects the case table
	cases    map[string]*instance.Case
	shutdown bool
	ops      sync.WaitGroup // in-flight operations, waited on by Shutdown

	monitor *idleMonitor
}

// New creates an engine with the given configuration; nil selects the
// defaults.
func New(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := log.ChildLogger("engine")

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		specs:     support.NewSpecManager(logger),
		announcer: event.NewAnnouncer(cfg.dispatchMode(), cfg.PoolSize),
		cases:     make(map[string]*instance.Case),
	}
	if cfg.IdleTimeout > 0 {
		e.monitor = newIdleMonitor(e, cfg.IdleTimeout, cfg.SweepInterval)
		e.monitor.start()
	}
	return e
}

// Specs returns the specification registry.
func (e *Engine) Specs() *support.SpecManager {
	return e.specs
}

// RegisterSpec registers a specification for launching.
func (e *Engine) RegisterSpec(def *definition.Definition) error {
	return e.specs.Register(def)
}

// AddListener subscribes a listener to all case and work item events.
func (e *Engine) AddListener(listener event.Listener) {
	e.announcer.AddListener(listener)
}

// SetIdleTimeout reconfigures idle-case monitoring at runtime.  A
// non-positive timeout disables the monitor, which also disables
// UnloadCase; a positive one starts a fresh monitor with the new timeout.
func (e *Engine) SetIdleTimeout(timeout time.Duration) {

	e.mu.Lock()
	old := e.monitor
	e.monitor = nil
	e.cfg.IdleTimeout = timeout
	if timeout > 0 {
		e.monitor = newIdleMonitor(e, timeout, e.cfg.SweepInterval)
		e.monitor.start()
	}
	e.mu.Unlock()

	// the sweep reads the case table, so never stop under the lock
	if old != nil {
		old.stop()
	}
}

// currentMonitor returns the live monitor, or nil when monitoring is off.
func (e *Engine) currentMonitor() *idleMonitor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.monitor
}

// LaunchCase starts a new case of the given specification.  An empty
// caseID is assigned a generated one; an empty version resolves to the
// latest registered.  Returns the case id.
func (e *Engine) LaunchCase(specID, version, caseID string, initialData map[string]interface{}) (string, error) {

	if err := e.beginOp(); err != nil {
		return "", err
	}
	defer e.ops.Done()

	def, err := e.specs.Get(specID, version)
	if err != nil {
		return "", err
	}
	if caseID == "" {
		caseID = uuid.New().String()
	}

	c := instance.NewCase(def, caseID, log.ChildLogger("case"))
	c.SetOrJoinSearchLimit(e.cfg.OrJoinSearchLimit)
	c.SetTimerExpiryHandler(e.expireTimer)

	e.mu.Lock()
	if _, exists := e.cases[caseID]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: '%s'", ErrDuplicateCase, caseID)
	}
	e.cases[caseID] = c
	e.mu.Unlock()

	events, err := c.Launch(initialData)
	e.announcer.Announce(caseID, events...)
	if err != nil {
		e.removeCase(caseID)
		return "", err
	}
	e.reapIfTerminal(c)
	return caseID, nil
}

// GetCase returns a live case.
func (e *Engine) GetCase(caseID string) (*instance.Case, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, exists := e.cases[caseID]
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownCase, caseID)
	}
	return c, nil
}

// CaseIDs returns the ids of all live cases, sorted.
func (e *Engine) CaseIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.cases))
	for id := range e.cases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartWorkItem moves an enabled work item to Executing.
func (e *Engine) StartWorkItem(caseID, itemID string) error {
	return e.withCase(caseID, func(c *instance.Case) ([]*event.Event, error) {
		return c.StartItem(itemID)
	})
}

// CompleteWorkItem finishes an executing work item with the given output.
func (e *Engine) CompleteWorkItem(caseID, itemID string, outputData map[string]interface{}) error {
	return e.withCase(caseID, func(c *instance.Case) ([]*event.Event, error) {
		return c.CompleteItem(itemID, outputData)
	})
}

// CancelWorkItem cancels an active work item.
func (e *Engine) CancelWorkItem(caseID, itemID string) error {
	return e.withCase(caseID, func(c *instance.Case) ([]*event.Event, error) {
		return c.CancelItem(itemID)
	})
}

// SuspendWorkItem pauses an executing work item.
func (e *Engine) SuspendWorkItem(caseID, itemID string) error {
	return e.withCase(caseID, func(c *instance.Case) ([]*event.Event, error) {
		return c.SuspendItem(itemID)
	})
}

// ResumeWorkItem returns a suspended work item to Executing.
func (e *Engine) ResumeWorkItem(caseID, itemID string) error {
	return e.withCase(caseID, func(c *instance.Case) ([]*event.Event, error) {
		return c.ResumeItem(itemID)
	})
}

// CancelCase terminates a case and all its work items.
func (e *Engine) CancelCase(caseID string) error {
	return e.withCase(caseID, func(c *instance.Case) ([]*event.Event, error) {
		return c.Cancel()
	})
}

// MarshalCase serializes the state of a live case without disturbing it.
func (e *Engine) MarshalCase(caseID string) ([]byte, error) {

	c, err := e.GetCase(caseID)
	if err != nil {
		return nil, err
	}
	snap, err := c.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Encode()
}

// UnloadCase snapshots an idle case and evicts it from the engine.  The
// operation is atomic: no work item activity can be observed between the
// snapshot and the removal.  Requires idle monitoring to be enabled.
func (e *Engine) UnloadCase(caseID string) ([]byte, error) {

	if err := e.beginOp(); err != nil {
		return nil, err
	}
	defer e.ops.Done()

	e.mu.Lock()
	if e.monitor == nil {
		e.mu.Unlock()
		return nil, ErrMonitoringDisabled
	}
	c, exists := e.cases[caseID]
	if !exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownCase, caseID)
	}

	snap, events, err := c.SnapshotAndUnload()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	delete(e.cases, caseID)
	m := e.monitor
	e.mu.Unlock()

	m.forget(caseID)
	e.announcer.Announce(caseID, events...)
	return snap.Encode()
}

// RestoreCase rebuilds a case from a snapshot produced by MarshalCase or
// UnloadCase.  The snapshot's specification version must match the
// registered one exactly.  Enabled work items surface as re-announcement
// events, never as fresh enablements.
func (e *Engine) RestoreCase(snapshot []byte) (string, error) {

	if err := e.beginOp(); err != nil {
		return "", err
	}
	defer e.ops.Done()

	snap, err := state.Decode(snapshot)
	if err != nil {
		return "", err
	}

	def, err := e.specs.Get(snap.SpecID, snap.SpecVersion)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVersionMismatch, err)
	}
	if def.Version() != snap.SpecVersion {
		return "", fmt.Errorf("%w: snapshot has '%s', registry has '%s'", ErrVersionMismatch, snap.SpecVersion, def.Version())
	}

	c, reannounced, err := instance.RestoreCase(def, snap, log.ChildLogger("case"))
	if err != nil {
		return "", err
	}
	c.SetOrJoinSearchLimit(e.cfg.OrJoinSearchLimit)
	c.SetTimerExpiryHandler(e.expireTimer)

	e.mu.Lock()
	if _, exists := e.cases[c.ID()]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: '%s'", ErrDuplicateCase, c.ID())
	}
	e.cases[c.ID()] = c
	e.mu.Unlock()

	events := append([]*event.Event{event.New(event.CaseRestored, c.ID())}, reannounced...)
	e.announcer.Announce(c.ID(), events...)

	c.ArmTimers()
	if m := e.currentMonitor(); m != nil {
		m.touch(c.ID())
	}
	return c.ID(), nil
}

// MarshalAll serializes every live case, collecting per-case failures
// into one aggregate error.
func (e *Engine) MarshalAll() (map[string][]byte, error) {

	var result *multierror.Error
	snapshots := make(map[string][]byte)

	for _, caseID := range e.CaseIDs() {
		data, err := e.MarshalCase(caseID)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("case '%s': %w", caseID, err))
			continue
		}
		snapshots[caseID] = data
	}
	return snapshots, result.ErrorOrNil()
}

// Shutdown stops the engine: further operations fail with ErrShutdown,
// in-flight ones run to completion, the idle monitor is stopped and
// pending event deliveries are drained.  The context bounds the wait.
func (e *Engine) Shutdown(ctx context.Context) error {

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return ErrShutdown
	}
	e.shutdown = true
	e.mu.Unlock()

	if m := e.currentMonitor(); m != nil {
		m.stop()
	}

	drained := make(chan struct{})
	go func() {
		e.ops.Wait()
		e.announcer.Stop()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginOp admits an operation into the engine.  Registering under the
// same lock that Shutdown uses to raise the flag guarantees that once
// Shutdown observes the wait group empty, no further Announce can occur.
func (e *Engine) beginOp() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return ErrShutdown
	}
	e.ops.Add(1)
	return nil
}

// withCase runs an operation against a live case and announces whatever
// events it raised, outside the case's exclusive section.
func (e *Engine) withCase(caseID string, op func(c *instance.Case) ([]*event.Event, error)) error {

	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.ops.Done()

	c, err := e.GetCase(caseID)
	if err != nil {
		return err
	}

	events, opErr := op(c)
	e.announcer.Announce(caseID, events...)

	if opErr == nil {
		if m := e.currentMonitor(); m != nil {
			m.touch(caseID)
		}
		e.reapIfTerminal(c)
	}
	return opErr
}

// expireTimer is the timer callback installed on every case.
func (e *Engine) expireTimer(caseID, itemID string) {

	if err := e.beginOp(); err != nil {
		return
	}
	defer e.ops.Done()

	c, err := e.GetCase(caseID)
	if err != nil {
		return // the case went away before the timer fired
	}

	events, err := c.ExpireTimer(itemID)
	e.announcer.Announce(caseID, events...)
	if err != nil {
		e.logger.Errorf("case '%s': timer expiry for '%s': %v", caseID, itemID, err)
		return
	}
	if m := e.currentMonitor(); m != nil {
		m.touch(caseID)
	}
	e.reapIfTerminal(c)
}

// reapIfTerminal drops a completed or cancelled case from the live table.
func (e *Engine) reapIfTerminal(c *instance.Case) {
	if !c.Status().IsTerminal() {
		return
	}
	e.removeCase(c.ID())
}

func (e *Engine) removeCase(caseID string) {
	e.mu.Lock()
	delete(e.cases, caseID)
	m := e.monitor
	e.mu.Unlock()
	if m != nil {
		m.forget(caseID)
	}
}

// Wait blocks until all announced events have been delivered.  Intended
// for tests and orderly drains.
func (e *Engine) Wait() {
	e.announcer.Wait()
}
