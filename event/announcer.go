package event

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/wfnet/engine/support/log"
)

// DispatchMode selects how the Announcer delivers events to listeners.
// The mode is fixed at engine construction.
type DispatchMode int

const (
	// DispatchSingleThread delivers all events sequentially in generation
	// order, in the goroutine that produced them.
	DispatchSingleThread DispatchMode = iota

	// DispatchPooled hands deliveries to a worker pool.  Ordering is
	// preserved per case but not across cases.
	DispatchPooled
)

// Announcer fans every lifecycle transition out to the registered
// listeners.  Transitions are pushed onto a per-case ordered queue while
// the per-case section is held and drained after it is released, so a
// listener may call back into the engine without deadlocking.
type Announcer struct {
	mode   DispatchMode
	logger log.Logger

	listenerMu sync.RWMutex
	listeners  []*guardedListener

	queueMu sync.Mutex
	queues  map[string]*caseQueue
	stopped bool
	pending sync.WaitGroup

	workers []*worker
}

type caseQueue struct {
	events   []*Event
	draining bool
}

// NewAnnouncer creates an announcer in the given dispatch mode.  poolSize
// is only meaningful for DispatchPooled and defaults to 4.
func NewAnnouncer(mode DispatchMode, poolSize int) *Announcer {
	a := &Announcer{
		mode:   mode,
		logger: log.ChildLogger("announcer"),
		queues: make(map[string]*caseQueue),
	}
	if mode == DispatchPooled {
		if poolSize < 1 {
			poolSize = 4
		}
		a.workers = make([]*worker, poolSize)
		for i := range a.workers {
			a.workers[i] = newWorker()
		}
	}
	return a
}

// AddListener registers a listener.  Listeners are registered at engine
// construction and torn down at shutdown.
func (a *Announcer) AddListener(listener Listener) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.listeners = append(a.listeners, newGuardedListener(listener, len(a.listeners), a.logger))
}

// ListenerCount returns the number of registered listeners.
func (a *Announcer) ListenerCount() int {
	a.listenerMu.RLock()
	defer a.listenerMu.RUnlock()
	return len(a.listeners)
}

// Announce queues the events for the case and triggers delivery.  Events
// for one case are always delivered in the order they are announced.
func (a *Announcer) Announce(caseID string, events ...*Event) {
	if len(events) == 0 {
		return
	}

	a.queueMu.Lock()
	if a.stopped {
		a.queueMu.Unlock()
		a.logger.Warnf("announcer stopped, dropping %d event(s) for case '%s'", len(events), caseID)
		return
	}
	queue, exists := a.queues[caseID]
	if !exists {
		queue = &caseQueue{}
		a.queues[caseID] = queue
	}
	queue.events = append(queue.events, events...)
	a.pending.Add(len(events))
	a.queueMu.Unlock()

	if a.mode == DispatchPooled {
		a.workerFor(caseID).submit(func() { a.drain(caseID) })
	} else {
		a.drain(caseID)
	}
}

// drain delivers queued events for the case until its queue is empty.
// Only one goroutine drains a given case at a time; a second caller
// returns immediately and its events are delivered by the active drainer.
// A listener reentering the engine from within delivery lands in this
// second path, which is what makes reentrancy deadlock-free.
func (a *Announcer) drain(caseID string) {

	a.queueMu.Lock()
	queue, exists := a.queues[caseID]
	if !exists || queue.draining {
		a.queueMu.Unlock()
		return
	}
	queue.draining = true

	for len(queue.events) > 0 {
		batch := queue.events
		queue.events = nil
		a.queueMu.Unlock()

		for _, evt := range batch {
			a.deliver(evt)
			a.pending.Done()
		}

		a.queueMu.Lock()
	}
	queue.draining = false
	delete(a.queues, caseID)
	a.queueMu.Unlock()
}

func (a *Announcer) deliver(evt *Event) {
	a.listenerMu.RLock()
	listeners := a.listeners
	a.listenerMu.RUnlock()

	for _, gl := range listeners {
		gl.handle(evt)
	}
}

// Wait blocks until every announced event has been delivered.
func (a *Announcer) Wait() {
	a.pending.Wait()
}

// Stop waits for queued deliveries to finish and releases the worker pool.
// Further Announce calls are dropped with a warning.
func (a *Announcer) Stop() {
	a.queueMu.Lock()
	if a.stopped {
		a.queueMu.Unlock()
		return
	}
	a.stopped = true
	a.queueMu.Unlock()

	a.pending.Wait()
	for _, w := range a.workers {
		w.stop()
	}
}

func (a *Announcer) workerFor(caseID string) *worker {
	h := fnv.New32a()
	_, _ = h.Write([]byte(caseID))
	return a.workers[int(h.Sum32())%len(a.workers)]
}

// worker is a dispatch goroutine with an unbounded job queue.  Submission
// never blocks, so a listener running on the worker can schedule further
// drains for its own case without deadlocking the pool.
type worker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []func()
	stopped bool
	done    chan struct{}
}

func newWorker() *worker {
	w := &worker{done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *worker) submit(job func()) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.jobs = append(w.jobs, job)
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.jobs) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if len(w.jobs) == 0 && w.stopped {
			w.mu.Unlock()
			return
		}
		job := w.jobs[0]
		w.jobs = w.jobs[1:]
		w.mu.Unlock()

		job()
	}
}

func (w *worker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cond.Signal()
	<-w.done
}

func recoverToError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}
