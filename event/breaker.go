package event

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/wfnet/engine/support/log"
)

// guardedListener wraps a registered listener with panic recovery and a
// circuit breaker.  A listener that keeps failing is skipped while its
// breaker is open, so one broken consumer cannot stall announcements for
// the rest.  Announcement failure never aborts the triggering transition.
type guardedListener struct {
	listener Listener
	breaker  *gobreaker.CircuitBreaker[any]
	logger   log.Logger
}

func newGuardedListener(listener Listener, idx int, logger log.Logger) *guardedListener {
	settings := gobreaker.Settings{
		Name:    fmt.Sprintf("listener-%d", idx),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnf("%s breaker %s -> %s", name, from, to)
		},
	}
	return &guardedListener{
		listener: listener,
		breaker:  gobreaker.NewCircuitBreaker[any](settings),
		logger:   logger,
	}
}

func (gl *guardedListener) handle(evt *Event) {
	_, err := gl.breaker.Execute(func() (any, error) {
		return nil, gl.invoke(evt)
	})
	if err != nil {
		gl.logger.Errorf("listener error on %s for case '%s': %v", evt.Type, evt.CaseID, err)
	}
}

func (gl *guardedListener) invoke(evt *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %w", recoverToError(r))
		}
	}()
	return gl.listener.HandleEvent(evt)
}
