package scheduler

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/isometry/ldapsync/internal/events"
)

// Monitor is handed to a running operation. It accumulates the operation's
// failures, tracks progress and collects the events to publish once the
// task completes.
type Monitor struct {
	ctx      context.Context
	recorder *events.Recorder

	mu     sync.Mutex
	errs   *multierror.Error
	total  int
	worked int
}

// NewMonitor creates a monitor bound to ctx. Operations run outside a
// scheduler, such as in tests, can use it directly.
func NewMonitor(ctx context.Context) *Monitor {
	return &Monitor{ctx: ctx, recorder: events.NewRecorder()}
}

// Sink returns where the operation publishes its events.
func (m *Monitor) Sink() events.Sink {
	return m.recorder
}

// Events returns the events published so far.
func (m *Monitor) Events() []events.Event {
	return m.recorder.Events()
}

// ReportError records a failure. The operation keeps going unless it
// decides otherwise.
func (m *Monitor) ReportError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = multierror.Append(m.errs, err)
}

// Err returns every recorded failure, or nil.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs.ErrorOrNil()
}

// Failed reports whether any failure was recorded.
func (m *Monitor) Failed() bool {
	return m.Err() != nil
}

// Canceled reports whether the task was cancelled.
func (m *Monitor) Canceled() bool {
	return m.ctx.Err() != nil
}

// Begin sets the amount of work the operation expects to do.
func (m *Monitor) Begin(total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	m.worked = 0
}

// Worked adds n units of finished work.
func (m *Monitor) Worked(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worked += n
}

// Progress returns the finished and the expected amount of work.
func (m *Monitor) Progress() (worked, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worked, m.total
}
