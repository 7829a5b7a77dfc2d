// Package scheduler runs directory operations on a bounded pool of workers.
//
// Before a task runs, its lock tokens are compared with those of every
// unfinished task of the same class submitted before it. While any of them
// overlaps the task waits, which serializes operations on the same subtree
// and lets operations on disjoint subtrees run in parallel. Tasks of
// different classes never wait for each other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/semaphore"

	"github.com/isometry/ldapsync/internal/events"
	ldapclient "github.com/isometry/ldapsync/internal/ldap"
)

// DefaultWorkers is the size of the worker pool when none is configured.
const DefaultWorkers = 4

// Operation is one schedulable unit of work.
type Operation interface {
	// Class groups operations that exclude each other on overlapping tokens.
	Class() string
	LockTokens() []LockToken
	// ErrorMessage prefixes the aggregated failures of a failed task.
	ErrorMessage() string
	// Execute runs the operation, reporting failures and events to monitor.
	Execute(ctx context.Context, monitor *Monitor)
}

// Status is the state of a task.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Task is a submitted operation.
type Task struct {
	ID        string
	Operation Operation

	tokens   []LockToken
	blockers []*Task
	monitor  *Monitor
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	status Status
	err    error
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Status returns the current state of the task.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the aggregated failures of a failed task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Monitor returns the task's monitor.
func (t *Task) Monitor() *Monitor {
	return t.monitor
}

// Cancel asks the task to stop. A queued task never starts.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Status, error) {
	select {
	case <-t.done:
		return t.Status(), t.Err()
	case <-ctx.Done():
		return t.Status(), ctx.Err()
	}
}

func (t *Task) setStatus(status Status, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.err = err
}

// Scheduler admits and runs tasks.
type Scheduler struct {
	workers *semaphore.Weighted
	sink    events.Sink

	mu      sync.Mutex
	pending []*Task
	wg      sync.WaitGroup

	// flushMu keeps the events of one task together on the sink.
	flushMu sync.Mutex
}

// New creates a scheduler running at most workers tasks at a time and
// publishing their events to sink.
func New(workers int, sink events.Sink) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Scheduler{
		workers: semaphore.NewWeighted(int64(workers)),
		sink:    sink,
	}
}

// Submit queues op and returns its task. The task is cancelled with ctx.
func (s *Scheduler) Submit(ctx context.Context, op Operation) *Task {
	ctx, cancel := context.WithCancel(ctx)
	task := &Task{
		ID:        uuid.NewString(),
		Operation: op,
		tokens:    op.LockTokens(),
		monitor:   NewMonitor(ctx),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	for _, other := range s.pending {
		if other.Operation.Class() == op.Class() && overlapsAny(other.tokens, task.tokens) {
			task.blockers = append(task.blockers, other)
		}
	}
	s.pending = append(s.pending, task)
	s.mu.Unlock()

	tflog.SubsystemDebug(ctx, ldapclient.SubsystemScheduler, "Task submitted", map[string]any{
		"task_id":  task.ID,
		"class":    op.Class(),
		"blockers": len(task.blockers),
	})

	s.wg.Add(1)
	go s.run(ctx, task)
	return task
}

// Wait blocks until every submitted task has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Pending returns the number of unfinished tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) run(ctx context.Context, task *Task) {
	defer s.wg.Done()
	defer close(task.done)
	defer s.finish(task)
	defer task.cancel()

	for _, blocker := range task.blockers {
		select {
		case <-blocker.done:
		case <-ctx.Done():
			task.setStatus(StatusCancelled, nil)
			return
		}
	}

	if err := s.workers.Acquire(ctx, 1); err != nil {
		task.setStatus(StatusCancelled, nil)
		return
	}
	defer s.workers.Release(1)

	task.setStatus(StatusRunning, nil)
	logDone := ldapclient.LogTaskOperation(ctx, task.ID, task.Operation.Class(), map[string]any{
		"tokens": len(task.tokens),
	})

	task.Operation.Execute(ctx, task.monitor)

	err := task.monitor.Err()
	switch {
	case ctx.Err() != nil:
		task.setStatus(StatusCancelled, nil)
		logDone(nil)
	case err != nil:
		err = fmt.Errorf("%s: %w", task.Operation.ErrorMessage(), err)
		task.setStatus(StatusFailed, err)
		logDone(err)
	default:
		task.setStatus(StatusSucceeded, nil)
		logDone(nil)
	}

	s.flushMu.Lock()
	task.monitor.recorder.FlushTo(s.sink)
	s.flushMu.Unlock()
}

func (s *Scheduler) finish(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.pending {
		if t == task {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// ErrCancelled is returned by Run when the task was cancelled.
var ErrCancelled = errors.New("task cancelled")

// Run submits op and waits for it. It returns the task's failures, or
// ErrCancelled.
func (s *Scheduler) Run(ctx context.Context, op Operation) (*Task, error) {
	task := s.Submit(ctx, op)
	<-task.Done()
	switch task.Status() {
	case StatusCancelled:
		return task, ErrCancelled
	case StatusFailed:
		return task, task.Err()
	default:
		return task, nil
	}
}
