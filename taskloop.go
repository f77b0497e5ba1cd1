package hearthd

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// TaskLoop drives the runtime's perpetual loop tasks. Each task is a named
// goroutine tracked by the loop; Wait joins the complete set, which is the
// single point the Supervisor blocks on before invoking Terminate.
//
// Tasks never preempt each other's shutdown: every loop observes its own
// cooperative stop flag and exits at an iteration boundary.
type TaskLoop struct {
	logger Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	names  []string
	faults []error
}

// NewTaskLoop creates a task loop whose tasks run under a context derived
// from ctx.
func NewTaskLoop(ctx context.Context, logger Logger) *TaskLoop {
	loopCtx, cancel := context.WithCancel(ctx)
	return &TaskLoop{
		logger: logger,
		ctx:    loopCtx,
		cancel: cancel,
	}
}

// Context returns the loop context handed to every scheduled task.
func (l *TaskLoop) Context() context.Context {
	return l.ctx
}

// Go schedules fn as a named perpetual task. The task's error, if any, is
// logged when the task exits; it does not tear down other tasks. A panic in
// the task is recovered at this boundary, logged with its stack, recorded as
// a loop fault, and releases the loop context so the remaining tasks wind
// down instead of waiting on a task that no longer exists.
func (l *TaskLoop) Go(name string, fn func(ctx context.Context) error) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("Task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
				l.mu.Lock()
				l.faults = append(l.faults, fmt.Errorf("task %q: panic: %v", name, r))
				l.mu.Unlock()
				l.cancel()
			}
		}()
		if err := fn(l.ctx); err != nil {
			l.logger.Error("Task exited with error", "task", name, "error", err)
			return
		}
		l.logger.Debug("Task finished", "task", name)
	}()
}

// Wait blocks until every scheduled task has finished, then releases the
// loop context.
func (l *TaskLoop) Wait() {
	l.wg.Wait()
	l.cancel()
}

// Fault returns the panics recovered from tasks, joined, or nil when every
// task exited normally.
func (l *TaskLoop) Fault() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(l.faults...)
}

// TaskNames returns the names of all tasks ever scheduled, in order.
func (l *TaskLoop) TaskNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.names))
	copy(out, l.names)
	return out
}

// TaskCount returns how many tasks have been scheduled.
func (l *TaskLoop) TaskCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}
