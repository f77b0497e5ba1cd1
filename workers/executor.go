package workers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/hearthd/hearthd/logging"
)

type execJob struct {
	fn   func() (any, error)
	done chan execResult
}

type execResult struct {
	value any
	err   error
}

// ExecutorPool is the bounded general-purpose pool for blocking operations
// (page rendering, file access) submitted from the task loop. The
// submitting task suspends until the call completes; the loop itself never
// blocks.
type ExecutorPool struct {
	logger logging.Logger
	jobs   chan execJob
	size   int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewExecutorPool creates the pool and starts size worker goroutines.
func NewExecutorPool(size int, logger logging.Logger) *ExecutorPool {
	if size < 1 {
		size = 1
	}
	p := &ExecutorPool{
		logger: logger,
		jobs:   make(chan execJob),
		size:   size,
		stopCh: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	logger.Debug("Executor pool started", "workers", size)
	return p
}

// Name implements the subsystem contract.
func (p *ExecutorPool) Name() string { return "executor" }

// Size returns the worker count.
func (p *ExecutorPool) Size() int { return p.size }

// Run executes fn on a pool worker and suspends the caller until it
// completes or ctx is cancelled.
func (p *ExecutorPool) Run(ctx context.Context, fn func() (any, error)) (any, error) {
	job := execJob{fn: fn, done: make(chan execResult, 1)}
	select {
	case p.jobs <- job:
	case <-p.stopCh:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-job.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ExecutorPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			job.done <- p.call(job)
		}
	}
}

// call executes one submitted function, converting a panic into the call's
// error so a faulting submission never takes down a pool worker.
func (p *ExecutorPool) call(job execJob) (res execResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Executor call panicked", "panic", r, "stack", string(debug.Stack()))
			res = execResult{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	value, err := job.fn()
	return execResult{value: value, err: err}
}

// Stop requests a cooperative stop: workers exit after their current call.
// Idempotent, never blocks.
func (p *ExecutorPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Join blocks until every worker goroutine has exited.
func (p *ExecutorPool) Join() {
	p.wg.Wait()
}
