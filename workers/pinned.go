// Package workers provides the runtime's two thread pools: the pinned pool
// that runs app callback code on dedicated worker goroutines off the task
// loop, and the general executor pool used to offload blocking operations.
package workers

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/hearthd/hearthd/logging"
)

// defaultQueueSize bounds each pinned worker's job queue.
const defaultQueueSize = 64

// Relay is the pinned pool's only path back to the task loop. The execution
// bridge satisfies this; results never touch task-loop state directly.
type Relay interface {
	CallAsyncNoWait(name string, fn func(ctx context.Context) error)
}

// Job is one unit of app work.
type Job struct {
	App  string
	Name string
	Fn   func(ctx context.Context) error
	// OnDone, when set, is relayed back onto the task loop with the
	// job's error after the job completes.
	OnDone func(ctx context.Context, err error) error
}

type pinnedWorker struct {
	id      int
	queue   chan Job
	current atomic.Value // string: name of the in-flight job
}

// PinnedPool executes app callback code on a fixed set of dedicated worker
// goroutines. With pinning enabled, an app always lands on the same worker,
// so an app's callbacks are serialized.
type PinnedPool struct {
	logger logging.Logger
	relay  Relay

	workers []*pinnedWorker
	pinApps bool
	next    atomic.Uint64
	qWarn   int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

// NewPinnedPool creates the pool and starts its worker goroutines. count
// must be positive; qWarn is the queue depth that triggers a warning.
func NewPinnedPool(count int, pinApps bool, qWarn int, relay Relay, logger logging.Logger) *PinnedPool {
	if count < 1 {
		count = 1
	}
	p := &PinnedPool{
		logger:  logger,
		relay:   relay,
		pinApps: pinApps,
		qWarn:   qWarn,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < count; i++ {
		w := &pinnedWorker{id: i, queue: make(chan Job, defaultQueueSize)}
		w.current.Store("")
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.run(w)
	}
	logger.Debug("Pinned worker pool started", "workers", count, "pin_apps", pinApps)
	return p
}

// Name implements the subsystem contract.
func (p *PinnedPool) Name() string { return "threads" }

// Size returns the worker count.
func (p *PinnedPool) Size() int { return len(p.workers) }

// WorkerFor returns the worker index a given app is pinned to.
func (p *PinnedPool) WorkerFor(app string) int {
	if !p.pinApps {
		return int(p.next.Add(1) % uint64(len(p.workers)))
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(app))
	return int(h.Sum32() % uint32(len(p.workers)))
}

// Submit queues a job on the app's worker. Jobs submitted after Stop are
// dropped with a warning.
func (p *PinnedPool) Submit(job Job) {
	if p.stopped.Load() {
		p.logger.Warn("Worker pool stopped, dropping job", "app", job.App, "name", job.Name)
		return
	}
	w := p.workers[p.WorkerFor(job.App)]
	if depth := len(w.queue); p.qWarn > 0 && depth >= p.qWarn {
		p.logger.Warn("Worker queue depth above threshold", "worker", w.id, "depth", depth, "threshold", p.qWarn)
	}
	select {
	case w.queue <- job:
	case <-p.stopCh:
		p.logger.Warn("Worker pool stopping, dropping job", "app", job.App, "name", job.Name)
	}
}

// DispatchApp implements the callback dispatcher contract.
func (p *PinnedPool) DispatchApp(app, name string, fn func(ctx context.Context) error) {
	p.Submit(Job{App: app, Name: name, Fn: fn})
}

// run is a worker goroutine. The stop request is observed between jobs; a
// job in flight always completes in full.
func (p *PinnedPool) run(w *pinnedWorker) {
	defer p.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-p.stopCh:
			return
		case job := <-w.queue:
			w.current.Store(job.Name)
			err := p.runJob(ctx, w, job)
			w.current.Store("")
			if err != nil {
				p.logger.Error("App job failed", "app", job.App, "name", job.Name, "worker", w.id, "error", err)
			}
			if job.OnDone != nil && p.relay != nil {
				done := job.OnDone
				p.relay.CallAsyncNoWait("job_done:"+job.Name, func(ctx context.Context) error {
					return done(ctx, err)
				})
			}
		}
	}
}

// runJob executes one job, converting a panic into the job's error so a
// faulting app never takes down its worker goroutine.
func (p *PinnedPool) runJob(ctx context.Context, w *pinnedWorker, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("App job panicked", "app", job.App, "name", job.Name, "worker", w.id, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Fn(ctx)
}

// QueueDepths returns the per-worker queue depths.
func (p *PinnedPool) QueueDepths() []int {
	out := make([]int, len(p.workers))
	for i, w := range p.workers {
		out[i] = len(w.queue)
	}
	return out
}

// DumpThreads writes an internal-state snapshot of the pool to the log.
func (p *PinnedPool) DumpThreads() {
	p.logger.Info("--- thread dump ---", "workers", len(p.workers), "pin_apps", p.pinApps)
	for _, w := range p.workers {
		p.logger.Info("worker", "id", w.id, "queued", len(w.queue), "current", w.current.Load())
	}
	p.logger.Info("--- end thread dump ---")
}

// Stop requests a cooperative stop: each worker exits after finishing its
// current job. Idempotent, never blocks.
func (p *PinnedPool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})
}

// Join blocks until every worker goroutine has exited. Used by terminate
// paths after Stop.
func (p *PinnedPool) Join() {
	p.wg.Wait()
}
