// Package bridge implements the synchronous/asynchronous execution
// boundary. Worker threads hand completions and new work back to the task
// loop exclusively through the bridge's dispatch loop; no other relay path
// exists, which keeps task-loop state race-free.
package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/hearthd/hearthd/callbacks"
	"github.com/hearthd/hearthd/logging"
)

// DefaultQueueSize bounds the dispatch queue.
const DefaultQueueSize = 100

// Invocation is one unit of work relayed onto the task loop.
type Invocation struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Bridge owns the dispatch queue and the loop that drains it. Producers
// never block: when the dispatch loop is not running (apps disabled) or the
// queue is full, work is executed on a detached goroutine instead.
type Bridge struct {
	logger   logging.Logger
	registry *callbacks.Registry

	queue   chan Invocation
	running atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a bridge bound to the callback registry. queueSize <= 0 uses
// DefaultQueueSize.
func New(registry *callbacks.Registry, queueSize int, logger logging.Logger) *Bridge {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bridge{
		logger:   logger,
		registry: registry,
		queue:    make(chan Invocation, queueSize),
		stopCh:   make(chan struct{}),
	}
}

// Name implements the subsystem contract.
func (b *Bridge) Name() string { return "dispatch" }

// Running reports whether the dispatch loop is draining the queue.
func (b *Bridge) Running() bool { return b.running.Load() }

// QueueDepth returns the number of queued invocations.
func (b *Bridge) QueueDepth() int { return len(b.queue) }

// CallAsyncNoWait enqueues fn for execution on the task loop and returns
// immediately. This is the only call safe from restricted contexts such as
// the control-event path: it never blocks and performs no unbounded work.
func (b *Bridge) CallAsyncNoWait(name string, fn func(ctx context.Context) error) {
	inv := Invocation{Name: name, Fn: fn}
	if !b.running.Load() {
		go b.execute(context.Background(), inv)
		return
	}
	select {
	case b.queue <- inv:
	default:
		b.logger.Warn("Dispatch queue full, executing detached", "name", name)
		go b.execute(context.Background(), inv)
	}
}

// Call enqueues fn and suspends the caller until it has run on the task
// loop, returning its error. The task loop itself is never blocked.
func (b *Bridge) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	b.CallAsyncNoWait(name, func(loopCtx context.Context) error {
		err := b.invoke(loopCtx, Invocation{Name: name, Fn: fn})
		done <- err
		return err
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InvokeCallback relays a registered callback invocation onto the task
// loop. Unknown handles are dropped with a warning.
func (b *Bridge) InvokeCallback(id string, event cloudevents.Event) {
	cb, ok := b.registry.Get(id)
	if !ok {
		b.logger.Warn("Unknown callback handle", "id", id)
		return
	}
	b.CallAsyncNoWait("callback:"+cb.App, func(ctx context.Context) error {
		return cb.Fn(ctx, event)
	})
}

// Loop is the cross-thread dispatch loop. Each iteration drains exactly one
// invocation and runs it to completion; the stop request is observed only
// at the iteration boundary.
func (b *Bridge) Loop(ctx context.Context) error {
	b.running.Store(true)
	defer b.running.Store(false)

	for {
		select {
		case <-b.stopCh:
			b.drainPending()
			return nil
		case <-ctx.Done():
			b.drainPending()
			return nil
		case inv := <-b.queue:
			b.execute(ctx, inv)
		}
	}
}

// Stop requests a cooperative stop of the dispatch loop. Idempotent, never
// blocks.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

func (b *Bridge) execute(ctx context.Context, inv Invocation) {
	if err := b.invoke(ctx, inv); err != nil {
		b.logger.Error("Dispatched invocation failed", "name", inv.Name, "error", err)
	}
}

// invoke runs one invocation, converting a panic into its error so a
// faulting callback never takes down the dispatch loop or a detached
// execution goroutine.
func (b *Bridge) invoke(ctx context.Context, inv Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Invocation panicked", "name", inv.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return inv.Fn(ctx)
}

// drainPending logs invocations left in the queue when the loop exits.
func (b *Bridge) drainPending() {
	pending := len(b.queue)
	if pending > 0 {
		b.logger.Warn("Dispatch loop stopping with pending invocations", "pending", pending)
	}
}
