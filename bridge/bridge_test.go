package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthd/hearthd/callbacks"
	"github.com/hearthd/hearthd/logging"
)

func newTestBridge() *Bridge {
	registry := callbacks.New(nil, logging.New("ERROR"))
	return New(registry, 0, logging.New("ERROR"))
}

func waitClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal(msg)
	}
}

func TestCallAsyncNoWaitWithoutLoopExecutesDetached(t *testing.T) {
	b := newTestBridge()
	require.False(t, b.Running())

	done := make(chan struct{})
	b.CallAsyncNoWait("detached", func(ctx context.Context) error {
		close(done)
		return nil
	})
	waitClosed(t, done, "invocation never executed without a running loop")
}

func TestLoopDrainsQueuedInvocations(t *testing.T) {
	b := newTestBridge()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = b.Loop(context.Background())
	}()

	require.Eventually(t, func() bool { return b.Running() },
		2*time.Second, time.Millisecond, "loop never marked itself running")

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		b.CallAsyncNoWait("queued", func(ctx context.Context) error {
			count.Add(1)
			return nil
		})
	}

	assert.Eventually(t, func() bool { return count.Load() == 5 },
		2*time.Second, time.Millisecond, "loop did not drain the queue")

	b.Stop()
	b.Stop()
	waitClosed(t, loopDone, "loop never exited after stop")
	assert.False(t, b.Running())
}

func TestCallWaitsForResult(t *testing.T) {
	b := newTestBridge()
	go b.Loop(context.Background())
	defer b.Stop()

	err := b.Call(context.Background(), "failing", func(ctx context.Context) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	err = b.Call(context.Background(), "ok", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestCallConvertsPanicToError(t *testing.T) {
	b := newTestBridge()

	err := b.Call(context.Background(), "faulting", func(ctx context.Context) error {
		panic("callback fault")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "callback fault")
}

func TestCallHonorsContext(t *testing.T) {
	b := newTestBridge()
	go b.Loop(context.Background())
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	err := b.Call(ctx, "slow", func(ctx context.Context) error {
		close(started)
		time.Sleep(time.Second)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvokeCallbackUnknownHandle(t *testing.T) {
	b := newTestBridge()
	// Unknown handles are dropped with a warning, never a panic.
	b.InvokeCallback("no-such-id", cloudevents.NewEvent())
}

func TestInvokeCallbackRunsRegisteredCallback(t *testing.T) {
	registry := callbacks.New(nil, logging.New("ERROR"))
	b := New(registry, 0, logging.New("ERROR"))

	done := make(chan struct{})
	id := registry.RegisterEventCallback("app", "default", "io.hearthd.test",
		func(ctx context.Context, event cloudevents.Event) error {
			close(done)
			return nil
		})

	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())
	ev.SetSource("test")
	ev.SetType("io.hearthd.test")

	b.InvokeCallback(id, ev)
	waitClosed(t, done, "registered callback never invoked")
}
