package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthd/hearthd/logging"
)

func TestExecutorRunReturnsValue(t *testing.T) {
	p := NewExecutorPool(2, logging.New("ERROR"))
	defer func() { p.Stop(); p.Join() }()

	v, err := p.Run(context.Background(), func() (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestExecutorRunReturnsError(t *testing.T) {
	p := NewExecutorPool(1, logging.New("ERROR"))
	defer func() { p.Stop(); p.Join() }()

	_, err := p.Run(context.Background(), func() (any, error) {
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestExecutorRunConvertsPanicToError(t *testing.T) {
	p := NewExecutorPool(1, logging.New("ERROR"))
	defer func() { p.Stop(); p.Join() }()

	_, err := p.Run(context.Background(), func() (any, error) {
		panic("render fault")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render fault")

	// The worker survives and keeps serving calls.
	v, err := p.Run(context.Background(), func() (any, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestExecutorRunHonorsContext(t *testing.T) {
	p := NewExecutorPool(1, logging.New("ERROR"))
	defer func() { p.Stop(); p.Join() }()

	// Occupy the single worker.
	blocked := make(chan struct{})
	go p.Run(context.Background(), func() (any, error) {
		<-blocked
		return nil, nil
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(blocked)
}

func TestExecutorRunAfterStop(t *testing.T) {
	p := NewExecutorPool(1, logging.New("ERROR"))
	p.Stop()
	p.Join()

	_, err := p.Run(context.Background(), func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutorConcurrentCalls(t *testing.T) {
	p := NewExecutorPool(4, logging.New("ERROR"))
	defer func() { p.Stop(); p.Join() }()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v, err := p.Run(context.Background(), func() (any, error) {
				return n * 2, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, n*2, v)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, p.Size())
}
