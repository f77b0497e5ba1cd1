package hearthd

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SequenceStep is one step of a named sequence: an optional delay followed
// by an action.
type SequenceStep struct {
	Name  string
	Delay time.Duration
	Run   func(ctx context.Context) error
}

// SequenceManager holds named step sequences and runs them on demand. It is
// constructed first alongside the service registry and depends on no other
// subsystem.
type SequenceManager struct {
	logger Logger

	mu        sync.Mutex
	sequences map[string][]SequenceStep
	running   map[string]context.CancelFunc
}

// NewSequenceManager creates an empty manager.
func NewSequenceManager(logger Logger) *SequenceManager {
	return &SequenceManager{
		logger:    logger,
		sequences: make(map[string][]SequenceStep),
		running:   make(map[string]context.CancelFunc),
	}
}

// Name implements the subsystem contract.
func (m *SequenceManager) Name() string { return "sequences" }

// Register stores a sequence under a name, replacing any previous
// definition.
func (m *SequenceManager) Register(name string, steps []SequenceStep) {
	m.mu.Lock()
	m.sequences[name] = steps
	m.mu.Unlock()
}

// Run executes a sequence to completion, honoring step delays and
// cancellation. Only one run per name may be in flight.
func (m *SequenceManager) Run(ctx context.Context, name string) error {
	m.mu.Lock()
	steps, ok := m.sequences[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSequenceNotFound, name)
	}
	if _, active := m.running[name]; active {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSequenceAlreadyRunning, name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running[name] = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.running, name)
		m.mu.Unlock()
	}()

	for _, step := range steps {
		if step.Delay > 0 {
			timer := time.NewTimer(step.Delay)
			select {
			case <-runCtx.Done():
				timer.Stop()
				return runCtx.Err()
			case <-timer.C:
			}
		}
		if step.Run == nil {
			continue
		}
		if err := step.Run(runCtx); err != nil {
			return fmt.Errorf("sequence %s step %s failed: %w", name, step.Name, err)
		}
	}
	return nil
}

// Cancel aborts an in-flight run of a sequence. Unknown or idle sequences
// are ignored.
func (m *SequenceManager) Cancel(name string) {
	m.mu.Lock()
	cancel := m.running[name]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop cancels every in-flight sequence. Idempotent, never blocks.
func (m *SequenceManager) Stop() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.running))
	for _, cancel := range m.running {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
