// Package plugins implements the plugin manager. Plugins are the runtime's
// inbound integrations: each runs on its own goroutine and pushes external
// state and events into the runtime through the sink it is handed.
package plugins

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/hearthd/hearthd/bus"
	"github.com/hearthd/hearthd/logging"
	"github.com/hearthd/hearthd/state"
)

// Sink is the restricted runtime view handed to plugins.
type Sink struct {
	State *state.Store
	Bus   *bus.Bus
}

// Plugin is a single integration. Run blocks until the context is cancelled
// or Stop is called; Stop must be idempotent and non-blocking.
type Plugin interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
	Stop()
}

// Manager owns plugin registration and lifecycle. It is constructed last in
// the composition order so plugins can rely on every other subsystem
// existing.
type Manager struct {
	logger logging.Logger
	sink   Sink

	mu      sync.Mutex
	plugins map[string]Plugin
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a plugin manager.
func New(sink Sink, logger logging.Logger) *Manager {
	return &Manager{
		logger:  logger,
		sink:    sink,
		plugins: make(map[string]Plugin),
	}
}

// Name implements the subsystem contract.
func (m *Manager) Name() string { return "plugins" }

// Register adds a plugin. Plugins registered after Start are launched
// immediately.
func (m *Manager) Register(p Plugin) {
	m.mu.Lock()
	m.plugins[p.Name()] = p
	started := m.started
	runCtx := m.runCtx
	m.mu.Unlock()

	if started {
		m.launch(runCtx, p)
	}
}

// Count returns the number of registered plugins.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plugins)
}

// Start launches every registered plugin on its own goroutine, off the
// task loop.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		cancel()
		return
	}
	m.started = true
	m.runCtx = runCtx
	m.cancel = cancel
	plugins := make([]Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		plugins = append(plugins, p)
	}
	m.mu.Unlock()

	for _, p := range plugins {
		m.launch(runCtx, p)
	}
}

func (m *Manager) launch(ctx context.Context, p Plugin) {
	if ctx == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Plugin panicked", "plugin", p.Name(), "panic", r, "stack", string(debug.Stack()))
			}
		}()
		m.logger.Info("Starting plugin", "plugin", p.Name())
		if err := p.Run(ctx, m.sink); err != nil {
			m.logger.Error("Plugin exited with error", "plugin", p.Name(), "error", err)
			return
		}
		m.logger.Debug("Plugin finished", "plugin", p.Name())
	}()
}

// Stop cancels the plugin context and signals every plugin. Idempotent,
// never blocks; goroutines are joined by Terminate.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		plugins := make([]Plugin, 0, len(m.plugins))
		for _, p := range m.plugins {
			plugins = append(plugins, p)
		}
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		for _, p := range plugins {
			p.Stop()
		}
	})
}

// Terminate waits for every plugin goroutine to exit.
func (m *Manager) Terminate() error {
	m.wg.Wait()
	return nil
}
