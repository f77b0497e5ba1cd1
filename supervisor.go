package hearthd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"

	"github.com/hearthd/hearthd/admin"
	"github.com/hearthd/hearthd/apps"
)

// controlQueueSize bounds the control-event queue. Signal handlers enqueue
// without blocking; overflow drops the event with a warning.
const controlQueueSize = 10

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithAppLoader supplies the app loading mechanism handed to the runtime.
func WithAppLoader(loader apps.Loader) SupervisorOption {
	return func(s *Supervisor) {
		s.loader = loader
	}
}

// Supervisor owns the process lifecycle: OS signal registration, the task
// loop the runtime's perpetual tasks run on, and the single top-level
// failure boundary. Signals are translated into control events consumed
// asynchronously, so handlers never do unbounded work.
type Supervisor struct {
	logger Logger
	loader apps.Loader

	controlCh chan ControlEvent
	sigCh     chan os.Signal
	sigDone   chan struct{}

	mu   sync.Mutex
	rt   *Runtime
	http *admin.Layer

	stopOnce sync.Once
}

// NewSupervisor creates a supervisor. Signals are not registered until
// InitSignals.
func NewSupervisor(logger Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger:    logger,
		controlCh: make(chan ControlEvent, controlQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitSignals registers the process signal handlers and starts the goroutine
// translating signals into control events. Call once, before Run.
func (s *Supervisor) InitSignals() {
	s.sigCh = make(chan os.Signal, 4)
	s.sigDone = make(chan struct{})
	signal.Notify(s.sigCh, watchedSignals()...)
	go s.translateSignals()
}

// translateSignals drains the OS signal channel into control events. It
// exits once Stop closes the channel.
func (s *Supervisor) translateSignals() {
	defer close(s.sigDone)
	for sig := range s.sigCh {
		s.handleSignal(sig)
	}
}

// handleSignal maps one OS signal to its control event and enqueues it
// without blocking. All real work happens later on the consumer side.
func (s *Supervisor) handleSignal(sig os.Signal) {
	ev, ok := controlForSignal(sig)
	if !ok {
		return
	}
	s.logger.Info("Received signal", "signal", sig.String(), "event", ev.String())
	s.EnqueueControl(ev)
}

// EnqueueControl queues a control event for asynchronous handling. Never
// blocks; a full queue drops the event with a warning.
func (s *Supervisor) EnqueueControl(ev ControlEvent) {
	select {
	case s.controlCh <- ev:
	default:
		s.logger.Warn("Control queue full, dropping event", "event", ev.String())
	}
}

// Run builds the runtime against cfg, blocks until every perpetual task has
// finished, then terminates. It is the top of the failure boundary: a panic
// in the run sequence itself is recovered here, while a panic inside a loop
// task, a scheduled entry, a worker or a plugin is recovered at that
// goroutine's own boundary. Task panics release the loop context so the
// remaining tasks wind down, and surface here as the returned fault error.
//
// httpCfg gates the HTTP layer: nil disables it entirely, and a section with
// no consumers disables it with a notice.
func (s *Supervisor) Run(ctx context.Context, cfg *Config, httpCfg *admin.Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Unrecoverable fault", "panic", r, "stack", string(debug.Stack()))
			s.mu.Lock()
			rt := s.rt
			s.mu.Unlock()
			if rt != nil {
				rt.Stop()
				_ = rt.Terminate()
			}
			err = fmt.Errorf("%w: panic: %v", ErrRunFault, r)
		}
	}()

	loop := NewTaskLoop(ctx, s.logger)
	rt, err := NewRuntime(cfg, loop, s.loader, s.logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rt = rt
	s.mu.Unlock()

	switch {
	case httpCfg == nil:
		s.logger.Info("http is disabled")
	case !httpCfg.HasConsumers():
		s.logger.Info("http configured but no consumers are configured - disabling")
	default:
		layer, err := admin.New(httpCfg, admin.Deps{
			State:      rt.State(),
			Callbacks:  rt.Callbacks(),
			Scheduler:  rt.Scheduler(),
			AppManager: rt.AppManager(),
			AppPool:    rt.AppPool(),
			Executor:   rt.Executor(),
		}, s.logger)
		if err != nil {
			rt.Stop()
			loop.Wait()
			_ = rt.Terminate()
			return err
		}
		if err := rt.RegisterHTTP(layer); err != nil {
			layer.Stop()
			rt.Stop()
			loop.Wait()
			_ = rt.Terminate()
			return err
		}
		s.mu.Lock()
		s.http = layer
		s.mu.Unlock()
		go func() {
			if serveErr := layer.Serve(loop.Context()); serveErr != nil {
				s.logger.Error("HTTP layer failed", "error", serveErr)
			}
		}()
		defer layer.Stop()
	}

	go s.consumeControlEvents(loop.Context(), rt)

	loop.Wait()
	err = rt.Terminate()
	if fault := loop.Fault(); fault != nil {
		err = errors.Join(fmt.Errorf("%w: %w", ErrRunFault, fault), err)
	}
	return err
}

// consumeControlEvents is the asynchronous consumer of queued control
// events. It exits once the task loop context is released.
func (s *Supervisor) consumeControlEvents(ctx context.Context, rt *Runtime) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.controlCh:
			switch ev {
			case ControlDumpDiagnostics:
				rt.HandleDiagnosticDump()
			case ControlReloadApps:
				rt.HandleReloadRequest()
			case ControlShutdown:
				s.Stop()
			}
		}
	}
}

// Stop requests an orderly shutdown, exactly as a termination signal would:
// it logs intent, stops the runtime, then stops the HTTP layer when one was
// constructed. Idempotent, never blocks.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("hearthd is shutting down")
		if s.sigCh != nil {
			signal.Stop(s.sigCh)
			close(s.sigCh)
		}
		s.mu.Lock()
		rt, layer := s.rt, s.http
		s.mu.Unlock()
		if rt != nil {
			rt.Stop()
		}
		if layer != nil {
			layer.Stop()
		}
	})
}

// Runtime returns the running runtime, nil before Run has built it.
func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}
