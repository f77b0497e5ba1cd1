package hearthd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hearthd/hearthd/admin"
	"github.com/hearthd/hearthd/apps"
	"github.com/hearthd/hearthd/bridge"
	"github.com/hearthd/hearthd/bus"
	"github.com/hearthd/hearthd/callbacks"
	"github.com/hearthd/hearthd/plugins"
	"github.com/hearthd/hearthd/scheduler"
	"github.com/hearthd/hearthd/state"
	"github.com/hearthd/hearthd/workers"
)

// Runtime phases, in order.
const (
	PhaseBooting    = "booting"
	PhaseRunning    = "running"
	PhaseStopping   = "stopping"
	PhaseTerminated = "terminated"
)

// Runtime is the composition root: it constructs every subsystem in a fixed
// order, schedules the perpetual loop tasks, and owns the stop and terminate
// sequences. Construction either completes in full or fails before any task
// is scheduled.
type Runtime struct {
	cfg    *Config
	logger Logger
	loop   *TaskLoop

	services  *ServiceRegistry
	sequences *SequenceManager
	globals   *GlobalTable
	sched     *scheduler.Scheduler
	state     *state.Store
	bus       *bus.Bus
	callbacks *callbacks.Registry
	bridge    *bridge.Bridge
	appPool   *workers.PinnedPool // nil when apps are disabled
	appMgr    *apps.Manager       // nil when apps are disabled
	executor  *workers.ExecutorPool
	plugins   *plugins.Manager
	utility   *utilityLoop
	http      *admin.Layer // nil until RegisterHTTP

	phase atomic.Value // string
	// ready is closed once construction finishes, so the scheduler's
	// end-time callback cannot stop a half-built runtime.
	ready    chan struct{}
	stopOnce sync.Once
	termOnce sync.Once
	termErr  error
}

// NewRuntime builds the full subsystem graph against cfg and schedules the
// perpetual tasks on loop. loader supplies the app loading mechanism; it may
// be nil, in which case app units are tracked but never instantiated. cfg
// must already be validated.
func NewRuntime(cfg *Config, loop *TaskLoop, loader apps.Loader, logger Logger) (*Runtime, error) {
	rt := &Runtime{
		cfg:    cfg,
		logger: logger,
		loop:   loop,
		ready:  make(chan struct{}),
	}
	rt.phase.Store(PhaseBooting)

	// Registries first: nothing depends on them, everything may use them.
	rt.services = NewServiceRegistry(logger)
	rt.sequences = NewSequenceManager(logger)
	rt.globals = NewGlobalTable()

	// Timing. Every downstream timestamp comes from this clock.
	clock := scheduler.NewClock(cfg.StartAt(), cfg.Timewarp)
	rt.sched = scheduler.New(clock, logger,
		scheduler.WithEndTime(cfg.EndAt(), func() {
			<-rt.ready
			rt.Stop()
		}))

	// State, then the bus that notifies its changes.
	var stateOpts []state.Option
	if persist := cfg.PersistentNamespaces(); len(persist) > 0 {
		stateOpts = append(stateOpts, state.WithPersistence(cfg.ConfigDir, persist))
	}
	rt.state = state.New(rt.sched, logger, stateOpts...)
	rt.bus = bus.New(rt.state, logger)

	// Callback matching and the execution bridge it dispatches through.
	rt.callbacks = callbacks.New(rt.bus, logger)
	rt.bridge = bridge.New(rt.callbacks, bridge.DefaultQueueSize, logger)

	// The app execution side exists only when apps are enabled.
	if cfg.AppsEnabled() {
		if err := checkDir(cfg.ConfigDir); err != nil {
			rt.teardownPartial()
			return nil, err
		}
		if err := checkDir(cfg.AppDir); err != nil {
			rt.teardownPartial()
			return nil, err
		}
		rt.appPool = workers.NewPinnedPool(cfg.PinnedWorkers(), cfg.PinApps,
			cfg.QsizeWarningThreshold, rt.bridge, logger)
		rt.callbacks.Bind(rt.appPool)

		mgr, err := apps.New(cfg.AppDir, loader, rt.appPool, logger)
		if err != nil {
			rt.teardownPartial()
			return nil, err
		}
		rt.appMgr = mgr
	} else {
		logger.Info("Apps are disabled")
		rt.callbacks.Bind(inlineDispatcher{bridge: rt.bridge})
	}

	rt.executor = workers.NewExecutorPool(cfg.ThreadpoolWorkers, logger)

	// Plugins come last so they can rely on every other subsystem.
	rt.plugins = plugins.New(plugins.Sink{State: rt.state, Bus: rt.bus}, logger)
	rt.plugins.Start(loop.Context())

	rt.utility = newUtilityLoop(cfg, rt.appMgr, rt.sched, logger)

	// Perpetual tasks. The dispatch loop exists only with apps enabled; the
	// utility loop always runs.
	if cfg.AppsEnabled() {
		loop.Go("dispatch", rt.bridge.Loop)
	}
	loop.Go("utility", rt.utility.Loop)

	rt.phase.Store(PhaseRunning)
	close(rt.ready)
	logger.Info("Runtime started", "apps", cfg.AppsEnabled(), "timewarp", cfg.Timewarp)
	return rt, nil
}

// inlineDispatcher runs matched callbacks through the bridge when no app
// worker pool exists.
type inlineDispatcher struct {
	bridge *bridge.Bridge
}

func (d inlineDispatcher) DispatchApp(app, name string, fn func(ctx context.Context) error) {
	d.bridge.CallAsyncNoWait(app+":"+name, fn)
}

// checkDir verifies a configured path exists and is a directory. Failure
// here is fatal and happens before the app subsystems exist.
func checkDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPathMissing, path)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrPathNotDirectory, path)
	}
	return nil
}

// teardownPartial unwinds subsystems already constructed when a later build
// step fails. No task has been scheduled yet.
func (rt *Runtime) teardownPartial() {
	close(rt.ready)
	if rt.appPool != nil {
		rt.appPool.Stop()
	}
	if rt.bridge != nil {
		rt.bridge.Stop()
	}
	if rt.callbacks != nil {
		rt.callbacks.Stop()
	}
	if rt.sched != nil {
		rt.sched.Stop()
	}
	if rt.state != nil {
		rt.state.Stop()
	}
}

// Phase returns the runtime's lifecycle phase.
func (rt *Runtime) Phase() string {
	return rt.phase.Load().(string)
}

// RegisterHTTP attaches the HTTP layer and, when an admin UI is configured,
// schedules the admin loop as an additional perpetual task. Once the runtime
// has left the running phase no further subsystem may attach.
func (rt *Runtime) RegisterHTTP(layer *admin.Layer) error {
	if rt.Phase() != PhaseRunning {
		return fmt.Errorf("%w: cannot attach http layer", ErrRuntimeStopping)
	}
	rt.http = layer
	if layer.HasAdminUI() {
		rt.loop.Go("admin", layer.Loop)
	}
	return nil
}

// Stop requests a cooperative stop of every loop task and background
// subsystem. It is idempotent, never blocks, and tolerates subsystems that
// were never constructed. Loop tasks exit at their next iteration boundary;
// the Supervisor joins them through the task loop before terminating.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() {
		rt.phase.Store(PhaseStopping)
		rt.logger.Info("Runtime stopping")

		if rt.http != nil {
			rt.http.StopLoop()
		}
		if rt.bridge != nil {
			rt.bridge.Stop()
		}
		if rt.sched != nil {
			rt.sched.Stop()
		}
		if rt.utility != nil {
			rt.utility.Stop()
		}
		if rt.appMgr != nil {
			rt.appMgr.Stop()
		}
		if rt.plugins != nil {
			rt.plugins.Stop()
		}
	})
}

// Terminate releases every subsystem after the task loop has joined. It is
// idempotent and tolerates absent subsystems; errors are collected, logged
// and returned but never abort the remaining steps.
func (rt *Runtime) Terminate() error {
	rt.termOnce.Do(func() {
		rt.Stop()
		rt.logger.Info("Runtime terminating")

		var errs []error
		if rt.appMgr != nil {
			if err := rt.appMgr.Terminate(); err != nil {
				errs = append(errs, err)
			}
		}
		if rt.appPool != nil {
			rt.appPool.Stop()
			rt.appPool.Join()
		}
		if rt.executor != nil {
			rt.executor.Stop()
			rt.executor.Join()
		}
		if rt.plugins != nil {
			if err := rt.plugins.Terminate(); err != nil {
				errs = append(errs, err)
			}
		}
		if rt.callbacks != nil {
			rt.callbacks.Stop()
		}
		if rt.bus != nil {
			rt.bus.Stop()
		}
		if rt.state != nil {
			rt.state.Stop()
			if err := rt.state.Terminate(); err != nil {
				errs = append(errs, err)
			}
		}
		if rt.sequences != nil {
			rt.sequences.Stop()
		}

		rt.termErr = errors.Join(errs...)
		if rt.termErr != nil {
			rt.logger.Error("Terminate finished with errors", "error", rt.termErr)
		}
		rt.phase.Store(PhaseTerminated)
		rt.logger.Info("Runtime terminated")
	})
	return rt.termErr
}

// HandleDiagnosticDump relays internal-state dumps of every diagnostic
// subsystem onto the task loop. Fire-and-forget; safe from the control-event
// path.
func (rt *Runtime) HandleDiagnosticDump() {
	rt.bridge.CallAsyncNoWait("diagnostic_dump", func(ctx context.Context) error {
		rt.sched.DumpSchedule()
		rt.callbacks.DumpCallbacks()
		if rt.appPool != nil {
			rt.appPool.DumpThreads()
		}
		if rt.appMgr != nil {
			rt.appMgr.DumpApps()
		}
		return nil
	})
}

// HandleReloadRequest relays a full terminate-and-reload of all apps onto
// the task loop. A no-op with a warning when apps are disabled.
func (rt *Runtime) HandleReloadRequest() {
	if rt.appMgr == nil {
		rt.logger.Warn("Reload requested but apps are disabled")
		return
	}
	rt.bridge.CallAsyncNoWait("reload_apps", func(ctx context.Context) error {
		return rt.appMgr.CheckAppUpdates(ctx, apps.ModeTerminate)
	})
}

// Subsystem accessors.

func (rt *Runtime) Services() *ServiceRegistry      { return rt.services }
func (rt *Runtime) Sequences() *SequenceManager     { return rt.sequences }
func (rt *Runtime) Globals() *GlobalTable           { return rt.globals }
func (rt *Runtime) Scheduler() *scheduler.Scheduler { return rt.sched }
func (rt *Runtime) State() *state.Store             { return rt.state }
func (rt *Runtime) Bus() *bus.Bus                   { return rt.bus }
func (rt *Runtime) Callbacks() *callbacks.Registry  { return rt.callbacks }
func (rt *Runtime) Bridge() *bridge.Bridge          { return rt.bridge }
func (rt *Runtime) AppManager() *apps.Manager       { return rt.appMgr }
func (rt *Runtime) AppPool() *workers.PinnedPool    { return rt.appPool }
func (rt *Runtime) Executor() *workers.ExecutorPool { return rt.executor }
func (rt *Runtime) Plugins() *plugins.Manager       { return rt.plugins }
