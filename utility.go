package hearthd

import (
	"context"
	"sync"
	"time"

	"github.com/hearthd/hearthd/apps"
	"github.com/hearthd/hearthd/scheduler"
)

// utilityLoop is the periodic housekeeping task: it checks for app changes
// and warns when an iteration overruns its budget. It is always scheduled,
// with the app manager reference nil when apps are disabled.
type utilityLoop struct {
	logger   Logger
	interval time.Duration
	maxSkew  time.Duration

	appMgr     *apps.Manager // nil when apps are disabled
	sched      *scheduler.Scheduler
	production bool

	stopCh   chan struct{}
	stopOnce sync.Once

	iterations int64
	mu         sync.Mutex
}

func newUtilityLoop(cfg *Config, appMgr *apps.Manager, sched *scheduler.Scheduler, logger Logger) *utilityLoop {
	return &utilityLoop{
		logger:     logger,
		interval:   cfg.UtilityInterval(),
		maxSkew:    time.Duration(cfg.MaxUtilitySkew * float64(time.Second)),
		appMgr:     appMgr,
		sched:      sched,
		production: cfg.ProductionMode,
		stopCh:     make(chan struct{}),
	}
}

// Name implements the subsystem contract.
func (u *utilityLoop) Name() string { return "utility" }

// Loop runs housekeeping once per interval. The stop request is observed
// only at the iteration boundary, so an in-flight check always completes.
func (u *utilityLoop) Loop(ctx context.Context) error {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-u.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			u.iterate(ctx)
		}
	}
}

func (u *utilityLoop) iterate(ctx context.Context) {
	start := time.Now()

	if u.appMgr != nil && !u.production {
		if err := u.appMgr.CheckAppUpdates(ctx, apps.ModeNormal); err != nil {
			u.logger.Error("App update check failed", "error", err)
		}
	}

	u.mu.Lock()
	u.iterations++
	u.mu.Unlock()

	if elapsed := time.Since(start); u.maxSkew > 0 && elapsed > u.maxSkew {
		u.logger.Warn("Utility loop iteration overran", "elapsed", elapsed, "max", u.maxSkew)
	}
}

// Iterations returns how many housekeeping passes have run.
func (u *utilityLoop) Iterations() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.iterations
}

// Stop requests a cooperative stop. Idempotent, never blocks.
func (u *utilityLoop) Stop() {
	u.stopOnce.Do(func() {
		close(u.stopCh)
	})
}
