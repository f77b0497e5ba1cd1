// Package apps implements the application manager: it tracks app units in
// the app directory, detects changes through a filesystem watcher backed by
// a periodic scan, and loads, reloads and terminates units through a
// pluggable Loader. The loading mechanism itself is a black box behind the
// Loader interface.
package apps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hearthd/hearthd/logging"
	"github.com/hearthd/hearthd/workers"
)

// Check modes accepted by CheckAppUpdates.
const (
	// ModeNormal reloads only units whose files changed.
	ModeNormal = "normal"
	// ModeTerminate terminates every unit and reloads the full set.
	ModeTerminate = "term"
)

// App is a loaded application unit.
type App interface {
	Name() string
	Initialize(ctx context.Context) error
	Terminate(ctx context.Context) error
}

// Loader turns a unit file into a running App. Implementations own the
// dynamic loading mechanics.
type Loader interface {
	Load(ctx context.Context, path string) (App, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, path string) (App, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, path string) (App, error) {
	return f(ctx, path)
}

// Unit is one tracked app definition file and its loaded instance.
type Unit struct {
	Name    string
	Path    string
	ModTime time.Time
	App     App
}

// Manager owns the unit table. App Initialize/Terminate always run on the
// pinned worker pool, never on the task loop.
type Manager struct {
	logger  logging.Logger
	appDir  string
	loader  Loader
	pool    *workers.PinnedPool
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	units map[string]*Unit

	dirty    atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a manager watching appDir. The directory must already exist;
// the composition root checks that before construction.
func New(appDir string, loader Loader, pool *workers.PinnedPool, logger logging.Logger) (*Manager, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create app watcher: %w", err)
	}
	if err := watcher.Add(appDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch app dir %s: %w", appDir, err)
	}

	m := &Manager{
		logger:  logger,
		appDir:  appDir,
		loader:  loader,
		pool:    pool,
		watcher: watcher,
		units:   make(map[string]*Unit),
		stopCh:  make(chan struct{}),
	}
	go m.watch()
	return m, nil
}

// Name implements the subsystem contract.
func (m *Manager) Name() string { return "app_management" }

// watch drains filesystem events into the dirty flag. The utility loop
// picks the flag up on its next iteration; nothing is loaded from here.
func (m *Manager) watch() {
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				m.dirty.Store(true)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("App watcher error", "error", err)
		}
	}
}

// Dirty reports whether filesystem changes are pending a check.
func (m *Manager) Dirty() bool { return m.dirty.Load() }

// UnitCount returns the number of tracked units.
func (m *Manager) UnitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.units)
}

// UnitNames returns tracked unit names, sorted.
func (m *Manager) UnitNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.units))
	for name := range m.units {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckAppUpdates reconciles the unit table with the app directory. In
// ModeTerminate everything is terminated and reloaded; otherwise only new,
// changed and removed units are touched, and only when the watcher flagged
// changes or units were never scanned.
func (m *Manager) CheckAppUpdates(ctx context.Context, mode string) error {
	if mode == ModeTerminate {
		return m.TerminateAndReload(ctx)
	}

	m.mu.Lock()
	scanned := len(m.units) > 0
	m.mu.Unlock()
	if scanned && !m.dirty.Swap(false) {
		return nil
	}
	m.dirty.Store(false)

	found, err := m.scan()
	if err != nil {
		return err
	}

	m.mu.Lock()
	var load, unload []*Unit
	seen := make(map[string]bool, len(found))
	for _, f := range found {
		seen[f.Name] = true
		existing, ok := m.units[f.Name]
		if !ok || f.ModTime.After(existing.ModTime) {
			if ok {
				unload = append(unload, existing)
			}
			m.units[f.Name] = f
			load = append(load, f)
		}
	}
	for name, u := range m.units {
		if !seen[name] {
			unload = append(unload, u)
			delete(m.units, name)
		}
	}
	m.mu.Unlock()

	for _, u := range unload {
		m.terminateUnit(ctx, u)
	}
	for _, u := range load {
		m.loadUnit(ctx, u)
	}
	return nil
}

// TerminateAndReload terminates every unit, rescans the directory and loads
// the full set again. Triggered by the reload control event.
func (m *Manager) TerminateAndReload(ctx context.Context) error {
	m.logger.Info("Terminating and reloading all apps")

	m.mu.Lock()
	old := make([]*Unit, 0, len(m.units))
	for _, u := range m.units {
		old = append(old, u)
	}
	m.units = make(map[string]*Unit)
	m.mu.Unlock()

	for _, u := range old {
		m.terminateUnit(ctx, u)
	}

	m.dirty.Store(false)
	found, err := m.scan()
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, f := range found {
		m.units[f.Name] = f
	}
	m.mu.Unlock()
	for _, f := range found {
		m.loadUnit(ctx, f)
	}
	return nil
}

// scan walks the app directory collecting unit files. Hidden files and
// subdirectories other than one level deep are ignored.
func (m *Manager) scan() ([]*Unit, error) {
	var found []*Unit
	err := filepath.WalkDir(m.appDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != m.appDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		found = append(found, &Unit{Name: name, Path: path, ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan app dir %s: %w", m.appDir, err)
	}
	return found, nil
}

// loadUnit loads a unit and runs its Initialize on the pinned pool. With no
// loader configured units are tracked but never instantiated.
func (m *Manager) loadUnit(ctx context.Context, u *Unit) {
	if m.loader == nil {
		m.logger.Debug("No app loader configured, tracking unit only", "unit", u.Name)
		return
	}
	app, err := m.loader.Load(ctx, u.Path)
	if err != nil {
		m.logger.Error("Failed to load app", "unit", u.Name, "path", u.Path, "error", err)
		return
	}
	u.App = app
	m.logger.Info("Loaded app", "unit", u.Name)
	if m.pool != nil {
		m.pool.Submit(workers.Job{App: u.Name, Name: "initialize", Fn: app.Initialize})
	}
}

// terminateUnit runs a unit's Terminate on the pinned pool.
func (m *Manager) terminateUnit(ctx context.Context, u *Unit) {
	if u.App == nil {
		return
	}
	m.logger.Info("Terminating app", "unit", u.Name)
	if m.pool != nil {
		m.pool.Submit(workers.Job{App: u.Name, Name: "terminate", Fn: u.App.Terminate})
		return
	}
	if err := u.App.Terminate(ctx); err != nil {
		m.logger.Error("App terminate failed", "unit", u.Name, "error", err)
	}
}

// DumpApps writes an internal-state snapshot of the unit table to the log.
func (m *Manager) DumpApps() {
	m.mu.Lock()
	units := make([]*Unit, 0, len(m.units))
	for _, u := range m.units {
		units = append(units, u)
	}
	m.mu.Unlock()

	m.logger.Info("--- app dump ---", "units", len(units))
	for _, u := range units {
		m.logger.Info("app unit", "name", u.Name, "path", u.Path, "modified", u.ModTime, "loaded", u.App != nil)
	}
	m.logger.Info("--- end app dump ---")
}

// Stop closes the watcher. Idempotent, never blocks.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if err := m.watcher.Close(); err != nil {
			m.logger.Error("Failed to close app watcher", "error", err)
		}
	})
}

// Terminate terminates every loaded unit directly. It runs after the task
// loop and worker pool have drained.
func (m *Manager) Terminate() error {
	m.mu.Lock()
	units := make([]*Unit, 0, len(m.units))
	for _, u := range m.units {
		units = append(units, u)
	}
	m.units = make(map[string]*Unit)
	m.mu.Unlock()

	ctx := context.Background()
	for _, u := range units {
		if u.App == nil {
			continue
		}
		if err := u.App.Terminate(ctx); err != nil {
			m.logger.Error("App terminate failed", "unit", u.Name, "error", err)
		}
	}
	return nil
}
