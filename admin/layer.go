// Package admin implements the optional HTTP-facing layer: the admin page,
// the JSON API and the periodic admin loop that publishes runtime stats
// into the state store. Failures here are contained; they never crash the
// runtime or other in-flight requests.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hearthd/hearthd/apps"
	"github.com/hearthd/hearthd/callbacks"
	"github.com/hearthd/hearthd/logging"
	"github.com/hearthd/hearthd/scheduler"
	"github.com/hearthd/hearthd/state"
	"github.com/hearthd/hearthd/workers"
)

// AdminNamespace is the state namespace the admin loop publishes stats to.
const AdminNamespace = "admin"

const adminPageTemplate = `<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<h2>Namespaces</h2>
<ul>{{range .Namespaces}}<li>{{.}}</li>{{end}}</ul>
<p>{{.Callbacks}} callbacks registered, {{.Entries}} schedule entries.</p>
</body>
</html>
`

// Deps are the presence-checked runtime references the layer consumes.
// AppManager and AppPool are nil when apps are disabled.
type Deps struct {
	State      *state.Store
	Callbacks  *callbacks.Registry
	Scheduler  *scheduler.Scheduler
	AppManager *apps.Manager
	AppPool    *workers.PinnedPool
	Executor   *workers.ExecutorPool
}

// Layer is the HTTP admin/API surface plus the admin stats loop. The loop
// and the server have separate cooperative stops: the runtime stops the
// loop, the supervisor stops the whole layer.
type Layer struct {
	cfg    *Config
	deps   Deps
	logger logging.Logger

	router *chi.Mux
	srv    *http.Server
	tmpl   *template.Template

	loopStopCh   chan struct{}
	loopStopOnce sync.Once
	stopOnce     sync.Once
}

// New builds the layer and its routes. cfg must have at least one consumer;
// the supervisor checks that before construction.
func New(cfg *Config, deps Deps, logger logging.Logger) (*Layer, error) {
	tmpl, err := template.New("admin").Parse(adminPageTemplate)
	if err != nil {
		return nil, err
	}

	l := &Layer{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		tmpl:       tmpl,
		loopStopCh: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if cfg.HasAdminUI() {
		r.Get("/", l.handleAdminPage)
		r.Get("/admin", l.handleAdminPage)
	}
	if cfg.API {
		r.Route("/api", func(r chi.Router) {
			r.Get("/namespaces", l.handleNamespaces)
			r.Get("/state/{namespace}", l.handleNamespaceState)
			r.Get("/callbacks", l.handleCallbacks)
			r.Get("/apps", l.handleApps)
		})
	}
	for prefix, dir := range cfg.StaticDirs {
		r.Handle(prefix+"/*", http.StripPrefix(prefix, http.FileServer(http.Dir(dir))))
	}

	l.router = r
	l.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return l, nil
}

// Name implements the subsystem contract.
func (l *Layer) Name() string { return "http" }

// Router exposes the handler for tests.
func (l *Layer) Router() http.Handler { return l.router }

// HasAdminUI reports whether the admin loop should be scheduled.
func (l *Layer) HasAdminUI() bool { return l.cfg.HasAdminUI() }

// Serve runs the HTTP server until Stop shuts it down.
func (l *Layer) Serve(ctx context.Context) error {
	l.logger.Info("HTTP layer listening", "addr", l.cfg.Addr)
	err := l.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Loop is the admin stats loop: every poll interval it publishes runtime
// counters into the admin namespace. It exits at the next iteration
// boundary after StopLoop.
func (l *Layer) Loop(ctx context.Context) error {
	interval := l.cfg.AdminInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.loopStopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.publishStats(ctx)
		}
	}
}

func (l *Layer) publishStats(ctx context.Context) {
	l.deps.State.SetState(ctx, AdminNamespace, "sensor.callbacks", l.deps.Callbacks.Count(), nil)
	l.deps.State.SetState(ctx, AdminNamespace, "sensor.schedule_entries", l.deps.Scheduler.EntryCount(), nil)
	if l.deps.AppManager != nil {
		l.deps.State.SetState(ctx, AdminNamespace, "sensor.apps", l.deps.AppManager.UnitCount(), nil)
	}
	if l.deps.AppPool != nil {
		depths := l.deps.AppPool.QueueDepths()
		total := 0
		for _, d := range depths {
			total += d
		}
		l.deps.State.SetState(ctx, AdminNamespace, "sensor.queued_jobs", total, nil)
	}
}

// StopLoop requests a cooperative stop of the admin loop only. Idempotent,
// never blocks.
func (l *Layer) StopLoop() {
	l.loopStopOnce.Do(func() {
		close(l.loopStopCh)
	})
}

// Stop shuts the server down and stops the admin loop. Idempotent.
func (l *Layer) Stop() {
	l.stopOnce.Do(func() {
		l.StopLoop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.srv.Shutdown(ctx); err != nil {
			l.logger.Error("HTTP shutdown error", "error", err)
		}
	})
}

// handleAdminPage renders the admin page. Rendering runs on the executor
// pool so a slow template never stalls the serving goroutine pool-side
// work; errors are contained to this request.
func (l *Layer) handleAdminPage(w http.ResponseWriter, r *http.Request) {
	params := struct {
		Title      string
		Namespaces []string
		Callbacks  int
		Entries    int
	}{
		Title:      l.cfg.Title(),
		Namespaces: l.deps.State.ListNamespaces(),
		Callbacks:  l.deps.Callbacks.Count(),
		Entries:    l.deps.Scheduler.EntryCount(),
	}

	rendered, err := l.deps.Executor.Run(r.Context(), func() (any, error) {
		var buf bytes.Buffer
		if err := l.tmpl.Execute(&buf, params); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		l.logger.Error("Unexpected error creating admin page", "error", err)
		http.Error(w, "admin page unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(rendered.([]byte))
}

func (l *Layer) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, l.deps.State.ListNamespaces())
}

func (l *Layer) handleNamespaceState(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	snapshot := l.deps.State.NamespaceSnapshot(ns)
	if snapshot == nil {
		http.Error(w, "namespace not found", http.StatusNotFound)
		return
	}
	writeJSON(w, snapshot)
}

func (l *Layer) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{"registered": l.deps.Callbacks.Count()})
}

func (l *Layer) handleApps(w http.ResponseWriter, r *http.Request) {
	if l.deps.AppManager == nil {
		writeJSON(w, []string{})
		return
	}
	writeJSON(w, l.deps.AppManager.UnitNames())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
