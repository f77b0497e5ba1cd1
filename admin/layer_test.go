package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthd/hearthd/callbacks"
	"github.com/hearthd/hearthd/logging"
	"github.com/hearthd/hearthd/scheduler"
	"github.com/hearthd/hearthd/state"
	"github.com/hearthd/hearthd/workers"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	logger := logging.New("ERROR")
	sched := scheduler.New(scheduler.NewClock(nil, 1), logger)
	t.Cleanup(sched.Stop)
	st := state.New(sched, logger)
	executor := workers.NewExecutorPool(2, logger)
	t.Cleanup(func() { executor.Stop(); executor.Join() })
	return Deps{
		State:     st,
		Callbacks: callbacks.New(nil, logger),
		Scheduler: sched,
		Executor:  executor,
	}
}

func TestConfigHasConsumers(t *testing.T) {
	var nilCfg *Config
	assert.False(t, nilCfg.HasConsumers())
	assert.False(t, (&Config{Addr: ":5050"}).HasConsumers())
	assert.True(t, (&Config{API: true}).HasConsumers())
	assert.True(t, (&Config{NewAdmin: &UIConfig{}}).HasConsumers())
	assert.True(t, (&Config{LegacyAdmin: &UIConfig{}}).HasConsumers())
}

func TestConfigHasAdminUI(t *testing.T) {
	assert.False(t, (&Config{API: true}).HasAdminUI())
	assert.True(t, (&Config{NewAdmin: &UIConfig{}}).HasAdminUI())
}

func TestConfigTitlePrefersNewUI(t *testing.T) {
	cfg := &Config{
		LegacyAdmin: &UIConfig{Title: "old"},
		NewAdmin:    &UIConfig{Title: "new"},
	}
	assert.Equal(t, "new", cfg.Title())
	assert.Equal(t, "old", (&Config{LegacyAdmin: &UIConfig{Title: "old"}}).Title())
	assert.NotEmpty(t, (&Config{}).Title())
}

func TestAdminPageRenders(t *testing.T) {
	deps := testDeps(t)
	deps.State.SetState(context.Background(), "default", "light.kitchen", "on", nil)

	layer, err := New(&Config{NewAdmin: &UIConfig{Title: "Test UI"}}, deps, logging.New("ERROR"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	layer.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Test UI")
	assert.Contains(t, rec.Body.String(), "default")
}

func TestAPIRoutes(t *testing.T) {
	deps := testDeps(t)
	deps.State.SetState(context.Background(), "default", "light.kitchen", "on", nil)

	layer, err := New(&Config{API: true}, deps, logging.New("ERROR"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	layer.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/namespaces", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var namespaces []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &namespaces))
	assert.Equal(t, []string{"default"}, namespaces)

	rec = httptest.NewRecorder()
	layer.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state/default", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	layer.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	layer.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/apps", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestAPIOnlyHasNoAdminPage(t *testing.T) {
	layer, err := New(&Config{API: true}, testDeps(t), logging.New("ERROR"))
	require.NoError(t, err)
	assert.False(t, layer.HasAdminUI())

	rec := httptest.NewRecorder()
	layer.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminLoopPublishesStats(t *testing.T) {
	deps := testDeps(t)
	layer, err := New(&Config{
		NewAdmin:      &UIConfig{},
		AdminInterval: 5 * time.Millisecond,
	}, deps, logging.New("ERROR"))
	require.NoError(t, err)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = layer.Loop(context.Background())
	}()

	assert.Eventually(t, func() bool {
		_, ok := deps.State.GetState(AdminNamespace, "sensor.callbacks")
		return ok
	}, 2*time.Second, 5*time.Millisecond, "admin loop never published stats")

	layer.StopLoop()
	layer.StopLoop()
	select {
	case <-loopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("admin loop never exited after stop")
	}
}
