package callbacks

import (
	"context"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthd/hearthd/bus"
	"github.com/hearthd/hearthd/logging"
	"github.com/hearthd/hearthd/state"
)

// inlineDispatcher executes matched invocations synchronously so tests can
// assert on callback side effects directly.
type inlineDispatcher struct {
	apps []string
}

func (d *inlineDispatcher) DispatchApp(app, name string, fn func(ctx context.Context) error) {
	d.apps = append(d.apps, app)
	_ = fn(context.Background())
}

func stateEvent(namespace, entity string) cloudevents.Event {
	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())
	ev.SetSource("test")
	ev.SetType(state.EventTypeStateChanged)
	ev.SetExtension("namespace", namespace)
	ev.SetExtension("entity", entity)
	return ev
}

func customEvent(namespace, eventType string) cloudevents.Event {
	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())
	ev.SetSource("test")
	ev.SetType(eventType)
	ev.SetExtension("namespace", namespace)
	return ev
}

func newTestRegistry() (*Registry, *inlineDispatcher) {
	r := New(nil, logging.New("ERROR"))
	d := &inlineDispatcher{}
	r.Bind(d)
	return r, d
}

func TestStateCallbackMatchesEntity(t *testing.T) {
	r, d := newTestRegistry()

	fired := 0
	r.RegisterStateCallback("kitchen_app", "default", "light.kitchen", func(ctx context.Context, event cloudevents.Event) error {
		fired++
		return nil
	})

	require.NoError(t, r.HandleEvent(context.Background(), stateEvent("default", "light.kitchen")))
	require.NoError(t, r.HandleEvent(context.Background(), stateEvent("default", "light.hall")))

	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"kitchen_app"}, d.apps)
}

func TestStateCallbackEmptyEntityMatchesAll(t *testing.T) {
	r, _ := newTestRegistry()

	fired := 0
	r.RegisterStateCallback("watcher", "default", "", func(ctx context.Context, event cloudevents.Event) error {
		fired++
		return nil
	})

	r.HandleEvent(context.Background(), stateEvent("default", "light.kitchen"))
	r.HandleEvent(context.Background(), stateEvent("default", "light.hall"))
	assert.Equal(t, 2, fired)
}

func TestNamespaceWildcardMatches(t *testing.T) {
	r, _ := newTestRegistry()

	fired := 0
	r.RegisterStateCallback("watcher", bus.NamespaceAny, "", func(ctx context.Context, event cloudevents.Event) error {
		fired++
		return nil
	})

	r.HandleEvent(context.Background(), stateEvent("default", "a.b"))
	r.HandleEvent(context.Background(), stateEvent("zigbee", "c.d"))
	assert.Equal(t, 2, fired)
}

func TestEventCallbackMatchesType(t *testing.T) {
	r, _ := newTestRegistry()

	fired := 0
	r.RegisterEventCallback("app", "default", "io.hearthd.button", func(ctx context.Context, event cloudevents.Event) error {
		fired++
		return nil
	})

	r.HandleEvent(context.Background(), customEvent("default", "io.hearthd.button"))
	r.HandleEvent(context.Background(), customEvent("default", "io.hearthd.other"))
	r.HandleEvent(context.Background(), customEvent("zigbee", "io.hearthd.button"))
	assert.Equal(t, 1, fired)
}

func TestUnregisterRemovesCallback(t *testing.T) {
	r, _ := newTestRegistry()

	fired := 0
	id := r.RegisterEventCallback("app", "default", "io.hearthd.button", func(ctx context.Context, event cloudevents.Event) error {
		fired++
		return nil
	})
	require.Equal(t, 1, r.Count())

	r.Unregister(id)
	assert.Equal(t, 0, r.Count())

	r.HandleEvent(context.Background(), customEvent("default", "io.hearthd.button"))
	assert.Equal(t, 0, fired)
}

func TestNilDispatcherDropsInvocation(t *testing.T) {
	r := New(nil, logging.New("ERROR"))

	fired := 0
	r.RegisterEventCallback("app", "default", "io.hearthd.button", func(ctx context.Context, event cloudevents.Event) error {
		fired++
		return nil
	})

	require.NoError(t, r.HandleEvent(context.Background(), customEvent("default", "io.hearthd.button")))
	assert.Equal(t, 0, fired)
}

func TestStoppedRegistryIgnoresEvents(t *testing.T) {
	r, d := newTestRegistry()

	r.RegisterEventCallback("app", "default", "io.hearthd.button", func(ctx context.Context, event cloudevents.Event) error {
		return nil
	})
	r.Stop()
	r.Stop()

	r.HandleEvent(context.Background(), customEvent("default", "io.hearthd.button"))
	assert.Empty(t, d.apps)
}

func TestRegistrySubscribesToBus(t *testing.T) {
	st := state.New(fixedClock{}, logging.New("ERROR"))
	b := bus.New(st, logging.New("ERROR"))
	r := New(b, logging.New("ERROR"))
	d := &inlineDispatcher{}
	r.Bind(d)

	fired := 0
	r.RegisterStateCallback("app", "default", "light.kitchen", func(ctx context.Context, event cloudevents.Event) error {
		fired++
		return nil
	})

	st.SetState(context.Background(), "default", "light.kitchen", "on", nil)
	assert.Equal(t, 1, fired, "state write must reach the callback through the bus")

	r.Stop()
	assert.Equal(t, 0, b.SubscriberCount(), "stop must unsubscribe from the bus")
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC) }
