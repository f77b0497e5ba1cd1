package bus

import (
	"context"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthd/hearthd/logging"
	"github.com/hearthd/hearthd/state"
)

func newEvent(eventType, namespace string) cloudevents.Event {
	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())
	ev.SetSource("test")
	ev.SetType(eventType)
	ev.SetExtension("namespace", namespace)
	return ev
}

func TestSubscribeReceivesMatchingType(t *testing.T) {
	b := New(nil, logging.New("ERROR"))

	var got []string
	b.Subscribe(func(ctx context.Context, event cloudevents.Event) error {
		got = append(got, event.Type())
		return nil
	}, "io.hearthd.test")

	require.NoError(t, b.Publish(context.Background(), newEvent("io.hearthd.test", "default")))
	require.NoError(t, b.Publish(context.Background(), newEvent("io.hearthd.other", "default")))

	assert.Equal(t, []string{"io.hearthd.test"}, got)
}

func TestSubscribeWithoutTypesReceivesEverything(t *testing.T) {
	b := New(nil, logging.New("ERROR"))

	count := 0
	b.Subscribe(func(ctx context.Context, event cloudevents.Event) error {
		count++
		return nil
	})

	b.Publish(context.Background(), newEvent("a", "default"))
	b.Publish(context.Background(), newEvent("b", "other"))
	assert.Equal(t, 2, count)
}

func TestSubscribeNamespaceScopesDelivery(t *testing.T) {
	b := New(nil, logging.New("ERROR"))

	var got []string
	b.SubscribeNamespace("zigbee", func(ctx context.Context, event cloudevents.Event) error {
		got = append(got, eventNamespace(event))
		return nil
	})

	b.Publish(context.Background(), newEvent("x", "zigbee"))
	b.Publish(context.Background(), newEvent("x", "default"))
	assert.Equal(t, []string{"zigbee"}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil, logging.New("ERROR"))

	count := 0
	id := b.Subscribe(func(ctx context.Context, event cloudevents.Event) error {
		count++
		return nil
	})
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(id)
	assert.Equal(t, 0, b.SubscriberCount())

	b.Publish(context.Background(), newEvent("x", "default"))
	assert.Equal(t, 0, count)
}

func TestHandlerErrorIsContained(t *testing.T) {
	b := New(nil, logging.New("ERROR"))

	reached := false
	b.Subscribe(func(ctx context.Context, event cloudevents.Event) error {
		return assert.AnError
	})
	b.Subscribe(func(ctx context.Context, event cloudevents.Event) error {
		reached = true
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), newEvent("x", "default")))
	assert.True(t, reached, "a failing handler must not block other subscribers")
}

func TestStoppedBusDropsEvents(t *testing.T) {
	b := New(nil, logging.New("ERROR"))

	count := 0
	b.Subscribe(func(ctx context.Context, event cloudevents.Event) error {
		count++
		return nil
	})
	b.Stop()
	b.Stop()

	require.NoError(t, b.Publish(context.Background(), newEvent("x", "default")))
	assert.Equal(t, 0, count)
}

func TestFireBuildsEvent(t *testing.T) {
	b := New(nil, logging.New("ERROR"))

	var got cloudevents.Event
	b.Subscribe(func(ctx context.Context, event cloudevents.Event) error {
		got = event
		return nil
	})

	require.NoError(t, b.Fire(context.Background(), "io.hearthd.custom", "default", map[string]any{"value": 1}))
	assert.Equal(t, "io.hearthd.custom", got.Type())
	assert.Equal(t, "default", got.Extensions()["namespace"])
}

func TestStateWritesFlowThroughBus(t *testing.T) {
	st := state.New(fixedClock{}, logging.New("ERROR"))
	b := New(st, logging.New("ERROR"))

	var got []cloudevents.Event
	b.Subscribe(func(ctx context.Context, event cloudevents.Event) error {
		got = append(got, event)
		return nil
	}, state.EventTypeStateChanged)

	st.SetState(context.Background(), "default", "light.kitchen", "on", nil)

	require.Len(t, got, 1)
	assert.Equal(t, "light.kitchen", got[0].Extensions()["entity"])
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC) }
