// Package bus implements the runtime's in-process event bus. Events use the
// CloudEvents format; subscribers are matched by event type and namespace.
// The bus binds itself to the state store so every state write becomes a
// change notification for downstream consumers.
package bus

import (
	"context"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/hearthd/hearthd/logging"
	"github.com/hearthd/hearthd/state"
)

// NamespaceAny subscribes across all namespaces.
const NamespaceAny = "*"

// Handler consumes a published event. Handler errors are logged and
// contained; they never propagate to the publisher.
type Handler func(ctx context.Context, event cloudevents.Event) error

type subscription struct {
	id        string
	namespace string
	types     []string
	handler   Handler
}

func (s *subscription) matches(event cloudevents.Event) bool {
	if s.namespace != NamespaceAny && s.namespace != eventNamespace(event) {
		return false
	}
	if len(s.types) == 0 {
		return true
	}
	for _, t := range s.types {
		if t == event.Type() {
			return true
		}
	}
	return false
}

// Bus fans published events out to matching subscribers. Fan-out happens
// outside the subscription lock so a slow handler never blocks
// subscription changes.
type Bus struct {
	logger logging.Logger

	mu      sync.RWMutex
	subs    map[string]*subscription
	stopped bool
}

// New creates the bus and binds it to the state store as its change
// notifier, so state writes flow through the bus from then on.
func New(st *state.Store, logger logging.Logger) *Bus {
	b := &Bus{
		logger: logger,
		subs:   make(map[string]*subscription),
	}
	if st != nil {
		st.BindNotifier(b)
	}
	return b
}

// Name implements the subsystem contract.
func (b *Bus) Name() string { return "events" }

// Subscribe registers a handler for all namespaces, optionally filtered by
// event type. An empty type list receives every event. Returns the
// subscription handle.
func (b *Bus) Subscribe(handler Handler, types ...string) string {
	return b.SubscribeNamespace(NamespaceAny, handler, types...)
}

// SubscribeNamespace registers a handler scoped to one namespace.
func (b *Bus) SubscribeNamespace(namespace string, handler Handler, types ...string) string {
	sub := &subscription{
		id:        uuid.NewString(),
		namespace: namespace,
		types:     types,
		handler:   handler,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers an event to every matching subscriber. Once the bus is
// stopped events are dropped silently so late publishers during shutdown
// cannot fault.
func (b *Bus) Publish(ctx context.Context, event cloudevents.Event) error {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return nil
	}
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(event) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler failed", "type", event.Type(), "subscription", sub.id, "error", err)
		}
	}
	return nil
}

// Fire builds and publishes an event. This is the entry point plugins use
// to push external events into the runtime.
func (b *Bus) Fire(ctx context.Context, eventType, namespace string, data map[string]any) error {
	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())
	ev.SetSource("hearthd/bus")
	ev.SetType(eventType)
	ev.SetExtension("namespace", namespace)
	if data != nil {
		if err := ev.SetData(cloudevents.ApplicationJSON, data); err != nil {
			return err
		}
	}
	return b.Publish(ctx, ev)
}

// Stop marks the bus stopped. Idempotent, never blocks.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

// eventNamespace extracts the namespace extension, empty when absent.
func eventNamespace(event cloudevents.Event) string {
	if v, ok := event.Extensions()["namespace"]; ok {
		if ns, ok := v.(string); ok {
			return ns
		}
	}
	return ""
}
