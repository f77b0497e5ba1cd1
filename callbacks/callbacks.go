// Package callbacks implements the runtime's callback registry: app code
// registers interest in state changes or event types, the registry matches
// bus traffic against those registrations and hands matched invocations to
// a dispatcher (the app worker pool, or an inline dispatcher when apps are
// disabled).
package callbacks

import (
	"context"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/hearthd/hearthd/bus"
	"github.com/hearthd/hearthd/logging"
	"github.com/hearthd/hearthd/state"
)

// Kind distinguishes what a callback listens for.
type Kind int

const (
	// KindState callbacks fire on state changes of a matching entity.
	KindState Kind = iota
	// KindEvent callbacks fire on a matching event type.
	KindEvent
)

// Func is the callback body, invoked with the matched event.
type Func func(ctx context.Context, event cloudevents.Event) error

// Dispatcher routes a matched invocation to the execution context that owns
// the app's code. Implementations must not block the caller.
type Dispatcher interface {
	DispatchApp(app, name string, fn func(ctx context.Context) error)
}

// Callback is a single registration.
type Callback struct {
	ID        string
	App       string
	Kind      Kind
	Namespace string
	// Entity matches state callbacks; empty matches every entity.
	Entity string
	// EventType matches event callbacks.
	EventType string
	Fn        Func
}

// Registry holds callback registrations and matches bus events against
// them. It subscribes to the bus at construction; the dispatcher is bound
// by the composition root once the execution side exists.
type Registry struct {
	logger logging.Logger

	mu        sync.RWMutex
	callbacks map[string]Callback
	stopped   bool

	dispatcher Dispatcher

	bus   *bus.Bus
	subID string
}

// New creates a registry subscribed to every event on the bus.
func New(b *bus.Bus, logger logging.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		callbacks: make(map[string]Callback),
		bus:       b,
	}
	if b != nil {
		r.subID = b.Subscribe(r.HandleEvent)
	}
	return r
}

// Name implements the subsystem contract.
func (r *Registry) Name() string { return "callbacks" }

// Bind attaches the dispatcher. Called once during runtime construction.
func (r *Registry) Bind(d Dispatcher) {
	r.mu.Lock()
	r.dispatcher = d
	r.mu.Unlock()
}

// RegisterStateCallback registers fn against state changes of an entity in
// a namespace. An empty entity matches every entity in the namespace.
func (r *Registry) RegisterStateCallback(app, namespace, entity string, fn Func) string {
	return r.register(Callback{
		App:       app,
		Kind:      KindState,
		Namespace: namespace,
		Entity:    entity,
		Fn:        fn,
	})
}

// RegisterEventCallback registers fn against an event type in a namespace.
func (r *Registry) RegisterEventCallback(app, namespace, eventType string, fn Func) string {
	return r.register(Callback{
		App:       app,
		Kind:      KindEvent,
		Namespace: namespace,
		EventType: eventType,
		Fn:        fn,
	})
}

func (r *Registry) register(cb Callback) string {
	cb.ID = uuid.NewString()
	r.mu.Lock()
	r.callbacks[cb.ID] = cb
	r.mu.Unlock()
	return cb.ID
}

// Unregister removes a callback. Unknown handles are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.callbacks, id)
	r.mu.Unlock()
}

// Get returns a callback by handle.
func (r *Registry) Get(id string) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.callbacks[id]
	return cb, ok
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.callbacks)
}

// HandleEvent matches an event against the registrations and dispatches
// every hit. It is the bus subscription entry point.
func (r *Registry) HandleEvent(ctx context.Context, event cloudevents.Event) error {
	r.mu.RLock()
	if r.stopped {
		r.mu.RUnlock()
		return nil
	}
	matched := make([]Callback, 0)
	for _, cb := range r.callbacks {
		if r.matches(cb, event) {
			matched = append(matched, cb)
		}
	}
	dispatcher := r.dispatcher
	r.mu.RUnlock()

	for _, cb := range matched {
		r.dispatch(dispatcher, cb, event)
	}
	return nil
}

func (r *Registry) matches(cb Callback, event cloudevents.Event) bool {
	ns := eventExtension(event, "namespace")
	if cb.Namespace != bus.NamespaceAny && cb.Namespace != ns {
		return false
	}
	switch cb.Kind {
	case KindState:
		if event.Type() != state.EventTypeStateChanged {
			return false
		}
		return cb.Entity == "" || cb.Entity == eventExtension(event, "entity")
	case KindEvent:
		return cb.EventType == event.Type()
	default:
		return false
	}
}

func (r *Registry) dispatch(dispatcher Dispatcher, cb Callback, event cloudevents.Event) {
	invoke := func(ctx context.Context) error {
		return cb.Fn(ctx, event)
	}
	if dispatcher == nil {
		// No execution side bound yet; contain rather than drop silently.
		r.logger.Warn("No dispatcher bound, dropping callback invocation", "app", cb.App, "id", cb.ID)
		return
	}
	dispatcher.DispatchApp(cb.App, event.Type(), invoke)
}

// DumpCallbacks writes an internal-state snapshot of the registration table
// to the log.
func (r *Registry) DumpCallbacks() {
	r.mu.RLock()
	callbacks := make([]Callback, 0, len(r.callbacks))
	for _, cb := range r.callbacks {
		callbacks = append(callbacks, cb)
	}
	r.mu.RUnlock()

	r.logger.Info("--- callback dump ---", "registrations", len(callbacks))
	for _, cb := range callbacks {
		r.logger.Info("callback", "id", cb.ID, "app", cb.App, "kind", cb.Kind,
			"namespace", cb.Namespace, "entity", cb.Entity, "event_type", cb.EventType)
	}
	r.logger.Info("--- end callback dump ---")
}

// Stop unsubscribes from the bus and refuses further dispatch. Idempotent,
// never blocks.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	subID := r.subID
	b := r.bus
	r.mu.Unlock()

	if b != nil && subID != "" {
		b.Unsubscribe(subID)
	}
}

func eventExtension(event cloudevents.Event, key string) string {
	if v, ok := event.Extensions()[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
