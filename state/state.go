// Package state implements the runtime's namespaced state store. Writes are
// timestamped from the scheduler clock and produce change notifications on
// the event bus; persistent namespaces are flushed to YAML snapshots when
// the runtime terminates.
package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hearthd/hearthd/logging"
)

// EventTypeStateChanged is the CloudEvent type emitted for every state write.
const EventTypeStateChanged = "io.hearthd.state.changed"

// EventSource identifies state-change events on the bus.
const EventSource = "hearthd/state"

// Clock supplies timestamps for state transitions. The scheduler satisfies
// this, keeping state consistent with virtual time under timewarp.
type Clock interface {
	Now() time.Time
}

// Notifier receives a change notification for every state write. The event
// bus binds itself here during construction.
type Notifier interface {
	Publish(ctx context.Context, event cloudevents.Event) error
}

// Entry is the stored value of a single entity.
type Entry struct {
	State       any            `yaml:"state" json:"state"`
	Attributes  map[string]any `yaml:"attributes,omitempty" json:"attributes,omitempty"`
	LastChanged time.Time      `yaml:"last_changed" json:"last_changed"`
}

// Option configures a Store.
type Option func(*Store)

// WithPersistence flushes the named namespaces to snapshot files under dir
// when Terminate runs.
func WithPersistence(dir string, namespaces []string) Option {
	return func(s *Store) {
		s.persistDir = dir
		for _, ns := range namespaces {
			s.persist[ns] = true
		}
	}
}

// Store is the namespaced entity state table. One coarse lock guards the
// table; it is held only for the duration of a single read or write, never
// across a notification.
type Store struct {
	clock  Clock
	logger logging.Logger

	mu         sync.RWMutex
	namespaces map[string]map[string]Entry
	stopped    bool

	notify Notifier

	persistDir string
	persist    map[string]bool
}

// New creates a state store.
func New(clock Clock, logger logging.Logger, opts ...Option) *Store {
	s := &Store{
		clock:      clock,
		logger:     logger,
		namespaces: make(map[string]map[string]Entry),
		persist:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements the subsystem contract.
func (s *Store) Name() string { return "state" }

// BindNotifier attaches the change notifier. Called once by the event bus
// while the runtime is still booting; later writes notify through it.
func (s *Store) BindNotifier(n Notifier) {
	s.mu.Lock()
	s.notify = n
	s.mu.Unlock()
}

// SetState writes an entity's state and attributes, stamps the transition
// from the scheduler clock and publishes a change event. The table lock is
// released before the notification is published.
func (s *Store) SetState(ctx context.Context, namespace, entity string, value any, attributes map[string]any) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string]Entry)
		s.namespaces[namespace] = ns
	}
	old, existed := ns[entity]
	ns[entity] = Entry{State: value, Attributes: attributes, LastChanged: now}
	notify := s.notify
	s.mu.Unlock()

	if notify == nil {
		return
	}

	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())
	ev.SetSource(EventSource)
	ev.SetType(EventTypeStateChanged)
	ev.SetTime(now)
	ev.SetExtension("namespace", namespace)
	ev.SetExtension("entity", entity)
	data := map[string]any{"entity": entity, "new_state": value}
	if existed {
		data["old_state"] = old.State
	}
	if err := ev.SetData(cloudevents.ApplicationJSON, data); err != nil {
		s.logger.Error("Failed to encode state change event", "entity", entity, "error", err)
		return
	}
	if err := notify.Publish(ctx, ev); err != nil {
		s.logger.Error("Failed to publish state change event", "entity", entity, "error", err)
	}
}

// GetState returns an entity's entry.
func (s *Store) GetState(namespace, entity string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		return Entry{}, false
	}
	entry, ok := ns[entity]
	return entry, ok
}

// RemoveEntity deletes an entity. Unknown entities are ignored.
func (s *Store) RemoveEntity(namespace, entity string) {
	s.mu.Lock()
	if ns, ok := s.namespaces[namespace]; ok {
		delete(ns, entity)
	}
	s.mu.Unlock()
}

// ListNamespaces returns all namespace names, sorted.
func (s *Store) ListNamespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.namespaces))
	for ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// NamespaceSnapshot returns a copy of a namespace's entity table.
func (s *Store) NamespaceSnapshot(namespace string) map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil
	}
	out := make(map[string]Entry, len(ns))
	for entity, entry := range ns {
		out[entity] = entry
	}
	return out
}

// Stop marks the store read-only. Idempotent, never blocks.
func (s *Store) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Terminate flushes persistent namespaces to YAML snapshot files. It runs
// after the task loop has joined, so no write races with it.
func (s *Store) Terminate() error {
	if s.persistDir == "" || len(s.persist) == 0 {
		return nil
	}

	for ns := range s.persist {
		snapshot := s.NamespaceSnapshot(ns)
		if snapshot == nil {
			continue
		}
		raw, err := yaml.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal namespace %q: %w", ns, err)
		}
		path := filepath.Join(s.persistDir, ns+".state.yaml")
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return fmt.Errorf("failed to flush namespace %q: %w", ns, err)
		}
		s.logger.Debug("Flushed namespace snapshot", "namespace", ns, "path", path)
	}
	return nil
}
