// Package scheduler provides the runtime's timing subsystem: a timewarp
// clock plus one-shot and cron-spec entries executed by a dedicated
// dispatch goroutine. Everything downstream of the composition root takes
// its notion of time from here.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/hearthd/hearthd/logging"
)

// maxIdleWait bounds how long the dispatch goroutine sleeps with no due
// entry, so newly added entries and stop requests are observed promptly.
const maxIdleWait = 250 * time.Millisecond

// EntryFunc is the unit of work attached to a schedule entry.
type EntryFunc func(ctx context.Context) error

// Entry is a single scheduled unit: either a one-shot (Schedule nil) or a
// recurring cron entry.
type Entry struct {
	ID       string
	Name     string
	At       time.Time
	Spec     string
	Schedule cron.Schedule
	Fn       EntryFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEndTime stops the scheduler, and invokes stop, once the virtual clock
// passes end. A nil end disables the bound.
func WithEndTime(end *time.Time, stop func()) Option {
	return func(s *Scheduler) {
		s.endAt = end
		s.endFn = stop
	}
}

// Scheduler owns the schedule table and the dispatch goroutine that fires
// due entries. It runs on its own goroutine, off the task loop; Stop is a
// cooperative signal observed at the next dispatch iteration.
type Scheduler struct {
	clock  *Clock
	logger logging.Logger

	mu      sync.Mutex
	entries map[string]*Entry

	endAt *time.Time
	endFn func()

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a scheduler and starts its dispatch goroutine.
func New(clock *Clock, logger logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*Entry),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Name implements the subsystem contract.
func (s *Scheduler) Name() string { return "scheduler" }

// Now returns the current virtual time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Clock returns the underlying virtual clock.
func (s *Scheduler) Clock() *Clock { return s.clock }

// RunAt schedules fn to run once at the given virtual time and returns the
// entry handle.
func (s *Scheduler) RunAt(name string, at time.Time, fn EntryFunc) string {
	entry := &Entry{
		ID:   uuid.NewString(),
		Name: name,
		At:   at,
		Fn:   fn,
	}
	s.add(entry)
	return entry.ID
}

// RunIn schedules fn to run once after d of virtual time.
func (s *Scheduler) RunIn(name string, d time.Duration, fn EntryFunc) string {
	return s.RunAt(name, s.clock.Now().Add(d), fn)
}

// RunEvery schedules fn on a standard cron spec evaluated against the
// virtual clock.
func (s *Scheduler) RunEvery(name, spec string, fn EntryFunc) (string, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return "", fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	entry := &Entry{
		ID:       uuid.NewString(),
		Name:     name,
		At:       schedule.Next(s.clock.Now()),
		Spec:     spec,
		Schedule: schedule,
		Fn:       fn,
	}
	s.add(entry)
	return entry.ID, nil
}

// Cancel removes an entry. Unknown handles are ignored.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// EntryCount returns the number of live entries.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop requests a cooperative stop of the dispatch goroutine. It returns
// immediately and is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Done is closed once the dispatch goroutine has exited. Used by terminate
// paths and tests to bound shutdown.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// DumpSchedule writes an internal-state snapshot of the schedule table to
// the log.
func (s *Scheduler) DumpSchedule() {
	s.mu.Lock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	s.logger.Info("--- schedule dump ---", "now", s.clock.Now(), "entries", len(entries))
	for _, e := range entries {
		s.logger.Info("schedule entry", "id", e.ID, "name", e.Name, "at", e.At, "spec", e.Spec)
	}
	s.logger.Info("--- end schedule dump ---")
}

func (s *Scheduler) add(entry *Entry) {
	s.mu.Lock()
	s.entries[entry.ID] = entry
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the dispatch goroutine. Each iteration fires every due entry to
// completion, then sleeps until the next entry or the idle bound. Stop and
// end-time are only observed between iterations, so no entry is ever
// interrupted mid-flight.
func (s *Scheduler) run() {
	defer close(s.done)
	ctx := context.Background()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if s.endAt != nil && s.clock.Now().After(*s.endAt) {
			s.logger.Info("End time reached, stopping scheduler", "endtime", *s.endAt)
			if s.endFn != nil {
				s.endFn()
			}
			return
		}

		s.fireDue(ctx)

		timer := time.NewTimer(s.nextWait())
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// fireDue executes every entry at or past its virtual due time, rescheduling
// cron entries and dropping one-shots.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	due := make([]*Entry, 0)
	for _, e := range s.entries {
		if !e.At.After(now) {
			due = append(due, e)
		}
	}
	for _, e := range due {
		if e.Schedule != nil {
			e.At = e.Schedule.Next(now)
		} else {
			delete(s.entries, e.ID)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].At.Before(due[j].At) })
	for _, e := range due {
		if err := s.invoke(ctx, e); err != nil {
			s.logger.Error("Schedule entry failed", "name", e.Name, "id", e.ID, "error", err)
		}
	}
}

// invoke runs one entry, converting a panic into the entry's error so a
// faulting entry never takes down the dispatch goroutine.
func (s *Scheduler) invoke(ctx context.Context, e *Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Schedule entry panicked", "name", e.Name, "id", e.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.Fn(ctx)
}

// nextWait returns the real-time duration to sleep until the next entry is
// due, bounded by maxIdleWait.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	var next *time.Time
	for _, e := range s.entries {
		if next == nil || e.At.Before(*next) {
			at := e.At
			next = &at
		}
	}
	s.mu.Unlock()

	if next == nil {
		return maxIdleWait
	}
	wait := s.clock.UntilReal(*next)
	if wait > maxIdleWait {
		return maxIdleWait
	}
	return wait
}
