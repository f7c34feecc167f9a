// Package store implements a host-side slice of application state.
//
// A Store owns one snapshot of type S. Mutations never touch the current
// snapshot in place: Produce hands the mutator a deep copy (the draft) and,
// when the draft differs structurally from the current snapshot, swaps it in
// and notifies subscribers synchronously. Dispatch routes an event through the
// store's producer and then through the listeners registered with On.
//
// Data flow:
//
//	Dispatch(event) -> producer(draft, event) -> Produce -> subscribers -> On listeners
//
// Mutations are serialized by the store. Subscribers are notified outside the
// lock, in registration order; a mutator must not call back into its own
// store.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/goliatone/go-statebridge/internal/clone"
)

// Producer applies an event to a draft of the snapshot.
type Producer[S any, E Event] func(draft *S, event E)

// Listener receives snapshots.
type Listener[S any] func(snapshot S)

// Store holds one named slice of state. Construct it with New.
type Store[S any, E Event] struct {
	mu        sync.Mutex
	initial   S
	current   S
	revision  uint64
	producer  Producer[S, E]
	decode    Decoder[E]
	equal     func(a, b S) bool
	logger    *slog.Logger
	nextID    uint64
	listeners map[uint64]Listener[S]
	handlers  map[string][]eventHandler[S, E]
	pending   sync.WaitGroup
}

// New creates a store whose snapshot is a deep copy of initial. producer may
// be nil, in which case Dispatch only reaches On listeners.
func New[S any, E Event](initial S, producer Producer[S, E], opts ...Option) *Store[S, E] {
	cfg := applyOptions(opts)
	s := &Store[S, E]{
		initial:   clone.Value(initial),
		current:   clone.Value(initial),
		producer:  producer,
		logger:    cfg.logger,
		listeners: map[uint64]Listener[S]{},
		handlers:  map[string][]eventHandler[S, E]{},
	}

	decode, ok := resolveDecoder[E](cfg)
	if !ok {
		s.logger.Warn("store: decoder event type does not match store, using JSON decoding")
	}
	s.decode = decode

	equal, ok := resolveEqual[S](cfg)
	if !ok {
		s.logger.Warn("store: equality function type does not match store, using reflect.DeepEqual")
	}
	s.equal = equal
	return s
}

// Snapshot returns the current snapshot. Callers must treat it as read-only.
func (s *Store[S, E]) Snapshot() S {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Revision counts the snapshot replacements made so far.
func (s *Store[S, E]) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Current returns the snapshot and its revision read together.
func (s *Store[S, E]) Current() (any, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.revision
}

// Produce applies mutator to a deep copy of the current snapshot. When the
// result differs from the current snapshot it becomes the new snapshot and
// subscribers are notified. A panicking mutator is logged and discarded.
func (s *Store[S, E]) Produce(mutator func(draft *S)) {
	if mutator == nil {
		return
	}
	s.mu.Lock()
	draft := clone.Value(s.current)
	if !s.runMutator(mutator, &draft) {
		s.mu.Unlock()
		return
	}
	s.commitLocked(draft)
}

// SetState replaces the snapshot with a deep copy of next.
func (s *Store[S, E]) SetState(next S) {
	s.mu.Lock()
	s.commitLocked(clone.Value(next))
}

// Reset restores a fresh copy of the initial snapshot and notifies
// subscribers, even when the current snapshot already equals it.
func (s *Store[S, E]) Reset() {
	s.mu.Lock()
	s.current = clone.Value(s.initial)
	s.revision++
	snapshot, listeners := s.current, s.listenersLocked()
	s.mu.Unlock()
	s.notify(snapshot, listeners)
}

// commitLocked expects s.mu held and releases it.
func (s *Store[S, E]) commitLocked(next S) {
	if s.equal(s.current, next) {
		s.mu.Unlock()
		return
	}
	s.current = next
	s.revision++
	snapshot, listeners := s.current, s.listenersLocked()
	s.mu.Unlock()
	s.notify(snapshot, listeners)
}

func (s *Store[S, E]) runMutator(mutator func(*S), draft *S) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store: mutator panicked, draft discarded", "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	mutator(draft)
	return true
}

// Subscribe calls listener immediately with the current snapshot and then
// after every change until the returned function is called.
func (s *Store[S, E]) Subscribe(listener Listener[S]) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	snapshot := s.current
	s.mu.Unlock()

	s.call(listener, snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Watch registers fn to run after every change, without an initial call.
func (s *Store[S, E]) Watch(fn func()) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = func(S) { fn() }
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store[S, E]) listenersLocked() []Listener[S] {
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener[S], 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

func (s *Store[S, E]) notify(snapshot S, listeners []Listener[S]) {
	for _, listener := range listeners {
		s.call(listener, snapshot)
	}
}

func (s *Store[S, E]) call(listener Listener[S], snapshot S) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store: subscriber panicked", "panic", fmt.Sprint(r))
		}
	}()
	listener(snapshot)
}

// Dispatch applies event through the producer, then runs the On listeners
// registered for its type. Without a producer the state is left untouched
// and a warning is logged, but listeners still observe the event.
func (s *Store[S, E]) Dispatch(ctx context.Context, event E) {
	if ctx == nil {
		ctx = context.Background()
	}
	if any(event) == nil {
		s.logger.Warn("store: dispatch of nil event ignored")
		return
	}
	eventType := event.EventType()
	if s.producer != nil {
		producer := s.producer
		s.Produce(func(draft *S) {
			producer(draft, event)
		})
	} else {
		s.logger.Warn("store: dispatch without producer", "event_type", eventType)
	}
	s.runHandlers(ctx, eventType, event)
}

// DispatchJSON decodes raw with the configured decoder and dispatches it.
func (s *Store[S, E]) DispatchJSON(ctx context.Context, raw []byte) error {
	event, err := s.decode(raw)
	if err != nil {
		return err
	}
	if any(event) == nil {
		return fmt.Errorf("%w: decoder returned nil event", ErrDecodeEvent)
	}
	s.Dispatch(ctx, event)
	return nil
}

// MarshalJSON encodes the current snapshot.
func (s *Store[S, E]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
