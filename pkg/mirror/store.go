package mirror

import (
	"context"
	"sort"
	"sync"

	"github.com/goliatone/go-statebridge/internal/clone"
	"github.com/goliatone/go-statebridge/pkg/patch"
	"github.com/goliatone/go-statebridge/pkg/protocol"
	"github.com/goliatone/go-statebridge/pkg/selector"
)

// Store is the read-only mirror of one host store. Snapshots are decoded JSON
// values (map[string]any, []any, float64, string, bool or nil).
type Store struct {
	key    string
	mirror *Mirror

	mu        sync.Mutex
	snapshot  any
	revision  uint64
	stale     bool
	listeners map[uint64]func(any)
	nextID    uint64
}

func newStore(key string, m *Mirror) *Store {
	return &Store{key: key, mirror: m, listeners: map[uint64]func(any){}}
}

// Key returns the store key.
func (s *Store) Key() string {
	return s.key
}

// Snapshot returns a copy of the cached snapshot.
func (s *Store) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone.Value(s.snapshot)
}

// Revision counts the snapshots this mirror has cached for the key. It is
// local to the view and unrelated to the host's revision.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Stale reports whether a patch failed to apply and the store is waiting for
// a fresh STATE_INIT.
func (s *Store) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Subscribe calls listener immediately with the cached snapshot and then
// after every change until unsubscribed. Each call receives its own copy.
func (s *Store) Subscribe(listener func(snapshot any)) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	snapshot := clone.Value(s.snapshot)
	s.mu.Unlock()

	s.mirror.guard("subscriber", s.key, func() { listener(snapshot) })

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Select watches a derived value of the snapshot. fn runs with the initial
// value and then only when the selected value changes.
func (s *Store) Select(sel *selector.Selector, fn func(value any, err error)) (cancel func()) {
	return selector.Watch(s, sel, fn)
}

// Dispatch asks the host to apply event to this store. The cache is not
// touched; the outcome arrives as a host broadcast. event must encode to a
// JSON object with a non-empty "type".
func (s *Store) Dispatch(ctx context.Context, event any) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	msg, err := protocol.EventMessage(s.key, event)
	if err != nil {
		return err
	}
	encoded, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.mirror.send(protocol.TypeEvent, encoded)
}

func (s *Store) replace(snapshot any) {
	s.mu.Lock()
	s.snapshot = snapshot
	s.revision++
	s.stale = false
	listeners := s.listenersLocked()
	s.mu.Unlock()
	s.notify(snapshot, listeners)
}

func (s *Store) apply(ops patch.Patch) error {
	s.mu.Lock()
	if s.stale {
		s.mu.Unlock()
		return errStale
	}
	next, err := patch.Apply(s.snapshot, ops)
	if err != nil {
		s.stale = true
		s.mu.Unlock()
		return err
	}
	s.snapshot = next
	s.revision++
	listeners := s.listenersLocked()
	s.mu.Unlock()
	s.notify(next, listeners)
	return nil
}

func (s *Store) listenersLocked() []func(any) {
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(any), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

func (s *Store) notify(snapshot any, listeners []func(any)) {
	for _, listener := range listeners {
		copied := clone.Value(snapshot)
		s.mirror.guard("subscriber", s.key, func() { listener(copied) })
	}
}
