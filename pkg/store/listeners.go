package store

import (
	"context"
	"fmt"
	"sync"
)

// AnyEvent registers a listener for every event type.
const AnyEvent = "*"

// EventListener observes a dispatched event after the producer ran. Returned
// errors are logged; they never abort sibling listeners or the dispatch.
type EventListener[S any, E Event] func(ctx context.Context, event E, store *Store[S, E]) error

type eventHandler[S any, E Event] struct {
	id       uint64
	async    bool
	listener EventListener[S, E]
}

// On registers listener for eventType (or AnyEvent). It runs synchronously,
// after the producer, in registration order.
func (s *Store[S, E]) On(eventType string, listener EventListener[S, E]) (off func()) {
	return s.addHandler(eventType, listener, false)
}

// OnAsync registers listener to run on its own goroutine for each matching
// event. Use Wait to block until in-flight async listeners finish.
func (s *Store[S, E]) OnAsync(eventType string, listener EventListener[S, E]) (off func()) {
	return s.addHandler(eventType, listener, true)
}

// Wait blocks until every async listener started so far has returned.
func (s *Store[S, E]) Wait() {
	s.pending.Wait()
}

func (s *Store[S, E]) addHandler(eventType string, listener EventListener[S, E], async bool) func() {
	if listener == nil || eventType == "" {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers[eventType] = append(s.handlers[eventType], eventHandler[S, E]{id: id, async: async, listener: listener})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			current := s.handlers[eventType]
			for i, h := range current {
				if h.id == id {
					s.handlers[eventType] = append(current[:i:i], current[i+1:]...)
					break
				}
			}
			if len(s.handlers[eventType]) == 0 {
				delete(s.handlers, eventType)
			}
		})
	}
}

func (s *Store[S, E]) runHandlers(ctx context.Context, eventType string, event E) {
	s.mu.Lock()
	matched := make([]eventHandler[S, E], 0, len(s.handlers[eventType])+len(s.handlers[AnyEvent]))
	matched = append(matched, s.handlers[eventType]...)
	if eventType != AnyEvent {
		matched = append(matched, s.handlers[AnyEvent]...)
	}
	s.mu.Unlock()

	for _, h := range matched {
		if h.async {
			s.pending.Add(1)
			go func(h eventHandler[S, E]) {
				defer s.pending.Done()
				s.runListener(ctx, eventType, event, h.listener)
			}(h)
			continue
		}
		s.runListener(ctx, eventType, event, h.listener)
	}
}

func (s *Store[S, E]) runListener(ctx context.Context, eventType string, event E, listener EventListener[S, E]) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store: event listener panicked", "event_type", eventType, "panic", fmt.Sprint(r))
		}
	}()
	if err := listener(ctx, event, s); err != nil {
		s.logger.Error("store: event listener failed", "event_type", eventType, "error", err)
	}
}
