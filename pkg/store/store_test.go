package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type counterState struct {
	Value int      `json:"value"`
	Log   []string `json:"log,omitempty"`
}

type counterEvent interface {
	Event
	isCounterEvent()
}

type incrementEvent struct {
	By int `json:"by"`
}

func (incrementEvent) EventType() string { return "INCREMENT" }
func (incrementEvent) isCounterEvent()   {}

type setEvent struct {
	Value int `json:"value"`
}

func (setEvent) EventType() string { return "SET" }
func (setEvent) isCounterEvent()   {}

func counterProducer(draft *counterState, event counterEvent) {
	switch e := event.(type) {
	case *incrementEvent:
		draft.Value += e.By
	case incrementEvent:
		draft.Value += e.By
	case *setEvent:
		draft.Value = e.Value
	case setEvent:
		draft.Value = e.Value
	}
}

var counterVariants = Variants[counterEvent]{
	"INCREMENT": func() counterEvent { return &incrementEvent{} },
	"SET":       func() counterEvent { return &setEvent{} },
}

func newCounter(opts ...Option) *Store[counterState, counterEvent] {
	return New(counterState{}, counterProducer, opts...)
}

func TestSubscribeReplaysCurrentSnapshot(t *testing.T) {
	s := New[counterState, counterEvent](counterState{Value: 7}, nil)

	var seen []int
	unsubscribe := s.Subscribe(func(snapshot counterState) {
		seen = append(seen, snapshot.Value)
	})
	if len(seen) != 1 || seen[0] != 7 {
		t.Fatalf("expected replay of current snapshot, got %v", seen)
	}

	s.Produce(func(draft *counterState) { draft.Value = 8 })
	unsubscribe()
	s.Produce(func(draft *counterState) { draft.Value = 9 })

	if len(seen) != 2 || seen[1] != 8 {
		t.Fatalf("expected one update before unsubscribe, got %v", seen)
	}
}

func TestProduceIsCopyOnWrite(t *testing.T) {
	s := New[map[string]any, RawEvent](map[string]any{"items": []any{"a"}}, nil)
	before := s.Snapshot()

	s.Produce(func(draft *map[string]any) {
		(*draft)["items"] = append((*draft)["items"].([]any), "b")
		(*draft)["items"].([]any)[0] = "changed"
	})

	if got := before["items"].([]any); len(got) != 1 || got[0] != "a" {
		t.Fatalf("prior snapshot mutated: %v", before)
	}
	after := s.Snapshot()["items"].([]any)
	if len(after) != 2 || after[0] != "changed" {
		t.Fatalf("unexpected new snapshot %v", after)
	}
	if s.Revision() != 1 {
		t.Fatalf("expected revision 1, got %d", s.Revision())
	}
}

func TestProduceWithoutChangeDoesNotNotify(t *testing.T) {
	s := newCounter()
	calls := 0
	s.Subscribe(func(counterState) { calls++ })

	s.Produce(func(draft *counterState) { draft.Value = 0 })
	if calls != 1 {
		t.Fatalf("expected only the replay call, got %d", calls)
	}
	if s.Revision() != 0 {
		t.Fatalf("expected revision unchanged, got %d", s.Revision())
	}
}

func TestProducePanicDiscardsDraft(t *testing.T) {
	var logs bytes.Buffer
	s := newCounter(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	s.Produce(func(draft *counterState) {
		draft.Value = 10
		panic("boom")
	})

	if s.Snapshot().Value != 0 {
		t.Fatalf("expected draft discarded, got %d", s.Snapshot().Value)
	}
	if !strings.Contains(logs.String(), "mutator panicked") {
		t.Fatalf("expected panic logged, got %q", logs.String())
	}
}

func TestDispatchRunsProducerThenListeners(t *testing.T) {
	s := newCounter()
	var order []string

	s.Subscribe(func(snapshot counterState) {
		order = append(order, "subscriber")
	})
	order = nil

	s.On("INCREMENT", func(_ context.Context, event counterEvent, st *Store[counterState, counterEvent]) error {
		order = append(order, "on:INCREMENT")
		if st.Snapshot().Value != 2 {
			t.Errorf("expected listener to observe produced state, got %d", st.Snapshot().Value)
		}
		return nil
	})
	s.On(AnyEvent, func(context.Context, counterEvent, *Store[counterState, counterEvent]) error {
		order = append(order, "on:*")
		return nil
	})
	s.On("SET", func(context.Context, counterEvent, *Store[counterState, counterEvent]) error {
		order = append(order, "on:SET")
		return nil
	})

	s.Dispatch(context.Background(), incrementEvent{By: 2})

	want := []string{"subscriber", "on:INCREMENT", "on:*"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestListenerFailuresAreIsolated(t *testing.T) {
	var logs bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: &logs, mu: &mu}, nil))
	s := newCounter(WithLogger(logger))

	var ran atomic.Int32
	s.On("SET", func(context.Context, counterEvent, *Store[counterState, counterEvent]) error {
		return errors.New("listener failed")
	})
	s.On("SET", func(context.Context, counterEvent, *Store[counterState, counterEvent]) error {
		panic("listener panic")
	})
	s.OnAsync("SET", func(context.Context, counterEvent, *Store[counterState, counterEvent]) error {
		ran.Add(1)
		return errors.New("async failed")
	})
	s.On("SET", func(context.Context, counterEvent, *Store[counterState, counterEvent]) error {
		ran.Add(1)
		return nil
	})

	s.Dispatch(context.Background(), setEvent{Value: 5})
	s.Wait()

	if ran.Load() != 2 {
		t.Fatalf("expected remaining listeners to run, got %d", ran.Load())
	}
	if s.Snapshot().Value != 5 {
		t.Fatalf("expected state applied, got %d", s.Snapshot().Value)
	}
	mu.Lock()
	out := logs.String()
	mu.Unlock()
	for _, want := range []string{"listener failed", "listener panic", "async failed", "event_type=SET"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in logs, got %q", want, out)
		}
	}
}

func TestOffRemovesListener(t *testing.T) {
	s := newCounter()
	calls := 0
	off := s.On("SET", func(context.Context, counterEvent, *Store[counterState, counterEvent]) error {
		calls++
		return nil
	})
	s.Dispatch(context.Background(), setEvent{Value: 1})
	off()
	s.Dispatch(context.Background(), setEvent{Value: 2})
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestDispatchWithoutProducer(t *testing.T) {
	var logs bytes.Buffer
	s := New[counterState, counterEvent](counterState{}, nil, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	observed := false
	s.On("SET", func(context.Context, counterEvent, *Store[counterState, counterEvent]) error {
		observed = true
		return nil
	})

	s.Dispatch(context.Background(), setEvent{Value: 3})

	if s.Snapshot().Value != 0 {
		t.Fatalf("expected no state change")
	}
	if !observed {
		t.Fatalf("expected dispatch to be observable by listeners")
	}
	if !strings.Contains(logs.String(), "dispatch without producer") {
		t.Fatalf("expected warning, got %q", logs.String())
	}
}

func TestResetRestoresInitialAndNotifies(t *testing.T) {
	s := New[counterState, counterEvent](counterState{Value: 1, Log: []string{"init"}}, counterProducer)
	var seen []int
	s.Subscribe(func(snapshot counterState) { seen = append(seen, snapshot.Value) })

	s.Produce(func(draft *counterState) {
		draft.Value = 9
		draft.Log[0] = "mutated"
	})
	s.Reset()

	if got := s.Snapshot(); got.Value != 1 || got.Log[0] != "init" {
		t.Fatalf("expected initial snapshot, got %+v", got)
	}
	if len(seen) != 3 || seen[2] != 1 {
		t.Fatalf("expected reset notification, got %v", seen)
	}
}

func TestSetStateCopiesInput(t *testing.T) {
	s := newCounter()
	next := counterState{Value: 4, Log: []string{"a"}}
	s.SetState(next)
	next.Log[0] = "b"
	if s.Snapshot().Log[0] != "a" {
		t.Fatalf("expected store to own a copy")
	}
}

func TestDispatchJSONWithVariants(t *testing.T) {
	s := newCounter(WithVariants(counterVariants))

	if err := s.DispatchJSON(context.Background(), []byte(`{"type":"INCREMENT","by":3}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := s.DispatchJSON(context.Background(), []byte(`{"type":"SET","value":42}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if s.Snapshot().Value != 42 {
		t.Fatalf("expected 42, got %d", s.Snapshot().Value)
	}

	err := s.DispatchJSON(context.Background(), []byte(`{"type":"DELETE"}`))
	if !errors.Is(err, ErrDecodeEvent) {
		t.Fatalf("expected ErrDecodeEvent, got %v", err)
	}
}

func TestDispatchJSONRawEvent(t *testing.T) {
	s := New(map[string]any{"value": 0.0}, func(draft *map[string]any, event RawEvent) {
		if event.Type == "SET" {
			(*draft)["value"], _ = event.Get("value")
		}
	})

	if err := s.DispatchJSON(context.Background(), []byte(`{"type":"SET","value":42}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if s.Snapshot()["value"] != 42.0 {
		t.Fatalf("expected 42, got %v", s.Snapshot()["value"])
	}
	if err := s.DispatchJSON(context.Background(), []byte(`{"value":1}`)); !errors.Is(err, ErrDecodeEvent) {
		t.Fatalf("expected decode error for missing type, got %v", err)
	}
}

func TestRawEventJSON(t *testing.T) {
	event := NewRawEvent("SET", map[string]any{"value": 1})
	buf, err := event.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(buf) != `{"type":"SET","value":1}` {
		t.Fatalf("unexpected encoding %s", buf)
	}
	var decoded RawEvent
	if err := decoded.UnmarshalJSON(buf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != "SET" || decoded.Payload["value"] != 1.0 {
		t.Fatalf("unexpected decoded event %+v", decoded)
	}
}

func TestWatchDoesNotReplay(t *testing.T) {
	s := newCounter()
	calls := 0
	cancel := s.Watch(func() { calls++ })
	if calls != 0 {
		t.Fatalf("watch must not replay")
	}
	s.SetState(counterState{Value: 1})
	cancel()
	s.SetState(counterState{Value: 2})
	if calls != 1 {
		t.Fatalf("expected one change notification, got %d", calls)
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
