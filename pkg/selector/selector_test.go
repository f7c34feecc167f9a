package selector

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

type counter struct {
	Value int      `json:"value"`
	Tags  []string `json:"tags"`
}

func TestSelectAcrossEngines(t *testing.T) {
	snapshot := map[string]any{"value": 2.0, "items": []any{1.0, 3.0, 5.0}}
	cases := []struct {
		engine string
		expr   string
		want   any
	}{
		{EngineExpr, "value * 2", 4.0},
		{EngineExpr, "len(filter(items, # > 2))", 2},
		{EngineExpr, "snapshot.value == value && key == 'counter'", true},
		{EngineCEL, "value * 2.0", 4.0},
		{EngineCEL, "items.filter(i, i > 2.0).size()", 2.0},
		{EngineCEL, "key == 'counter'", true},
		{EngineJS, "value * 2", int64(4)},
		{EngineJS, "items.filter(i => i > 2).length", int64(2)},
		{EngineJS, "snapshot.value + 0.5", 2.5},
	}
	for _, tc := range cases {
		sel, err := New(tc.expr, WithEngine(tc.engine))
		if err != nil {
			t.Fatalf("%s %q: compile: %v", tc.engine, tc.expr, err)
		}
		got, err := sel.Select("counter", snapshot)
		if err != nil {
			t.Fatalf("%s %q: select: %v", tc.engine, tc.expr, err)
		}
		if got != tc.want {
			t.Fatalf("%s %q: expected %v (%T), got %v (%T)", tc.engine, tc.expr, tc.want, tc.want, got, got)
		}
	}
}

func TestSelectNormalizesTypedSnapshots(t *testing.T) {
	sel, err := New("value + len(tags)")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err := sel.Select("counter", counter{Value: 3, Tags: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != 5.0 {
		t.Fatalf("expected 5, got %v (%T)", got, got)
	}
}

func TestSelectorCustomFunctions(t *testing.T) {
	double := func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("double expects one argument")
		}
		switch v := args[0].(type) {
		case float64:
			return v * 2, nil
		case int64:
			return float64(v) * 2, nil
		}
		return nil, errors.New("double expects a number")
	}
	for _, engine := range []string{EngineExpr, EngineJS} {
		sel, err := New("double(value)", WithEngine(engine), WithCustomFunction("double", double))
		if err != nil {
			t.Fatalf("%s: compile: %v", engine, err)
		}
		got, err := sel.Select("k", map[string]any{"value": 4.0})
		if err != nil {
			t.Fatalf("%s: select: %v", engine, err)
		}
		if got != 8.0 && got != int64(8) {
			t.Fatalf("%s: expected 8, got %v (%T)", engine, got, got)
		}
	}

	sel, err := New("call('double', [value])", WithEngine(EngineCEL), WithCustomFunction("double", double))
	if err != nil {
		t.Fatalf("cel: compile: %v", err)
	}
	got, err := sel.Select("k", map[string]any{"value": 4.0})
	if err != nil {
		t.Fatalf("cel: select: %v", err)
	}
	if got != 8.0 {
		t.Fatalf("cel: expected 8, got %v (%T)", got, got)
	}
}

func TestSelectErrorsCarryMetadata(t *testing.T) {
	var events []EvaluatorLogEvent
	sel, err := New("value.missing.deeper", WithEngine(EngineJS), WithEvaluatorLogger(EvaluatorLoggerFunc(func(e EvaluatorLogEvent) {
		events = append(events, e)
	})))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	_, err = sel.Select("counter", map[string]any{"value": 1.0})

	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected EvaluationError, got %T: %v", err, err)
	}
	if evalErr.Engine != EngineJS || evalErr.Key != "counter" || evalErr.Expr != "value.missing.deeper" {
		t.Fatalf("unexpected metadata: %+v", evalErr)
	}
	if len(events) != 1 || events[0].Err == nil {
		t.Fatalf("expected failed evaluation logged, got %+v", events)
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrEmptyExpression) {
		t.Fatalf("expected ErrEmptyExpression, got %v", err)
	}
	if _, err := New("value", WithEngine("lua")); !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}
	if _, err := New("value +", WithEngine(EngineExpr)); err == nil {
		t.Fatalf("expected expr syntax error")
	}
	if _, err := New("value +", WithEngine(EngineCEL)); err == nil {
		t.Fatalf("expected cel syntax error")
	}
	if _, err := New("value +", WithEngine(EngineJS)); err == nil {
		t.Fatalf("expected js syntax error")
	}
}

func TestProgramCacheIsShared(t *testing.T) {
	cache := NewMemoryCache()
	for i := 0; i < 3; i++ {
		if _, err := New("value + 1", WithProgramCache(cache)); err != nil {
			t.Fatalf("compile: %v", err)
		}
	}
	if _, err := New("value + 1", WithEngine(EngineJS), WithProgramCache(cache)); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected one program per engine, got %d", cache.Len())
	}
}

func TestReservedBindingsShadowFields(t *testing.T) {
	sel := MustNew("key")
	got, err := sel.Select("counter", map[string]any{"key": "field"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "counter" {
		t.Fatalf("expected store key binding, got %v", got)
	}
}

func TestWithArgs(t *testing.T) {
	sel := MustNew("value > args.threshold", WithArgs(map[string]any{"threshold": 3}))
	got, err := sel.Select("counter", map[string]any{"value": 5.0})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != true {
		t.Fatalf("expected true, got %v", got)
	}
}

type fakeSource struct {
	mu        sync.Mutex
	key       string
	snapshot  any
	listeners map[int]func(any)
	next      int
}

func (f *fakeSource) Key() string { return f.key }

func (f *fakeSource) Subscribe(listener func(snapshot any)) func() {
	f.mu.Lock()
	if f.listeners == nil {
		f.listeners = map[int]func(any){}
	}
	id := f.next
	f.next++
	f.listeners[id] = listener
	snapshot := f.snapshot
	f.mu.Unlock()
	listener(snapshot)
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeSource) publish(snapshot any) {
	f.mu.Lock()
	f.snapshot = snapshot
	listeners := make([]func(any), 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()
	for _, l := range listeners {
		l(snapshot)
	}
}

func TestWatchReportsDistinctValues(t *testing.T) {
	src := &fakeSource{key: "counter", snapshot: map[string]any{"value": 1.0, "other": "a"}}
	sel := MustNew("value")

	var got []any
	cancel := Watch(src, sel, func(value any, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		got = append(got, value)
	})

	src.publish(map[string]any{"value": 1.0, "other": "b"})
	src.publish(map[string]any{"value": 2.0, "other": "b"})
	cancel()
	src.publish(map[string]any{"value": 3.0})

	if len(got) != 2 || got[0] != 1.0 || got[1] != 2.0 {
		t.Fatalf("expected [1 2], got %v", got)
	}
}

func TestEvaluationErrorFormatting(t *testing.T) {
	err := wrapEvaluationError("expr", "flag && missing", "counter", errors.New("boom"))
	if !strings.Contains(err.Error(), `"flag && missing"`) || !strings.Contains(err.Error(), `on store "counter"`) {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestSnapshotFunctions(t *testing.T) {
	snapshot := map[string]any{
		"items": []any{
			map[string]any{"title": "milk", "done": true},
			map[string]any{"title": "eggs", "done": false},
		},
	}
	cases := []struct {
		expr string
		want any
	}{
		{`path(snapshot, "items.1.title")`, "eggs"},
		{`path(snapshot, "items.#(done==true).title")`, "milk"},
		{`path(snapshot, "missing")`, nil},
		{`size(items)`, 2},
	}
	for _, tc := range cases {
		sel, err := New(tc.expr, WithFunctionRegistry(SnapshotFunctions()))
		if err != nil {
			t.Fatalf("%s: compile: %v", tc.expr, err)
		}
		got, err := sel.Select("todos", snapshot)
		if err != nil {
			t.Fatalf("%s: select: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %v, got %v (%T)", tc.expr, tc.want, got, got)
		}
	}
}

func TestRegisterRejectsBadFunctions(t *testing.T) {
	r := NewFunctionRegistry()
	noop := func(...any) (any, error) { return nil, nil }
	if err := r.Register("ok", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	for name, fn := range map[string]Function{"ok": noop, "not-ident": noop, "nil": nil, "": noop} {
		if err := r.Register(name, fn); !errors.Is(err, ErrInvalidFunction) {
			t.Fatalf("%q: expected ErrInvalidFunction, got %v", name, err)
		}
	}
	if names := r.Names(); len(names) != 1 || names[0] != "ok" {
		t.Fatalf("unexpected names %v", names)
	}

	if _, err := New("x", WithCustomFunction("bad name", noop)); !errors.Is(err, ErrInvalidFunction) {
		t.Fatalf("expected option error surfaced by New, got %v", err)
	}
}
