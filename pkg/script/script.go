// Package script builds store producers from JavaScript source.
//
// A scripted producer is a function (draft, event) => { ... } evaluated with
// github.com/dop251/goja. The draft and the event cross the runtime boundary
// as JSON, so scripts see plain objects and arrays and the store keeps Go
// values it owns. Returning a value from the function replaces the draft;
// returning nothing keeps the mutated draft.
//
//	p, _ := script.Compile(`(draft, event) => { draft.value += event.by }`)
//	st := store.New(map[string]any{"value": 0}, p.Func(logger))
package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/goliatone/go-statebridge/pkg/store"
)

var (
	ErrEmptySource = errors.New("script: source must not be empty")
	ErrNotFunction = errors.New("script: source does not evaluate to a function")
	ErrNotObject   = errors.New("script: producer result is not an object")
	ErrInterrupted = errors.New("script: producer timed out")
)

const defaultTimeout = 250 * time.Millisecond

const (
	runnerTemplate = `(function(__producer){
	if (typeof __producer !== "function") { return null; }
	return function(__draft, __event){
		var draft = JSON.parse(__draft);
		var out = __producer(draft, JSON.parse(__event));
		return JSON.stringify(out === undefined ? draft : out);
	};
})(%s)`
	handlerTemplate = `(function(draft, event){ switch (event.type) {%s} })`
)

// Option configures a Producer.
type Option func(*Producer)

// WithTimeout bounds a single producer run. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(p *Producer) {
		p.timeout = d
	}
}

// Producer is a compiled JavaScript producer. It is safe for concurrent use;
// every run gets its own runtime.
type Producer struct {
	source  string
	types   []string
	program *goja.Program
	timeout time.Duration
}

// Compile compiles source, a JavaScript expression evaluating to a
// (draft, event) function.
func Compile(source string, opts ...Option) (*Producer, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, ErrEmptySource
	}
	program, err := goja.Compile("producer", fmt.Sprintf(runnerTemplate, source), false)
	if err != nil {
		return nil, fmt.Errorf("script: compile: %w", err)
	}
	p := &Producer{source: source, program: program, timeout: defaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if _, err := p.runner(goja.New()); err != nil {
		return nil, err
	}
	return p, nil
}

// CompileHandlers builds a producer from per-event-type function bodies. Each
// body sees draft and event; events without a handler leave the draft as is.
func CompileHandlers(handlers map[string]string, opts ...Option) (*Producer, error) {
	if len(handlers) == 0 {
		return nil, ErrEmptySource
	}
	types := make([]string, 0, len(handlers))
	for eventType := range handlers {
		types = append(types, eventType)
	}
	sort.Strings(types)

	var cases strings.Builder
	for _, eventType := range types {
		quoted, err := json.Marshal(eventType)
		if err != nil {
			return nil, fmt.Errorf("script: handler %q: %w", eventType, err)
		}
		fmt.Fprintf(&cases, " case %s: return (function(draft, event){ %s\n})(draft, event);", quoted, handlers[eventType])
	}
	p, err := Compile(fmt.Sprintf(handlerTemplate, cases.String()), opts...)
	if err != nil {
		return nil, err
	}
	p.types = types
	return p, nil
}

// Source returns the producer source.
func (p *Producer) Source() string {
	return p.source
}

// EventTypes lists the event types handled by a CompileHandlers producer.
func (p *Producer) EventTypes() []string {
	return append([]string(nil), p.types...)
}

// Apply runs the producer against a copy of draft and returns the next
// snapshot.
func (p *Producer) Apply(draft map[string]any, event store.RawEvent) (map[string]any, error) {
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("script: encode draft: %w", err)
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("script: encode event: %w", err)
	}

	vm := goja.New()
	run, err := p.runner(vm)
	if err != nil {
		return nil, err
	}
	if p.timeout > 0 {
		timer := time.AfterFunc(p.timeout, func() {
			vm.Interrupt(ErrInterrupted)
		})
		defer timer.Stop()
	}

	result, err := run(goja.Undefined(), vm.ToValue(string(draftJSON)), vm.ToValue(string(eventJSON)))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrInterrupted
		}
		return nil, fmt.Errorf("script: %s: %w", event.Type, err)
	}

	var next any
	if err := json.Unmarshal([]byte(result.String()), &next); err != nil {
		return nil, fmt.Errorf("script: decode result: %w", err)
	}
	out, ok := next.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotObject, next)
	}
	return out, nil
}

// Func adapts the producer to a store producer. Script failures are logged and
// leave the draft untouched.
func (p *Producer) Func(logger *slog.Logger) store.Producer[map[string]any, store.RawEvent] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(draft *map[string]any, event store.RawEvent) {
		next, err := p.Apply(*draft, event)
		if err != nil {
			logger.Error("script: producer failed", "event_type", event.Type, "error", err)
			return
		}
		*draft = next
	}
}

func (p *Producer) runner(vm *goja.Runtime) (goja.Callable, error) {
	value, err := vm.RunProgram(p.program)
	if err != nil {
		return nil, fmt.Errorf("script: load: %w", err)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, ErrNotFunction
	}
	return fn, nil
}
