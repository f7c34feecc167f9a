// Package selector derives values from store snapshots with expression
// engines.
//
// Three engines are built in: expr (github.com/expr-lang/expr, the default),
// CEL (github.com/google/cel-go) and JavaScript (github.com/dop251/goja). A
// Selector compiles an expression once and evaluates it against snapshots:
//
//	sel, _ := selector.New("len(filter(items, # > 2))")
//	value, err := sel.Select("counter", snapshot)
//
// Watch re-evaluates a selector whenever a snapshot source changes and only
// reports values that differ from the previous one.
package selector

import (
	"errors"
	"reflect"
	"sync"
	"time"
)

// Option configures a Selector.
type Option func(*selectorConfig)

type selectorConfig struct {
	engine    string
	evaluator Evaluator
	cache     ProgramCache
	functions *FunctionRegistry
	logger    EvaluatorLogger
	args      map[string]any
	err       error
}

// WithEngine selects a built-in engine by name (expr, cel or js).
func WithEngine(engine string) Option {
	return func(cfg *selectorConfig) {
		cfg.engine = engine
	}
}

// WithEvaluator supplies a custom evaluator, overriding WithEngine.
func WithEvaluator(evaluator Evaluator) Option {
	return func(cfg *selectorConfig) {
		cfg.evaluator = evaluator
	}
}

// WithProgramCache shares compiled programs between selectors.
func WithProgramCache(cache ProgramCache) Option {
	return func(cfg *selectorConfig) {
		cfg.cache = cache
	}
}

// WithFunctionRegistry exposes registry functions to the expression.
func WithFunctionRegistry(registry *FunctionRegistry) Option {
	return func(cfg *selectorConfig) {
		if registry == nil {
			return
		}
		cfg.functions = registry.Clone()
	}
}

// WithCustomFunction registers fn under name for the selector.
func WithCustomFunction(name string, fn Function) Option {
	return func(cfg *selectorConfig) {
		if cfg.functions == nil {
			cfg.functions = NewFunctionRegistry()
		}
		if err := cfg.functions.Register(name, fn); err != nil {
			cfg.err = errors.Join(cfg.err, err)
		}
	}
}

// WithEvaluatorLogger records every evaluation.
func WithEvaluatorLogger(logger EvaluatorLogger) Option {
	return func(cfg *selectorConfig) {
		if logger == nil {
			cfg.logger = noopEvaluatorLogger{}
			return
		}
		cfg.logger = logger
	}
}

// WithArgs binds args for every evaluation.
func WithArgs(args map[string]any) Option {
	return func(cfg *selectorConfig) {
		cfg.args = args
	}
}

// Selector is a compiled expression over snapshots. It is safe for
// concurrent use.
type Selector struct {
	expression string
	engine     string
	program    Program
	logger     EvaluatorLogger
	args       map[string]any
}

// New compiles expression with the configured engine.
func New(expression string, opts ...Option) (*Selector, error) {
	cfg := selectorConfig{logger: noopEvaluatorLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.err != nil {
		return nil, cfg.err
	}
	if expression == "" {
		return nil, ErrEmptyExpression
	}

	evaluator := cfg.evaluator
	if evaluator == nil {
		var evalOpts []EvaluatorOption
		if cfg.cache != nil {
			evalOpts = append(evalOpts, EvaluatorWithProgramCache(cfg.cache))
		}
		if cfg.functions != nil {
			evalOpts = append(evalOpts, EvaluatorWithFunctionRegistry(cfg.functions))
		}
		built, err := NewEvaluator(cfg.engine, evalOpts...)
		if err != nil {
			return nil, err
		}
		evaluator = built
	}

	engine := EngineName(evaluator)
	program, err := evaluator.Compile(expression)
	if err != nil {
		return nil, wrapEvaluationError(engine, expression, "", err)
	}
	return &Selector{
		expression: expression,
		engine:     engine,
		program:    program,
		logger:     cfg.logger,
		args:       cfg.args,
	}, nil
}

// MustNew is New that panics on error, for package-level selectors.
func MustNew(expression string, opts ...Option) *Selector {
	sel, err := New(expression, opts...)
	if err != nil {
		panic(err)
	}
	return sel
}

// Expression returns the source expression.
func (s *Selector) Expression() string {
	return s.expression
}

// Engine returns the engine name.
func (s *Selector) Engine() string {
	return s.engine
}

// Select evaluates the selector against snapshot.
func (s *Selector) Select(key string, snapshot any) (any, error) {
	return s.SelectWith(Context{Key: key, Snapshot: snapshot, Args: s.args})
}

// SelectWith evaluates the selector against a full context.
func (s *Selector) SelectWith(ctx Context) (any, error) {
	if ctx.Args == nil {
		ctx.Args = s.args
	}
	start := time.Now()
	value, err := s.program.Evaluate(ctx)
	err = wrapEvaluationError(s.engine, s.expression, ctx.keyLabel(), err)
	s.logger.LogEvaluation(EvaluatorLogEvent{
		Engine:   s.engine,
		Expr:     s.expression,
		Key:      ctx.keyLabel(),
		Duration: time.Since(start),
		Err:      err,
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Source is a keyed snapshot stream with replay-on-subscribe semantics.
type Source interface {
	Key() string
	Subscribe(listener func(snapshot any)) (unsubscribe func())
}

// Watch evaluates s against every snapshot src publishes and calls fn with
// the first result and then with each result that differs from the last one.
// Evaluation errors are always reported.
func Watch(src Source, s *Selector, fn func(value any, err error)) (cancel func()) {
	if src == nil || s == nil || fn == nil {
		return func() {}
	}
	var (
		mu      sync.Mutex
		primed  bool
		last    any
		stopped bool
	)
	unsubscribe := src.Subscribe(func(snapshot any) {
		value, err := s.Select(src.Key(), snapshot)
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		if err == nil {
			if primed && reflect.DeepEqual(last, value) {
				mu.Unlock()
				return
			}
			primed = true
			last = value
		}
		mu.Unlock()
		fn(value, err)
	})
	return func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
		unsubscribe()
	}
}
