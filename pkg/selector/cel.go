package selector

import (
	"reflect"
	"sort"
	"strings"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"
)

var structValueType = reflect.TypeOf(&structpb.Value{})

type celProgram struct {
	env     *celgo.Env
	program celgo.Program
}

// celEvaluator executes expressions using github.com/google/cel-go. CEL is
// statically checked, so programs are compiled per set of bound variables.
type celEvaluator struct {
	cache    ProgramCache
	registry *FunctionRegistry
}

// NewCELEvaluator constructs an Evaluator backed by cel-go.
func NewCELEvaluator(opts ...EvaluatorOption) Evaluator {
	cfg := applyEvaluatorOptions(opts)
	return &celEvaluator{
		cache:    cfg.cache,
		registry: cfg.registry,
	}
}

func (e *celEvaluator) Evaluate(ctx Context, expression string) (any, error) {
	program, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return program.Evaluate(ctx)
}

// Compile parses expression and returns a program that type-checks and
// compiles per set of bound variables on first use.
func (e *celEvaluator) Compile(expression string) (Program, error) {
	if expression == "" {
		return nil, wrapEvaluatorError(EngineCEL, ErrEmptyExpression)
	}
	env, err := e.buildEnv(nil)
	if err != nil {
		return nil, wrapEvaluationError(EngineCEL, expression, "", err)
	}
	if _, issues := env.Parse(expression); issues != nil && issues.Err() != nil {
		return nil, wrapEvaluationError(EngineCEL, expression, "", issues.Err())
	}
	return &celCompiledProgram{evaluator: e, expression: expression}, nil
}

type celCompiledProgram struct {
	evaluator  *celEvaluator
	expression string
}

func (p *celCompiledProgram) Evaluate(ctx Context) (any, error) {
	ctx = ctx.withDefaults()
	bindings := ctx.bindings()
	variables := celVariables(bindings)
	program, err := p.evaluator.loadOrCompile(p.expression, variables)
	if err != nil {
		return nil, wrapEvaluationError(EngineCEL, p.expression, ctx.keyLabel(), err)
	}
	activation := make(map[string]any, len(variables))
	for _, name := range variables {
		activation[name] = bindings[name]
	}
	out, _, err := program.program.Eval(activation)
	if err != nil {
		return nil, wrapEvaluationError(EngineCEL, p.expression, ctx.keyLabel(), err)
	}
	return celResult(out), nil
}

func (e *celEvaluator) loadOrCompile(expression string, variables []string) (*celProgram, error) {
	key := cacheKey(EngineCEL, expression+"\x00"+strings.Join(variables, ","))
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			if program, ok := cached.(*celProgram); ok {
				return program, nil
			}
		}
	}

	env, err := e.buildEnv(variables)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}

	bundle := &celProgram{env: env, program: prg}
	if e.cache != nil {
		e.cache.Set(key, bundle)
	}
	return bundle, nil
}

func (e *celEvaluator) buildEnv(variables []string) (*celgo.Env, error) {
	opts := []celgo.EnvOption{
		celgo.Variable("now", celgo.TimestampType),
		celgo.Variable("args", celgo.DynType),
		celgo.Variable("key", celgo.StringType),
		celgo.Variable("snapshot", celgo.DynType),
	}
	for _, name := range variables {
		switch name {
		case "now", "args", "key", "snapshot":
			continue
		}
		opts = append(opts, celgo.Variable(name, celgo.DynType))
	}
	if e.registry != nil {
		opts = append(opts, celgo.Function("call",
			celgo.Overload("call_string", []*celgo.Type{celgo.StringType}, celgo.DynType,
				celgo.FunctionBinding(e.callBinding())),
			celgo.Overload("call_string_list", []*celgo.Type{celgo.StringType, celgo.ListType(celgo.DynType)}, celgo.DynType,
				celgo.FunctionBinding(e.callBinding())),
		))
	}
	return celgo.NewEnv(opts...)
}

func (e *celEvaluator) callBinding() func(values ...ref.Val) ref.Val {
	return func(values ...ref.Val) ref.Val {
		if len(values) == 0 {
			return types.NewErr("selector: call requires function name")
		}
		name, ok := values[0].Value().(string)
		if !ok {
			return types.NewErr("selector: call name must be string")
		}
		var args []any
		if len(values) > 1 {
			native, err := values[1].ConvertToNative(reflect.TypeOf([]any{}))
			if err != nil {
				return types.NewErr("selector: call arguments: %v", err)
			}
			args, _ = native.([]any)
		}
		result, err := e.registry.Call(name, args...)
		if err != nil {
			return types.NewErr("%v", err)
		}
		if result == nil {
			return types.NullValue
		}
		return types.DefaultTypeAdapter.NativeToValue(result)
	}
}

// celVariables lists binding names that are valid CEL identifiers, sorted so
// the compiled program cache key is stable.
func celVariables(bindings map[string]any) []string {
	out := make([]string, 0, len(bindings))
	for name := range bindings {
		if isIdentifier(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	switch name {
	case "true", "false", "null", "in", "as", "break", "const", "continue", "else",
		"for", "function", "if", "import", "let", "loop", "package", "namespace", "return", "var", "void", "while":
		return false
	}
	return true
}

// celResult converts a CEL value into its JSON-shaped Go equivalent.
func celResult(out ref.Val) any {
	if out == nil {
		return nil
	}
	if native, err := out.ConvertToNative(structValueType); err == nil {
		if value, ok := native.(*structpb.Value); ok {
			return value.AsInterface()
		}
	}
	return out.Value()
}
