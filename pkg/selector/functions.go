package selector

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tidwall/gjson"
)

// ErrInvalidFunction is returned by Register for unusable names or nil
// functions.
var ErrInvalidFunction = errors.New("selector: invalid function")

// Function is a helper callable from selector expressions.
type Function func(args ...any) (any, error)

// FunctionRegistry holds the helpers exposed to expressions. Names are case
// sensitive and must be identifiers, since every engine binds them directly.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewFunctionRegistry returns an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{functions: map[string]Function{}}
}

// SnapshotFunctions returns a registry preloaded with snapshot helpers:
//
//	path(value, "items.#.title")  gjson path query over the JSON form of value
//	size(value)                   length of an array, object or string
func SnapshotFunctions() *FunctionRegistry {
	r := NewFunctionRegistry()
	r.functions["path"] = pathFunction
	r.functions["size"] = sizeFunction
	return r
}

// Register adds fn under name. Names already taken are rejected.
func (r *FunctionRegistry) Register(name string, fn Function) error {
	switch {
	case fn == nil:
		return fmt.Errorf("%w: %q is nil", ErrInvalidFunction, name)
	case !isIdentifier(name):
		return fmt.Errorf("%w: %q is not an identifier", ErrInvalidFunction, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.functions == nil {
		r.functions = map[string]Function{}
	}
	if _, exists := r.functions[name]; exists {
		return fmt.Errorf("%w: %q already registered", ErrInvalidFunction, name)
	}
	r.functions[name] = fn
	return nil
}

// Clone returns an independent copy. A nil registry clones to nil.
func (r *FunctionRegistry) Clone() *FunctionRegistry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &FunctionRegistry{functions: maps.Clone(r.functions)}
}

// Call runs the function registered as name.
func (r *FunctionRegistry) Call(name string, args ...any) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("selector: no functions registered")
	}
	r.mu.RLock()
	fn := r.functions[name]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("selector: function %q not registered", name)
	}
	return fn(args...)
}

// Names lists the registered names in sorted order.
func (r *FunctionRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.functions))
}

func pathFunction(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("selector: path expects (value, path), got %d arguments", len(args))
	}
	query, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("selector: path query must be a string, got %T", args[1])
	}
	doc, err := json.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("selector: path: %w", err)
	}
	result := gjson.GetBytes(doc, query)
	if !result.Exists() {
		return nil, nil
	}
	return result.Value(), nil
}

func sizeFunction(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("selector: size expects one argument, got %d", len(args))
	}
	switch v := args[0].(type) {
	case nil:
		return 0, nil
	case string:
		return len(v), nil
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	default:
		return nil, fmt.Errorf("selector: size of %T", v)
	}
}
