package patch

import (
	"encoding/json"
	"fmt"
)

// Op names a JSON Patch (RFC 6902) operation.
type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
	OpMove    Op = "move"
	OpCopy    Op = "copy"
	OpTest    Op = "test"
)

// Valid reports whether op is one of the six RFC 6902 operations.
func (op Op) Valid() bool {
	switch op {
	case OpAdd, OpRemove, OpReplace, OpMove, OpCopy, OpTest:
		return true
	default:
		return false
	}
}

func (op Op) carriesValue() bool {
	return op == OpAdd || op == OpReplace || op == OpTest
}

func (op Op) carriesFrom() bool {
	return op == OpMove || op == OpCopy
}

// Operation is a single structural edit addressed by a JSON pointer.
type Operation struct {
	Op    Op     `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value,omitempty"`
}

// MarshalJSON always emits "value" for add/replace/test, including null, and
// never emits it for the other operations.
func (o Operation) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"op":   o.Op,
		"path": o.Path,
	}
	if o.Op.carriesFrom() {
		out["from"] = o.From
	}
	if o.Op.carriesValue() {
		out["value"] = o.Value
	}
	return json.Marshal(out)
}

// Validate checks the operation shape without resolving its paths.
func (o Operation) Validate() error {
	if !o.Op.Valid() {
		return fmt.Errorf("patch: unknown operation %q", o.Op)
	}
	if o.Path != "" && o.Path[0] != '/' {
		return fmt.Errorf("patch: %s path %q must start with '/'", o.Op, o.Path)
	}
	if o.Op.carriesFrom() && o.From != "" && o.From[0] != '/' {
		return fmt.Errorf("patch: %s from %q must start with '/'", o.Op, o.From)
	}
	return nil
}

// Patch is an ordered sequence of operations. It is only meaningful against
// the exact snapshot it was computed from.
type Patch []Operation

// Empty reports whether the patch carries no operations.
func (p Patch) Empty() bool {
	return len(p) == 0
}

// Validate checks every operation in order.
func (p Patch) Validate() error {
	for i, op := range p {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("patch: operation %d: %w", i, err)
		}
	}
	return nil
}

// String renders the patch as JSON for logging.
func (p Patch) String() string {
	buf, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("patch(%d ops)", len(p))
	}
	return string(buf)
}
