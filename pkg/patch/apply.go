package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

var (
	// ErrTestFailed is returned when a test operation does not match.
	ErrTestFailed = errors.New("patch: test operation failed")
	// ErrUnsupportedRoot is returned for move/copy operations targeting the
	// document root.
	ErrUnsupportedRoot = errors.New("patch: unsupported operation on document root")
)

// ApplicationError reports the operation that could not be applied. A view
// that hits it is desynchronized and needs a full snapshot; replaying the same
// patch will fail again.
type ApplicationError struct {
	Index     int
	Operation Operation
	Err       error
}

func (e *ApplicationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("patch: apply operation %d (%s %s): %v", e.Index, e.Operation.Op, describePath(e.Operation.Path), e.Err)
}

func (e *ApplicationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func describePath(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}

// Apply returns a new snapshot with every operation applied in order. The
// input is never mutated. The result is the decoded JSON form of the document
// (map[string]any, []any, float64, string, bool or nil).
func Apply(snapshot any, p Patch) (any, error) {
	doc, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("patch: encode snapshot: %w", err)
	}

	doc, err = ApplyJSON(doc, p)
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, fmt.Errorf("patch: decode result: %w", err)
	}
	return out, nil
}

// ApplyJSON applies p to an encoded document.
func ApplyJSON(doc []byte, p Patch) ([]byte, error) {
	var err error
	for i, op := range p {
		if verr := op.Validate(); verr != nil {
			return nil, &ApplicationError{Index: i, Operation: op, Err: verr}
		}
		if op.Path == "" {
			doc, err = applyRoot(doc, op)
		} else {
			doc, err = applyOne(doc, op)
		}
		if err != nil {
			return nil, &ApplicationError{Index: i, Operation: op, Err: err}
		}
	}
	return doc, nil
}

func applyOne(doc []byte, op Operation) ([]byte, error) {
	buf, err := json.Marshal(Patch{op})
	if err != nil {
		return nil, err
	}
	decoded, err := jsonpatch.DecodePatch(buf)
	if err != nil {
		return nil, err
	}
	return decoded.Apply(doc)
}

func applyRoot(doc []byte, op Operation) ([]byte, error) {
	switch op.Op {
	case OpAdd, OpReplace:
		return json.Marshal(op.Value)
	case OpRemove:
		return []byte("null"), nil
	case OpTest:
		expected, err := json.Marshal(op.Value)
		if err != nil {
			return nil, err
		}
		if !equalJSON(doc, expected) {
			return nil, ErrTestFailed
		}
		return doc, nil
	default:
		return nil, ErrUnsupportedRoot
	}
}

// Equal reports whether a and b have the same JSON representation, ignoring
// object key order.
func Equal(a, b any) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return equalJSON(left, right)
}

func equalJSON(a, b []byte) bool {
	var left, right any
	if err := json.Unmarshal(a, &left); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}
