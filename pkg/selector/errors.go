package selector

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyExpression = errors.New("selector: expression must not be empty")
	ErrUnknownEngine   = errors.New("selector: unknown engine")
)

// EvaluationError reports a compile or run failure of one expression. Key is
// the store the snapshot came from, empty at compile time.
type EvaluationError struct {
	Engine string
	Expr   string
	Key    string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "selector: %s %q", e.Engine, e.Expr)
	if e.Key != "" {
		fmt.Fprintf(&b, " on store %q", e.Key)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *EvaluationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// wrapEvaluatorError tags engine-level failures that are not tied to an
// expression.
func wrapEvaluatorError(engine string, err error) error {
	var evalErr *EvaluationError
	if err == nil || errors.As(err, &evalErr) {
		return err
	}
	return fmt.Errorf("selector: %s: %w", engine, err)
}

// wrapEvaluationError attaches engine, expression and store key, filling in
// whatever an inner EvaluationError left blank.
func wrapEvaluationError(engine, expr, key string, err error) error {
	if err == nil {
		return nil
	}
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		return &EvaluationError{Engine: engine, Expr: expr, Key: key, Err: err}
	}
	if evalErr.Engine == "" {
		evalErr.Engine = engine
	}
	if evalErr.Expr == "" {
		evalErr.Expr = expr
	}
	if evalErr.Key == "" {
		evalErr.Key = key
	}
	return evalErr
}
