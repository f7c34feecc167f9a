package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformed    = errors.New("protocol: malformed message")
	ErrUnknownType  = errors.New("protocol: unknown message type")
	ErrMissingField = errors.New("protocol: missing required field")
)

// ProtocolError describes a message that was dropped because it could not be
// parsed or lacked required fields. It never implies a state change.
type ProtocolError struct {
	Type     Type
	StoreKey string
	Field    string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{}
	if e.Type != "" {
		parts = append(parts, fmt.Sprintf("type=%s", e.Type))
	}
	if e.StoreKey != "" {
		parts = append(parts, fmt.Sprintf("storeKey=%q", e.StoreKey))
	}
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if len(parts) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (%s)", e.Err, strings.Join(parts, " "))
}

func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
