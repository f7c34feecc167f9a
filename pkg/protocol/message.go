// Package protocol defines the string messages exchanged between a host
// registry and its views.
//
// Wire shapes (JSON, UTF-8):
//
//	view -> host  {"type":"BRIDGE_READY"}
//	view -> host  {"type":"EVENT","storeKey":"counter","event":{"type":"INCREMENT"}}
//	host -> view  {"type":"STATE_INIT","storeKey":"counter","data":{"value":0}}
//	host -> view  {"type":"STATE_UPDATE","storeKey":"counter","operations":[{"op":"replace","path":"/value","value":1}]}
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/goliatone/go-statebridge/pkg/patch"
)

// Type discriminates wire messages.
type Type string

const (
	TypeBridgeReady Type = "BRIDGE_READY"
	TypeEvent       Type = "EVENT"
	TypeStateInit   Type = "STATE_INIT"
	TypeStateUpdate Type = "STATE_UPDATE"
)

// Known reports whether t is one of the four protocol message types.
func (t Type) Known() bool {
	switch t {
	case TypeBridgeReady, TypeEvent, TypeStateInit, TypeStateUpdate:
		return true
	default:
		return false
	}
}

// Message is the tagged union carried over the channel. Only the fields that
// belong to Type are populated.
type Message struct {
	Type       Type            `json:"type"`
	StoreKey   string          `json:"storeKey,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Operations patch.Patch     `json:"operations,omitempty"`
}

// BridgeReady builds the view readiness signal.
func BridgeReady() Message {
	return Message{Type: TypeBridgeReady}
}

// EventMessage wraps event for storeKey. The event must encode to a JSON
// object with a non-empty "type" field.
func EventMessage(storeKey string, event any) (Message, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return Message{}, &ProtocolError{Type: TypeEvent, Field: "event", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	msg := Message{Type: TypeEvent, StoreKey: storeKey, Event: raw}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// StateInit carries the full snapshot for storeKey.
func StateInit(storeKey string, snapshot any) (Message, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return Message{}, &ProtocolError{Type: TypeStateInit, Field: "data", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return Message{Type: TypeStateInit, StoreKey: storeKey, Data: raw}, nil
}

// StateUpdate carries the patch for storeKey relative to the previous
// snapshot the view received.
func StateUpdate(storeKey string, ops patch.Patch) Message {
	if ops == nil {
		ops = patch.Patch{}
	}
	return Message{Type: TypeStateUpdate, StoreKey: storeKey, Operations: ops}
}

// MarshalJSON writes operations for every STATE_UPDATE, even an empty one,
// so the encoded message decodes again.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire Message
	if m.Type != TypeStateUpdate {
		return json.Marshal(wire(m))
	}
	ops := m.Operations
	if ops == nil {
		ops = patch.Patch{}
	}
	return json.Marshal(struct {
		wire
		Operations patch.Patch `json:"operations"`
	}{wire: wire(m), Operations: ops})
}

// Validate checks that the fields required by the message type are present.
func (m Message) Validate() error {
	if m.Type == "" {
		return &ProtocolError{Field: "type", Err: ErrMissingField}
	}
	if !m.Type.Known() {
		return &ProtocolError{Type: m.Type, Err: ErrUnknownType}
	}

	switch m.Type {
	case TypeBridgeReady:
		return nil
	case TypeEvent:
		if m.StoreKey == "" {
			return &ProtocolError{Type: m.Type, Field: "storeKey", Err: ErrMissingField}
		}
		if len(m.Event) == 0 {
			return &ProtocolError{Type: m.Type, Field: "event", Err: ErrMissingField}
		}
		if _, err := EventType(m.Event); err != nil {
			return &ProtocolError{Type: m.Type, StoreKey: m.StoreKey, Field: "event.type", Err: err}
		}
	case TypeStateInit:
		if m.StoreKey == "" {
			return &ProtocolError{Type: m.Type, Field: "storeKey", Err: ErrMissingField}
		}
		if len(m.Data) == 0 {
			return &ProtocolError{Type: m.Type, StoreKey: m.StoreKey, Field: "data", Err: ErrMissingField}
		}
	case TypeStateUpdate:
		if m.StoreKey == "" {
			return &ProtocolError{Type: m.Type, Field: "storeKey", Err: ErrMissingField}
		}
		if m.Operations == nil {
			return &ProtocolError{Type: m.Type, StoreKey: m.StoreKey, Field: "operations", Err: ErrMissingField}
		}
		if err := m.Operations.Validate(); err != nil {
			return &ProtocolError{Type: m.Type, StoreKey: m.StoreKey, Field: "operations", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
		}
	}
	return nil
}

// Encode serialises m after validating it.
func Encode(m Message) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return "", &ProtocolError{Type: m.Type, StoreKey: m.StoreKey, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return string(buf), nil
}

// Decode parses and validates a raw message.
func Decode(raw string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Message{}, &ProtocolError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// EventType extracts the "type" discriminator from an encoded event.
func EventType(raw json.RawMessage) (string, error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("%w: event must be an object: %v", ErrMalformed, err)
	}
	if envelope.Type == nil || *envelope.Type == "" {
		return "", ErrMissingField
	}
	return *envelope.Type, nil
}
