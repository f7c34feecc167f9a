package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrDecodeEvent wraps failures turning an encoded event into a store event.
var ErrDecodeEvent = errors.New("store: decode event")

// Event is a message a store knows how to interpret. Each store declares its
// own closed set of events (typically a sealed interface satisfied by one
// struct per variant) and a producer that switches over them.
type Event interface {
	EventType() string
}

// Decoder turns an encoded event into a store event.
type Decoder[E Event] func(raw []byte) (E, error)

// RawEvent is an open event: a type discriminator plus arbitrary payload
// fields. It encodes flat, e.g. {"type":"SET","value":42}.
type RawEvent struct {
	Type    string
	Payload map[string]any
}

// NewRawEvent builds a RawEvent with a copy of payload.
func NewRawEvent(eventType string, payload map[string]any) RawEvent {
	out := RawEvent{Type: eventType}
	if len(payload) > 0 {
		out.Payload = make(map[string]any, len(payload))
		for k, v := range payload {
			out.Payload[k] = v
		}
	}
	return out
}

// EventType implements Event.
func (e RawEvent) EventType() string {
	return e.Type
}

// Get returns a payload field.
func (e RawEvent) Get(field string) (any, bool) {
	v, ok := e.Payload[field]
	return v, ok
}

// MarshalJSON flattens the payload next to "type".
func (e RawEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	return json.Marshal(out)
}

// UnmarshalJSON reads "type" and keeps every other field as payload.
func (e *RawEvent) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	eventType, _ := fields["type"].(string)
	if eventType == "" {
		return fmt.Errorf("event is missing a string \"type\" field")
	}
	delete(fields, "type")
	e.Type = eventType
	e.Payload = nil
	if len(fields) > 0 {
		e.Payload = fields
	}
	return nil
}

// Variants maps event type discriminators to constructors of the concrete
// variant. It decodes an encoded event into the matching variant, rejecting
// types the store does not declare.
type Variants[E Event] map[string]func() E

// Types lists the declared discriminators in sorted order.
func (v Variants[E]) Types() []string {
	out := make([]string, 0, len(v))
	for name := range v {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Decode implements Decoder. Constructors should return a pointer variant
// (or a value variant whose fields the JSON decoder can populate through a
// pointer receiver) so the payload lands in the returned event.
func (v Variants[E]) Decode(raw []byte) (E, error) {
	var zero E
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrDecodeEvent, err)
	}
	factory, ok := v[envelope.Type]
	if !ok || factory == nil {
		return zero, fmt.Errorf("%w: unknown event type %q", ErrDecodeEvent, envelope.Type)
	}
	event := factory()
	if err := json.Unmarshal(raw, event); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrDecodeEvent, envelope.Type, err)
	}
	return event, nil
}

func defaultDecode[E Event](raw []byte) (E, error) {
	var event E
	if err := json.Unmarshal(raw, &event); err != nil {
		return event, fmt.Errorf("%w: %v", ErrDecodeEvent, err)
	}
	return event, nil
}
