// Package activity reports bridge lifecycle changes to audit hooks.
//
// The registry builds one Event per store or view transition and hands it to
// an Emitter, which stamps defaults and fans it out to every Hook.
package activity

import (
	"strings"
	"time"
)

// Event is one audited transition. ObjectType is "store" or "view" and
// ObjectID names the store key or endpoint id it concerns.
type Event struct {
	Verb       string
	ActorID    string
	TenantID   string
	ObjectType string
	ObjectID   string
	StoreKey   string
	EndpointID string
	Channel    string
	Metadata   map[string]any
	OccurredAt time.Time
}

// Complete reports whether the event carries a verb and an object.
func (e Event) Complete() bool {
	return e.Verb != "" && e.ObjectType != "" && e.ObjectID != ""
}

// Normalized returns a trimmed copy that owns its metadata map.
func (e Event) Normalized() Event {
	out := e
	for _, field := range []*string{
		&out.Verb, &out.ActorID, &out.TenantID, &out.ObjectType,
		&out.ObjectID, &out.StoreKey, &out.EndpointID, &out.Channel,
	} {
		*field = strings.TrimSpace(*field)
	}
	out.Metadata = cloneMap(e.Metadata)
	return out
}

// Attrs flattens the event identity and metadata into one map, the shape
// audit sinks store.
func (e Event) Attrs() map[string]any {
	attrs := cloneMap(e.Metadata)
	if e.StoreKey != "" {
		attrs = ensureMap(attrs)
		attrs["store_key"] = e.StoreKey
	}
	if e.EndpointID != "" {
		attrs = ensureMap(attrs)
		attrs["endpoint_id"] = e.EndpointID
	}
	return attrs
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

func ensureMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
