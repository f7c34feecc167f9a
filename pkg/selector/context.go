package selector

import (
	"encoding/json"
	"time"
)

// Context carries the inputs of one evaluation.
//
// Top-level fields of an object snapshot are bound as variables. The names
// snapshot, key, now and args are always bound and shadow snapshot fields of
// the same name.
type Context struct {
	Key      string
	Snapshot any
	Now      *time.Time
	Args     map[string]any
}

func (ctx Context) withDefaults() Context {
	if ctx.Now == nil {
		now := time.Now()
		ctx.Now = &now
	}
	if ctx.Args == nil {
		ctx.Args = map[string]any{}
	}
	ctx.Snapshot = normalizeSnapshot(ctx.Snapshot)
	return ctx
}

func (ctx Context) timestamp() time.Time {
	if ctx.Now == nil {
		return time.Now()
	}
	return *ctx.Now
}

func (ctx Context) keyLabel() string {
	if ctx.Key == "" {
		return "unknown"
	}
	return ctx.Key
}

// fields returns the snapshot's top-level fields, or an empty map when the
// snapshot is not an object.
func (ctx Context) fields() map[string]any {
	if m, ok := ctx.Snapshot.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func (ctx Context) bindings() map[string]any {
	fields := ctx.fields()
	out := make(map[string]any, len(fields)+4)
	for name, value := range fields {
		out[name] = value
	}
	out["snapshot"] = ctx.Snapshot
	out["key"] = ctx.Key
	out["now"] = ctx.timestamp()
	out["args"] = ctx.Args
	return out
}

// normalizeSnapshot turns typed snapshots (structs, typed maps) into their
// JSON shape so every engine sees the same data model as the wire format.
func normalizeSnapshot(snapshot any) any {
	switch snapshot.(type) {
	case nil, map[string]any, []any, string, float64, bool:
		return snapshot
	}
	buf, err := json.Marshal(snapshot)
	if err != nil {
		return snapshot
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return snapshot
	}
	return out
}
