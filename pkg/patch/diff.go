// Package patch computes and applies structural JSON patches between snapshot
// values.
//
// Diff produces an RFC 6902 operation list through github.com/wI2L/jsondiff
// and Apply replays it through github.com/evanphx/json-patch/v5. Both sides
// operate on the JSON representation of a value, so any JSON-serialisable Go
// value (structs, maps, slices, nil) can be compared. The round-trip contract
// is:
//
//	next, _ := patch.Apply(before, patch.Diff(before, after))
//	patch.Equal(next, after) == true
package patch

import (
	"encoding/json"
	"fmt"

	"github.com/wI2L/jsondiff"
)

// Option configures Diff.
type Option func(*diffConfig)

type diffConfig struct {
	factorize   bool
	rationalize bool
}

// WithFactorize lets Diff emit move/copy operations when a value is relocated
// or duplicated instead of remove+add pairs.
func WithFactorize() Option {
	return func(cfg *diffConfig) {
		cfg.factorize = true
	}
}

// WithRationalize replaces a set of operations on an object with a single
// replace of that object when the replacement is smaller once serialised.
func WithRationalize() Option {
	return func(cfg *diffConfig) {
		cfg.rationalize = true
	}
}

func (cfg diffConfig) jsondiffOptions() []jsondiff.Option {
	var out []jsondiff.Option
	if cfg.factorize {
		out = append(out, jsondiff.Factorize())
	}
	if cfg.rationalize {
		out = append(out, jsondiff.Rationalize())
	}
	return out
}

// Diff returns the operations that transform before into after. Deep-equal
// inputs produce an empty (nil) patch.
func Diff(before, after any, opts ...Option) (Patch, error) {
	cfg := diffConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	raw, err := jsondiff.Compare(before, after, cfg.jsondiffOptions()...)
	if err != nil {
		return nil, fmt.Errorf("patch: diff: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("patch: encode diff: %w", err)
	}
	var out Patch
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("patch: decode diff: %w", err)
	}
	return out, nil
}
