package mirror

import (
	"github.com/goliatone/go-statebridge/internal/hydrate"
)

// DecodeOption adjusts DecodeSnapshot.
type DecodeOption func(*decodeConfig)

type decodeConfig struct {
	strict    bool
	useNumber bool
	allowNull bool
	normalize []func(storeKey string, snapshot any) (any, error)
	validate  []func(storeKey string, value any) error
}

// Strict rejects snapshot fields that T does not declare.
func Strict() DecodeOption {
	return func(cfg *decodeConfig) {
		cfg.strict = true
	}
}

// UseNumber keeps numbers as json.Number when T holds untyped values.
func UseNumber() DecodeOption {
	return func(cfg *decodeConfig) {
		cfg.useNumber = true
	}
}

// AllowNull decodes a null snapshot, as sent by STATE_INIT with data:null,
// into the zero value of T instead of failing.
func AllowNull() DecodeOption {
	return func(cfg *decodeConfig) {
		cfg.allowNull = true
	}
}

// Normalize rewrites a copy of the snapshot before it is decoded. Returning
// nil keeps the input unchanged.
func Normalize(fn func(storeKey string, snapshot any) (any, error)) DecodeOption {
	return func(cfg *decodeConfig) {
		if fn != nil {
			cfg.normalize = append(cfg.normalize, fn)
		}
	}
}

// Validate checks the decoded value; an error fails DecodeSnapshot.
func Validate(fn func(storeKey string, value any) error) DecodeOption {
	return func(cfg *decodeConfig) {
		if fn != nil {
			cfg.validate = append(cfg.validate, fn)
		}
	}
}

// DecodeSnapshot decodes the cached snapshot of s into T.
func DecodeSnapshot[T any](s *Store, opts ...DecodeOption) (T, error) {
	cfg := decodeConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	s.mu.Lock()
	snapshot, revision := s.snapshot, s.revision
	s.mu.Unlock()

	return hydrate.NewDecoder[T](decoderOptions[T](cfg)...).Decode(hydrate.Context{StoreKey: s.key, Revision: revision}, snapshot)
}

func decoderOptions[T any](cfg decodeConfig) []hydrate.DecoderOption[T] {
	out := []hydrate.DecoderOption[T]{}
	if cfg.strict {
		out = append(out, hydrate.WithDisallowUnknownFields[T]())
	}
	if cfg.useNumber {
		out = append(out, hydrate.WithUseNumber[T]())
	}
	if cfg.allowNull {
		out = append(out, hydrate.WithAllowNull[T]())
	}
	for _, fn := range cfg.normalize {
		out = append(out, hydrate.WithPreHook[T](func(ctx hydrate.Context, snapshot any) (any, error) {
			return fn(ctx.StoreKey, snapshot)
		}))
	}
	for _, fn := range cfg.validate {
		out = append(out, hydrate.WithPostHook[T](func(ctx hydrate.Context, value *T) error {
			return fn(ctx.StoreKey, *value)
		}))
	}
	return out
}
