package store

import (
	"log/slog"
	"reflect"
)

// Option configures a Store.
type Option func(*config)

type config struct {
	logger  *slog.Logger
	decoder any
	equal   any
}

func applyOptions(opts []Option) config {
	cfg := config{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

// WithLogger sets the logger used for producer, listener and decode failures.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithDecoder sets how DispatchJSON turns an encoded event into E. The
// decoder's event type must match the store's; a mismatched decoder is
// ignored and logged at construction.
func WithDecoder[E Event](decoder Decoder[E]) Option {
	return func(cfg *config) {
		if decoder != nil {
			cfg.decoder = decoder
		}
	}
}

// WithVariants is WithDecoder for a Variants table.
func WithVariants[E Event](variants Variants[E]) Option {
	return WithDecoder(Decoder[E](variants.Decode))
}

// WithEqual overrides the structural equality used to decide whether a
// mutation changed the snapshot. The default is reflect.DeepEqual.
func WithEqual[S any](equal func(a, b S) bool) Option {
	return func(cfg *config) {
		if equal != nil {
			cfg.equal = equal
		}
	}
}

func resolveDecoder[E Event](cfg config) (Decoder[E], bool) {
	if cfg.decoder == nil {
		return defaultDecode[E], true
	}
	if decoder, ok := cfg.decoder.(Decoder[E]); ok {
		return decoder, true
	}
	return defaultDecode[E], false
}

func resolveEqual[S any](cfg config) (func(a, b S) bool, bool) {
	if cfg.equal == nil {
		return func(a, b S) bool { return reflect.DeepEqual(a, b) }, true
	}
	if equal, ok := cfg.equal.(func(a, b S) bool); ok {
		return equal, true
	}
	return func(a, b S) bool { return reflect.DeepEqual(a, b) }, false
}
