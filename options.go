package bridge

import (
	"log/slog"

	"github.com/goliatone/go-statebridge/pkg/activity"
	"github.com/goliatone/go-statebridge/pkg/metrics"
	"github.com/goliatone/go-statebridge/pkg/patch"
)

// Option configures a Registry.
type Option func(*config)

type config struct {
	logger      *slog.Logger
	metrics     *metrics.Collector
	activity    *activity.Emitter
	hooks       activity.Hooks
	emitterOpts []activity.EmitterOption
	diffOptions []patch.Option
	newID       func() string
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
	if cfg.newID == nil {
		cfg.newID = newEndpointID
	}
	if cfg.activity == nil && len(cfg.hooks) > 0 {
		cfg.activity = activity.NewEmitter(cfg.hooks, cfg.emitterOpts...)
	}
	return cfg
}

// WithLogger sets the logger used for dropped messages and listener failures.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithMetrics records bridge traffic on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(cfg *config) {
		cfg.metrics = collector
	}
}

// WithActivityHooks emits store and view lifecycle events to hooks. Nil
// entries are dropped. Repeated calls add hooks.
func WithActivityHooks(hooks ...activity.Hook) Option {
	return func(cfg *config) {
		cfg.hooks = append(cfg.hooks, hooks...)
	}
}

// WithActivityEmitter emits lifecycle events through a preconfigured emitter.
// It takes precedence over WithActivityHooks and WithActor.
func WithActivityEmitter(emitter *activity.Emitter) Option {
	return func(cfg *config) {
		cfg.activity = emitter
	}
}

// WithActor stamps emitted activity with the acting principal and tenant.
func WithActor(actorID, tenantID string) Option {
	return func(cfg *config) {
		cfg.emitterOpts = append(cfg.emitterOpts, activity.WithActor(actorID, tenantID))
	}
}

// WithDiffOptions tunes the patches computed for STATE_UPDATE broadcasts.
func WithDiffOptions(opts ...patch.Option) Option {
	return func(cfg *config) {
		cfg.diffOptions = append(cfg.diffOptions, opts...)
	}
}

// WithEndpointIDs overrides endpoint id generation.
func WithEndpointIDs(fn func() string) Option {
	return func(cfg *config) {
		cfg.newID = fn
	}
}
