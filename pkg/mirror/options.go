package mirror

import (
	"log/slog"

	"github.com/goliatone/go-statebridge/pkg/metrics"
)

// Option configures a Mirror.
type Option func(*config)

type config struct {
	logger       *slog.Logger
	metrics      *metrics.Collector
	autoResync   bool
	supportCheck func() bool
}

func applyOptions(opts []Option) config {
	cfg := config{autoResync: true}
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

// WithLogger sets the logger for dropped messages and desync reports.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithMetrics records mirror traffic on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(cfg *config) {
		cfg.metrics = collector
	}
}

// WithAutoResync controls whether a failed patch makes the mirror send
// BRIDGE_READY to request fresh snapshots. Enabled by default.
func WithAutoResync(enabled bool) Option {
	return func(cfg *config) {
		cfg.autoResync = enabled
	}
}

// WithSupportCheck overrides IsSupported, e.g. to probe for an embedding
// host object.
func WithSupportCheck(check func() bool) Option {
	return func(cfg *config) {
		cfg.supportCheck = check
	}
}
