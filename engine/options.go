package engine

import (
	"go.uber.org/zap"

	"github.com/tabletdb/tabletdb/config"
	"github.com/tabletdb/tabletdb/tablet"
)

type options struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics tablet.MetricsObserver
}

// Option configures engine construction.
type Option func(*options)

// WithConfig overrides the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics observer. Defaults to a no-op observer.
func WithMetrics(m tablet.MetricsObserver) Option {
	return func(o *options) { o.metrics = m }
}
