package engine

import (
	"time"

	"github.com/hperssn/modtrack/internal/broadcast"
	"github.com/hperssn/modtrack/internal/clock"
	"github.com/hperssn/modtrack/internal/logging"
	"github.com/hperssn/modtrack/internal/metrics"
)

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets where committed changes are broadcast.
func WithPublisher(p broadcast.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLocation sets the time zone that decides which calendar day "today" is.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}
