package locks

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/locklease/internal/clock"
	"pkt.systems/locklease/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultSweepInterval is how often Manager.Run sweeps idle locks.
const DefaultSweepInterval = 30 * time.Second

type options struct {
	logger        pslog.Logger
	clock         clock.Clock
	sweepInterval time.Duration
	metrics       *lockMetrics
	tracer        trace.Tracer
}

// Option customises a Manager or a standalone ClientLock.
type Option func(*options)

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithSweepInterval sets the idle sweep period used by Manager.Run.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = d
	}
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.logger = loggingutil.EnsureLogger(o.logger)
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.sweepInterval <= 0 {
		o.sweepInterval = DefaultSweepInterval
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	return o
}
