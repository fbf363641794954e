package locks

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const instrumentationName = "pkt.systems/locklease/locks"

type lockMetrics struct {
	acquires      metric.Int64Counter
	acquireWait   metric.Int64Histogram
	releases      metric.Int64Counter
	recallCommits metric.Int64Counter
	flushRetries  metric.Int64Counter
	sweeps        metric.Int64Counter
	collected     metric.Int64Counter
	live          metric.Int64ObservableGauge
	registration  metric.Registration
}

func newLockMetrics(logger pslog.Logger, live func() int64) *lockMetrics {
	meter := otel.Meter(instrumentationName)
	m := &lockMetrics{}
	var err error

	m.acquires, err = meter.Int64Counter(
		"locklease.acquire",
		metric.WithDescription("Lock acquisitions by outcome"),
	)
	logMetricInitError(logger, "locklease.acquire", err)

	m.acquireWait, err = meter.Int64Histogram(
		"locklease.acquire.wait_ms",
		metric.WithDescription("Time spent queued before an acquisition resolved"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "locklease.acquire.wait_ms", err)

	m.releases, err = meter.Int64Counter(
		"locklease.release",
		metric.WithDescription("Lock releases by path"),
	)
	logMetricInitError(logger, "locklease.release", err)

	m.recallCommits, err = meter.Int64Counter(
		"locklease.recall.commit",
		metric.WithDescription("Recall commits sent to the authority"),
	)
	logMetricInitError(logger, "locklease.recall.commit", err)

	m.flushRetries, err = meter.Int64Counter(
		"locklease.flush.retry",
		metric.WithDescription("Flushes retried because the lease moved during the flush"),
	)
	logMetricInitError(logger, "locklease.flush.retry", err)

	m.sweeps, err = meter.Int64Counter(
		"locklease.gc.sweep",
		metric.WithDescription("Idle lock sweeps"),
	)
	logMetricInitError(logger, "locklease.gc.sweep", err)

	m.collected, err = meter.Int64Counter(
		"locklease.gc.collected",
		metric.WithDescription("Idle locks collected"),
	)
	logMetricInitError(logger, "locklease.gc.collected", err)

	if live != nil {
		m.live, err = meter.Int64ObservableGauge(
			"locklease.locks.live",
			metric.WithDescription("Lock coordinators currently tracked"),
		)
		logMetricInitError(logger, "locklease.locks.live", err)
		if err == nil && m.live != nil {
			m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
				o.ObserveInt64(m.live, live())
				return nil
			}, m.live)
			logMetricInitError(logger, "locklease.locks.live", err)
		}
	}
	return m
}

func (m *lockMetrics) recordAcquire(ctx context.Context, outcome string, level LockLevel, queued time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("locklease.acquire.outcome", outcome),
		attribute.String("locklease.level", level.String()),
	)
	if m.acquires != nil {
		m.acquires.Add(ctx, 1, attrs)
	}
	if m.acquireWait != nil && queued > 0 {
		m.acquireWait.Record(ctx, queued.Milliseconds(), attrs)
	}
}

func (m *lockMetrics) recordRelease(path string) {
	if m == nil || m.releases == nil {
		return
	}
	m.releases.Add(context.Background(), 1, metric.WithAttributes(attribute.String("locklease.release.path", path)))
}

func (m *lockMetrics) recordRecallCommit(post Greediness, batch bool) {
	if m == nil || m.recallCommits == nil {
		return
	}
	m.recallCommits.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("locklease.greediness", post.String()),
		attribute.Bool("locklease.recall.batch", batch),
	))
}

func (m *lockMetrics) recordFlushRetry(site string) {
	if m == nil || m.flushRetries == nil {
		return
	}
	m.flushRetries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("locklease.flush.site", site)))
}

func (m *lockMetrics) recordSweep(ctx context.Context, collected int) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.sweeps != nil {
		m.sweeps.Add(ctx, 1)
	}
	if m.collected != nil && collected > 0 {
		m.collected.Add(ctx, int64(collected))
	}
}

func (m *lockMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
