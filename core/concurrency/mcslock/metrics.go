package mcslock

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics exports the registry's outcome counters on the given
// meter. The hot path only touches plain atomics; the meter reads them
// through one observation callback per scrape.
func RegisterMetrics(meter metric.Meter, reg *Registry) error {
	readsAcquired, err := meter.Int64ObservableCounter("kurodb_lock_reads_acquired_total",
		metric.WithDescription("Reader lock acquisitions that succeeded"))
	if err != nil {
		return err
	}
	writesAcquired, err := meter.Int64ObservableCounter("kurodb_lock_writes_acquired_total",
		metric.WithDescription("Writer lock acquisitions that succeeded"))
	if err != nil {
		return err
	}
	readsDenied, err := meter.Int64ObservableCounter("kurodb_lock_reads_denied_total",
		metric.WithDescription("Reader try-acquisitions denied by contention"))
	if err != nil {
		return err
	}
	writesDenied, err := meter.Int64ObservableCounter("kurodb_lock_writes_denied_total",
		metric.WithDescription("Writer try-acquisitions denied by contention"))
	if err != nil {
		return err
	}
	releases, err := meter.Int64ObservableCounter("kurodb_lock_releases_total",
		metric.WithDescription("Lock releases"))
	if err != nil {
		return err
	}
	handoffs, err := meter.Int64ObservableCounter("kurodb_lock_handoffs_total",
		metric.WithDescription("Queue handoffs between waiters"))
	if err != nil {
		return err
	}

	s := reg.Stats()
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(readsAcquired, int64(s.ReadsAcquired.Load()))
		o.ObserveInt64(writesAcquired, int64(s.WritesAcquired.Load()))
		o.ObserveInt64(readsDenied, int64(s.ReadsDenied.Load()))
		o.ObserveInt64(writesDenied, int64(s.WritesDenied.Load()))
		o.ObserveInt64(releases, int64(s.Releases.Load()))
		o.ObserveInt64(handoffs, int64(s.Handoffs.Load()))
		return nil
	}, readsAcquired, writesAcquired, readsDenied, writesDenied, releases, handoffs)
	return err
}
