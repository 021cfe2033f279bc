package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all ticket store metric instruments.
type Metrics struct {
	TicketsCreated      metric.Int64Counter
	TicketsCompleted    metric.Int64Counter
	DuplicatesRefused   metric.Int64Counter
	ThrottleRejects     metric.Int64Counter
	DispatchDuration    metric.Float64Histogram
	LockContention      metric.Int64Counter
	LeaseTakeovers      metric.Int64Counter
	ActiveLeases        metric.Int64UpDownCounter
	QueueDepth          metric.Int64UpDownCounter
	FallbackDepth       metric.Int64UpDownCounter
	MaintenanceDuration metric.Float64Histogram
	IntegrityFindings   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TicketsCreated, err = meter.Int64Counter("actifix.tickets.created",
		metric.WithDescription("Tickets inserted into the store"),
	)
	if err != nil {
		return nil, err
	}

	m.TicketsCompleted, err = meter.Int64Counter("actifix.tickets.completed",
		metric.WithDescription("Tickets completed with verified evidence"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicatesRefused, err = meter.Int64Counter("actifix.tickets.duplicates",
		metric.WithDescription("Submissions collapsed onto an existing guard"),
	)
	if err != nil {
		return nil, err
	}

	m.ThrottleRejects, err = meter.Int64Counter("actifix.tickets.throttled",
		metric.WithDescription("Submissions refused by the creation brake"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("actifix.dispatch.duration",
		metric.WithDescription("Dispatch transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LockContention, err = meter.Int64Counter("actifix.lock.contentions",
		metric.WithDescription("Lock acquisitions refused because the lease was held"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseTakeovers, err = meter.Int64Counter("actifix.lock.takeovers",
		metric.WithDescription("Expired leases taken over by another worker"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLeases, err = meter.Int64UpDownCounter("actifix.lock.active",
		metric.WithDescription("Currently held leases"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("actifix.queue.depth",
		metric.WithDescription("Open tickets awaiting dispatch"),
	)
	if err != nil {
		return nil, err
	}

	m.FallbackDepth, err = meter.Int64UpDownCounter("actifix.fallback.pending",
		metric.WithDescription("Fallback entries awaiting replay"),
	)
	if err != nil {
		return nil, err
	}

	m.MaintenanceDuration, err = meter.Float64Histogram("actifix.maintenance.duration",
		metric.WithDescription("Maintenance job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IntegrityFindings, err = meter.Int64Counter("actifix.integrity.findings",
		metric.WithDescription("Findings reported by scheduled integrity checks"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
