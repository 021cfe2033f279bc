package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/gmanldn/actifix/internal/bus"
)

// WatchBus feeds ticket lifecycle events into the metric instruments.
// It returns after wiring the subscription; the pump goroutine exits
// when ctx is cancelled.
func WatchBus(ctx context.Context, events *bus.Bus, m *Metrics) {
	sub := events.Subscribe("")
	go func() {
		defer events.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				record(ctx, m, ev)
			}
		}
	}()
}

func record(ctx context.Context, m *Metrics, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicTicketCreated:
		if e, ok := ev.Payload.(bus.TicketEvent); ok {
			m.TicketsCreated.Add(ctx, 1, metric.WithAttributes(AttrPriority.Int(e.Priority)))
		} else {
			m.TicketsCreated.Add(ctx, 1)
		}
		m.QueueDepth.Add(ctx, 1)
	case bus.TopicTicketDuplicate:
		m.DuplicatesRefused.Add(ctx, 1)
	case bus.TopicTicketThrottled:
		m.ThrottleRejects.Add(ctx, 1)
	case bus.TopicTicketCompleted:
		m.TicketsCompleted.Add(ctx, 1)
		m.QueueDepth.Add(ctx, -1)
	case bus.TopicTicketDeleted:
		m.QueueDepth.Add(ctx, -1)
	case bus.TopicTicketRecovered:
		m.QueueDepth.Add(ctx, 1)
	case bus.TopicTicketDispatched:
		if e, ok := ev.Payload.(bus.DispatchEvent); ok {
			m.DispatchDuration.Record(ctx, e.Seconds,
				metric.WithAttributes(AttrHolder.String(e.Holder)))
		}
	case bus.TopicLockAcquired:
		m.ActiveLeases.Add(ctx, 1)
	case bus.TopicLockContended:
		m.LockContention.Add(ctx, 1)
	case bus.TopicLockStolen:
		// The previous lease lapsed and a new one replaced it; the
		// active count is unchanged.
		if e, ok := ev.Payload.(bus.LockEvent); ok {
			m.LeaseTakeovers.Add(ctx, 1, metric.WithAttributes(
				AttrHolder.String(e.Holder), AttrPrevHolder.String(e.PrevHolder)))
		} else {
			m.LeaseTakeovers.Add(ctx, 1)
		}
	case bus.TopicLockReleased:
		m.ActiveLeases.Add(ctx, -1)
	case bus.TopicFallbackCaptured:
		m.FallbackDepth.Add(ctx, 1)
	case bus.TopicFallbackReplayed:
		m.FallbackDepth.Add(ctx, -1)
	case bus.TopicMaintenanceJobRun:
		if e, ok := ev.Payload.(bus.MaintenanceEvent); ok {
			m.MaintenanceDuration.Record(ctx, e.Seconds,
				metric.WithAttributes(AttrJob.String(e.Job)))
		}
	case bus.TopicIntegrityReport:
		if e, ok := ev.Payload.(bus.IntegrityEvent); ok && e.Findings > 0 {
			m.IntegrityFindings.Add(ctx, int64(e.Findings))
		}
	}
}
