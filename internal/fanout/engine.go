// Package fanout delivers each upstream event to every session of a topic.
//
// Publish is driven by the topic's upstream adapter goroutine. It takes a
// registry snapshot per event, so a session registered after the snapshot
// never receives that event, and a session removed during delivery only
// turns its push into a no-op. A slow session can lose events or be evicted
// but never delays delivery to the others since pushes do not block.
package fanout

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/timada-org/pikav-relay/internal/bounded"
	"github.com/timada-org/pikav-relay/internal/core"
	"github.com/timada-org/pikav-relay/internal/registry"
)

// Report summarises one Publish call.
type Report struct {
	Sessions int
	// Delivered counts enqueued events, including those that evicted an
	// older queued event.
	Delivered int
	Evictions int
	Dropped   int
	Rejected  int
	Filtered  int
	Unhealthy []string
}

type Options struct {
	Topic    string
	Registry *registry.Registry
	// EvictAfter deregisters a session after that many consecutive failed
	// pushes. Zero disables eviction.
	EvictAfter int
	Logger     logrus.FieldLogger
}

type metrics struct {
	published metric.Int64Counter
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
	evicted   metric.Int64Counter
	attrs     metric.MeasurementOption
}

// Engine must only be driven by one goroutine.
type Engine struct {
	registry   *registry.Registry
	evictAfter int
	logger     logrus.FieldLogger
	strikes    map[string]int
	metrics    metrics
}

func New(options Options) *Engine {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	e := &Engine{
		registry:   options.Registry,
		evictAfter: options.EvictAfter,
		logger:     logger.WithField("topic", options.Topic),
		strikes:    make(map[string]int),
	}

	meter := otel.Meter("pikav-relay/fanout")
	e.metrics.published, _ = meter.Int64Counter("relay.fanout.published",
		metric.WithDescription("Events handed to the fan-out engine"),
		metric.WithUnit("{event}"))
	e.metrics.delivered, _ = meter.Int64Counter("relay.fanout.delivered",
		metric.WithDescription("Events enqueued on session channels"),
		metric.WithUnit("{event}"))
	e.metrics.dropped, _ = meter.Int64Counter("relay.fanout.dropped",
		metric.WithDescription("Events lost to a full session channel"),
		metric.WithUnit("{event}"))
	e.metrics.evicted, _ = meter.Int64Counter("relay.fanout.evicted",
		metric.WithDescription("Sessions deregistered as slow consumers"),
		metric.WithUnit("{session}"))
	e.metrics.attrs = metric.WithAttributes(attribute.String("topic", options.Topic))

	return e
}

func (e *Engine) Publish(ctx context.Context, event *core.Event) Report {
	sessions := e.registry.Sessions()
	report := Report{Sessions: len(sessions)}

	for _, handle := range sessions {
		if !handle.Accepts(event.Name) {
			report.Filtered++
			continue
		}

		result, err := handle.Channel().Push(event)

		switch {
		case errors.Is(err, bounded.ErrClosed):
			delete(e.strikes, handle.ID)

		case errors.Is(err, bounded.ErrChannelFull):
			report.Rejected++
			e.strike(handle, &report)

		case result == bounded.Dropped:
			report.Dropped++
			e.strike(handle, &report)

		case result == bounded.Evicted:
			report.Delivered++
			report.Evictions++
			delete(e.strikes, handle.ID)

		default:
			report.Delivered++
			delete(e.strikes, handle.ID)
		}
	}

	if len(e.strikes) > len(sessions) {
		e.prune(sessions)
	}

	e.metrics.published.Add(ctx, 1, e.metrics.attrs)
	e.metrics.delivered.Add(ctx, int64(report.Delivered), e.metrics.attrs)
	e.metrics.dropped.Add(ctx, int64(report.Dropped+report.Rejected+report.Evictions), e.metrics.attrs)
	e.metrics.evicted.Add(ctx, int64(len(report.Unhealthy)), e.metrics.attrs)

	return report
}

func (e *Engine) strike(handle *registry.Handle, report *Report) {
	e.strikes[handle.ID]++

	if e.evictAfter == 0 || e.strikes[handle.ID] < e.evictAfter {
		return
	}

	delete(e.strikes, handle.ID)

	if e.registry.Deregister(handle.ID, core.ReasonSlowConsumer) {
		report.Unhealthy = append(report.Unhealthy, handle.ID)

		e.logger.WithFields(logrus.Fields{
			"session_id": handle.ID,
			"subject":    handle.Identity.Subject,
			"strikes":    e.evictAfter,
		}).Warn("evicted slow consumer")
	}
}

// prune forgets strikes of sessions that left the registry.
func (e *Engine) prune(sessions []*registry.Handle) {
	live := make(map[string]struct{}, len(sessions))
	for _, handle := range sessions {
		live[handle.ID] = struct{}{}
	}

	for id := range e.strikes {
		if _, ok := live[id]; !ok {
			delete(e.strikes, id)
		}
	}
}
