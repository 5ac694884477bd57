// Package otelhooks records query events as OpenTelemetry metrics.
//
// Query hashes are not recorded; they are unbounded and would explode
// cardinality. Counters carry low-cardinality attributes only.
package otelhooks

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unkn0wn-root/querycache"
)

type Hooks struct {
	queries   metric.Int64UpDownCounter
	added     metric.Int64Counter
	removed   metric.Int64Counter
	retries   metric.Int64Counter
	failures  metric.Int64Counter
	cancelled metric.Int64Counter
	paused    metric.Int64Counter
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(meter metric.Meter) (*Hooks, error) {
	var (
		h   Hooks
		err error
	)
	if h.queries, err = meter.Int64UpDownCounter("querycache.queries",
		metric.WithDescription("Queries currently held in the cache"),
		metric.WithUnit("{query}"),
	); err != nil {
		return nil, fmt.Errorf("otelhooks: queries gauge: %w", err)
	}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&h.added, "querycache.query.added", "Queries registered in the cache"},
		{&h.removed, "querycache.query.removed", "Queries removed from the cache"},
		{&h.retries, "querycache.fetch.retries", "Failed fetch attempts that were retried"},
		{&h.failures, "querycache.fetch.failures", "Fetches that settled with a terminal error"},
		{&h.cancelled, "querycache.fetch.cancelled", "Fetches that were cancelled"},
		{&h.paused, "querycache.fetch.paused", "Fetches deferred while offline"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("otelhooks: %s: %w", c.name, err)
		}
	}
	return &h, nil
}

// errorKind buckets errors into a fixed set.
func errorKind(err error) string {
	var ce *querycache.ConfigurationError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &ce):
		return "configuration"
	case querycache.IsCancelledError(err):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "operation"
	}
}

// Hooks run inside the client's turn with no request context.
var bg = context.Background()

func (h *Hooks) QueryAdded(string) {
	h.queries.Add(bg, 1)
	h.added.Add(bg, 1)
}

func (h *Hooks) QueryRemoved(_ string, reason string) {
	h.queries.Add(bg, -1)
	h.removed.Add(bg, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (h *Hooks) FetchRetry(_ string, _ int, err error) {
	h.retries.Add(bg, 1, metric.WithAttributes(attribute.String("error.kind", errorKind(err))))
}

func (h *Hooks) FetchFailed(_ string, err error) {
	h.failures.Add(bg, 1, metric.WithAttributes(attribute.String("error.kind", errorKind(err))))
}

func (h *Hooks) FetchCancelled(_ string, revert, silent bool) {
	h.cancelled.Add(bg, 1, metric.WithAttributes(
		attribute.Bool("revert", revert),
		attribute.Bool("silent", silent),
	))
}

func (h *Hooks) FetchPaused(string) { h.paused.Add(bg, 1) }
