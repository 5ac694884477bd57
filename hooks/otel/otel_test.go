package otelhooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/unkn0wn-root/querycache"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sum(t *testing.T, a metricdata.Aggregation, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	s, ok := a.(metricdata.Sum[int64])
	require.True(t, ok, "not an int64 sum: %T", a)
	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range s.DataPoints {
		if len(attrs) == 0 || dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestHooks_Counts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	h, err := New(mp.Meter("querycache-test"))
	require.NoError(t, err)

	h.QueryAdded("a")
	h.QueryAdded("b")
	h.QueryRemoved("a", "gc")
	h.FetchRetry("b", 1, errors.New("boom"))
	h.FetchFailed("b", &querycache.ConfigurationError{Hash: "b"})
	h.FetchCancelled("b", true, false)
	h.FetchPaused("b")

	got := collect(t, reader)
	assert.EqualValues(t, 1, sum(t, got["querycache.queries"]))
	assert.EqualValues(t, 2, sum(t, got["querycache.query.added"]))
	assert.EqualValues(t, 1, sum(t, got["querycache.query.removed"], attribute.String("reason", "gc")))
	assert.EqualValues(t, 1, sum(t, got["querycache.fetch.retries"], attribute.String("error.kind", "operation")))
	assert.EqualValues(t, 1, sum(t, got["querycache.fetch.failures"], attribute.String("error.kind", "configuration")))
	assert.EqualValues(t, 1, sum(t, got["querycache.fetch.cancelled"],
		attribute.Bool("revert", true), attribute.Bool("silent", false)))
	assert.EqualValues(t, 1, sum(t, got["querycache.fetch.paused"]))
}

func TestHooks_WiredIntoClient(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	h, err := New(mp.Meter("querycache-test"))
	require.NoError(t, err)

	c := querycache.New(querycache.Options{Hooks: h})
	_, err = c.FetchQuery(context.Background(), querycache.QueryOptions{QueryKey: querycache.QueryKey{"nofn"}})
	require.Error(t, err)
	c.Clear()

	got := collect(t, reader)
	assert.EqualValues(t, 1, sum(t, got["querycache.query.added"]))
	assert.EqualValues(t, 1, sum(t, got["querycache.fetch.failures"], attribute.String("error.kind", "configuration")))
	assert.EqualValues(t, 1, sum(t, got["querycache.query.removed"], attribute.String("reason", "cleared")))
	assert.EqualValues(t, 0, sum(t, got["querycache.queries"]))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "none", errorKind(nil))
	assert.Equal(t, "cancelled", errorKind(&querycache.CancelledError{}))
	assert.Equal(t, "timeout", errorKind(context.DeadlineExceeded))
	assert.Equal(t, "operation", errorKind(errors.New("x")))
}

func TestNew_NoopMeter(t *testing.T) {
	h, err := New(noop.NewMeterProvider().Meter("noop"))
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		h.QueryAdded("a")
		h.FetchFailed("a", errors.New("x"))
	})
}
