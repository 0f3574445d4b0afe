package delivery

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-binding/internal/metrics"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

func TestGuard(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("Second completion is dropped and counted", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		var results []push.FetchResult
		g := &guard{c: FetchCompletion(func(r push.FetchResult) { results = append(results, r) }), eventID: "e1", context: "background", metrics: m, logger: logger}

		g.fire(outcome{fetch: push.FetchNewData})
		g.fire(outcome{fetch: push.FetchFailed})

		assert.Equal(t, []push.FetchResult{push.FetchNewData}, results)
		assert.Equal(t, 1.0, counterValue(t, reg, "push_delivery_duplicate_completions_total"))
		assert.False(t, g.ensure(outcome{fetch: push.FetchNoData}), "fallback is a no-op once completed")
	})

	t.Run("Panicking completion callback does not escape", func(t *testing.T) {
		g := &guard{c: ResponseCompletion(func() { panic("host callback") }), eventID: "e2", context: "user_tapped", logger: logger}
		assert.NotPanics(t, func() { g.fire(outcome{}) })
	})
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
