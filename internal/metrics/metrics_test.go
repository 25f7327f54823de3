package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantauth/internal/metrics"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.Refresh(metrics.RefreshRenewed)
		m.Exchange()
		m.StoreError("put")
		m.Request("ok")
		m.CacheLookup(true)
		m.Sessions(3)
	})
}

func TestMetrics_Registered(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.Refresh(metrics.RefreshRenewed)
	m.Refresh(metrics.RefreshRenewed)
	m.Exchange()
	m.Sessions(2)

	count, err := testutil.GatherAndCount(reg, "tenantauth_token_resolutions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(reg, "tenantauth_refresh_exchanges_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.SessionsGauge()), 0)
}
