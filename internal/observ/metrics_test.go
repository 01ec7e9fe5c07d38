package observ

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonLabelsIsOrderIndependent(t *testing.T) {
	a := canonLabels(map[string]string{"key": "performance", "outcome": "hit"})
	b := canonLabels(map[string]string{"outcome": "hit", "key": "performance"})
	assert.Equal(t, a, b)
	assert.Equal(t, "key=performance,outcome=hit", a)
	assert.Equal(t, "", canonLabels(nil))
}

func TestCountersAndGauges(t *testing.T) {
	Reset()
	IncCounter("cache_requests_total", map[string]string{"key": "a", "outcome": "hit"})
	IncCounter("cache_requests_total", map[string]string{"outcome": "hit", "key": "a"})
	IncCounterBy("cache_requests_total", map[string]string{"key": "b", "outcome": "miss"}, 3)

	assert.EqualValues(t, 2, CounterValue("cache_requests_total", map[string]string{"key": "a", "outcome": "hit"}))
	assert.EqualValues(t, 5, CounterTotal("cache_requests_total"))
	assert.EqualValues(t, 0, CounterTotal("missing"))

	SetGauge("sweep_tenants", 4, nil)
	v, ok := GaugeValue("sweep_tenants", nil)
	require.True(t, ok)
	assert.Equal(t, 4.0, v)
}

func TestObserveCapsSamples(t *testing.T) {
	Reset()
	for i := 0; i < maxSamples+10; i++ {
		RecordDuration("cache_refresh", time.Duration(i)*time.Millisecond, nil)
	}
	reg.mu.Lock()
	samples := reg.hist["cache_refresh_ms"][""]
	reg.mu.Unlock()
	require.Len(t, samples, maxSamples)
	assert.Equal(t, float64(maxSamples+9), samples[len(samples)-1])
}

func TestHealthStatus(t *testing.T) {
	cases := []struct {
		name string
		m    HealthMetrics
		want string
	}{
		{"idle", HealthMetrics{}, "healthy"},
		{"all jobs failing", HealthMetrics{TenantJobsFailed: 3}, "failed"},
		{"noisy jobs", HealthMetrics{TenantJobsOK: 2, TenantJobsFailed: 1, TenantJobFailRate: 1.0 / 3}, "degraded"},
		{"occasional failure", HealthMetrics{TenantJobsOK: 9, TenantJobsFailed: 1, TenantJobFailRate: 0.1}, "healthy"},
		{"cache never refreshed", HealthMetrics{CacheRefreshFailed: 2}, "degraded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, healthStatus(tc.m))
		})
	}
}

func TestHealthHandlerReportsDegraded(t *testing.T) {
	Reset()
	IncCounter("sweep_tenant_jobs_total", map[string]string{"result": "succeeded"})
	IncCounter("sweep_tenant_jobs_total", map[string]string{"result": "failed"})
	IncCounter("cache_requests_total", map[string]string{"key": "k", "outcome": "stale"})
	IncCounter("cache_requests_total", map[string]string{"key": "k", "outcome": "miss"})

	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusPartialContent, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.InDelta(t, 0.5, body.Metrics.TenantJobFailRate, 1e-9)
	assert.InDelta(t, 0.5, body.Metrics.CacheHitRate, 1e-9)
}

func TestMetricsHandlerDumpsJSON(t *testing.T) {
	Reset()
	IncCounter("sweep_runs_total", nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Counters map[string]map[string]int64 `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body.Counters["sweep_runs_total"][""])
}
