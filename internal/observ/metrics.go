package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

// histograms keep at most this many samples per series
const maxSamples = 1024

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		counters: map[string]map[string]int64{},
		gauges:   map[string]map[string]float64{},
		hist:     map[string]map[string][]float64{},
	}
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += int64(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	samples := append(m[k], value)
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}
	m[k] = samples
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// CounterValue returns the current value of one labelled counter series.
func CounterValue(name string, labels map[string]string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.counters[name][canonLabels(labels)]
}

// CounterTotal sums a counter across all label sets.
func CounterTotal(name string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return sumCounter(name)
}

func GaugeValue(name string, labels map[string]string) (float64, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	v, ok := reg.gauges[name][canonLabels(labels)]
	return v, ok
}

// Reset clears every metric. Tests use it to isolate assertions.
func Reset() {
	fresh := newRegistry()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.counters = fresh.counters
	reg.gauges = fresh.gauges
	reg.hist = fresh.hist
}

func sumCounter(name string) int64 {
	var total int64
	for _, v := range reg.counters[name] {
		total += v
	}
	return total
}

// Basic JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus is the body served by HealthHandler
type HealthStatus struct {
	Status    string        `json:"status"`    // "healthy", "degraded", "failed"
	Timestamp string        `json:"timestamp"` // ISO 8601
	Uptime    string        `json:"uptime"`
	Version   string        `json:"version"`
	Metrics   HealthMetrics `json:"metrics"`
}

// HealthMetrics summarizes the loops and caches of this process
type HealthMetrics struct {
	SweepRuns          int64   `json:"sweep_runs"`
	TenantJobsOK       int64   `json:"tenant_jobs_succeeded"`
	TenantJobsFailed   int64   `json:"tenant_jobs_failed"`
	TenantJobFailRate  float64 `json:"tenant_job_fail_rate"`
	SamplerTicks       int64   `json:"sampler_ticks"`
	SamplesFailed      int64   `json:"samples_failed"`
	CacheRefreshOK     int64   `json:"cache_refresh_succeeded"`
	CacheRefreshFailed int64   `json:"cache_refresh_failed"`
	CacheHitRate       float64 `json:"cache_hit_rate"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler reports process health derived from recorded metrics.
// Degraded answers 206 and failed answers 503 so probes can tell them apart.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		m := healthMetrics()
		reg.mu.Unlock()

		health := HealthStatus{
			Status:    healthStatus(m),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Metrics:   m,
		}

		statusCode := http.StatusOK
		switch health.Status {
		case "degraded":
			statusCode = http.StatusPartialContent
		case "failed":
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// caller holds reg.mu
func healthMetrics() HealthMetrics {
	m := HealthMetrics{
		SweepRuns:     sumCounter("sweep_runs_total"),
		SamplerTicks:  sumCounter("sampler_ticks_total"),
		SamplesFailed: reg.counters["sampler_samples_total"][canonLabels(map[string]string{"result": "error"})],
	}
	for k, v := range reg.counters["sweep_tenant_jobs_total"] {
		switch k {
		case "result=succeeded":
			m.TenantJobsOK += v
		case "result=failed":
			m.TenantJobsFailed += v
		}
	}
	if total := m.TenantJobsOK + m.TenantJobsFailed; total > 0 {
		m.TenantJobFailRate = float64(m.TenantJobsFailed) / float64(total)
	}

	var hits, lookups int64
	for k, v := range reg.counters["cache_requests_total"] {
		lookups += v
		if strings.Contains(k, "outcome=hit") || strings.Contains(k, "outcome=stale") {
			hits += v
		}
	}
	if lookups > 0 {
		m.CacheHitRate = float64(hits) / float64(lookups)
	}
	for k, v := range reg.counters["cache_refresh_total"] {
		if strings.Contains(k, "result=ok") {
			m.CacheRefreshOK += v
		} else {
			m.CacheRefreshFailed += v
		}
	}
	return m
}

func healthStatus(m HealthMetrics) string {
	// every job failing means the agent side is down, not just noisy
	if m.TenantJobsFailed > 0 && m.TenantJobsOK == 0 {
		return "failed"
	}
	if m.TenantJobFailRate > 0.25 {
		return "degraded"
	}
	if m.CacheRefreshFailed > 0 && m.CacheRefreshOK == 0 {
		return "degraded"
	}
	return "healthy"
}

// Simple liveness handler
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
