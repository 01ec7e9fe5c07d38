package exchange

import (
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/trading-arena/internal/observ"
)

// ProviderStatus represents the health state of the exchange API
type ProviderStatus string

const (
	ProviderStatusHealthy  ProviderStatus = "healthy"
	ProviderStatusDegraded ProviderStatus = "degraded"
	ProviderStatusFailed   ProviderStatus = "failed"
)

// ProviderHealth tracks exchange reliability across all endpoints
type ProviderHealth struct {
	mu                sync.RWMutex
	name              string
	clock             clockwork.Clock
	status            ProviderStatus
	lastSuccessful    time.Time
	lastError         time.Time
	errorCount        int64
	successCount      int64
	consecutiveErrors int
	latencyEMA        time.Duration
	logger            *log.Logger

	degradedAfter  int           // consecutive errors before degraded
	failedAfter    int           // consecutive errors before failed
	recoveryWindow time.Duration // quiet period required to leave failed
}

func NewProviderHealth(name string, clock clockwork.Clock, logger *log.Logger) *ProviderHealth {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ProviderHealth{
		name:           name,
		clock:          clock,
		status:         ProviderStatusHealthy,
		degradedAfter:  2,
		failedAfter:    5,
		recoveryWindow: time.Minute,
		logger:         observ.OrDiscard(logger),
	}
}

// RecordSuccess records a successful call
func (ph *ProviderHealth) RecordSuccess(latency time.Duration) {
	ph.mu.Lock()
	defer ph.mu.Unlock()

	now := ph.clock.Now()
	ph.lastSuccessful = now
	ph.successCount++
	ph.consecutiveErrors = 0
	ph.updateLatency(latency)

	if ph.status != ProviderStatusHealthy && now.Sub(ph.lastError) >= ph.recoveryWindow {
		ph.transition(ProviderStatusHealthy)
	} else if ph.status == ProviderStatusFailed {
		// first success after a burst of errors
		ph.transition(ProviderStatusDegraded)
	}
	ph.publish("success")
}

// RecordError records a failed call
func (ph *ProviderHealth) RecordError(err error) {
	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.lastError = ph.clock.Now()
	ph.errorCount++
	ph.consecutiveErrors++

	switch {
	case ph.consecutiveErrors >= ph.failedAfter:
		ph.transition(ProviderStatusFailed)
	case ph.consecutiveErrors >= ph.degradedAfter && ph.status == ProviderStatusHealthy:
		ph.transition(ProviderStatusDegraded)
	}
	ph.publish("error")
	ph.logger.Printf("exchange %s error (consecutive: %d): %v", ph.name, ph.consecutiveErrors, err)
}

// caller holds ph.mu
func (ph *ProviderHealth) transition(to ProviderStatus) {
	if ph.status == to {
		return
	}
	from := ph.status
	ph.status = to
	ph.logger.Printf("exchange %s status changed: %s -> %s (consecutive errors: %d)",
		ph.name, from, to, ph.consecutiveErrors)
	observ.IncCounter("provider_status_change_total", map[string]string{
		"provider": ph.name,
		"from":     string(from),
		"to":       string(to),
	})
}

// caller holds ph.mu
func (ph *ProviderHealth) publish(result string) {
	observ.IncCounter("provider_operations_total", map[string]string{
		"provider": ph.name,
		"result":   result,
	})
	observ.SetGauge("provider_status", ph.statusToFloat(), map[string]string{"provider": ph.name})
}

func (ph *ProviderHealth) Status() ProviderStatus {
	ph.mu.RLock()
	defer ph.mu.RUnlock()
	return ph.status
}

// Snapshot returns current health figures for logging and the health endpoint
func (ph *ProviderHealth) Snapshot() map[string]any {
	ph.mu.RLock()
	defer ph.mu.RUnlock()

	total := ph.successCount + ph.errorCount
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(ph.errorCount) / float64(total)
	}
	return map[string]any{
		"status":             string(ph.status),
		"error_rate":         errorRate,
		"consecutive_errors": ph.consecutiveErrors,
		"last_successful":    ph.lastSuccessful,
		"last_error":         ph.lastError,
		"latency_ema_ms":     ph.latencyEMA.Milliseconds(),
		"success_count":      ph.successCount,
		"error_count":        ph.errorCount,
	}
}

func (ph *ProviderHealth) updateLatency(latency time.Duration) {
	if ph.latencyEMA == 0 {
		ph.latencyEMA = latency
	} else {
		const alpha = 0.1
		ph.latencyEMA = time.Duration(float64(ph.latencyEMA)*(1-alpha) + float64(latency)*alpha)
	}
	observ.RecordDuration("provider_latency", latency, map[string]string{"provider": ph.name})
}

func (ph *ProviderHealth) statusToFloat() float64 {
	switch ph.status {
	case ProviderStatusHealthy:
		return 1.0
	case ProviderStatusDegraded:
		return 0.5
	default:
		return 0.0
	}
}
