package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dayuer/agentbus/internal/store"
)

// HealthStatus classifies the coordination store's availability.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"   // reachable and fast
	StatusDegraded  HealthStatus = "degraded"  // reachable but slow
	StatusUnhealthy HealthStatus = "unhealthy" // unreachable or erroring
)

// CheckResult is one health probe outcome.
type CheckResult struct {
	Status    HealthStatus `json:"status"`
	LatencyMS float64      `json:"latency_ms"`
	Timestamp time.Time    `json:"timestamp"`
}

// PingResult is the lightweight probe variant for diagnostic display.
type PingResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message"`
}

// LatencyStats summarizes the rolling window of recent probe latencies.
type LatencyStats struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// HealthOptions configures classification thresholds and the stats window.
type HealthOptions struct {
	HealthyBelow  time.Duration // latency below this → healthy (default 100ms)
	DegradedBelow time.Duration // below this → degraded, above → unhealthy (default 500ms)
	WindowSize    int           // rolling latency samples kept (default 100)
}

// HealthChecker probes the coordination store, classifies its health, and
// keeps rolling latency statistics over a bounded window. History beyond the
// window is not persisted.
type HealthChecker struct {
	store         *store.Store
	healthyBelow  time.Duration
	degradedBelow time.Duration

	mu      sync.Mutex
	samples []float64 // ring buffer of latency ms
	next    int
	filled  bool
}

// NewHealthChecker creates a checker with the given options; zero fields get
// defaults.
func NewHealthChecker(st *store.Store, opts HealthOptions) *HealthChecker {
	if opts.HealthyBelow == 0 {
		opts.HealthyBelow = 100 * time.Millisecond
	}
	if opts.DegradedBelow == 0 {
		opts.DegradedBelow = 500 * time.Millisecond
	}
	if opts.WindowSize == 0 {
		opts.WindowSize = 100
	}
	return &HealthChecker{
		store:         st,
		healthyBelow:  opts.HealthyBelow,
		degradedBelow: opts.DegradedBelow,
		samples:       make([]float64, opts.WindowSize),
	}
}

// Check performs a round-trip probe and classifies the result. Latency is
// always ≥ 0, even when the probe fails.
func (h *HealthChecker) Check(ctx context.Context) CheckResult {
	elapsed, err := h.store.Ping(ctx)
	latencyMS := float64(elapsed.Microseconds()) / 1000.0
	h.record(latencyMS)

	status := StatusHealthy
	switch {
	case err != nil:
		status = StatusUnhealthy
	case elapsed >= h.degradedBelow:
		status = StatusUnhealthy
	case elapsed >= h.healthyBelow:
		status = StatusDegraded
	}

	return CheckResult{
		Status:    status,
		LatencyMS: latencyMS,
		Timestamp: time.Now(),
	}
}

// CheckPing is the lightweight probe whose message names the probe kind.
func (h *HealthChecker) CheckPing(ctx context.Context) PingResult {
	elapsed, err := h.store.Ping(ctx)
	latencyMS := float64(elapsed.Microseconds()) / 1000.0
	h.record(latencyMS)

	if err != nil {
		return PingResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", err),
		}
	}
	return PingResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("PING ok in %.2fms", latencyMS),
	}
}

// LatencyStats returns count/average/min/max over the rolling window. Count
// grows with each probe until the window fills, then plateaus as old samples
// are evicted.
func (h *HealthChecker) LatencyStats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.filled {
		n = len(h.samples)
	}
	if n == 0 {
		return LatencyStats{}
	}

	stats := LatencyStats{Count: n, Min: h.samples[0], Max: h.samples[0]}
	sum := 0.0
	for i := 0; i < n; i++ {
		v := h.samples[i]
		sum += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Average = sum / float64(n)
	return stats
}

// Run probes the store every interval until ctx is cancelled, logging status
// transitions.
func (h *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := HealthStatus("")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := h.Check(ctx)
			if result.Status != last {
				log.Printf("[Health] Store %s → %s (%.2fms)", last, result.Status, result.LatencyMS)
				last = result.Status
			}
		}
	}
}

func (h *HealthChecker) record(latencyMS float64) {
	if latencyMS < 0 {
		latencyMS = 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.next] = latencyMS
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.filled = true
	}
}
