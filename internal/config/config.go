// Package config handles configuration loading, saving, and schema definition.
package config

import "fmt"

// Config is the top-level agentbus configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Store   StoreConfig   `json:"store"`
	Gateway GatewayConfig `json:"gateway"`
	Health  HealthConfig  `json:"health"`
	Queue   QueueConfig   `json:"queue"`
}

// StoreConfig holds coordination store (Redis) connection settings.
type StoreConfig struct {
	URL      string `json:"url"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// GatewayConfig holds the HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	Port   int    `json:"port"`
	APIKey string `json:"apiKey,omitempty"`
}

// HealthConfig holds probe thresholds and cadence.
type HealthConfig struct {
	IntervalSec     int `json:"intervalSec"`     // background probe cadence
	HealthyBelowMs  int `json:"healthyBelowMs"`  // latency below this → healthy
	DegradedBelowMs int `json:"degradedBelowMs"` // below this → degraded, above → unhealthy
	WindowSize      int `json:"windowSize"`      // rolling latency samples kept
}

// QueueConfig holds the processing-lease sweep settings.
// Lease 0 disables the sweep; unacked in-flight entries are then never
// requeued.
type QueueConfig struct {
	LeaseSec         int `json:"leaseSec"`
	SweepIntervalSec int `json:"sweepIntervalSec"`
}

// Validate checks cross-field constraints the schema cannot express.
func (c Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Health.HealthyBelowMs >= c.Health.DegradedBelowMs {
		return fmt.Errorf("health.healthyBelowMs (%d) must be below health.degradedBelowMs (%d)",
			c.Health.HealthyBelowMs, c.Health.DegradedBelowMs)
	}
	if c.Health.WindowSize <= 0 {
		return fmt.Errorf("health.windowSize must be positive, got %d", c.Health.WindowSize)
	}
	if c.Health.IntervalSec <= 0 {
		return fmt.Errorf("health.intervalSec must be positive, got %d", c.Health.IntervalSec)
	}
	if c.Queue.LeaseSec < 0 {
		return fmt.Errorf("queue.leaseSec must not be negative, got %d", c.Queue.LeaseSec)
	}
	if c.Queue.LeaseSec > 0 && c.Queue.SweepIntervalSec <= 0 {
		return fmt.Errorf("queue.sweepIntervalSec must be positive when a lease is set, got %d",
			c.Queue.SweepIntervalSec)
	}
	return nil
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			URL: "redis://127.0.0.1:6379",
		},
		Gateway: GatewayConfig{
			Port: 18890,
		},
		Health: HealthConfig{
			IntervalSec:     30,
			HealthyBelowMs:  100,
			DegradedBelowMs: 500,
			WindowSize:      100,
		},
		Queue: QueueConfig{
			LeaseSec:         300,
			SweepIntervalSec: 60,
		},
	}
}
