package health

import (
	"context"
	"time"
)

// Result is the outcome of a single probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one target once per call.
type Checker interface {
	Check(ctx context.Context) Result
}

// Config controls probe cadence and the failure threshold.
type Config struct {
	// Interval is the time between probes.
	Interval time.Duration

	// Timeout is the maximum time to wait for one probe.
	Timeout time.Duration

	// Retries is the number of consecutive failures before the target
	// is considered down.
	Retries int
}

// DefaultConfig returns the standard cadence: probe every 30 seconds,
// give up on a probe after 10, declare down after 3 straight failures.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Retries <= 0 {
		c.Retries = def.Retries
	}
	return c
}

// Status accumulates probe results into an up/down verdict. A single
// success marks the target up; it takes Retries consecutive failures
// to mark it down.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

// NewStatus assumes the target is up until probes say otherwise.
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds one probe result into the status.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}
