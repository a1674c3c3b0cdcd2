package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/log"
)

// Monitor polls a checker on a fixed interval and reports up/down
// transitions through callbacks. Callbacks run on the polling
// goroutine, outside the monitor's lock.
type Monitor struct {
	checker Checker
	config  Config
	logger  zerolog.Logger

	onUp   func()
	onDown func()

	mu      sync.Mutex
	status  *Status
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewMonitor builds a monitor around checker. Zero config fields fall
// back to DefaultConfig.
func NewMonitor(checker Checker, config Config) *Monitor {
	return &Monitor{
		checker: checker,
		config:  config.withDefaults(),
		status:  NewStatus(),
		logger:  log.WithComponent("health"),
	}
}

// OnUp registers fn to run when the target transitions to reachable.
// Register before Start.
func (m *Monitor) OnUp(fn func()) {
	m.onUp = fn
}

// OnDown registers fn to run when the target transitions to
// unreachable. Register before Start.
func (m *Monitor) OnDown(fn func()) {
	m.onDown = fn
}

// Start begins polling in the background. Starting twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.loop()
	m.logger.Debug().Dur("interval", m.config.Interval).Msg("health monitor started")
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()
	<-m.doneCh
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckNow(context.Background())
		}
	}
}

// CheckNow runs one probe immediately and folds it into the status,
// firing a transition callback when the verdict flips.
func (m *Monitor) CheckNow(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()
	result := m.checker.Check(ctx)

	m.mu.Lock()
	wasHealthy := m.status.Healthy
	m.status.Update(result, m.config)
	nowHealthy := m.status.Healthy
	m.mu.Unlock()

	if nowHealthy == wasHealthy {
		return result
	}
	if nowHealthy {
		m.logger.Info().Str("detail", result.Message).Msg("target reachable")
		if m.onUp != nil {
			m.onUp()
		}
	} else {
		m.logger.Warn().Str("detail", result.Message).Msg("target unreachable")
		if m.onDown != nil {
			m.onDown()
		}
	}
	return result
}

// Healthy reports the current verdict.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Healthy
}

// MarkDown forces the verdict down so the next successful probe fires
// the up transition. Callers use it when they learn about a failure
// out of band, ahead of the polling cadence.
func (m *Monitor) MarkDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Healthy = false
	m.status.ConsecutiveSuccesses = 0
}

// MarkUp is the out-of-band counterpart of MarkDown.
func (m *Monitor) MarkUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Healthy = true
	m.status.ConsecutiveFailures = 0
}
