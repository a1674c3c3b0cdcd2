package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/agent"
	"github.com/apiary-io/apiary/pkg/changelog"
	"github.com/apiary-io/apiary/pkg/governor"
	"github.com/apiary-io/apiary/pkg/lease"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/offline"
	"github.com/apiary-io/apiary/pkg/task"
	"github.com/apiary-io/apiary/pkg/types"
)

// DefaultInterval is how often the collector refreshes the gauges.
const DefaultInterval = 15 * time.Second

// MessageSource is the slice of the bus the collector reads. Declared
// here so the bus can increment counters without an import loop.
type MessageSource interface {
	Unacknowledged(ctx context.Context) ([]*types.Message, error)
}

// Sources are the plane handles the collector polls. Nil sources are
// skipped, so a plane without a queue or governor still collects the
// rest.
type Sources struct {
	Tasks    *task.Registry
	Agents   *agent.Registry
	Leases   *lease.Manager
	Changes  *changelog.Log
	Queue    *offline.Queue
	Bus      MessageSource
	Governor *governor.Governor
}

// Collector refreshes the state gauges from the registries on a fixed
// interval. Flow counters (claims, messages, sync) are incremented at
// their call sites and need no polling.
type Collector struct {
	src      Sources
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCollector builds a collector polling at the given interval, or
// DefaultInterval when zero.
func NewCollector(src Sources, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Collector{
		src:      src,
		interval: interval,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting, with one immediate pass.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect(context.Background())
		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection. Call once.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect runs a single refresh of every gauge with a source.
func (c *Collector) Collect(ctx context.Context) {
	c.collectTasks(ctx)
	c.collectAgents(ctx)
	c.collectLeases(ctx)
	c.collectChangelog()
	c.collectQueue(ctx)
	c.collectMessages(ctx)
	c.collectGovernor()
}

var taskStatuses = []types.TaskStatus{
	types.TaskStatusPending,
	types.TaskStatusReady,
	types.TaskStatusClaimed,
	types.TaskStatusInProgress,
	types.TaskStatusPendingRetry,
	types.TaskStatusBlocked,
	types.TaskStatusCompleted,
	types.TaskStatusFailed,
}

var agentStatuses = []types.AgentStatus{
	types.AgentStatusIdle,
	types.AgentStatusBusy,
	types.AgentStatusError,
	types.AgentStatusOffline,
	types.AgentStatusShuttingDown,
}

func (c *Collector) collectTasks(ctx context.Context) {
	if c.src.Tasks == nil {
		return
	}
	counts, err := c.src.Tasks.CountByStatus(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("task histogram failed")
		return
	}
	// Every known status gets written so vanished ones drop to zero.
	for _, status := range taskStatuses {
		TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectAgents(ctx context.Context) {
	if c.src.Agents == nil {
		return
	}
	counts, err := c.src.Agents.CountByStatus(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("agent histogram failed")
		return
	}
	for _, status := range agentStatuses {
		AgentsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectLeases(ctx context.Context) {
	if c.src.Leases == nil {
		return
	}
	leases, err := c.src.Leases.List(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("lease listing failed")
		return
	}
	now := time.Now().UTC()
	active, expired := 0, 0
	for _, l := range leases {
		if l.Expired(now) {
			expired++
		} else {
			active++
		}
	}
	LeasesActive.Set(float64(active))
	LeasesExpired.Set(float64(expired))
}

func (c *Collector) collectChangelog() {
	if c.src.Changes == nil {
		return
	}
	if count, err := c.src.Changes.Count(); err == nil {
		ChangelogEntries.Set(float64(count))
	} else {
		c.logger.Debug().Err(err).Msg("changelog count failed")
	}
	if version, err := c.src.Changes.LatestVersion(); err == nil {
		ChangelogVersion.Set(float64(version))
	} else {
		c.logger.Debug().Err(err).Msg("changelog version failed")
	}
}

func (c *Collector) collectQueue(ctx context.Context) {
	if c.src.Queue == nil {
		return
	}
	if depth, err := c.src.Queue.Depth(ctx); err == nil {
		QueueDepth.Set(float64(depth))
	} else {
		c.logger.Debug().Err(err).Msg("queue depth failed")
	}
	if c.src.Queue.Online() {
		QueueOnline.Set(1)
	} else {
		QueueOnline.Set(0)
	}
}

func (c *Collector) collectMessages(ctx context.Context) {
	if c.src.Bus == nil {
		return
	}
	msgs, err := c.src.Bus.Unacknowledged(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("unacked listing failed")
		return
	}
	MessagesUnacked.Set(float64(len(msgs)))
}

func (c *Collector) collectGovernor() {
	if c.src.Governor == nil {
		return
	}
	GovernorCycles.Set(float64(c.src.Governor.Stats().CycleCount))
}
