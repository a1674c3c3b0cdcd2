package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/agent"
	"github.com/apiary-io/apiary/pkg/bus"
	"github.com/apiary-io/apiary/pkg/changelog"
	"github.com/apiary-io/apiary/pkg/events"
	"github.com/apiary-io/apiary/pkg/lease"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/task"
	"github.com/apiary-io/apiary/pkg/types"
)

// Sweep cadences and the staleness threshold applied when Config
// leaves them zero.
const (
	DefaultLeaseInterval      = 15 * time.Second
	DefaultPromoteInterval    = 5 * time.Second
	DefaultPurgeInterval      = 60 * time.Second
	DefaultHeartbeatThreshold = 60 * time.Second
)

// Config sets the sweep cadences.
type Config struct {
	// LeaseInterval paces the expired-lease and stale-agent sweeps.
	LeaseInterval time.Duration
	// PromoteInterval paces dependency and retry promotion.
	PromoteInterval time.Duration
	// PurgeInterval paces message expiry and change-log compaction.
	PurgeInterval time.Duration
	// HeartbeatThreshold is how long an agent may stay silent before
	// it is classified stale.
	HeartbeatThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseInterval <= 0 {
		c.LeaseInterval = DefaultLeaseInterval
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = DefaultPromoteInterval
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = DefaultPurgeInterval
	}
	if c.HeartbeatThreshold <= 0 {
		c.HeartbeatThreshold = DefaultHeartbeatThreshold
	}
	return c
}

// Reconciler runs the background sweeps that keep the plane honest:
// expired leases dropped, stale agents benched with their tasks
// returned to the pool, expired messages purged, blocked and
// retry-pending tasks promoted, and the change log compacted. Every
// sweep is idempotent; running one twice in a row is a no-op.
type Reconciler struct {
	tasks   *task.Registry
	agents  *agent.Registry
	leases  *lease.Manager
	bus     bus.Bus
	changes *changelog.Log
	broker  *events.Broker
	cfg     Config
	logger  zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New builds a reconciler. Any nil dependency disables the sweeps that
// need it, so a plane without a message bus still gets lease and task
// housekeeping.
func New(tasks *task.Registry, agents *agent.Registry, leases *lease.Manager,
	b bus.Bus, changes *changelog.Log, broker *events.Broker, cfg Config) *Reconciler {
	return &Reconciler{
		tasks:   tasks,
		agents:  agents,
		leases:  leases,
		bus:     b,
		changes: changes,
		broker:  broker,
		cfg:     cfg.withDefaults(),
		logger:  log.WithComponent("reconciler"),
	}
}

// Start launches the sweep loop. Starting twice is a no-op.
func (r *Reconciler) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.loop()
	r.logger.Debug().
		Dur("lease", r.cfg.LeaseInterval).
		Dur("promote", r.cfg.PromoteInterval).
		Dur("purge", r.cfg.PurgeInterval).
		Msg("reconciler started")
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stopCh)
	r.mu.Unlock()
	<-r.doneCh
}

func (r *Reconciler) loop() {
	defer close(r.doneCh)

	leaseTick := time.NewTicker(r.cfg.LeaseInterval)
	promoteTick := time.NewTicker(r.cfg.PromoteInterval)
	purgeTick := time.NewTicker(r.cfg.PurgeInterval)
	defer leaseTick.Stop()
	defer promoteTick.Stop()
	defer purgeTick.Stop()

	ctx := context.Background()
	for {
		select {
		case <-r.stopCh:
			return
		case <-leaseTick.C:
			r.logErr("lease sweep", r.sweepLeasesErr(ctx))
			r.logErr("agent sweep", r.sweepAgentsErr(ctx))
		case <-promoteTick.C:
			r.logErr("promotion", r.promoteErr(ctx))
		case <-purgeTick.C:
			r.logErr("purge", r.purgeErr(ctx))
		}
	}
}

func (r *Reconciler) logErr(sweep string, err error) {
	if err != nil {
		r.logger.Warn().Err(err).Str("sweep", sweep).Msg("sweep failed")
	}
}

func (r *Reconciler) sweepLeasesErr(ctx context.Context) error {
	_, err := r.SweepLeases(ctx)
	return err
}

func (r *Reconciler) sweepAgentsErr(ctx context.Context) error {
	_, err := r.SweepAgents(ctx)
	return err
}

func (r *Reconciler) promoteErr(ctx context.Context) error {
	_, err := r.Promote(ctx)
	return err
}

func (r *Reconciler) purgeErr(ctx context.Context) error {
	_, err := r.Purge(ctx)
	return err
}

// SweepLeases drops every expired lease. Returns the number removed.
func (r *Reconciler) SweepLeases(ctx context.Context) (int, error) {
	if r.leases == nil {
		return 0, nil
	}
	return r.leases.SweepExpired(ctx)
}

// SweepAgents benches agents whose heartbeat is older than the
// threshold: their claimed and in-progress tasks go back to the ready
// pool, their leases are dropped, and the agent is marked offline.
// Returns the number of agents benched.
func (r *Reconciler) SweepAgents(ctx context.Context) (int, error) {
	if r.agents == nil {
		return 0, nil
	}
	stale, err := r.agents.FindStale(ctx, r.cfg.HeartbeatThreshold)
	if err != nil {
		return 0, err
	}

	benched := 0
	for _, a := range stale {
		if err := r.releaseAgentWork(ctx, a); err != nil {
			r.logger.Warn().Err(err).Str("agent_id", a.ID).Msg("stale agent cleanup incomplete")
			continue
		}
		if err := r.agents.MarkOffline(ctx, a.ID); err != nil {
			r.logger.Warn().Err(err).Str("agent_id", a.ID).Msg("marking agent offline failed")
			continue
		}
		benched++
		silence := time.Since(a.LastHeartbeat).Round(time.Second)
		r.logger.Warn().Str("agent_id", a.ID).Dur("silent_for", silence).Msg("stale agent benched")
		r.emit(events.EventAgentStale, "agent went stale",
			"agent_id", a.ID, "silent_for", silence.String())
	}
	return benched, nil
}

func (r *Reconciler) releaseAgentWork(ctx context.Context, a *types.Agent) error {
	if r.tasks != nil {
		held, err := r.tasks.List(ctx, types.TaskFilter{
			AssignedAgent: a.ID,
			Status:        []types.TaskStatus{types.TaskStatusClaimed, types.TaskStatusInProgress},
		})
		if err != nil {
			return err
		}
		for _, t := range held {
			if _, err := r.tasks.Release(ctx, t.ID, "agent went stale"); err != nil {
				return err
			}
		}
	}
	if r.leases != nil {
		if _, err := r.leases.ReleaseAll(ctx, a.ID); err != nil {
			return err
		}
	}
	return nil
}

// Promote moves unblocked tasks to ready and resets retry-eligible
// tasks whose backoff has elapsed. Returns the number of tasks
// promoted.
func (r *Reconciler) Promote(ctx context.Context) (int, error) {
	if r.tasks == nil {
		return 0, nil
	}

	promoted, err := r.tasks.UpdateBlockedToReady(ctx)
	if err != nil {
		return 0, err
	}

	eligible, err := r.tasks.FindRetryEligible(ctx, time.Now().UTC())
	if err != nil {
		return promoted, err
	}
	for _, t := range eligible {
		if _, err := r.tasks.ResetForRetry(ctx, t.ID); err != nil {
			// Another promoter may have won the reset; keep going.
			r.logger.Debug().Err(err).Str("task_id", t.ID).Msg("retry reset skipped")
			continue
		}
		promoted++
	}

	if promoted > 0 {
		r.logger.Info().Int("count", promoted).Msg("tasks promoted to ready")
	}
	return promoted, nil
}

// Purge deletes expired messages and compacts the change log. Returns
// the number of rows removed across both.
func (r *Reconciler) Purge(ctx context.Context) (int, error) {
	removed := 0
	if r.bus != nil {
		n, err := r.bus.DeleteExpired(ctx)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if r.changes != nil {
		n, err := r.changes.AdaptiveCompact()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if removed > 0 {
		r.logger.Debug().Int("count", removed).Msg("expired rows purged")
	}
	return removed, nil
}

func (r *Reconciler) emit(t events.EventType, msg string, kv ...string) {
	if r.broker == nil {
		return
	}
	r.broker.Emit(t, msg, kv...)
}
