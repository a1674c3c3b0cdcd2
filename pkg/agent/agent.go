// Package agent tracks the worker processes that participate in the
// swarm: registration, heartbeats, staleness, and per-agent counters.
// Agents are node-local state and are never synced to the edge peer.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/store"
	"github.com/apiary-io/apiary/pkg/types"
)

// Registry manages agent rows in the store.
type Registry struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewRegistry wires an agent registry over the store.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st, logger: log.WithComponent("agent")}
}

// Register inserts a new agent. The agent starts idle with its first
// heartbeat stamped at registration time. A missing ID is assigned and
// a missing name falls back to the ID.
func (r *Registry) Register(ctx context.Context, a *types.Agent) (*types.Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	now := time.Now().UTC()
	a.Status = types.AgentStatusIdle
	a.RegisteredAt = now
	a.LastHeartbeat = now
	a.LastActiveAt = now
	a.HeartbeatCount = 0

	if err := r.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	r.logger.Info().Str("agent_id", a.ID).Str("type", a.Type).
		Strs("skills", a.Skills).Msg("agent registered")
	return a, nil
}

// Get returns one agent by ID.
func (r *Registry) Get(ctx context.Context, id string) (*types.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// List returns agents in registration order, optionally filtered by
// status.
func (r *Registry) List(ctx context.Context, status types.AgentStatus) ([]*types.Agent, error) {
	return r.store.ListAgents(ctx, status)
}

// Deregister removes the agent and releases every lease it holds in
// the same transaction. Returns the number of leases released.
func (r *Registry) Deregister(ctx context.Context, id string) (int, error) {
	released, err := r.store.DeleteAgentCascade(ctx, id)
	if err != nil {
		return 0, err
	}
	r.logger.Info().Str("agent_id", id).Int("leases_released", released).
		Msg("agent deregistered")
	return released, nil
}

// Heartbeat records a liveness report: status, heartbeat_count, and
// last_heartbeat/last_active_at move forward; the in-flight task mirror
// is rewritten only when the report carries one.
func (r *Registry) Heartbeat(ctx context.Context, id string, hb types.Heartbeat) (*types.Agent, error) {
	if hb.Status != "" && !hb.Status.Valid() {
		return nil, errdefs.Constraint("unknown agent status %q", hb.Status)
	}
	return r.store.HeartbeatAgent(ctx, id, hb, time.Now().UTC())
}

// FindStale returns agents whose last heartbeat is older than threshold
// and that are not already offline. Callers requeue the stale agent's
// claimed tasks via the task registry.
func (r *Registry) FindStale(ctx context.Context, threshold time.Duration) ([]*types.Agent, error) {
	return r.store.FindStaleAgents(ctx, threshold, time.Now().UTC())
}

// MarkOffline transitions the agent to offline and clears its task
// mirror.
func (r *Registry) MarkOffline(ctx context.Context, id string) error {
	if err := r.store.MarkAgentOffline(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	r.logger.Warn().Str("agent_id", id).Msg("agent marked offline")
	return nil
}

// UpdateStats atomically bumps tasks_completed or tasks_failed and adds
// the runtime to the agent's total.
func (r *Registry) UpdateStats(ctx context.Context, id string, completed bool, runtimeMinutes float64) error {
	return r.store.UpdateAgentStats(ctx, id, completed, runtimeMinutes)
}

// CountByStatus returns the agent status histogram.
func (r *Registry) CountByStatus(ctx context.Context) (map[types.AgentStatus]int, error) {
	return r.store.CountAgentsByStatus(ctx)
}
