// Package lease hands out exclusive, TTL-bounded rights to mutate a
// file. A lease is identified by its path; an expired lease is treated
// as absent and may be stolen by the next acquirer.
package lease

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/events"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/store"
	"github.com/apiary-io/apiary/pkg/types"
)

// DefaultDuration is used when a caller acquires without a TTL.
const DefaultDuration = 5 * time.Minute

// Manager coordinates file leases through the store.
type Manager struct {
	store  *store.Store
	broker *events.Broker
	logger zerolog.Logger
}

// NewManager wires a lease manager. The broker may be nil.
func NewManager(st *store.Store, broker *events.Broker) *Manager {
	return &Manager{store: st, broker: broker, logger: log.WithComponent("lease")}
}

// Acquire takes the lease on path for agentID, stealing it when the
// current one has expired. The bool reports whether the caller holds
// the lease afterwards; on refusal the returned lease is the current
// holder's. Re-acquiring a lease the caller already holds succeeds
// without extending it.
func (m *Manager) Acquire(ctx context.Context, path, agentID string, taskID *string, duration time.Duration) (*types.Lease, bool, error) {
	if path == "" {
		return nil, false, errdefs.Constraint("lease path is required")
	}
	if duration <= 0 {
		duration = DefaultDuration
	}

	lease, acquired, err := m.store.AcquireLease(ctx, path, agentID, taskID, duration, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}
	if acquired {
		m.logger.Debug().Str("path", path).Str("agent_id", agentID).
			Time("expires_at", lease.ExpiresAt).Msg("lease acquired")
	} else {
		m.logger.Debug().Str("path", path).Str("agent_id", agentID).
			Str("holder", lease.AgentID).Msg("lease refused")
	}
	return lease, acquired, nil
}

// Release drops the lease when agentID holds it. Returns whether a
// lease was removed.
func (m *Manager) Release(ctx context.Context, path, agentID string) (bool, error) {
	released, err := m.store.ReleaseLease(ctx, path, agentID)
	if err != nil {
		return false, err
	}
	if released {
		m.logger.Debug().Str("path", path).Str("agent_id", agentID).Msg("lease released")
	}
	return released, nil
}

// ForceRelease drops the lease regardless of holder. Used by cleanup
// sweeps and the deregister cascade.
func (m *Manager) ForceRelease(ctx context.Context, path string) error {
	if err := m.store.ForceReleaseLease(ctx, path); err != nil {
		return err
	}
	m.logger.Debug().Str("path", path).Msg("lease force released")
	return nil
}

// Check is the canonical read: it returns the live lease on path, or
// nil after deleting an expired one. Readers that bypass Check must
// accept staleness.
func (m *Manager) Check(ctx context.Context, path string) (*types.Lease, error) {
	return m.store.CheckLease(ctx, path, time.Now().UTC())
}

// Extend pushes the expiry of a lease held by agentID to now+duration
// and bumps its renewal counter. Returns nil when the lease is missing
// or held by someone else.
func (m *Manager) Extend(ctx context.Context, path, agentID string, duration time.Duration) (*types.Lease, error) {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return m.store.ExtendLease(ctx, path, agentID, duration, time.Now().UTC())
}

// FindExpired returns leases past their expiry without removing them.
func (m *Manager) FindExpired(ctx context.Context) ([]*types.Lease, error) {
	return m.store.FindExpiredLeases(ctx, time.Now().UTC())
}

// ReleaseAll drops every lease held by agentID and returns the count.
func (m *Manager) ReleaseAll(ctx context.Context, agentID string) (int, error) {
	released, err := m.store.ReleaseAllLeases(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		m.logger.Info().Str("agent_id", agentID).Int("count", released).Msg("leases released")
	}
	return released, nil
}

// SweepExpired removes every expired lease, emitting one event per
// removal. Returns the number removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired, err := m.store.FindExpiredLeases(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	removed, err := m.store.DeleteExpiredLeases(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, l := range expired {
		m.logger.Info().Str("path", l.FilePath).Str("agent_id", l.AgentID).
			Time("expired_at", l.ExpiresAt).Msg("expired lease swept")
		if m.broker != nil {
			m.broker.Emit(events.EventLeaseExpired, "lease expired",
				"path", l.FilePath, "agent_id", l.AgentID)
		}
	}
	return removed, nil
}

// List returns every lease row, live or expired, for diagnostics.
func (m *Manager) List(ctx context.Context) ([]*types.Lease, error) {
	return m.store.ListLeases(ctx)
}
