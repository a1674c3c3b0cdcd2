// Package memory manages agent memories and task plans, the two
// knowledge entities that travel the sync stream alongside tasks and
// messages.
package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/changelog"
	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/store"
	"github.com/apiary-io/apiary/pkg/types"
)

// Registry owns memory entries.
type Registry struct {
	store   *store.Store
	changes *changelog.Log
	logger  zerolog.Logger
}

// NewRegistry wires a memory registry over its store and change log.
func NewRegistry(st *store.Store, changes *changelog.Log) *Registry {
	return &Registry{store: st, changes: changes, logger: log.WithComponent("memory")}
}

// Create validates and inserts a memory entry.
func (r *Registry) Create(ctx context.Context, m *types.Memory) (*types.Memory, error) {
	if m.Content == "" {
		return nil, errdefs.Constraint("memory content is required")
	}
	if m.Kind == "" {
		m.Kind = types.MemoryNote
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	if err := r.store.CreateMemory(ctx, m); err != nil {
		return nil, err
	}
	return r.record(ctx, types.OpCreate, m)
}

// Get returns one memory by ID.
func (r *Registry) Get(ctx context.Context, id string) (*types.Memory, error) {
	return r.store.GetMemory(ctx, id)
}

// Update rewrites a memory and records the change.
func (r *Registry) Update(ctx context.Context, m *types.Memory) (*types.Memory, error) {
	m.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateMemory(ctx, m); err != nil {
		return nil, err
	}
	return r.record(ctx, types.OpUpdate, m)
}

// Delete removes a memory and records a deletion.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteMemory(ctx, id); err != nil {
		return err
	}
	_, err := r.changes.Record(types.EntityMemory, id, types.OpDelete, nil)
	return err
}

// List returns memories matching the filter, newest first.
func (r *Registry) List(ctx context.Context, f store.MemoryFilter) ([]*types.Memory, error) {
	return r.store.ListMemories(ctx, f)
}

// ApplyChange applies a memory change pulled from the sync peer,
// bypassing the change log.
func (r *Registry) ApplyChange(ctx context.Context, entry *types.ChangeLogEntry) error {
	switch entry.Operation {
	case types.OpDelete:
		err := r.store.DeleteMemory(ctx, entry.EntityID)
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	case types.OpCreate, types.OpUpdate:
		var m types.Memory
		if err := json.Unmarshal(entry.Payload, &m); err != nil {
			return errdefs.InvalidState("decoding memory change %s: %v", entry.ID, err)
		}
		m.SyncVersion = entry.SyncVersion
		return r.store.UpsertMemory(ctx, &m)
	default:
		return errdefs.InvalidState("unknown operation %q in change %s", entry.Operation, entry.ID)
	}
}

func (r *Registry) record(ctx context.Context, op types.Operation, m *types.Memory) (*types.Memory, error) {
	entry, err := r.changes.Record(types.EntityMemory, m.ID, op, m)
	if err != nil {
		return nil, err
	}
	if err := r.store.SetMemorySyncVersion(ctx, m.ID, entry.SyncVersion); err != nil {
		return nil, err
	}
	m.SyncVersion = entry.SyncVersion
	return m, nil
}

// PlanRegistry owns task plans.
type PlanRegistry struct {
	store   *store.Store
	changes *changelog.Log
	logger  zerolog.Logger
}

// NewPlanRegistry wires a plan registry over its store and change log.
func NewPlanRegistry(st *store.Store, changes *changelog.Log) *PlanRegistry {
	return &PlanRegistry{store: st, changes: changes, logger: log.WithComponent("plan")}
}

// Create validates and inserts a plan in draft status.
func (r *PlanRegistry) Create(ctx context.Context, p *types.Plan) (*types.Plan, error) {
	if p.TaskID == "" {
		return nil, errdefs.Constraint("plan task_id is required")
	}
	if p.Title == "" {
		return nil, errdefs.Constraint("plan title is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = types.PlanStatusDraft
	}
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = uuid.NewString()
		}
		if p.Steps[i].Status == "" {
			p.Steps[i].Status = types.StepStatusPending
		}
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := r.store.CreatePlan(ctx, p); err != nil {
		return nil, err
	}
	return r.record(ctx, types.OpCreate, p)
}

// Get returns one plan by ID.
func (r *PlanRegistry) Get(ctx context.Context, id string) (*types.Plan, error) {
	return r.store.GetPlan(ctx, id)
}

// Update rewrites a plan's title, steps, and status.
func (r *PlanRegistry) Update(ctx context.Context, p *types.Plan) (*types.Plan, error) {
	p.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdatePlan(ctx, p); err != nil {
		return nil, err
	}
	return r.record(ctx, types.OpUpdate, p)
}

// Approve marks a plan approved and supersedes every other plan of the
// same task.
func (r *PlanRegistry) Approve(ctx context.Context, id string) (*types.Plan, error) {
	p, err := r.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	siblings, err := r.store.ListPlansForTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	for _, sib := range siblings {
		if sib.ID == p.ID || sib.Status == types.PlanStatusSuperseded {
			continue
		}
		sib.Status = types.PlanStatusSuperseded
		if _, err := r.Update(ctx, sib); err != nil {
			return nil, err
		}
	}
	p.Status = types.PlanStatusApproved
	return r.Update(ctx, p)
}

// Delete removes a plan and records a deletion.
func (r *PlanRegistry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeletePlan(ctx, id); err != nil {
		return err
	}
	_, err := r.changes.Record(types.EntityPlan, id, types.OpDelete, nil)
	return err
}

// ListForTask returns a task's plans, newest first.
func (r *PlanRegistry) ListForTask(ctx context.Context, taskID string) ([]*types.Plan, error) {
	return r.store.ListPlansForTask(ctx, taskID)
}

// ApplyChange applies a plan change pulled from the sync peer,
// bypassing the change log.
func (r *PlanRegistry) ApplyChange(ctx context.Context, entry *types.ChangeLogEntry) error {
	switch entry.Operation {
	case types.OpDelete:
		err := r.store.DeletePlan(ctx, entry.EntityID)
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	case types.OpCreate, types.OpUpdate:
		var p types.Plan
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return errdefs.InvalidState("decoding plan change %s: %v", entry.ID, err)
		}
		p.SyncVersion = entry.SyncVersion
		return r.store.UpsertPlan(ctx, &p)
	default:
		return errdefs.InvalidState("unknown operation %q in change %s", entry.Operation, entry.ID)
	}
}

func (r *PlanRegistry) record(ctx context.Context, op types.Operation, p *types.Plan) (*types.Plan, error) {
	entry, err := r.changes.Record(types.EntityPlan, p.ID, op, p)
	if err != nil {
		return nil, err
	}
	if err := r.store.SetPlanSyncVersion(ctx, p.ID, entry.SyncVersion); err != nil {
		return nil, err
	}
	p.SyncVersion = entry.SyncVersion
	return p, nil
}
