package worker

import (
	"context"
	"encoding/json"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/types"
)

// Tools is the plane surface a Handler gets for the task it is running:
// progress reporting, file leases, and peer messaging. All operations
// are scoped to the worker's agent and the current task; a Tools value
// is only valid for the duration of one Execute call.
type Tools struct {
	worker *Worker
	taskID string
}

// TaskID returns the ID of the task this Tools value is bound to.
func (t *Tools) TaskID() string {
	return t.taskID
}

// Progress reports phase and percent for the running task. The first
// report moves the task to in_progress; files accumulate on the task
// row and the agent row mirrors phase and percent for observers.
func (t *Tools) Progress(ctx context.Context, phase types.TaskPhase, percent float64, files ...string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := t.worker.tasks.UpdateProgress(ctx, t.taskID, types.ProgressUpdate{
		Phase:         phase,
		Percent:       percent,
		FilesModified: files,
	})
	if err == nil {
		t.worker.noteProgress(percent, phase)
	}
	return err
}

// Acquire takes a lease on path for this agent and task, using the
// worker's configured TTL. Reports false when another live holder has
// it. Leases left held when the handler returns are released by the
// harness.
func (t *Tools) Acquire(ctx context.Context, path string) (bool, error) {
	if t.worker.leases == nil {
		return false, errdefs.InvalidState("worker has no lease manager")
	}
	taskID := t.taskID
	_, acquired, err := t.worker.leases.Acquire(ctx, path, t.worker.AgentID(), &taskID, t.worker.cfg.LeaseTTL)
	return acquired, err
}

// Extend pushes out the expiry of a lease this agent holds on path.
func (t *Tools) Extend(ctx context.Context, path string) error {
	if t.worker.leases == nil {
		return errdefs.InvalidState("worker has no lease manager")
	}
	_, err := t.worker.leases.Extend(ctx, path, t.worker.AgentID(), t.worker.cfg.LeaseTTL)
	return err
}

// Release gives up the lease on path. Reports false when this agent was
// not the holder.
func (t *Tools) Release(ctx context.Context, path string) (bool, error) {
	if t.worker.leases == nil {
		return false, errdefs.InvalidState("worker has no lease manager")
	}
	return t.worker.leases.Release(ctx, path, t.worker.AgentID())
}

// Send posts a directed message to another agent.
func (t *Tools) Send(ctx context.Context, to string, mt types.MessageType, payload json.RawMessage) error {
	if t.worker.bus == nil {
		return errdefs.InvalidState("worker has no bus")
	}
	_, err := t.worker.bus.Send(ctx, &types.Message{
		Type:      mt,
		FromAgent: t.worker.AgentID(),
		ToAgent:   &to,
		Payload:   payload,
	})
	return err
}

// Broadcast posts a message every agent can see.
func (t *Tools) Broadcast(ctx context.Context, mt types.MessageType, payload json.RawMessage) error {
	if t.worker.bus == nil {
		return errdefs.InvalidState("worker has no bus")
	}
	_, err := t.worker.bus.Broadcast(ctx, &types.Message{
		Type:      mt,
		FromAgent: t.worker.AgentID(),
		Payload:   payload,
	})
	return err
}
