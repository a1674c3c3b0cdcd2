package task

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/changelog"
	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/events"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/store"
	"github.com/apiary-io/apiary/pkg/types"
)

const (
	// defaultMaxRetries is applied to tasks created without a retry budget.
	defaultMaxRetries = 2

	// retryBase and retryCap bound the failure backoff: 30s doubling per
	// attempt, never more than 30m.
	retryBase = 30 * time.Second
	retryCap  = 30 * time.Minute
)

// Registry owns the task lifecycle. Every mutation goes through the
// store, is recorded in the change log, and has the assigned version
// stamped back onto the row so remote peers can detect staleness.
type Registry struct {
	store   *store.Store
	changes *changelog.Log
	broker  *events.Broker
	logger  zerolog.Logger
}

// NewRegistry wires a task registry over its store and change log.
// The broker may be nil when no one listens for events.
func NewRegistry(st *store.Store, changes *changelog.Log, broker *events.Broker) *Registry {
	return &Registry{
		store:   st,
		changes: changes,
		broker:  broker,
		logger:  log.WithComponent("task"),
	}
}

// Create validates and inserts a new task. The initial status is ready
// unless unfinished dependencies exist, in which case it is blocked. A
// missing ID is assigned.
func (r *Registry) Create(ctx context.Context, t *types.Task) (*types.Task, error) {
	if t.Title == "" {
		return nil, errdefs.Constraint("task title is required")
	}
	if t.Priority == "" {
		t.Priority = types.PriorityMedium
	}
	if !t.Priority.Valid() {
		return nil, errdefs.Constraint("unknown priority %q", t.Priority)
	}
	if t.MaxRetries < 0 {
		return nil, errdefs.Constraint("max_retries cannot be negative")
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = defaultMaxRetries
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	status, err := r.initialStatus(ctx, t.Dependencies)
	if err != nil {
		return nil, err
	}
	t.Status = status

	if err := r.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if t, err = r.record(ctx, types.OpCreate, t); err != nil {
		return nil, err
	}

	r.logger.Info().Str("task_id", t.ID).Str("status", string(t.Status)).
		Str("priority", string(t.Priority)).Msg("task created")
	r.emit(events.EventTaskCreated, t.ID, "task created")
	return t, nil
}

// initialStatus resolves the blocked-vs-ready decision at creation time.
// A dependency ID with no task row counts as unfinished.
func (r *Registry) initialStatus(ctx context.Context, deps []string) (types.TaskStatus, error) {
	if len(deps) == 0 {
		return types.TaskStatusReady, nil
	}
	found, err := r.store.ListTasks(ctx, types.TaskFilter{IDs: deps})
	if err != nil {
		return "", err
	}
	if len(found) < len(deps) {
		return types.TaskStatusBlocked, nil
	}
	for _, dep := range found {
		if dep.Status != types.TaskStatusCompleted {
			return types.TaskStatusBlocked, nil
		}
	}
	return types.TaskStatusReady, nil
}

// Get returns one task by ID.
func (r *Registry) Get(ctx context.Context, id string) (*types.Task, error) {
	return r.store.GetTask(ctx, id)
}

// Update rewrites a task and records the change.
func (r *Registry) Update(ctx context.Context, t *types.Task) (*types.Task, error) {
	t.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return r.record(ctx, types.OpUpdate, t)
}

// Delete removes a task and records a deletion (no payload).
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	if _, err := r.changes.Record(types.EntityTask, id, types.OpDelete, nil); err != nil {
		return err
	}
	r.logger.Info().Str("task_id", id).Msg("task deleted")
	return nil
}

// List returns tasks matching the filter, highest priority first.
func (r *Registry) List(ctx context.Context, f types.TaskFilter) ([]*types.Task, error) {
	return r.store.ListTasks(ctx, f)
}

// CountByStatus returns the task status histogram.
func (r *Registry) CountByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	return r.store.CountTasksByStatus(ctx)
}

// Claim atomically claims the best ready task for agentID. Returns
// (nil, nil) when nothing is claimable; a lost race is not an error and
// the registry does not retry.
func (r *Registry) Claim(ctx context.Context, agentID string, f types.TaskFilter) (*types.Task, error) {
	t, err := r.store.ClaimNextTask(ctx, agentID, f, time.Now().UTC())
	if err != nil || t == nil {
		return nil, err
	}
	return r.claimed(ctx, t, agentID)
}

// ClaimByID atomically claims one specific task for agentID. Returns
// (nil, nil) when the task is no longer ready.
func (r *Registry) ClaimByID(ctx context.Context, taskID, agentID string) (*types.Task, error) {
	t, err := r.store.ClaimTask(ctx, taskID, agentID, time.Now().UTC())
	if err != nil || t == nil {
		return nil, err
	}
	return r.claimed(ctx, t, agentID)
}

func (r *Registry) claimed(ctx context.Context, t *types.Task, agentID string) (*types.Task, error) {
	t, err := r.record(ctx, types.OpUpdate, t)
	if err != nil {
		return nil, err
	}
	r.logger.Info().Str("task_id", t.ID).Str("agent_id", agentID).Msg("task claimed")
	r.emit(events.EventTaskClaimed, t.ID, "task claimed", "agent_id", agentID)
	return t, nil
}

// Release returns a claimed or in-progress task to the ready pool,
// clearing the assignment. Returns (nil, nil) when the task was not in
// a releasable status. Release is not a failure: the retry history is
// untouched.
func (r *Registry) Release(ctx context.Context, id, reason string) (*types.Task, error) {
	t, err := r.store.ReleaseTask(ctx, id, reason, time.Now().UTC())
	if err != nil || t == nil {
		return nil, err
	}
	if t, err = r.record(ctx, types.OpUpdate, t); err != nil {
		return nil, err
	}
	r.logger.Info().Str("task_id", id).Str("reason", reason).Msg("task released")
	r.emit(events.EventTaskReleased, id, reason)
	return t, nil
}

// UpdateProgress moves a claimed task to in_progress (first call sets
// started_at), merges reported files, and mirrors phase and percent onto
// the assigned agent's row. Returns (nil, nil) when the task is neither
// claimed nor in progress.
func (r *Registry) UpdateProgress(ctx context.Context, id string, update types.ProgressUpdate) (*types.Task, error) {
	t, err := r.store.MarkTaskInProgress(ctx, id, update.FilesModified, time.Now().UTC())
	if err != nil || t == nil {
		return nil, err
	}
	if t, err = r.record(ctx, types.OpUpdate, t); err != nil {
		return nil, err
	}

	if t.AssignedAgent != nil {
		err := r.store.SetAgentTaskMirror(ctx, *t.AssignedAgent, t.ID, update.Percent, update.Phase, time.Now().UTC())
		if err != nil && !errdefs.IsNotFound(err) {
			return nil, err
		}
	}
	return t, nil
}

// Complete finishes a claimed or in-progress task, storing the result
// payload and the runtime derived from started_at.
func (r *Registry) Complete(ctx context.Context, id string, result json.RawMessage) (*types.Task, error) {
	agent, err := r.assignedAgent(ctx, id)
	if err != nil {
		return nil, err
	}

	t, err := r.store.CompleteTask(ctx, id, result, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if t, err = r.record(ctx, types.OpUpdate, t); err != nil {
		return nil, err
	}

	r.clearAgentMirror(ctx, agent)
	r.logger.Info().Str("task_id", id).Msg("task completed")
	r.emit(events.EventTaskComplete, id, "task completed")
	return t, nil
}

// Fail records a failure against a claimed or in-progress task. The
// task moves to pending_retry when the failure is recoverable and the
// retry budget allows, with a 30s-doubling jittered backoff capped at
// 30m; otherwise it moves to failed.
func (r *Registry) Fail(ctx context.Context, id string, failure types.TaskFailure) (*types.Task, error) {
	agent, err := r.assignedAgent(ctx, id)
	if err != nil {
		return nil, err
	}

	t, err := r.store.FailTask(ctx, id, failure, retryDelay, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if t, err = r.record(ctx, types.OpUpdate, t); err != nil {
		return nil, err
	}

	r.clearAgentMirror(ctx, agent)
	r.logger.Warn().Str("task_id", id).Str("failure_type", string(failure.Type)).
		Bool("recoverable", failure.Recoverable).Str("status", string(t.Status)).
		Int("retry_count", t.RetryCount).Msg("task failed")
	r.emit(events.EventTaskFailed, id, failure.Message,
		"failure_type", string(failure.Type), "status", string(t.Status))
	return t, nil
}

// FindRetryEligible returns pending_retry tasks whose backoff has
// elapsed at the given instant.
func (r *Registry) FindRetryEligible(ctx context.Context, now time.Time) ([]*types.Task, error) {
	return r.store.FindRetryEligible(ctx, now)
}

// ResetForRetry moves a pending_retry task back to ready so it can be
// claimed again. Returns (nil, nil) when the task was not pending retry.
func (r *Registry) ResetForRetry(ctx context.Context, id string) (*types.Task, error) {
	t, err := r.store.ResetTaskForRetry(ctx, id, time.Now().UTC())
	if err != nil || t == nil {
		return nil, err
	}
	return r.record(ctx, types.OpUpdate, t)
}

// UpdateBlockedToReady promotes every blocked task whose dependencies
// have all completed. Idempotent; returns the number promoted.
func (r *Registry) UpdateBlockedToReady(ctx context.Context) (int, error) {
	promoted, err := r.store.PromoteBlockedTasks(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, t := range promoted {
		if _, err := r.record(ctx, types.OpUpdate, t); err != nil {
			return 0, err
		}
		r.logger.Info().Str("task_id", t.ID).Msg("task unblocked")
	}
	return len(promoted), nil
}

// AttachSnapshot links a quality snapshot to its task and records the
// task update. Returns (nil, nil) when the task does not exist, so
// unbound snapshots stay node-local.
func (r *Registry) AttachSnapshot(ctx context.Context, taskID, snapshotID string) (*types.Task, error) {
	t, err := r.store.SetTaskQualitySnapshot(ctx, taskID, snapshotID, time.Now().UTC())
	if err != nil || t == nil {
		return nil, err
	}
	return r.record(ctx, types.OpUpdate, t)
}

// ApplyChange applies a change pulled from the sync peer. The write
// bypasses the change log so applied changes are never echoed back on
// the next push. The envelope's version is authoritative over any inner
// snapshot version.
func (r *Registry) ApplyChange(ctx context.Context, entry *types.ChangeLogEntry) error {
	switch entry.Operation {
	case types.OpDelete:
		err := r.store.DeleteTask(ctx, entry.EntityID)
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	case types.OpCreate, types.OpUpdate:
		var t types.Task
		if err := json.Unmarshal(entry.Payload, &t); err != nil {
			return errdefs.InvalidState("decoding task change %s: %v", entry.ID, err)
		}
		t.SyncVersion = entry.SyncVersion
		return r.store.UpsertTask(ctx, &t)
	default:
		return errdefs.InvalidState("unknown operation %q in change %s", entry.Operation, entry.ID)
	}
}

// record appends the change-log entry for a mutation and stamps the
// assigned version onto the task row and the returned task.
func (r *Registry) record(ctx context.Context, op types.Operation, t *types.Task) (*types.Task, error) {
	entry, err := r.changes.Record(types.EntityTask, t.ID, op, t)
	if err != nil {
		return nil, err
	}
	if err := r.store.SetTaskSyncVersion(ctx, t.ID, entry.SyncVersion); err != nil {
		return nil, err
	}
	t.SyncVersion = entry.SyncVersion
	return t, nil
}

// assignedAgent reads the current assignment before a terminal
// transition clears it, for mirror cleanup.
func (r *Registry) assignedAgent(ctx context.Context, id string) (*string, error) {
	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.AssignedAgent, nil
}

// clearAgentMirror drops the in-flight task fields from the agent row.
// Best effort: a deregistered agent is not an error here.
func (r *Registry) clearAgentMirror(ctx context.Context, agent *string) {
	if agent == nil {
		return
	}
	err := r.store.SetAgentTaskMirror(ctx, *agent, "", 0, "", time.Now().UTC())
	if err != nil && !errdefs.IsNotFound(err) {
		r.logger.Warn().Err(err).Str("agent_id", *agent).Msg("clearing task mirror")
	}
}

func (r *Registry) emit(t events.EventType, taskID, msg string, kv ...string) {
	if r.broker == nil {
		return
	}
	r.broker.Emit(t, msg, append([]string{"task_id", taskID}, kv...)...)
}

// retryDelay computes the backoff before retry n (1-based): base 30s
// doubled per prior attempt, jittered within [0.75x, 1.25x], capped.
func retryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := retryBase
	for i := 1; i < retryCount && delay < retryCap; i++ {
		delay *= 2
	}
	if delay > retryCap {
		delay = retryCap
	}
	jittered := delay*3/4 + time.Duration(rand.Int63n(int64(delay/2)+1))
	if jittered > retryCap {
		jittered = retryCap
	}
	return jittered
}
