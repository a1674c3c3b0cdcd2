package task

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiary-io/apiary/pkg/changelog"
	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/store"
	"github.com/apiary-io/apiary/pkg/types"
)

func openTestRegistry(t *testing.T) (*Registry, *store.Store, *changelog.Log) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cl, err := changelog.Open(filepath.Join(dir, "changelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	return NewRegistry(st, cl, nil), st, cl
}

// TestCreateTaskDefaults verifies that a minimal task gets an ID, the
// medium priority, a retry budget, ready status, and a recorded change
// version stamped onto the stored row.
func TestCreateTaskDefaults(t *testing.T) {
	ctx := context.Background()
	reg, st, cl := openTestRegistry(t)

	created, err := reg.Create(ctx, &types.Task{Title: "index the corpus"})
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, types.PriorityMedium, created.Priority)
	assert.Equal(t, 2, created.MaxRetries)
	assert.Equal(t, types.TaskStatusReady, created.Status)
	assert.Equal(t, int64(1), created.SyncVersion)

	stored, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.SyncVersion)

	entry, err := cl.LatestFor(types.EntityTask, created.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, types.OpCreate, entry.Operation)
	assert.NotEmpty(t, entry.Payload)
}

// TestCreateTaskValidation verifies the constraint checks on new tasks.
func TestCreateTaskValidation(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := openTestRegistry(t)

	tests := []struct {
		name string
		task *types.Task
	}{
		{"missing title", &types.Task{}},
		{"unknown priority", &types.Task{Title: "x", Priority: "urgent"}},
		{"negative retries", &types.Task{Title: "x", MaxRetries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Create(ctx, tt.task)
			assert.True(t, errdefs.IsConstraint(err), "got %v", err)
		})
	}
}

// TestCreateTaskDependencyGate verifies that tasks with unfinished or
// unknown dependencies start blocked while satisfied dependencies give
// a ready task.
func TestCreateTaskDependencyGate(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := openTestRegistry(t)

	done, err := reg.Create(ctx, &types.Task{Title: "done dep"})
	require.NoError(t, err)
	_, err = reg.ClaimByID(ctx, done.ID, "agent-1")
	require.NoError(t, err)
	_, err = reg.Complete(ctx, done.ID, nil)
	require.NoError(t, err)

	open, err := reg.Create(ctx, &types.Task{Title: "open dep"})
	require.NoError(t, err)

	t.Run("satisfied dependencies", func(t *testing.T) {
		created, err := reg.Create(ctx, &types.Task{Title: "child", Dependencies: []string{done.ID}})
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusReady, created.Status)
	})

	t.Run("open dependency blocks", func(t *testing.T) {
		created, err := reg.Create(ctx, &types.Task{Title: "child", Dependencies: []string{done.ID, open.ID}})
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusBlocked, created.Status)
	})

	t.Run("unknown dependency blocks", func(t *testing.T) {
		created, err := reg.Create(ctx, &types.Task{Title: "child", Dependencies: []string{"ghost"}})
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusBlocked, created.Status)
	})
}

// TestClaimStampsVersion verifies that a successful claim records a new
// change and persists the bumped version.
func TestClaimStampsVersion(t *testing.T) {
	ctx := context.Background()
	reg, st, cl := openTestRegistry(t)

	created, err := reg.Create(ctx, &types.Task{Title: "claim me"})
	require.NoError(t, err)

	claimed, err := reg.Claim(ctx, "agent-1", types.TaskFilter{})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, types.TaskStatusClaimed, claimed.Status)
	assert.Greater(t, claimed.SyncVersion, created.SyncVersion)

	stored, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed.SyncVersion, stored.SyncVersion)

	entry, err := cl.LatestFor(types.EntityTask, created.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, types.OpUpdate, entry.Operation)
	assert.Equal(t, claimed.SyncVersion, entry.SyncVersion)
}

// TestClaimEmptyPool verifies that claiming with no ready work is not
// an error.
func TestClaimEmptyPool(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := openTestRegistry(t)

	claimed, err := reg.Claim(ctx, "agent-1", types.TaskFilter{})
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

// TestProgressMirrorsOntoAgent verifies that progress updates land on
// the assigned agent's row and that completion clears them.
func TestProgressMirrorsOntoAgent(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := openTestRegistry(t)
	now := time.Now().UTC()

	require.NoError(t, st.CreateAgent(ctx, &types.Agent{
		ID: "agent-1", Name: "agent-1", Type: "coder",
		Status: types.AgentStatusIdle, Skills: []string{"go"},
		RegisteredAt: now, LastHeartbeat: now,
	}))

	created, err := reg.Create(ctx, &types.Task{Title: "wire the parser"})
	require.NoError(t, err)
	_, err = reg.ClaimByID(ctx, created.ID, "agent-1")
	require.NoError(t, err)

	inProgress, err := reg.UpdateProgress(ctx, created.ID, types.ProgressUpdate{
		Phase:         types.PhaseImplementing,
		Percent:       40,
		FilesModified: []string{"parser.go"},
	})
	require.NoError(t, err)
	require.NotNil(t, inProgress)
	assert.Equal(t, types.TaskStatusInProgress, inProgress.Status)
	assert.Equal(t, []string{"parser.go"}, inProgress.Files)

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, agent.CurrentTaskID)
	assert.Equal(t, created.ID, *agent.CurrentTaskID)
	assert.Equal(t, float64(40), agent.CurrentTaskProgress)
	assert.Equal(t, types.PhaseImplementing, agent.CurrentTaskPhase)

	completed, err := reg.Complete(ctx, created.ID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, completed.Status)

	agent, err = st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, agent.CurrentTaskID)
	assert.Zero(t, agent.CurrentTaskProgress)
}

// TestFailSchedulesRetry verifies that a recoverable failure parks the
// task in pending_retry with a jittered backoff in the expected window.
func TestFailSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := openTestRegistry(t)

	created, err := reg.Create(ctx, &types.Task{Title: "flaky build"})
	require.NoError(t, err)
	_, err = reg.ClaimByID(ctx, created.ID, "agent-1")
	require.NoError(t, err)

	before := time.Now().UTC()
	failed, err := reg.Fail(ctx, created.ID, types.TaskFailure{
		Type: types.FailureTaskError, Message: "tests failed", Recoverable: true,
	})
	require.NoError(t, err)

	assert.Equal(t, types.TaskStatusPendingRetry, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	require.NotNil(t, failed.NextRetryAt)

	wait := failed.NextRetryAt.Sub(before)
	assert.GreaterOrEqual(t, wait, 22*time.Second)
	assert.LessOrEqual(t, wait, 39*time.Second)
}

// TestRetryDelayBounds verifies the backoff schedule: doubling from 30s
// with plus-minus 25 percent jitter, capped at 30m.
func TestRetryDelayBounds(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		min, max   time.Duration
	}{
		{"first retry", 1, 22500 * time.Millisecond, 37500 * time.Millisecond},
		{"second retry", 2, 45 * time.Second, 75 * time.Second},
		{"third retry", 3, 90 * time.Second, 150 * time.Second},
		{"zero clamps to first", 0, 22500 * time.Millisecond, 37500 * time.Millisecond},
		{"deep retry hits cap", 20, 22*time.Minute + 30*time.Second, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				d := retryDelay(tt.retryCount)
				assert.GreaterOrEqual(t, d, tt.min)
				assert.LessOrEqual(t, d, tt.max)
			}
		})
	}
}

// TestUpdateBlockedToReady verifies promotion of blocked tasks once
// their dependencies complete, including the recorded version bump.
func TestUpdateBlockedToReady(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := openTestRegistry(t)

	dep, err := reg.Create(ctx, &types.Task{Title: "dep"})
	require.NoError(t, err)
	child, err := reg.Create(ctx, &types.Task{Title: "child", Dependencies: []string{dep.ID}})
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusBlocked, child.Status)

	_, err = reg.ClaimByID(ctx, dep.ID, "agent-1")
	require.NoError(t, err)
	_, err = reg.Complete(ctx, dep.ID, nil)
	require.NoError(t, err)

	promoted, err := reg.UpdateBlockedToReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	fresh, err := reg.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusReady, fresh.Status)
	assert.Greater(t, fresh.SyncVersion, child.SyncVersion)

	again, err := reg.UpdateBlockedToReady(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

// TestApplyChangeDoesNotEcho verifies that applying pulled changes
// writes the row with the envelope version and records nothing new in
// the local change log.
func TestApplyChangeDoesNotEcho(t *testing.T) {
	ctx := context.Background()
	reg, st, cl := openTestRegistry(t)
	now := time.Now().UTC()

	payload, err := json.Marshal(&types.Task{
		ID: "t-remote", Title: "pulled task", Status: types.TaskStatusReady,
		Priority: types.PriorityHigh, MaxRetries: 3,
		CreatedAt: now, UpdatedAt: now,
		SyncVersion: 99, // stale inner version, envelope wins
	})
	require.NoError(t, err)

	before, err := cl.Count()
	require.NoError(t, err)

	err = reg.ApplyChange(ctx, &types.ChangeLogEntry{
		ID: "chg-1", EntityType: types.EntityTask, EntityID: "t-remote",
		Operation: types.OpCreate, SyncVersion: 7, Payload: payload,
	})
	require.NoError(t, err)

	stored, err := st.GetTask(ctx, "t-remote")
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.SyncVersion)
	assert.Equal(t, "pulled task", stored.Title)

	after, err := cl.Count()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	t.Run("delete of missing row is a no-op", func(t *testing.T) {
		err := reg.ApplyChange(ctx, &types.ChangeLogEntry{
			ID: "chg-2", EntityType: types.EntityTask, EntityID: "ghost",
			Operation: types.OpDelete, SyncVersion: 8,
		})
		assert.NoError(t, err)
	})

	t.Run("unknown operation rejected", func(t *testing.T) {
		err := reg.ApplyChange(ctx, &types.ChangeLogEntry{
			ID: "chg-3", EntityType: types.EntityTask, EntityID: "t-remote",
			Operation: "merge", SyncVersion: 9,
		})
		assert.True(t, errdefs.IsInvalidState(err), "got %v", err)
	})
}

// TestDeleteRecordsTombstone verifies that deletion removes the row and
// appends a payload-less delete entry.
func TestDeleteRecordsTombstone(t *testing.T) {
	ctx := context.Background()
	reg, _, cl := openTestRegistry(t)

	created, err := reg.Create(ctx, &types.Task{Title: "short lived"})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, created.ID))

	_, err = reg.Get(ctx, created.ID)
	assert.True(t, errdefs.IsNotFound(err), "got %v", err)

	entry, err := cl.LatestFor(types.EntityTask, created.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, types.OpDelete, entry.Operation)
	assert.Nil(t, entry.Payload)
}

// TestReleaseReturnsToPool verifies that releasing a claim makes the
// task claimable again without burning retry budget.
func TestReleaseReturnsToPool(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := openTestRegistry(t)

	created, err := reg.Create(ctx, &types.Task{Title: "handed back"})
	require.NoError(t, err)
	claimed, err := reg.ClaimByID(ctx, created.ID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	released, err := reg.Release(ctx, created.ID, "agent shutting down")
	require.NoError(t, err)
	require.NotNil(t, released)
	assert.Equal(t, types.TaskStatusReady, released.Status)
	assert.Nil(t, released.AssignedAgent)
	assert.Zero(t, released.RetryCount)
	assert.Greater(t, released.SyncVersion, claimed.SyncVersion)

	again, err := reg.Release(ctx, created.ID, "double release")
	require.NoError(t, err)
	assert.Nil(t, again)
}

// TestAttachSnapshotMissingTask verifies that linking a snapshot to an
// unknown task is silently skipped.
func TestAttachSnapshotMissingTask(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := openTestRegistry(t)

	linked, err := reg.AttachSnapshot(ctx, "ghost", "snap-1")
	require.NoError(t, err)
	assert.Nil(t, linked)
}
