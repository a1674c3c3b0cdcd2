package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testTask(id string, priority types.TaskPriority, status types.TaskStatus, created time.Time) *types.Task {
	return &types.Task{
		ID:         id,
		Title:      "task " + id,
		Status:     status,
		Priority:   priority,
		MaxRetries: 3,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

// TestOpenReopen verifies migrations are idempotent and data survives a
// close/reopen cycle.
func TestOpenReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, testTask("t1", types.PriorityHigh, types.TaskStatusReady, now)))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "task t1", task.Title)
	assert.Equal(t, types.PriorityHigh, task.Priority)
	assert.Equal(t, now, task.CreatedAt)
}

// TestGetTaskNotFound verifies missing rows map to the typed not-found error.
func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetTask(context.Background(), "nope")
	assert.True(t, errdefs.IsNotFound(err))
}

// TestCreateTaskDuplicate verifies a duplicate insert maps to already-exists.
func TestCreateTaskDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateTask(ctx, testTask("dup", types.PriorityMedium, types.TaskStatusReady, now)))
	err := s.CreateTask(ctx, testTask("dup", types.PriorityMedium, types.TaskStatusReady, now))
	assert.True(t, errdefs.IsAlreadyExists(err))
}

// TestTimeCodecSortable verifies the stored timestamp encoding compares
// lexicographically in time order, including sub-second boundaries that
// RFC3339Nano would trim.
func TestTimeCodecSortable(t *testing.T) {
	times := []time.Time{
		time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		time.Date(2026, 1, 2, 3, 4, 5, 100, time.UTC),
		time.Date(2026, 1, 2, 3, 4, 5, 990000000, time.UTC),
		time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
		time.Date(2026, 1, 2, 3, 4, 10, 0, time.UTC),
	}
	for i := 1; i < len(times); i++ {
		prev, cur := encodeTime(times[i-1]), encodeTime(times[i])
		assert.Less(t, prev, cur, "encoded timestamps must sort like the instants")
	}

	for _, in := range times {
		out, err := decodeTime(encodeTime(in))
		require.NoError(t, err)
		assert.True(t, in.Equal(out))
	}
}

// TestDecodeTimeAcceptsRFC3339 verifies rows written with plain RFC3339
// timestamps still decode.
func TestDecodeTimeAcceptsRFC3339(t *testing.T) {
	out, err := decodeTime("2026-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), out)
}

// TestMemoryRoundTrip covers memory create, list filtering, update, and delete.
func TestMemoryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agent := "agent-1"
	task := "t1"

	mems := []*types.Memory{
		{ID: "m1", AgentID: &agent, TaskID: &task, Kind: types.MemoryLearning, Content: "migrations must be idempotent", Tags: []string{"db"}, CreatedAt: now, UpdatedAt: now},
		{ID: "m2", AgentID: &agent, Kind: types.MemoryNote, Content: "retry budget is small", CreatedAt: now.Add(time.Minute), UpdatedAt: now.Add(time.Minute)},
		{ID: "m3", Kind: types.MemoryDecision, Content: "keep the bus durable", CreatedAt: now.Add(2 * time.Minute), UpdatedAt: now.Add(2 * time.Minute)},
	}
	for _, m := range mems {
		require.NoError(t, s.CreateMemory(ctx, m))
	}

	byAgent, err := s.ListMemories(ctx, MemoryFilter{AgentID: agent})
	require.NoError(t, err)
	require.Len(t, byAgent, 2)
	assert.Equal(t, "m2", byAgent[0].ID, "newest first")

	byKind, err := s.ListMemories(ctx, MemoryFilter{Kind: types.MemoryDecision})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "m3", byKind[0].ID)

	got, err := s.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, got.Tags)
	require.NotNil(t, got.TaskID)
	assert.Equal(t, task, *got.TaskID)

	got.Content = "migrations must be idempotent and ordered"
	got.UpdatedAt = now.Add(time.Hour)
	require.NoError(t, s.UpdateMemory(ctx, got))
	got, err = s.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Contains(t, got.Content, "ordered")

	require.NoError(t, s.DeleteMemory(ctx, "m1"))
	_, err = s.GetMemory(ctx, "m1")
	assert.True(t, errdefs.IsNotFound(err))
}

// TestPlanRoundTrip covers plan create, step encoding, listing, and update.
func TestPlanRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	plan := &types.Plan{
		ID:     "p1",
		TaskID: "t1",
		Title:  "split the parser",
		Steps: []types.PlanStep{
			{ID: "s1", Description: "extract lexer", Status: types.StepStatusPending},
			{ID: "s2", Description: "add golden tests", Status: types.StepStatusPending},
		},
		Status:    types.PlanStatusDraft,
		CreatedBy: "agent-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreatePlan(ctx, plan))

	got, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "extract lexer", got.Steps[0].Description)

	got.Status = types.PlanStatusApproved
	got.Steps[0].Status = types.StepStatusDone
	got.UpdatedAt = now.Add(time.Hour)
	require.NoError(t, s.UpdatePlan(ctx, got))

	require.NoError(t, s.CreatePlan(ctx, &types.Plan{
		ID: "p2", TaskID: "t1", Title: "alternative", Status: types.PlanStatusDraft,
		CreatedAt: now.Add(2 * time.Hour), UpdatedAt: now.Add(2 * time.Hour),
	}))

	plans, err := s.ListPlansForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "p2", plans[0].ID, "newest first")
	assert.Equal(t, types.PlanStatusApproved, plans[1].Status)
	assert.Equal(t, types.StepStatusDone, plans[1].Steps[0].Status)

	other, err := s.ListPlansForTask(ctx, "t2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

// TestQualityBaselineSingleton verifies the baseline row upserts in place
// and reads back nil before it is ever set.
func TestQualityBaselineSingleton(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	got, err := s.GetQualityBaseline(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "unset baseline reads back nil")

	ok := true
	cov := 81.5
	require.NoError(t, s.SetQualityBaseline(ctx, &types.QualityBaseline{
		BuildSuccess: &ok, TypeErrors: 2, TestsPassing: 100, TestCoverage: &cov,
		SetBy: "agent-1", CreatedAt: now, UpdatedAt: now,
	}))

	got, err = s.GetQualityBaseline(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.TypeErrors)
	require.NotNil(t, got.TestCoverage)
	assert.Equal(t, 81.5, *got.TestCoverage)

	cov2 := 83.0
	require.NoError(t, s.SetQualityBaseline(ctx, &types.QualityBaseline{
		BuildSuccess: &ok, TypeErrors: 0, TestsPassing: 120, TestCoverage: &cov2,
		SetBy: "agent-2", CreatedAt: now, UpdatedAt: now.Add(time.Hour),
	}))

	got, err = s.GetQualityBaseline(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.TypeErrors)
	assert.Equal(t, "agent-2", got.SetBy)
}

// TestQualitySnapshotListing verifies snapshots list newest first and
// honor the task filter and limit.
func TestQualitySnapshotListing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task := "t1"

	for i, id := range []string{"q1", "q2", "q3"} {
		snap := &types.QualitySnapshot{
			ID:           id,
			TaskID:       &task,
			TypeErrors:   i,
			TestsPassing: 10 * i,
			RecordedAt:   now.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateQualitySnapshot(ctx, snap))
	}
	require.NoError(t, s.CreateQualitySnapshot(ctx, &types.QualitySnapshot{
		ID: "other", RecordedAt: now,
	}))

	snaps, err := s.ListQualitySnapshots(ctx, task, 2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "q3", snaps[0].ID)
	assert.Equal(t, "q2", snaps[1].ID)

	got, err := s.GetQualitySnapshot(ctx, "q2")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TypeErrors)
	assert.Equal(t, 10, got.TestsPassing)
}
