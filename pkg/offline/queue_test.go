package offline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/events"
	"github.com/apiary-io/apiary/pkg/health"
	"github.com/apiary-io/apiary/pkg/types"
)

func openTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "sync", "offline-queue.db"), nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func queuedTask(id string) *types.QueuedChange {
	return &types.QueuedChange{
		ID:           id,
		Operation:    types.OpUpdate,
		ResourceType: types.EntityTask,
		ResourceID:   "t-" + id,
	}
}

// TestEnqueueDefaults verifies row initialization and input
// validation.
func TestEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Options{})

	change, err := q.Enqueue(ctx, &types.QueuedChange{
		Operation:    types.OpCreate,
		ResourceType: types.EntityMemory,
		ResourceID:   "m1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, change.ID)
	assert.Equal(t, types.QueueStatusPending, change.Status)
	assert.Zero(t, change.Attempts)
	assert.Equal(t, DefaultMaxAttempts, change.MaxAttempts)
	assert.False(t, change.CreatedAt.IsZero())

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	tests := []struct {
		name   string
		change *types.QueuedChange
	}{
		{"missing resource id", &types.QueuedChange{ResourceType: types.EntityTask}},
		{"unknown resource type", &types.QueuedChange{ResourceType: "widget", ResourceID: "w1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.change)
			assert.True(t, errdefs.IsConstraint(err), "got %v", err)
		})
	}
}

// TestEnqueueDedup verifies that re-enqueueing a change ID overwrites
// in place and keeps the original drain position.
func TestEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Options{})

	_, err := q.Enqueue(ctx, queuedTask("c1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queuedTask("c2"))
	require.NoError(t, err)

	again := queuedTask("c1")
	again.Payload = []byte(`{"title":"newer"}`)
	_, err = q.Enqueue(ctx, again)
	require.NoError(t, err)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "c1", pending[0].ID, "dedup keeps the original position")
	assert.JSONEq(t, `{"title":"newer"}`, string(pending[0].Payload))
	assert.Equal(t, "c2", pending[1].ID)
}

// TestProcessQueueDrains verifies the happy path: every due row goes
// through the handler once and leaves the queue.
func TestProcessQueueDrains(t *testing.T) {
	ctx := context.Background()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	q, err := Open(filepath.Join(t.TempDir(), "offline-queue.db"), broker, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	var delivered atomic.Int32
	q.SetHandler(func(ctx context.Context, change *types.QueuedChange) error {
		delivered.Add(1)
		return nil
	})

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, queuedTask(fmt.Sprintf("c%d", i)))
		require.NoError(t, err)
	}

	stats, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Synced)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Remaining)
	assert.Equal(t, int32(3), delivered.Load())

	synced := 0
	deadline := time.After(2 * time.Second)
	for synced < 3 {
		select {
		case ev := <-sub:
			if ev.Type == events.EventChangeSynced {
				synced++
			}
		case <-deadline:
			t.Fatalf("saw %d changeSynced events, want 3", synced)
		}
	}
}

// TestProcessQueueWithoutHandler verifies the guard against draining
// with nothing registered.
func TestProcessQueueWithoutHandler(t *testing.T) {
	q := openTestQueue(t, Options{})
	_, err := q.ProcessQueue(context.Background())
	assert.True(t, errdefs.IsInvalidState(err), "got %v", err)
}

// TestProcessQueueBackoff verifies that a failing row is rescheduled
// within the backoff window and is not retried before it is due.
func TestProcessQueueBackoff(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Options{BaseDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond})

	var calls atomic.Int32
	q.SetHandler(func(ctx context.Context, change *types.QueuedChange) error {
		calls.Add(1)
		return errors.New("peer rejected the payload")
	})

	_, err := q.Enqueue(ctx, queuedTask("c1"))
	require.NoError(t, err)

	before := time.Now().UTC()
	stats, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Synced)
	assert.Equal(t, 1, stats.Remaining, "row stays pending")

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].Error, "rejected")
	require.NotNil(t, pending[0].NextRetryAt)

	wait := pending[0].NextRetryAt.Sub(before)
	assert.GreaterOrEqual(t, wait, 50*time.Millisecond)
	assert.LessOrEqual(t, wait, 200*time.Millisecond)

	// Not due yet, so an immediate drain must not touch it.
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	time.Sleep(wait + 20*time.Millisecond)
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

// TestRetryDelayBounds verifies the backoff window for each attempt
// count against the default pacing.
func TestRetryDelayBounds(t *testing.T) {
	q := openTestQueue(t, Options{})

	tests := []struct {
		attempts int
		min      time.Duration
		max      time.Duration
	}{
		{1, time.Second, 1250 * time.Millisecond},
		{2, 2 * time.Second, 2500 * time.Millisecond},
		{3, 4 * time.Second, 5 * time.Second},
		{5, 16 * time.Second, 20 * time.Second},
		{0, time.Second, 1250 * time.Millisecond},
		{12, 60 * time.Second, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempts), func(t *testing.T) {
			for i := 0; i < 50; i++ {
				delay := q.retryDelay(tt.attempts)
				assert.GreaterOrEqual(t, delay, tt.min)
				assert.LessOrEqual(t, delay, tt.max)
			}
		})
	}
}

// TestProcessQueueExhaustsBudget verifies the permanent-failure path.
func TestProcessQueueExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Options{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	q.SetHandler(func(ctx context.Context, change *types.QueuedChange) error {
		return errors.New("schema mismatch")
	})

	change := queuedTask("c1")
	change.MaxAttempts = 2
	_, err := q.Enqueue(ctx, change)
	require.NoError(t, err)
	// Enqueue resets the budget from options unless the caller set one.
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending[0].MaxAttempts)

	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	stats, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "failed rows leave the pending pool")

	failed, err := q.FailedChanges(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, types.QueueStatusFailed, failed[0].Status)
	assert.Equal(t, 2, failed[0].Attempts)

	// The budget is spent; nothing further is attempted.
	var calls atomic.Int32
	q.SetHandler(func(ctx context.Context, change *types.QueuedChange) error {
		calls.Add(1)
		return nil
	})
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
}

// TestNetworkErrorFlipsOffline verifies connectivity classification
// and the offline gate on draining.
func TestNetworkErrorFlipsOffline(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Options{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	var calls atomic.Int32
	q.SetHandler(func(ctx context.Context, change *types.QueuedChange) error {
		calls.Add(1)
		return errors.New("fetch failed: ECONNREFUSED 127.0.0.1:8787")
	})

	_, err := q.Enqueue(ctx, queuedTask("c1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queuedTask("c2"))
	require.NoError(t, err)

	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.False(t, q.Online())
	assert.Equal(t, int32(1), calls.Load(), "drain stops at the first connectivity failure")

	// Offline drains are skipped outright.
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	q.SetHandler(func(ctx context.Context, change *types.QueuedChange) error {
		return nil
	})
	q.MarkOnline()
	time.Sleep(10 * time.Millisecond)

	stats, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Synced)
	assert.Zero(t, stats.Remaining)
}

// TestIsNetworkError verifies both classification paths: structured
// kinds and message patterns.
func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network kind", errdefs.Network("peer gone"), true},
		{"timeout kind", errdefs.Timeout("push took too long"), true},
		{"connection kind", errdefs.Connection("opening socket"), true},
		{"econnrefused text", errors.New("dial tcp: ECONNREFUSED"), true},
		{"enotfound text", errors.New("getaddrinfo ENOTFOUND edge.local"), true},
		{"fetch failed text", errors.New("fetch failed"), true},
		{"aborted text", errors.New("request aborted mid-flight"), true},
		{"plain rejection", errors.New("schema mismatch"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNetworkError(tt.err))
		})
	}
}

// flakyChecker reports down until flipped.
type flakyChecker struct {
	up atomic.Bool
}

func (f *flakyChecker) Check(ctx context.Context) health.Result {
	return health.Result{Healthy: f.up.Load(), CheckedAt: time.Now()}
}

// TestHealthGatedDrain verifies that a recovering health probe flips
// the queue online and drains it without any manual call.
func TestHealthGatedDrain(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Options{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	q.SetHandler(func(ctx context.Context, change *types.QueuedChange) error {
		return nil
	})
	_, err := q.Enqueue(ctx, queuedTask("c1"))
	require.NoError(t, err)

	checker := &flakyChecker{}
	monitor := health.NewMonitor(checker, health.Config{Interval: 10 * time.Millisecond, Retries: 1})
	q.Start(monitor)

	require.Eventually(t, func() bool { return !q.Online() }, 2*time.Second, 5*time.Millisecond,
		"failed probes take the queue offline")

	checker.up.Store(true)
	require.Eventually(t, func() bool {
		if !q.Online() {
			return false
		}
		depth, err := q.Depth(ctx)
		return err == nil && depth == 0
	}, 2*time.Second, 5*time.Millisecond, "recovery drains the queue")
}
