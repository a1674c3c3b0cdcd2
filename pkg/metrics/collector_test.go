package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiary-io/apiary/pkg/agent"
	"github.com/apiary-io/apiary/pkg/bus"
	"github.com/apiary-io/apiary/pkg/changelog"
	"github.com/apiary-io/apiary/pkg/config"
	"github.com/apiary-io/apiary/pkg/events"
	"github.com/apiary-io/apiary/pkg/governor"
	"github.com/apiary-io/apiary/pkg/lease"
	"github.com/apiary-io/apiary/pkg/offline"
	"github.com/apiary-io/apiary/pkg/store"
	"github.com/apiary-io/apiary/pkg/task"
	"github.com/apiary-io/apiary/pkg/types"
)

// TestCollect verifies that one collection pass lands every gauge the
// fixture can feed, including zeroes for absent statuses.
func TestCollect(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cl, err := changelog.Open(filepath.Join(dir, "changelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	queue, err := offline.Open(filepath.Join(dir, "offline-queue.db"), broker, offline.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	tasks := task.NewRegistry(st, cl, broker)
	agents := agent.NewRegistry(st)
	leases := lease.NewManager(st, broker)
	b := bus.NewDBBus(st, cl)
	gov := governor.New(tasks, nil, config.RuntimeConfig{CheckInterval: time.Minute})
	t.Cleanup(gov.Close)

	// Two ready tasks, one of them later claimed.
	_, err = tasks.Create(ctx, &types.Task{Title: "write docs"})
	require.NoError(t, err)
	claimable, err := tasks.Create(ctx, &types.Task{Title: "fix flake"})
	require.NoError(t, err)

	_, err = agents.Register(ctx, &types.Agent{ID: "a-1"})
	require.NoError(t, err)
	_, err = agents.Register(ctx, &types.Agent{ID: "a-2"})
	require.NoError(t, err)
	require.NoError(t, agents.MarkOffline(ctx, "a-2"))

	claimed, err := tasks.ClaimByID(ctx, claimable.ID, "a-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, ok, err := leases.Acquire(ctx, "src/live.go", "a-1", nil, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = leases.Acquire(ctx, "src/stale.go", "a-1", nil, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	to := "a-2"
	_, err = b.Send(ctx, &types.Message{
		Type:        types.MsgTaskHandoff,
		FromAgent:   "a-1",
		ToAgent:     &to,
		AckRequired: true,
	})
	require.NoError(t, err)

	gov.CycleComplete(ctx, true)

	c := NewCollector(Sources{
		Tasks:    tasks,
		Agents:   agents,
		Leases:   leases,
		Changes:  cl,
		Queue:    queue,
		Bus:      b,
		Governor: gov,
	}, time.Minute)
	c.Collect(ctx)

	assert.Equal(t, float64(1), testutil.ToFloat64(TasksTotal.WithLabelValues("ready")))
	assert.Equal(t, float64(1), testutil.ToFloat64(TasksTotal.WithLabelValues("claimed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(TasksTotal.WithLabelValues("completed")))

	assert.Equal(t, float64(1), testutil.ToFloat64(AgentsTotal.WithLabelValues("idle")))
	assert.Equal(t, float64(1), testutil.ToFloat64(AgentsTotal.WithLabelValues("offline")))
	assert.Equal(t, float64(0), testutil.ToFloat64(AgentsTotal.WithLabelValues("busy")))

	assert.Equal(t, float64(1), testutil.ToFloat64(LeasesActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(LeasesExpired))

	assert.Greater(t, testutil.ToFloat64(ChangelogEntries), float64(0))
	assert.Greater(t, testutil.ToFloat64(ChangelogVersion), float64(0))

	assert.Equal(t, float64(0), testutil.ToFloat64(QueueDepth))
	assert.Equal(t, float64(1), testutil.ToFloat64(QueueOnline))

	assert.Equal(t, float64(1), testutil.ToFloat64(MessagesUnacked))
	assert.Equal(t, float64(1), testutil.ToFloat64(GovernorCycles))
}

// TestCollectSkipsNilSources verifies that missing handles do not panic
// a collection pass.
func TestCollectSkipsNilSources(t *testing.T) {
	c := NewCollector(Sources{}, 0)
	assert.Equal(t, DefaultInterval, c.interval)
	c.Collect(context.Background())
}

// TestCollectorLoop verifies that the background loop refreshes gauges
// until stopped.
func TestCollectorLoop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cl, err := changelog.Open(filepath.Join(dir, "changelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	tasks := task.NewRegistry(st, cl, nil)

	c := NewCollector(Sources{Tasks: tasks}, 5*time.Millisecond)
	c.Start()
	t.Cleanup(c.Stop)

	_, err = tasks.Create(ctx, &types.Task{Title: "show up in gauges"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(TasksTotal.WithLabelValues("ready")) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}
