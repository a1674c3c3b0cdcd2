package plane

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiary-io/apiary/pkg/bus"
	"github.com/apiary-io/apiary/pkg/config"
	"github.com/apiary-io/apiary/pkg/edge"
	"github.com/apiary-io/apiary/pkg/governor"
	"github.com/apiary-io/apiary/pkg/types"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Metrics.Enabled = false
	return cfg
}

func TestOpenLocalMode(t *testing.T) {
	p, err := Open(localConfig(t))
	require.NoError(t, err)
	defer p.Close()

	assert.NotNil(t, p.Tasks)
	assert.NotNil(t, p.Agents)
	assert.NotNil(t, p.Leases)
	assert.NotNil(t, p.Quality)
	assert.NotNil(t, p.Sched)
	assert.NotNil(t, p.Governor)
	assert.IsType(t, &bus.DBBus{}, p.Bus)

	// Local mode carries no remote half.
	assert.Nil(t, p.Queue)
	assert.Nil(t, p.Syncer)
}

func TestOpenCreatesLayout(t *testing.T) {
	cfg := localConfig(t)
	p, err := Open(cfg)
	require.NoError(t, err)
	defer p.Close()

	_, err = os.Stat(filepath.Join(cfg.DataDir, "tasks.db"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.DataDir, "sync", "changelog.db"))
	assert.NoError(t, err)
}

func TestOpenHybridModeWiresSync(t *testing.T) {
	feed, err := edge.OpenLog(filepath.Join(t.TempDir(), "edge.db"))
	require.NoError(t, err)
	defer feed.Close()
	peer := httptest.NewServer(edge.NewServer(feed, "secret").Handler())
	defer peer.Close()

	cfg := localConfig(t)
	cfg.Mode = config.ModeHybrid
	cfg.Edge.URL = peer.URL
	cfg.Edge.Token = "secret"
	cfg.Sync.Auto = false

	p, err := Open(cfg)
	require.NoError(t, err)
	defer p.Close()

	require.NotNil(t, p.Queue)
	require.NotNil(t, p.Syncer)

	// The plane round-trips through the peer: a created task is
	// pushed on the next sync cycle.
	_, err = p.Tasks.Create(context.Background(), &types.Task{Title: "wire check"})
	require.NoError(t, err)

	res, err := p.Syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
}

func TestClientIDStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := loadClientID(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := loadClientID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := localConfig(t)
	cfg.Runtime.CheckInterval = 20 * time.Millisecond
	// No tasks and a long idle timeout: only cancellation ends the run.
	cfg.Runtime.IdleTimeout = time.Hour

	p, err := Open(cfg)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	state, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, governor.EndManualStop, state)
}

func TestRunEndsWhenQueueDrains(t *testing.T) {
	cfg := localConfig(t)
	cfg.Runtime.CheckInterval = 20 * time.Millisecond

	p, err := Open(cfg)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, governor.EndAllTasksComplete, state)
}

func TestCloseIsIdempotent(t *testing.T) {
	p, err := Open(localConfig(t))
	require.NoError(t, err)

	require.NoError(t, p.Close())
	// Second close must not panic or error on already closed handles.
	_ = p.Close()
}
