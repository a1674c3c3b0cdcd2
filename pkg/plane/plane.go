package plane

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/apiary-io/apiary/pkg/agent"
	"github.com/apiary-io/apiary/pkg/bus"
	"github.com/apiary-io/apiary/pkg/changelog"
	"github.com/apiary-io/apiary/pkg/config"
	"github.com/apiary-io/apiary/pkg/conflict"
	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/events"
	"github.com/apiary-io/apiary/pkg/governor"
	"github.com/apiary-io/apiary/pkg/health"
	"github.com/apiary-io/apiary/pkg/lease"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/memory"
	"github.com/apiary-io/apiary/pkg/metrics"
	"github.com/apiary-io/apiary/pkg/offline"
	"github.com/apiary-io/apiary/pkg/quality"
	"github.com/apiary-io/apiary/pkg/reconciler"
	"github.com/apiary-io/apiary/pkg/scheduler"
	"github.com/apiary-io/apiary/pkg/store"
	"github.com/apiary-io/apiary/pkg/syncer"
	"github.com/apiary-io/apiary/pkg/task"
	"github.com/apiary-io/apiary/pkg/types"
)

// syncDirName under the data directory holds the change log, the
// offline queue, and the sync state file.
const syncDirName = "sync"

// clientIDFileName pins this node's sync identity across restarts.
const clientIDFileName = "client-id"

// Plane owns every coordination component and their start/stop order.
// Fields are exported so callers (the CLI, workers, tests) can reach
// individual registries; lifecycle stays with Open, Start, and Close.
type Plane struct {
	Config *config.Config

	Broker   *events.Broker
	Store    *store.Store
	Changes  *changelog.Log
	Tasks    *task.Registry
	Agents   *agent.Registry
	Memories *memory.Registry
	Plans    *memory.PlanRegistry
	Leases   *lease.Manager
	Bus      bus.Bus
	Quality  *quality.Ledger
	Sched    *scheduler.Scheduler
	Governor *governor.Governor

	// Queue and Syncer are nil in local mode.
	Queue  *offline.Queue
	Syncer *syncer.Syncer

	reconciler *reconciler.Reconciler
	collector  *metrics.Collector
	ops        *http.Server
	logger     zerolog.Logger
	started    bool
	closed     bool
}

// Open assembles the plane in dependency order: store and change log
// first, registries on top, sync last. Nothing is running yet; call
// Start (or Run) afterwards. A partially assembled plane is torn down
// before the error returns.
func Open(cfg *config.Config) (*Plane, error) {
	p := &Plane{
		Config: cfg,
		logger: log.WithComponent("plane"),
	}

	p.Broker = events.NewBroker()
	p.Broker.Start()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		p.close()
		return nil, err
	}
	p.Store = st
	metrics.RegisterComponent("store", true, "")

	changes, err := changelog.Open(filepath.Join(cfg.DataDir, syncDirName, "changelog.db"))
	if err != nil {
		p.close()
		return nil, err
	}
	p.Changes = changes
	metrics.RegisterComponent("changelog", true, "")

	p.Tasks = task.NewRegistry(st, changes, p.Broker)
	p.Agents = agent.NewRegistry(st)
	p.Memories = memory.NewRegistry(st, changes)
	p.Plans = memory.NewPlanRegistry(st, changes)
	p.Leases = lease.NewManager(st, p.Broker)
	p.Quality = quality.NewLedger(st, p.Tasks, p.Broker, 0)

	b, err := bus.New(string(cfg.Bus.Variant), st, changes, cfg.DataDir)
	if err != nil {
		p.close()
		return nil, err
	}
	p.Bus = b
	metrics.RegisterComponent("bus", true, "")

	p.Sched = scheduler.New(p.Tasks, p.Agents, nil, scheduler.Config{
		PartialCredit:       cfg.Scheduler.PartialCredit,
		MinSkillScore:       cfg.Scheduler.MinSkillScore,
		MaxClaimAttempts:    cfg.Scheduler.MaxClaimAttempts,
		AllowRetrySameAgent: cfg.Scheduler.AllowRetrySameAgent,
	})
	p.Governor = governor.New(p.Tasks, p.Broker, cfg.Runtime)

	p.reconciler = reconciler.New(p.Tasks, p.Agents, p.Leases, p.Bus, changes, p.Broker, reconciler.Config{
		LeaseInterval:      cfg.Sweep.LeaseInterval,
		PromoteInterval:    cfg.Sweep.PromoteInterval,
		PurgeInterval:      cfg.Bus.PurgeInterval,
		HeartbeatThreshold: cfg.Sweep.HeartbeatThreshold,
	})

	if cfg.Mode != config.ModeLocal {
		if err := p.openSync(); err != nil {
			p.close()
			return nil, err
		}
	}

	p.collector = metrics.NewCollector(metrics.Sources{
		Tasks:    p.Tasks,
		Agents:   p.Agents,
		Leases:   p.Leases,
		Changes:  changes,
		Queue:    p.Queue,
		Bus:      p.Bus,
		Governor: p.Governor,
	}, 0)

	return p, nil
}

// openSync wires the remote half: offline queue, edge client, conflict
// resolver, and the syncer with one adapter per synced entity type.
func (p *Plane) openSync() error {
	cfg := p.Config
	syncDir := filepath.Join(cfg.DataDir, syncDirName)

	clientID, err := loadClientID(syncDir)
	if err != nil {
		return err
	}

	queue, err := offline.Open(filepath.Join(syncDir, "offline-queue.db"), p.Broker, offline.Options{
		BaseDelay:   cfg.Queue.BaseDelay,
		MaxDelay:    cfg.Queue.MaxDelay,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	if err != nil {
		return err
	}
	p.Queue = queue

	client, err := syncer.NewEdgeClient(syncer.ClientConfig{
		EdgeURL:    cfg.Edge.URL,
		APIToken:   cfg.Edge.Token,
		ClientID:   clientID,
		Timeout:    cfg.Sync.Timeout,
		MaxRetries: cfg.Sync.MaxRetries,
	})
	if err != nil {
		return err
	}

	resolver, err := conflict.NewResolver(conflict.LastWriteWins)
	if err != nil {
		return err
	}

	opts := syncer.Options{
		Dir:       syncDir,
		BatchSize: cfg.Sync.BatchSize,
	}
	if cfg.Sync.Auto {
		opts.PollingInterval = cfg.Sync.PollingInterval
	}
	sy, err := syncer.New(client, p.Changes, queue, resolver, p.Broker, opts)
	if err != nil {
		return err
	}
	p.Syncer = sy

	sy.Register(syncer.NewAdapter(types.EntityTask, p.Tasks.ApplyChange))
	sy.Register(syncer.NewAdapter(types.EntityMemory, p.Memories.ApplyChange))
	sy.Register(syncer.NewAdapter(types.EntityPlan, p.Plans.ApplyChange))
	// Only the store-backed bus syncs messages; mailbox traffic is
	// node-local by design.
	if db, ok := p.Bus.(*bus.DBBus); ok {
		sy.Register(syncer.NewAdapter(types.EntityMessage, db.ApplyChange))
	}
	return nil
}

// Start launches the background loops: governor, reconciler sweeps,
// metrics collection, queue health polling, and auto-sync. Starting an
// already started plane is a no-op.
func (p *Plane) Start() {
	if p.started {
		return
	}
	p.started = true

	p.Governor.Start()
	p.reconciler.Start()
	if p.Config.Metrics.Enabled {
		p.collector.Start()
	}

	if p.Queue != nil {
		monitor := health.NewMonitor(
			health.NewEdgeChecker(p.Config.Edge.URL, p.Config.Edge.Token, p.clientID()),
			health.Config{Interval: p.Config.Queue.HealthCheckInterval},
		)
		p.Queue.Start(monitor)
	}
	if p.Syncer != nil && p.Config.Sync.Auto {
		p.Syncer.Start()
	}
	p.logger.Info().
		Str("mode", string(p.Config.Mode)).
		Str("data_dir", p.Config.DataDir).
		Msg("coordination plane started")
}

// Run starts the plane and blocks until the governor reaches an end
// state or ctx is cancelled, serving the ops endpoint alongside when
// metrics are enabled. It returns the governor's end state.
func (p *Plane) Run(ctx context.Context) (governor.EndState, error) {
	p.Start()

	g, ctx := errgroup.WithContext(ctx)

	if p.Config.Metrics.Enabled {
		p.ops = &http.Server{
			Addr:              p.Config.Metrics.Addr,
			Handler:           opsRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			err := p.ops.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-p.Governor.Done():
		case <-ctx.Done():
			p.Governor.RequestStop("context cancelled")
			<-p.Governor.Done()
		}
		if p.ops != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			p.ops.Shutdown(shutdownCtx)
		}
		return nil
	})

	err := g.Wait()
	state, reason := p.Governor.Result()
	p.logger.Info().
		Str("end_state", string(state)).
		Str("reason", reason).
		Msg("run finished")
	return state, err
}

// Close quiesces in reverse dependency order: sync and queue first so
// nothing new enters the change stream, then the sweeps and loops,
// then the durable stores.
func (p *Plane) Close() error {
	return p.close()
}

func (p *Plane) close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if p.Syncer != nil {
		keep(p.Syncer.Close())
	}
	if p.Queue != nil {
		keep(p.Queue.Close())
	}
	if p.collector != nil {
		p.collector.Stop()
	}
	if p.reconciler != nil {
		p.reconciler.Stop()
	}
	if p.Governor != nil {
		p.Governor.Close()
	}
	if p.Bus != nil {
		keep(p.Bus.Close())
	}
	if p.Changes != nil {
		keep(p.Changes.Close())
	}
	if p.Store != nil {
		keep(p.Store.Close())
	}
	if p.Broker != nil {
		p.Broker.Stop()
	}
	p.started = false
	return firstErr
}

// clientID returns the persisted sync identity, empty when sync is off.
func (p *Plane) clientID() string {
	if p.Syncer == nil {
		return ""
	}
	return p.Syncer.Status().ClientID
}

// opsRouter serves metrics and the kube-style health probes.
func opsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())
	return r
}

// loadClientID reads the stored sync identity, minting and persisting
// one on first use so the peer sees a stable client across restarts.
func loadClientID(syncDir string) (string, error) {
	path := filepath.Join(syncDir, clientIDFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", errdefs.Connection("reading client id: %v", err)
	}

	id := "apiary-" + uuid.NewString()
	if err := os.MkdirAll(syncDir, 0o755); err != nil {
		return "", errdefs.Connection("creating sync dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", errdefs.Connection("writing client id: %v", err)
	}
	return id, nil
}
