package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/agent"
	"github.com/apiary-io/apiary/pkg/bus"
	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/governor"
	"github.com/apiary-io/apiary/pkg/lease"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/scheduler"
	"github.com/apiary-io/apiary/pkg/task"
	"github.com/apiary-io/apiary/pkg/types"
)

const (
	// DefaultHeartbeatInterval is how often the worker reports liveness.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultPollInterval is how long the worker sleeps between claim
	// attempts when the queue gave it nothing.
	DefaultPollInterval = 3 * time.Second

	heartbeatTimeout = 5 * time.Second
	teardownTimeout  = 5 * time.Second
)

// Handler is the agent body. The harness hands it one claimed task at a
// time; the returned payload is stored as the task result. A returned
// error fails the task, classified by classify.
type Handler interface {
	Execute(ctx context.Context, t *types.Task, tools *Tools) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t *types.Task, tools *Tools) (json.RawMessage, error)

// Execute calls fn.
func (fn HandlerFunc) Execute(ctx context.Context, t *types.Task, tools *Tools) (json.RawMessage, error) {
	return fn(ctx, t, tools)
}

// MessageFunc receives bus messages the harness does not consume
// itself. It runs on the work loop, so it must not block for long.
type MessageFunc func(ctx context.Context, m *types.Message)

// Config describes the agent this worker registers as and how
// aggressively it polls.
type Config struct {
	// ID is the agent ID to register under. Empty means a generated
	// one; a fixed ID lets a restarted worker revive its old row.
	ID     string
	Name   string
	Type   string
	Skills []string

	RunsTests   bool
	RunsBuild   bool
	RunsBrowser bool

	// MaxTaskMinutes bounds a single execution. Zero means unbounded.
	MaxTaskMinutes int

	// Machine defaults to the hostname.
	Machine string

	// Filter narrows which tasks this worker will claim, on top of the
	// scheduler's skill matching. Status is always overridden to ready.
	Filter types.TaskFilter

	HeartbeatInterval time.Duration
	PollInterval      time.Duration

	// LeaseTTL is the duration Tools hands to the lease manager. Zero
	// falls back to the manager's default.
	LeaseTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Deps are the coordination-plane handles the worker runs against.
// Tasks, Agents, and Scheduler are required. A nil Bus disables the
// inbox and lifecycle announcements, a nil Leases disables the lease
// tools, and a nil Governor disables run accounting.
type Deps struct {
	Tasks     *task.Registry
	Agents    *agent.Registry
	Scheduler *scheduler.Scheduler
	Bus       bus.Bus
	Leases    *lease.Manager
	Governor  *governor.Governor
}

// Worker is the agent-side harness: it registers an agent, heartbeats,
// drains its inbox, claims tasks through the scheduler, and runs the
// injected Handler against each claim, reporting the outcome back to
// the plane. The agent body itself stays outside this package.
type Worker struct {
	cfg     Config
	handler Handler
	tasks   *task.Registry
	agents  *agent.Registry
	sched   *scheduler.Scheduler
	bus     bus.Bus
	leases  *lease.Manager
	gov     *governor.Governor
	logger  zerolog.Logger

	runCtx    context.Context
	runCancel context.CancelFunc

	mu        sync.Mutex
	agentID   string
	current   *types.Task
	progress  float64
	phase     types.TaskPhase
	onMessage MessageFunc
	started   bool
	stopped   bool
	torn      bool

	stopCh   chan struct{}
	hbDone   chan struct{}
	workDone chan struct{}
}

// New builds a worker. The handler and the required deps must be set.
func New(deps Deps, cfg Config, handler Handler) (*Worker, error) {
	if handler == nil {
		return nil, errdefs.Config("worker needs a handler")
	}
	if deps.Tasks == nil || deps.Agents == nil || deps.Scheduler == nil {
		return nil, errdefs.Config("worker needs task, agent, and scheduler deps")
	}
	return &Worker{
		cfg:      cfg.withDefaults(),
		handler:  handler,
		tasks:    deps.Tasks,
		agents:   deps.Agents,
		sched:    deps.Scheduler,
		bus:      deps.Bus,
		leases:   deps.Leases,
		gov:      deps.Governor,
		logger:   log.WithComponent("worker"),
		stopCh:   make(chan struct{}),
		hbDone:   make(chan struct{}),
		workDone: make(chan struct{}),
	}, nil
}

// OnMessage installs a callback for inbox messages the harness does not
// consume itself. Set it before Start.
func (w *Worker) OnMessage(fn MessageFunc) {
	w.mu.Lock()
	w.onMessage = fn
	w.mu.Unlock()
}

// Start registers the agent and launches the heartbeat and work loops.
// The context bounds the whole run: cancel it to abort the in-flight
// handler, or call Stop for a drain that lets it finish.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errdefs.InvalidState("worker already started")
	}
	if w.stopped {
		w.mu.Unlock()
		return errdefs.InvalidState("worker already stopped")
	}
	w.mu.Unlock()

	if err := w.register(ctx); err != nil {
		return err
	}

	runCtx, runCancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.runCtx = runCtx
	w.runCancel = runCancel
	w.started = true
	w.mu.Unlock()

	go w.heartbeatLoop()
	go w.workLoop()
	w.logger.Info().Strs("skills", w.cfg.Skills).Msg("worker started")
	return nil
}

// Stop drains the worker: no new claims, the in-flight handler may
// finish, then the agent row goes offline and held leases are dropped.
// Safe to call more than once.
func (w *Worker) Stop() {
	w.requestStop()

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.hbDone
		<-w.workDone
	}
	w.teardown()
}

// Done is closed when the work loop has exited, whether through Stop, a
// shutdown message, a governor end state, or context cancellation. Call
// Stop afterwards to finish teardown. Only meaningful after Start.
func (w *Worker) Done() <-chan struct{} {
	return w.workDone
}

// Running reports whether the work loop is still claiming.
func (w *Worker) Running() bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-w.workDone:
		return false
	default:
		return true
	}
}

// AgentID returns the registered agent ID, empty before Start.
func (w *Worker) AgentID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.agentID
}

// Current returns a copy of the task being executed, or nil.
func (w *Worker) Current() *types.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	c := *w.current
	return &c
}

func (w *Worker) register(ctx context.Context) error {
	machine := w.cfg.Machine
	if machine == "" {
		machine, _ = os.Hostname()
	}
	a := &types.Agent{
		ID:             w.cfg.ID,
		Name:           w.cfg.Name,
		Type:           w.cfg.Type,
		Skills:         w.cfg.Skills,
		RunsTests:      w.cfg.RunsTests,
		RunsBuild:      w.cfg.RunsBuild,
		RunsBrowser:    w.cfg.RunsBrowser,
		MaxTaskMinutes: w.cfg.MaxTaskMinutes,
		Machine:        machine,
		PID:            os.Getpid(),
	}

	reg, err := w.agents.Register(ctx, a)
	if errdefs.IsAlreadyExists(err) && w.cfg.ID != "" {
		// A previous run with this ID left its row behind. Revive it
		// instead of failing the restart.
		reg, err = w.agents.Heartbeat(ctx, w.cfg.ID, types.Heartbeat{Status: types.AgentStatusIdle})
		if err == nil {
			w.logger.Info().Str("agent_id", reg.ID).Msg("agent row revived from a previous run")
		}
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.agentID = reg.ID
	w.mu.Unlock()
	w.logger = w.logger.With().Str("agent_id", reg.ID).Logger()

	if w.bus != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"agent_id": reg.ID,
			"name":     reg.Name,
			"skills":   reg.Skills,
		})
		_, err := w.bus.Broadcast(ctx, &types.Message{
			Type:      types.MsgAgentStarted,
			FromAgent: reg.ID,
			Payload:   payload,
		})
		if err != nil {
			w.logger.Debug().Err(err).Msg("start announcement failed")
		}
	}
	return nil
}

func (w *Worker) teardown() {
	w.mu.Lock()
	if w.torn || w.agentID == "" {
		w.mu.Unlock()
		return
	}
	w.torn = true
	id := w.agentID
	cancelRun := w.runCancel
	w.mu.Unlock()

	// The run context may already be dead; teardown writes get their own.
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if w.bus != nil {
		payload, _ := json.Marshal(map[string]string{"agent_id": id})
		_, err := w.bus.Broadcast(ctx, &types.Message{
			Type:      types.MsgAgentStopped,
			FromAgent: id,
			Payload:   payload,
		})
		if err != nil {
			w.logger.Debug().Err(err).Msg("stop announcement failed")
		}
	}
	if w.leases != nil {
		if n, err := w.leases.ReleaseAll(ctx, id); err != nil {
			w.logger.Warn().Err(err).Msg("lease cleanup failed")
		} else if n > 0 {
			w.logger.Info().Int("leases_released", n).Msg("released held leases")
		}
	}
	if err := w.agents.MarkOffline(ctx, id); err != nil {
		w.logger.Warn().Err(err).Msg("offline mark failed")
	}
	if cancelRun != nil {
		cancelRun()
	}
	w.logger.Info().Msg("worker stopped")
}

func (w *Worker) heartbeatLoop() {
	defer close(w.hbDone)
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-w.runCtx.Done():
			return
		case <-ticker.C:
			w.sendHeartbeat()
		}
	}
}

func (w *Worker) sendHeartbeat() {
	hb := types.Heartbeat{Status: types.AgentStatusIdle}
	w.mu.Lock()
	switch {
	case w.current != nil:
		hb.Status = types.AgentStatusBusy
		hb.CurrentTask = &types.CurrentTask{
			ID:       w.current.ID,
			Progress: w.progress,
			Phase:    w.phase,
		}
	case w.stopped:
		hb.Status = types.AgentStatusShuttingDown
	}
	id := w.agentID
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(w.runCtx, heartbeatTimeout)
	defer cancel()
	if _, err := w.agents.Heartbeat(ctx, id, hb); err != nil && ctx.Err() == nil {
		w.logger.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (w *Worker) workLoop() {
	defer close(w.workDone)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-w.runCtx.Done():
			return
		default:
		}

		worked := w.cycle(w.runCtx)
		if w.gov != nil && w.gov.CycleComplete(w.runCtx, worked) {
			w.logger.Info().Msg("run ended, stopping")
			w.requestStop()
			continue
		}
		if worked {
			// The queue had something; go straight back for more.
			continue
		}

		select {
		case <-w.stopCh:
			return
		case <-w.runCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle runs one poll: drain the inbox, then claim and execute at most
// one task. Reports whether a task was executed.
func (w *Worker) cycle(ctx context.Context) bool {
	w.checkInbox(ctx)
	if w.stopRequested() {
		return false
	}

	t, err := w.sched.ClaimNext(ctx, w.AgentID(), w.cfg.Filter)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("claim attempt failed")
		}
		return false
	}
	if t == nil {
		return false
	}
	w.execute(ctx, t)
	return true
}

func (w *Worker) checkInbox(ctx context.Context) {
	if w.bus == nil {
		return
	}
	id := w.AgentID()
	msgs, err := w.bus.Receive(ctx, id, types.MessageFilter{UnreadOnly: true})
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("inbox read failed")
		}
		return
	}
	if len(msgs) == 0 {
		return
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if _, err := w.bus.MarkDelivered(ctx, ids, id); err != nil {
		w.logger.Warn().Err(err).Msg("delivery mark failed")
	}

	for _, m := range msgs {
		// Own broadcasts come back on Receive; mark them seen, skip them.
		if m.FromAgent == id {
			continue
		}
		if m.AckRequired {
			if _, err := w.bus.Acknowledge(ctx, m.ID, id); err != nil {
				w.logger.Warn().Str("message_id", m.ID).Err(err).Msg("ack failed")
			}
		}
		if m.Type == types.MsgSystemShutdown {
			w.logger.Info().Str("from", m.FromAgent).Msg("shutdown requested over the bus")
			w.requestStop()
			continue
		}
		w.mu.Lock()
		fn := w.onMessage
		w.mu.Unlock()
		if fn != nil {
			fn(ctx, m)
		}
	}
}

func (w *Worker) execute(ctx context.Context, t *types.Task) {
	logger := w.logger.With().Str("task_id", t.ID).Logger()
	logger.Info().Str("title", t.Title).Msg("task claimed")

	w.setCurrent(t)
	runCtx, cancel := w.taskContext(ctx)
	defer cancel()

	started := time.Now()
	result, err := w.runHandler(runCtx, t, &Tools{worker: w, taskID: t.ID})
	minutes := time.Since(started).Minutes()

	// Clear before the outcome writes so a heartbeat cannot re-mirror a
	// task the registry is about to settle.
	w.setCurrent(nil)

	// If the run context died mid-task the outcome still has to land.
	writeCtx := ctx
	if ctx.Err() != nil {
		var wcancel context.CancelFunc
		writeCtx, wcancel = context.WithTimeout(context.Background(), teardownTimeout)
		defer wcancel()
	}

	if err != nil {
		failure := classify(err)
		if _, ferr := w.tasks.Fail(writeCtx, t.ID, failure); ferr != nil {
			logger.Error().Err(ferr).Msg("failure report failed")
		}
		if serr := w.agents.UpdateStats(writeCtx, w.AgentID(), false, minutes); serr != nil {
			logger.Warn().Err(serr).Msg("stats update failed")
		}
		if w.gov != nil {
			w.gov.TaskFailed(t.ID, err)
		}
		logger.Warn().Err(err).Str("failure_type", string(failure.Type)).
			Bool("recoverable", failure.Recoverable).Msg("task failed")
	} else {
		if _, cerr := w.tasks.Complete(writeCtx, t.ID, result); cerr != nil {
			logger.Error().Err(cerr).Msg("completion report failed")
		} else {
			if serr := w.agents.UpdateStats(writeCtx, w.AgentID(), true, minutes); serr != nil {
				logger.Warn().Err(serr).Msg("stats update failed")
			}
			if w.gov != nil {
				w.gov.TaskCompleted(t.ID)
			}
			logger.Info().Msg("task completed")
		}
	}

	if w.leases != nil {
		if n, lerr := w.leases.ReleaseAll(writeCtx, w.AgentID()); lerr != nil {
			logger.Warn().Err(lerr).Msg("lease cleanup failed")
		} else if n > 0 {
			logger.Debug().Int("leases_released", n).Msg("leases released after task")
		}
	}
}

// runHandler shields the loops from a panicking agent body. A panic
// surfaces as a failure instead of taking the whole worker down.
func (w *Worker) runHandler(ctx context.Context, t *types.Task, tools *Tools) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
			w.logger.Error().Str("task_id", t.ID).Interface("panic", r).Msg("handler panicked")
		}
	}()
	return w.handler.Execute(ctx, t, tools)
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

// taskContext bounds a single execution by the configured task budget.
func (w *Worker) taskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.MaxTaskMinutes > 0 {
		return context.WithTimeout(ctx, time.Duration(w.cfg.MaxTaskMinutes)*time.Minute)
	}
	return context.WithCancel(ctx)
}

// classify maps a handler error onto the failure vocabulary. Timeouts,
// connectivity failures, and crashes stay recoverable; fatal,
// constraint, and invalid-state errors do not, those would fail
// identically on retry.
func classify(err error) types.TaskFailure {
	f := types.TaskFailure{
		Type:        types.FailureTaskError,
		Message:     err.Error(),
		Recoverable: true,
	}
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		f.Type = types.FailureAgentCrash
	case errdefs.IsTimeout(err):
		f.Type = types.FailureTaskTimeout
	case errdefs.IsNetwork(err) || errdefs.IsConnection(err):
		f.Type = types.FailureResourceError
	case errdefs.IsFatal(err), errdefs.IsConstraint(err), errdefs.IsInvalidState(err):
		f.Recoverable = false
	}
	return f
}

func (w *Worker) setCurrent(t *types.Task) {
	w.mu.Lock()
	w.current = t
	w.progress = 0
	w.phase = ""
	w.mu.Unlock()
}

func (w *Worker) noteProgress(percent float64, phase types.TaskPhase) {
	w.mu.Lock()
	w.progress = percent
	w.phase = phase
	w.mu.Unlock()
}

func (w *Worker) requestStop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
}

func (w *Worker) stopRequested() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}
