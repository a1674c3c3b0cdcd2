// Package governor decides when a swarm run should keep going and when
// it should stop. Workers report cycle boundaries and task outcomes;
// the governor folds those into counters, polls the task histogram for
// completion and idleness, and emits exactly one end_state event when
// any stop condition holds.
package governor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/config"
	"github.com/apiary-io/apiary/pkg/events"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/types"
)

// EndState classifies why a run stopped.
type EndState string

const (
	EndManualStop        EndState = "manual_stop"
	EndMaxCycles         EndState = "max_cycles_reached"
	EndMaxRuntime        EndState = "max_runtime_reached"
	EndIdleTimeout       EndState = "idle_timeout"
	EndAllTasksComplete  EndState = "all_tasks_complete"
	EndMaxFailures       EndState = "max_failures_reached"
	EndObjectiveComplete EndState = "objective_complete"
	EndFatalError        EndState = "fatal_error"
)

// warnFraction is how close a counter may get to its limit before a
// limit_warning event fires.
const warnFraction = 0.8

// DefaultCheckInterval is the background evaluation cadence when the
// config leaves it unset.
const DefaultCheckInterval = 5 * time.Second

// DefaultMaxConsecutiveFailures stops a run after this many task
// failures in a row when the config leaves the limit unset.
const DefaultMaxConsecutiveFailures = 5

// TaskCounter supplies the task status histogram. *task.Registry
// satisfies it.
type TaskCounter interface {
	CountByStatus(ctx context.Context) (map[types.TaskStatus]int, error)
}

// Objective is an optional external completion predicate, checked on
// every evaluation. Returning true ends the run with
// objective_complete.
type Objective func(ctx context.Context) (bool, error)

// Stats is a point-in-time snapshot of the run counters.
type Stats struct {
	CycleCount          int       `json:"cycleCount"`
	TasksCompleted      int       `json:"tasksCompleted"`
	TasksFailed         int       `json:"tasksFailed"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	StartedAt           time.Time `json:"startedAt"`
	LastWorkAt          time.Time `json:"lastWorkAt"`
	ElapsedMs           int64     `json:"elapsedMs"`
	EndState            EndState  `json:"endState,omitempty"`
	EndReason           string    `json:"endReason,omitempty"`
}

// Governor evaluates stop conditions at cycle boundaries and on a
// periodic check. Manual stops and fatal errors take effect
// immediately; cycle, runtime, idle, completion, failure, and objective
// conditions are checked by CheckNow. Whichever path fires first wins,
// and the end_state event is emitted exactly once.
type Governor struct {
	tasks     TaskCounter
	broker    *events.Broker
	objective Objective
	cfg       config.RuntimeConfig
	logger    zerolog.Logger

	mu                  sync.Mutex
	cycleCount          int
	tasksCompleted      int
	tasksFailed         int
	consecutiveFailures int
	startedAt           time.Time
	lastWorkAt          time.Time
	endState            EndState
	endReason           string
	warned              map[string]bool
	idleSeen            bool

	stopCh   chan struct{}
	loopDone chan struct{}
	started  bool
}

// New builds a governor over the given task histogram source. A zero
// CheckInterval falls back to DefaultCheckInterval and a zero
// MaxConsecutiveFailures to DefaultMaxConsecutiveFailures; MaxCycles,
// MaxRuntime, and IdleTimeout are unlimited when zero. The run clock
// starts now.
func New(tasks TaskCounter, broker *events.Broker, cfg config.RuntimeConfig) *Governor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	now := time.Now()
	return &Governor{
		tasks:      tasks,
		broker:     broker,
		cfg:        cfg,
		logger:     log.WithComponent("governor"),
		startedAt:  now,
		lastWorkAt: now,
		warned:     make(map[string]bool),
		stopCh:     make(chan struct{}),
	}
}

// SetObjective registers the external completion predicate. Register
// before Start.
func (g *Governor) SetObjective(fn Objective) {
	g.objective = fn
}

// Start launches the periodic condition check. Cycle boundaries
// evaluate eagerly on their own; the loop covers time-based limits when
// no cycles are being reported. Starting twice is a no-op.
func (g *Governor) Start() {
	g.mu.Lock()
	if g.started || g.endState != "" {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.loopDone = make(chan struct{})
	g.mu.Unlock()

	go g.loop()
	g.logger.Debug().Dur("interval", g.cfg.CheckInterval).Msg("governor started")
}

func (g *Governor) loop() {
	defer close(g.loopDone)
	ticker := time.NewTicker(g.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.CheckNow(context.Background())
		}
	}
}

// Close ends the run with manual_stop if no end state has been reached
// yet, then waits for the background check loop to exit.
func (g *Governor) Close() {
	g.end(EndManualStop, "governor closed")

	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	if started {
		<-g.loopDone
	}
}

// RequestStop records an external stop signal and ends the run with
// manual_stop. Safe to call from any goroutine; only the first stop
// condition to fire produces an end_state event.
func (g *Governor) RequestStop(reason string) {
	if reason == "" {
		reason = "stop requested"
	}
	g.end(EndManualStop, reason)
}

// Fatal ends the run immediately with fatal_error.
func (g *Governor) Fatal(err error) {
	reason := "fatal error"
	if err != nil {
		reason = err.Error()
	}
	g.end(EndFatalError, reason)
}

// CycleComplete records one finished worker cycle and evaluates the
// stop conditions. worked reports whether the cycle actually did
// something (claimed, executed, delivered); it refreshes the idle
// clock. Returns true once the run has ended.
func (g *Governor) CycleComplete(ctx context.Context, worked bool) bool {
	g.mu.Lock()
	if g.endState != "" {
		g.mu.Unlock()
		return true
	}
	g.cycleCount++
	n := g.cycleCount
	if worked {
		g.noteWorkLocked()
	}
	g.mu.Unlock()

	g.emit(events.EventCycleComplete, "cycle complete", "cycle", strconv.Itoa(n))
	_, ended := g.CheckNow(ctx)
	return ended
}

// TaskCompleted records a successful task outcome. It resets the
// consecutive-failure counter and refreshes the idle clock.
func (g *Governor) TaskCompleted(taskID string) {
	g.mu.Lock()
	g.tasksCompleted++
	g.consecutiveFailures = 0
	delete(g.warned, "failures")
	g.noteWorkLocked()
	g.mu.Unlock()

	g.emit(events.EventTaskComplete, "task completed", "taskId", taskID)
}

// TaskFailed records a failed task outcome. Failed attempts still count
// as work for idleness purposes; the failure limit is what stops a
// swarm that keeps trying and losing.
func (g *Governor) TaskFailed(taskID string, err error) {
	g.mu.Lock()
	g.tasksFailed++
	g.consecutiveFailures++
	n := g.consecutiveFailures
	g.noteWorkLocked()
	g.mu.Unlock()

	kv := []string{"taskId", taskID, "consecutiveFailures", strconv.Itoa(n)}
	if err != nil {
		kv = append(kv, "error", err.Error())
	}
	g.emit(events.EventTaskFailed, "task failed", kv...)
}

// CheckNow evaluates every stop condition immediately, in fixed order:
// cycle limit, runtime limit, idle timeout, task completion, failure
// limit, objective. It returns the end state and true once the run has
// ended, whether by this call or an earlier one.
func (g *Governor) CheckNow(ctx context.Context) (EndState, bool) {
	g.mu.Lock()
	if g.endState != "" {
		state := g.endState
		g.mu.Unlock()
		return state, true
	}
	cycles := g.cycleCount
	failures := g.consecutiveFailures
	startedAt := g.startedAt
	lastWorkAt := g.lastWorkAt
	g.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(startedAt)
	idleFor := now.Sub(lastWorkAt)

	if g.cfg.MaxCycles > 0 {
		g.warnNear("cycles", float64(cycles), float64(g.cfg.MaxCycles),
			"used", strconv.Itoa(cycles), "max", strconv.Itoa(g.cfg.MaxCycles))
		if cycles >= g.cfg.MaxCycles {
			return g.endWith(EndMaxCycles,
				fmt.Sprintf("completed %d of %d allowed cycles", cycles, g.cfg.MaxCycles))
		}
	}

	if g.cfg.MaxRuntime > 0 {
		g.warnNear("runtime", float64(elapsed), float64(g.cfg.MaxRuntime),
			"elapsed", elapsed.Round(time.Millisecond).String(), "max", g.cfg.MaxRuntime.String())
		if elapsed >= g.cfg.MaxRuntime {
			return g.endWith(EndMaxRuntime,
				fmt.Sprintf("ran for %s of %s allowed", elapsed.Round(time.Millisecond), g.cfg.MaxRuntime))
		}
	}

	counts, err := g.tasks.CountByStatus(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("task histogram unavailable, skipping queue checks")
	} else {
		open := counts[types.TaskStatusReady] + counts[types.TaskStatusClaimed] +
			counts[types.TaskStatusInProgress] + counts[types.TaskStatusPendingRetry]
		queueEmpty := counts[types.TaskStatusReady] == 0

		if queueEmpty && idleFor >= g.cfg.CheckInterval {
			g.noteIdle(idleFor)
		}
		if g.cfg.IdleTimeout > 0 && queueEmpty && idleFor >= g.cfg.IdleTimeout {
			return g.endWith(EndIdleTimeout,
				fmt.Sprintf("no work for %s with an empty queue", idleFor.Round(time.Millisecond)))
		}
		if open == 0 {
			return g.endWith(EndAllTasksComplete, "no tasks left to run")
		}
	}

	if g.cfg.MaxConsecutiveFailures > 0 {
		g.warnNear("failures", float64(failures), float64(g.cfg.MaxConsecutiveFailures),
			"failures", strconv.Itoa(failures), "max", strconv.Itoa(g.cfg.MaxConsecutiveFailures))
		if failures >= g.cfg.MaxConsecutiveFailures {
			return g.endWith(EndMaxFailures,
				fmt.Sprintf("%d consecutive task failures", failures))
		}
	}

	if g.objective != nil {
		done, err := g.objective(ctx)
		switch {
		case err != nil:
			g.logger.Warn().Err(err).Msg("objective check failed")
		case done:
			return g.endWith(EndObjectiveComplete, "objective satisfied")
		}
	}

	return "", false
}

// Stats returns a snapshot of the run counters.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		CycleCount:          g.cycleCount,
		TasksCompleted:      g.tasksCompleted,
		TasksFailed:         g.tasksFailed,
		ConsecutiveFailures: g.consecutiveFailures,
		StartedAt:           g.startedAt,
		LastWorkAt:          g.lastWorkAt,
		ElapsedMs:           time.Since(g.startedAt).Milliseconds(),
		EndState:            g.endState,
		EndReason:           g.endReason,
	}
}

// Result returns the end state and reason, or empty strings while the
// run is still going.
func (g *Governor) Result() (EndState, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.endState, g.endReason
}

// Running reports whether no end state has been reached yet.
func (g *Governor) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.endState == ""
}

// Done is closed once an end state has been reached.
func (g *Governor) Done() <-chan struct{} {
	return g.stopCh
}

// end records the first end state to fire and emits the single
// end_state event. Later callers lose and return false.
func (g *Governor) end(state EndState, reason string) bool {
	g.mu.Lock()
	if g.endState != "" {
		g.mu.Unlock()
		return false
	}
	g.endState = state
	g.endReason = reason
	g.mu.Unlock()

	g.logger.Info().Str("state", string(state)).Str("reason", reason).Msg("run ended")
	g.emit(events.EventEndState, reason, "state", string(state))
	close(g.stopCh)
	return true
}

// endWith settles on an end state and reports whichever state actually
// prevailed, so concurrent evaluations agree on the result.
func (g *Governor) endWith(state EndState, reason string) (EndState, bool) {
	g.end(state, reason)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.endState, true
}

// noteWorkLocked refreshes the idle clock. Callers hold g.mu.
func (g *Governor) noteWorkLocked() {
	g.lastWorkAt = time.Now()
	g.idleSeen = false
}

// noteIdle emits idle_detected once per idle stretch; the flag re-arms
// when work resumes.
func (g *Governor) noteIdle(idleFor time.Duration) {
	g.mu.Lock()
	if g.idleSeen {
		g.mu.Unlock()
		return
	}
	g.idleSeen = true
	g.mu.Unlock()

	g.emit(events.EventIdleDetected, "queue empty, no recent work",
		"idleFor", idleFor.Round(time.Millisecond).String())
}

// warnNear emits one limit_warning per limit once usage crosses
// warnFraction of it. The failure warning re-arms when the counter
// resets; cycles and runtime only grow, so theirs fire at most once.
func (g *Governor) warnNear(limit string, used, max float64, kv ...string) {
	if used < warnFraction*max {
		return
	}
	g.mu.Lock()
	if g.warned[limit] {
		g.mu.Unlock()
		return
	}
	g.warned[limit] = true
	g.mu.Unlock()

	g.logger.Warn().Str("limit", limit).Msg("approaching runtime limit")
	g.emit(events.EventLimitWarning, "approaching "+limit+" limit",
		append([]string{"limit", limit}, kv...)...)
}

func (g *Governor) emit(t events.EventType, msg string, kv ...string) {
	if g.broker == nil {
		return
	}
	g.broker.Emit(t, msg, kv...)
}
