// Package worker is the agent-side harness of the coordination plane.
//
// A Worker registers one agent, then runs two loops until stopped: a
// heartbeat loop that reports liveness and in-flight task state every
// few seconds, and a work loop that drains the agent's inbox, claims
// the best-matching ready task through the scheduler, and hands it to
// the injected Handler. The handler is the actual agent body and stays
// outside this package; the harness only guarantees that every claim
// ends in exactly one Complete or Fail, that stats and leases are
// settled afterwards, and that a governor, when present, hears about
// every cycle and outcome.
//
//	w, err := worker.New(worker.Deps{
//		Tasks:     tasks,
//		Agents:    agents,
//		Scheduler: sched,
//		Bus:       b,
//		Leases:    leases,
//	}, worker.Config{
//		ID:     "builder-1",
//		Skills: []string{"go", "sql"},
//	}, worker.HandlerFunc(run))
//	if err != nil {
//		return err
//	}
//	if err := w.Start(ctx); err != nil {
//		return err
//	}
//	defer w.Stop()
//
// Handlers get a Tools value scoped to the claim: Progress moves the
// task to in_progress and mirrors phase and percent onto the agent row,
// Acquire/Extend/Release manage file leases under the worker's TTL, and
// Send/Broadcast reach other agents. Returning an error fails the task;
// wrap with errdefs.Fatal for errors a retry cannot fix, otherwise the
// failure is recorded as recoverable and the plane schedules a retry on
// a different agent. Handler context deadlines surface as task_timeout.
//
// The harness consumes system.shutdown broadcasts by finishing the
// in-flight task and stopping. Stop is the graceful path: it waits for
// the current handler, broadcasts agent.stopped, releases leases, and
// marks the agent offline. Cancelling the Start context instead aborts
// the handler mid-flight; the outcome write still happens.
package worker
