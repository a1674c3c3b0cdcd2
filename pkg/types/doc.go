/*
Package types defines the core data structures used throughout Apiary.

This package contains the entity definitions for the coordination plane:
tasks, agents, leases, messages, quality snapshots, change-log entries,
queued changes, memories, and plans. These types are shared across all
Apiary components and form the domain vocabulary of the system.

# Entity Relationships

	┌─────────────────────────────────────────────────────────┐
	│                   APIARY ENTITIES                         │
	│                                                           │
	│  Task ────assigned_agent───▶ Agent                        │
	│   │  ▲                         │                          │
	│   │  └──dependencies───┐       │ holds                    │
	│   │                    │       ▼                          │
	│   │                  Task    Lease (keyed by file_path)   │
	│   │                                                       │
	│   ├──quality_snapshot_id──▶ QualitySnapshot               │
	│   │                            │ compared against         │
	│   │                            ▼                          │
	│   │                         QualityBaseline (singleton)   │
	│   │                                                       │
	│   └──plans/memories───▶ Plan, Memory                      │
	│                                                           │
	│  Message: from_agent ──▶ to_agent (nil = broadcast)       │
	│                                                           │
	│  Every Task/Memory/Message/Plan mutation                  │
	│        └─────▶ ChangeLogEntry (monotonic sync_version)    │
	│                      └─────▶ QueuedChange (when offline)  │
	└─────────────────────────────────────────────────────────┘

# Task Lifecycle

	created ──▶ blocked ──────────────┐
	   │           │ deps completed   │
	   ▼           ▼                  │
	 ready ◀── pending_retry          │
	   │            ▲                 │
	   ▼            │ recoverable     │
	claimed ──▶ in_progress ──▶ completed | failed

A task starts blocked when it has unresolved dependencies, otherwise ready.
An atomic claim moves it to claimed; the first progress report moves it to
in_progress. Failures either schedule a retry (pending_retry with a backoff
deadline) or terminate at failed once the retry budget is exhausted.
Completed and failed are terminal, except that release may return a
claimed or in_progress task to ready.

# Invariants

  - assigned_agent is set exactly when status is claimed or in_progress.
  - A task with incomplete dependencies is blocked.
  - retry_count never exceeds max_retries.
  - next_retry_at is set exactly when status is pending_retry.
  - At most one live lease exists per file path.
  - acknowledged_at on a message implies ack_required.
  - ChangeLogEntry.sync_version strictly increases per local store.

# Ownership

The store exclusively owns all rows. Components hold values or IDs only;
cross-entity references resolve by ID lookup. Task to Agent references are
weak: the agent may deregister while the task still names it in
previous_agents.

# Column Encoding

Set and list attributes persist as JSON text, booleans as 0/1, and
timestamps as RFC 3339 strings. The store parses these at the row boundary;
everything above it works with the typed fields defined here.

# Usage

	task := &types.Task{
		Title:          "Fix login form validation",
		Priority:       types.PriorityHigh,
		RequiredSkills: []string{"typescript", "react"},
		MaxRetries:     2,
	}

	if task.Status.IsTerminal() {
		return nil
	}

# See Also

  - pkg/store for row persistence and encoding
  - pkg/task, pkg/agent, pkg/lease, pkg/bus for the operations over these types
  - pkg/changelog for the mutation stream
*/
package types
