/*
Package log provides structured logging for Apiary using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

Apiary's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("scheduler")               │          │
	│  │  - WithAgentID("agent-abc123")              │          │
	│  │  - WithTaskID("task-def456")                │          │
	│  │  - WithClientID("client-xyz")               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "scheduler",                │          │
	│  │    "time": "2026-08-25T10:30:00Z",         │          │
	│  │    "message": "task claimed"                │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF task claimed component=scheduler │        │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all Apiary packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithAgentID: Add agent ID context
  - WithTaskID: Add task ID context
  - WithClientID: Add sync client ID context

# Usage

Initializing the Logger:

	import "github.com/apiary-io/apiary/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Component Loggers:

	logger := log.WithComponent("lease")
	logger.Info().
		Str("file_path", "src/index.ts").
		Str("agent_id", agentID).
		Msg("lease acquired")

Agent and Task Context:

	logger := log.WithAgentID("agent-1")
	logger.Warn().
		Str("task_id", taskID).
		Int("retry_count", task.RetryCount).
		Msg("task failed, scheduling retry")

Quick Helpers:

	log.Info("coordination plane started")
	log.Errorf("sync failed", err)

# Integration Points

This package is used by every Apiary component:

  - pkg/task, pkg/agent, pkg/lease: lifecycle transitions
  - pkg/scheduler: claim attempts and races
  - pkg/syncer, pkg/offline: push/pull progress and queue draining
  - pkg/reconciler: sweep outcomes
  - pkg/governor: end-state decisions
  - cmd/apiary: startup and shutdown sequencing

# Best Practices

Do:
  - Initialize once in main before any component starts
  - Use WithComponent for every long-lived component
  - Attach entity IDs as fields, not in the message text
  - Keep messages lowercase and terse

Don't:
  - Log inside tight loops at info level
  - Embed structured data into message strings
  - Call Fatal outside of main/startup paths

# See Also

  - zerolog: https://github.com/rs/zerolog
  - pkg/metrics for numeric observability
*/
package log
