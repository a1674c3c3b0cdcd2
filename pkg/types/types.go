package types

import (
	"encoding/json"
	"time"
)

// Task represents a unit of software-engineering work claimable by one agent
type Task struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	Status            TaskStatus      `json:"status"`
	Priority          TaskPriority    `json:"priority"`
	Type              string          `json:"type,omitempty"`
	RequiredSkills    []string        `json:"required_skills,omitempty"`
	Dependencies      []string        `json:"dependencies,omitempty"`
	Blockers          []string        `json:"blockers,omitempty"`
	Files             []string        `json:"files,omitempty"`
	AssignedAgent     *string         `json:"assigned_agent,omitempty"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	EstimatedMinutes  *int            `json:"estimated_minutes,omitempty"`
	ActualMinutes     *int            `json:"actual_minutes,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	LastError         string          `json:"last_error,omitempty"`
	FailureType       FailureType     `json:"failure_type,omitempty"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty"`
	PreviousAgents    []string        `json:"previous_agents,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Branch            string          `json:"branch,omitempty"`
	QualitySnapshotID *string         `json:"quality_snapshot_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	SyncVersion       int64           `json:"sync_version"`
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusReady        TaskStatus = "ready"
	TaskStatusClaimed      TaskStatus = "claimed"
	TaskStatusInProgress   TaskStatus = "in_progress"
	TaskStatusPendingRetry TaskStatus = "pending_retry"
	TaskStatusBlocked      TaskStatus = "blocked"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions
// other than an operator-driven release
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// IsActive reports whether a task in this status still counts as queue work
func (s TaskStatus) IsActive() bool {
	switch s {
	case TaskStatusReady, TaskStatusClaimed, TaskStatusInProgress, TaskStatusPendingRetry:
		return true
	}
	return false
}

// TaskPriority orders tasks for claiming
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Order returns the numeric weight persisted alongside the priority so the
// claim index can sort critical > high > medium > low
func (p TaskPriority) Order() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 2
}

// Valid reports whether p is one of the known priorities
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// FailureType classifies why a task failed
type FailureType string

const (
	FailureTaskError       FailureType = "task_error"
	FailureTaskTimeout     FailureType = "task_timeout"
	FailureDependencyError FailureType = "dependency_error"
	FailureQualityFailure  FailureType = "quality_failure"
	FailureResourceError   FailureType = "resource_error"
	FailureAgentCrash      FailureType = "agent_crash"
)

// TaskFailure describes a failure reported against a claimed task
type TaskFailure struct {
	Type        FailureType `json:"type"`
	Message     string      `json:"message"`
	Recoverable bool        `json:"recoverable"`
}

// TaskFilter narrows task listing and claim candidate selection
type TaskFilter struct {
	Status        []TaskStatus
	Priority      TaskPriority
	Type          string
	AssignedAgent string
	Branch        string
	IDs           []string
	ExcludeIDs    []string
	Limit         int
	Offset        int
}

// ProgressUpdate reports in-flight task progress from an agent
type ProgressUpdate struct {
	Phase         TaskPhase `json:"phase"`
	Percent       float64   `json:"percent"`
	FilesModified []string  `json:"files_modified,omitempty"`
}

// Agent represents a registered worker process
type Agent struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	Type                string      `json:"type,omitempty"`
	Status              AgentStatus `json:"status"`
	Skills              []string    `json:"skills,omitempty"`
	RunsTests           bool        `json:"runs_tests"`
	RunsBuild           bool        `json:"runs_build"`
	RunsBrowser         bool        `json:"runs_browser"`
	MaxTaskMinutes      int         `json:"max_task_minutes"`
	LastHeartbeat       time.Time   `json:"last_heartbeat"`
	HeartbeatCount      int64       `json:"heartbeat_count"`
	CurrentTaskID       *string     `json:"current_task_id,omitempty"`
	CurrentTaskProgress float64     `json:"current_task_progress"`
	CurrentTaskPhase    TaskPhase   `json:"current_task_phase,omitempty"`
	TasksCompleted      int         `json:"tasks_completed"`
	TasksFailed         int         `json:"tasks_failed"`
	TotalRuntimeMinutes float64     `json:"total_runtime_minutes"`
	Machine             string      `json:"machine,omitempty"`
	PID                 int         `json:"pid,omitempty"`
	RegisteredAt        time.Time   `json:"registered_at"`
	LastActiveAt        time.Time   `json:"last_active_at"`
}

// AgentStatus represents the current state of an agent
type AgentStatus string

const (
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusBusy         AgentStatus = "busy"
	AgentStatusError        AgentStatus = "error"
	AgentStatusOffline      AgentStatus = "offline"
	AgentStatusShuttingDown AgentStatus = "shutting_down"
)

// Valid reports whether s is one of the known agent statuses
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusError,
		AgentStatusOffline, AgentStatusShuttingDown:
		return true
	}
	return false
}

// TaskPhase is the coarse phase an agent reports while working a task
type TaskPhase string

const (
	PhaseAnalyzing    TaskPhase = "analyzing"
	PhasePlanning     TaskPhase = "planning"
	PhaseImplementing TaskPhase = "implementing"
	PhaseTesting      TaskPhase = "testing"
	PhaseReviewing    TaskPhase = "reviewing"
)

// Heartbeat carries a periodic liveness report from an agent
type Heartbeat struct {
	Status      AgentStatus        `json:"status"`
	CurrentTask *CurrentTask       `json:"current_task,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// CurrentTask mirrors in-flight task state onto the agent row
type CurrentTask struct {
	ID       string    `json:"id"`
	Progress float64   `json:"progress"`
	Phase    TaskPhase `json:"phase,omitempty"`
}

// Lease is a time-bounded exclusive right to mutate a file, keyed by path
type Lease struct {
	FilePath     string    `json:"file_path"`
	AgentID      string    `json:"agent_id"`
	TaskID       *string   `json:"task_id,omitempty"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RenewedCount int       `json:"renewed_count"`
}

// Expired reports whether the lease is past its deadline at the given instant
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Message is a durable inter-agent coordination message
type Message struct {
	ID             string          `json:"id"`
	Type           MessageType     `json:"type"`
	FromAgent      string          `json:"from_agent"`
	ToAgent        *string         `json:"to_agent,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	AckRequired    bool            `json:"ack_required"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy *string         `json:"acknowledged_by,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SyncVersion    int64           `json:"sync_version"`
}

// Broadcast reports whether the message targets every agent
func (m *Message) Broadcast() bool {
	return m.ToAgent == nil
}

// Expired reports whether the message is past its TTL at the given instant
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// MessageType is the closed wire vocabulary for bus messages
type MessageType string

const (
	MsgTaskCreated    MessageType = "task.created"
	MsgTaskClaimed    MessageType = "task.claimed"
	MsgTaskAssigned   MessageType = "task.assigned"
	MsgTaskProgress   MessageType = "task.progress"
	MsgTaskCompleted  MessageType = "task.completed"
	MsgTaskFailed     MessageType = "task.failed"
	MsgTaskHelpNeeded MessageType = "task.help_needed"
	MsgTaskHandoff    MessageType = "task.handoff"
	MsgLockRequest    MessageType = "file.lock_request"
	MsgLockGranted    MessageType = "file.lock_granted"
	MsgLockDenied     MessageType = "file.lock_denied"
	MsgCoordSync      MessageType = "coordination.sync"
	MsgCoordResponse  MessageType = "coordination.response"
	MsgInfoDiscovery  MessageType = "info.discovery"
	MsgAgentStarted   MessageType = "agent.started"
	MsgAgentStopped   MessageType = "agent.stopped"
	MsgSystemShutdown MessageType = "system.shutdown"
	MsgHeartbeat      MessageType = "heartbeat"
	MsgCustom         MessageType = "custom"
)

// Valid reports whether t belongs to the closed message vocabulary
func (t MessageType) Valid() bool {
	switch t {
	case MsgTaskCreated, MsgTaskClaimed, MsgTaskAssigned, MsgTaskProgress,
		MsgTaskCompleted, MsgTaskFailed, MsgTaskHelpNeeded, MsgTaskHandoff,
		MsgLockRequest, MsgLockGranted, MsgLockDenied,
		MsgCoordSync, MsgCoordResponse, MsgInfoDiscovery,
		MsgAgentStarted, MsgAgentStopped, MsgSystemShutdown,
		MsgHeartbeat, MsgCustom:
		return true
	}
	return false
}

// MessageFilter narrows bus receives
type MessageFilter struct {
	UnreadOnly  bool
	UnackedOnly bool
	Since       *time.Time
	Type        MessageType
	Limit       int
}

// QualitySnapshot records build/lint/test metrics at a point in time
type QualitySnapshot struct {
	ID           string    `json:"id"`
	TaskID       *string   `json:"task_id,omitempty"`
	AgentID      *string   `json:"agent_id,omitempty"`
	BuildSuccess *bool     `json:"build_success,omitempty"`
	BuildTimeMs  *int64    `json:"build_time_ms,omitempty"`
	TypeErrors   int       `json:"type_errors"`
	LintErrors   int       `json:"lint_errors"`
	LintWarnings int       `json:"lint_warnings"`
	TestsPassing int       `json:"tests_passing"`
	TestsFailing int       `json:"tests_failing"`
	TestsSkipped int       `json:"tests_skipped"`
	TestCoverage *float64  `json:"test_coverage,omitempty"`
	TestTimeMs   *int64    `json:"test_time_ms,omitempty"`
	RawOutput    string    `json:"raw_output,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// QualityBaseline is the singleton reference snapshot regressions compare against
type QualityBaseline struct {
	BuildSuccess *bool     `json:"build_success,omitempty"`
	TypeErrors   int       `json:"type_errors"`
	LintErrors   int       `json:"lint_errors"`
	LintWarnings int       `json:"lint_warnings"`
	TestsPassing int       `json:"tests_passing"`
	TestsFailing int       `json:"tests_failing"`
	TestsSkipped int       `json:"tests_skipped"`
	TestCoverage *float64  `json:"test_coverage,omitempty"`
	SetBy        string    `json:"set_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Regression is one metric that moved the wrong way relative to the baseline
type Regression struct {
	Metric   string   `json:"metric"`
	Baseline float64  `json:"baseline"`
	Current  float64  `json:"current"`
	Delta    float64  `json:"delta"`
	Severity Severity `json:"severity"`
}

// Severity grades a regression
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// EntityType names the entity kinds tracked by the change log
type EntityType string

const (
	EntityTask    EntityType = "task"
	EntityMemory  EntityType = "memory"
	EntityMessage EntityType = "message"
	EntityPlan    EntityType = "plan"
)

// EntityTypes lists every tracked entity kind in sync order
func EntityTypes() []EntityType {
	return []EntityType{EntityTask, EntityMemory, EntityMessage, EntityPlan}
}

// Valid reports whether e is a tracked entity kind
func (e EntityType) Valid() bool {
	switch e {
	case EntityTask, EntityMemory, EntityMessage, EntityPlan:
		return true
	}
	return false
}

// Operation names a change-log mutation kind
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeLogEntry is the durable record of a single entity mutation.
// Field names follow the sync wire contract.
type ChangeLogEntry struct {
	ID          string          `json:"id"`
	EntityType  EntityType      `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Operation   Operation       `json:"operation"`
	SyncVersion int64           `json:"syncVersion"`
	Timestamp   int64           `json:"timestamp"` // unix milliseconds
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// QueuedChange is an offline-queue row awaiting delivery to the sync peer
type QueuedChange struct {
	ID            string          `json:"id"`
	Operation     Operation       `json:"operation"`
	ResourceType  EntityType      `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        QueueStatus     `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	NextRetryAt   *time.Time      `json:"nextRetryAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// QueueStatus represents the state of a queued change
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCompleted  QueueStatus = "completed"
)

// SyncStatus represents the sync engine state machine
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
	SyncStatusOffline SyncStatus = "offline"
)

// SyncState is the persisted per-client sync position. Key names are fixed
// by the sync-state.json contract.
type SyncState struct {
	LastSyncAt      *time.Time                `json:"lastSyncAt"`
	LastSyncVersion int64                     `json:"lastSyncVersion"`
	Status          SyncStatus                `json:"status"`
	LastError       string                    `json:"lastError,omitempty"`
	PendingChanges  int                       `json:"pendingChanges"`
	EntitySyncTimes map[EntityType]*time.Time `json:"entitySyncTimes"`
	ClientID        string                    `json:"clientId,omitempty"`
}

// Memory is a durable note, learning, or decision recorded by an agent
type Memory struct {
	ID          string     `json:"id"`
	AgentID     *string    `json:"agent_id,omitempty"`
	TaskID      *string    `json:"task_id,omitempty"`
	Kind        MemoryKind `json:"kind"`
	Content     string     `json:"content"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SyncVersion int64      `json:"sync_version"`
}

// MemoryKind classifies a memory entry
type MemoryKind string

const (
	MemoryNote     MemoryKind = "note"
	MemoryLearning MemoryKind = "learning"
	MemoryDecision MemoryKind = "decision"
)

// Plan is an ordered step breakdown proposed for a task
type Plan struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	Title       string     `json:"title"`
	Steps       []PlanStep `json:"steps,omitempty"`
	Status      PlanStatus `json:"status"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SyncVersion int64      `json:"sync_version"`
}

// PlanStep is one ordered step inside a plan
type PlanStep struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Status      PlanStepStatus `json:"status"`
}

// PlanStatus represents the review state of a plan
type PlanStatus string

const (
	PlanStatusDraft      PlanStatus = "draft"
	PlanStatusApproved   PlanStatus = "approved"
	PlanStatusSuperseded PlanStatus = "superseded"
)

// PlanStepStatus represents the completion state of a plan step
type PlanStepStatus string

const (
	StepStatusPending    PlanStepStatus = "pending"
	StepStatusInProgress PlanStepStatus = "in_progress"
	StepStatusDone       PlanStepStatus = "done"
	StepStatusSkipped    PlanStepStatus = "skipped"
)
