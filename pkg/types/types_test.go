package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestPriorityOrder tests the numeric claim ordering of priorities
func TestPriorityOrder(t *testing.T) {
	tests := []struct {
		priority TaskPriority
		order    int
	}{
		{PriorityLow, 1},
		{PriorityMedium, 2},
		{PriorityHigh, 3},
		{PriorityCritical, 4},
		{TaskPriority("bogus"), 2}, // unknown priorities rank as medium
	}

	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			assert.Equal(t, tt.order, tt.priority.Order())
		})
	}

	assert.True(t, PriorityCritical.Order() > PriorityHigh.Order())
	assert.True(t, PriorityHigh.Order() > PriorityMedium.Order())
	assert.True(t, PriorityMedium.Order() > PriorityLow.Order())
}

// TestTaskStatusHelpers tests terminal and active status classification
func TestTaskStatusHelpers(t *testing.T) {
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.False(t, TaskStatusReady.IsTerminal())
	assert.False(t, TaskStatusPendingRetry.IsTerminal())

	active := []TaskStatus{TaskStatusReady, TaskStatusClaimed, TaskStatusInProgress, TaskStatusPendingRetry}
	for _, s := range active {
		assert.True(t, s.IsActive(), "status %s should be active", s)
	}

	inactive := []TaskStatus{TaskStatusPending, TaskStatusBlocked, TaskStatusCompleted, TaskStatusFailed}
	for _, s := range inactive {
		assert.False(t, s.IsActive(), "status %s should not be active", s)
	}
}

// TestMessageTypeVocabulary tests the closed wire-type set
func TestMessageTypeVocabulary(t *testing.T) {
	valid := []MessageType{
		MsgTaskCreated, MsgTaskClaimed, MsgTaskAssigned, MsgTaskProgress,
		MsgTaskCompleted, MsgTaskFailed, MsgTaskHelpNeeded, MsgTaskHandoff,
		MsgLockRequest, MsgLockGranted, MsgLockDenied,
		MsgCoordSync, MsgCoordResponse, MsgInfoDiscovery,
		MsgAgentStarted, MsgAgentStopped, MsgSystemShutdown,
		MsgHeartbeat, MsgCustom,
	}
	for _, mt := range valid {
		assert.True(t, mt.Valid(), "type %s should be valid", mt)
	}

	assert.False(t, MessageType("task.destroyed").Valid())
	assert.False(t, MessageType("").Valid())
}

// TestLeaseExpired tests lease TTL evaluation
func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	lease := &Lease{
		FilePath:  "src/x.ts",
		AgentID:   "agent-1",
		ExpiresAt: now.Add(time.Minute),
	}

	assert.False(t, lease.Expired(now))
	assert.False(t, lease.Expired(now.Add(time.Minute))) // boundary is still live
	assert.True(t, lease.Expired(now.Add(time.Minute+time.Nanosecond)))
}

// TestMessageHelpers tests broadcast and expiry checks
func TestMessageHelpers(t *testing.T) {
	now := time.Now()
	to := "agent-2"

	broadcast := &Message{ID: "m1", Type: MsgSystemShutdown}
	direct := &Message{ID: "m2", Type: MsgTaskHandoff, ToAgent: &to}

	assert.True(t, broadcast.Broadcast())
	assert.False(t, direct.Broadcast())

	assert.False(t, broadcast.Expired(now), "no expiry means never expired")

	expiry := now.Add(-time.Second)
	expired := &Message{ID: "m3", ExpiresAt: &expiry}
	assert.True(t, expired.Expired(now))
}

// TestEntityTypes tests the tracked entity vocabulary
func TestEntityTypes(t *testing.T) {
	all := EntityTypes()
	assert.Equal(t, []EntityType{EntityTask, EntityMemory, EntityMessage, EntityPlan}, all)

	for _, e := range all {
		assert.True(t, e.Valid())
	}
	assert.False(t, EntityType("agent").Valid())
}
