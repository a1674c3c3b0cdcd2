package bus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/types"
)

func openTestMailbox(t *testing.T) *MailboxBus {
	t.Helper()
	b, err := NewMailboxBus(filepath.Join(t.TempDir(), "mail"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// TestMailboxRoundTrip verifies deposit, visibility, and ordering
// across the per-agent and broadcast directories.
func TestMailboxRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := openTestMailbox(t)
	to := "agent-2"

	first, err := b.Send(ctx, &types.Message{Type: types.MsgTaskAssigned, FromAgent: "agent-1", ToAgent: &to})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := b.Broadcast(ctx, &types.Message{Type: types.MsgAgentStarted, FromAgent: "agent-1"})
	require.NoError(t, err)

	got, err := b.Receive(ctx, "agent-2", types.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID, "oldest first")
	assert.Equal(t, second.ID, got[1].ID)

	other, err := b.Receive(ctx, "agent-3", types.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, other, 1, "other agents see only the broadcast")
	assert.Equal(t, second.ID, other[0].ID)

	t.Run("send requires recipient", func(t *testing.T) {
		_, err := b.Send(ctx, &types.Message{Type: types.MsgCustom, FromAgent: "agent-1"})
		assert.True(t, errdefs.IsConstraint(err), "got %v", err)
	})
}

// TestMailboxDelivery verifies that directed delivery marks survive in
// the file while broadcast sightings stay process-local.
func TestMailboxDelivery(t *testing.T) {
	ctx := context.Background()
	b := openTestMailbox(t)
	to := "agent-2"

	directed, err := b.Send(ctx, &types.Message{Type: types.MsgLockGranted, FromAgent: "agent-1", ToAgent: &to})
	require.NoError(t, err)
	shared, err := b.Broadcast(ctx, &types.Message{Type: types.MsgSystemShutdown, FromAgent: "agent-1"})
	require.NoError(t, err)

	marked, err := b.MarkDelivered(ctx, []string{directed.ID, shared.ID, "no-such-id"}, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, 1, marked, "only directed mail counts")

	unread, err := b.Receive(ctx, "agent-2", types.MessageFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unread)

	// The delivery stamp is in the file itself, not just in memory.
	_, onDisk, err := b.find(directed.ID)
	require.NoError(t, err)
	assert.NotNil(t, onDisk.DeliveredAt)

	// Another agent still sees the broadcast fresh.
	fresh, err := b.Receive(ctx, "agent-3", types.MessageFilter{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, shared.ID, fresh[0].ID)
}

// TestMailboxAcknowledge verifies the ack rewrite and the pending scan.
func TestMailboxAcknowledge(t *testing.T) {
	ctx := context.Background()
	b := openTestMailbox(t)

	m, err := b.Broadcast(ctx, &types.Message{
		Type: types.MsgTaskHelpNeeded, FromAgent: "agent-1", AckRequired: true,
	})
	require.NoError(t, err)

	pending, err := b.Unacknowledged(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	acked, err := b.Acknowledge(ctx, m.ID, "agent-2")
	require.NoError(t, err)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, "agent-2", *acked.AcknowledgedBy)

	again, err := b.Acknowledge(ctx, m.ID, "agent-3")
	require.NoError(t, err)
	assert.Equal(t, "agent-3", *again.AcknowledgedBy, "newest ack wins")

	pending, err = b.Unacknowledged(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	t.Run("missing message", func(t *testing.T) {
		_, err := b.Acknowledge(ctx, "ghost", "agent-2")
		assert.True(t, errdefs.IsNotFound(err), "got %v", err)
	})
}

// TestMailboxDeleteExpired verifies TTL cleanup removes only stale
// files.
func TestMailboxDeleteExpired(t *testing.T) {
	ctx := context.Background()
	b := openTestMailbox(t)
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	stale, err := b.Broadcast(ctx, &types.Message{Type: types.MsgHeartbeat, FromAgent: "agent-1", ExpiresAt: &past})
	require.NoError(t, err)
	keep, err := b.Broadcast(ctx, &types.Message{Type: types.MsgHeartbeat, FromAgent: "agent-1", ExpiresAt: &future})
	require.NoError(t, err)

	removed, err := b.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, _, err = b.find(stale.ID)
	assert.True(t, errdefs.IsNotFound(err), "got %v", err)
	_, _, err = b.find(keep.ID)
	assert.NoError(t, err)

	// Expired files that have not been swept yet are still invisible.
	_, err = b.Broadcast(ctx, &types.Message{Type: types.MsgHeartbeat, FromAgent: "agent-1", ExpiresAt: &past})
	require.NoError(t, err)
	visible, err := b.Receive(ctx, "agent-2", types.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, keep.ID, visible[0].ID)
}

// TestMailboxWatch verifies that new message files stream to the
// watcher as they land.
func TestMailboxWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := openTestMailbox(t)
	to := "agent-2"

	stream, err := b.Watch(ctx, "agent-2")
	require.NoError(t, err)

	sent, err := b.Send(ctx, &types.Message{Type: types.MsgCoordResponse, FromAgent: "agent-1", ToAgent: &to})
	require.NoError(t, err)

	select {
	case m := <-stream:
		require.NotNil(t, m)
		assert.Equal(t, sent.ID, m.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watched message")
	}

	cancel()
	for range stream {
		// Drain until the watcher goroutine closes the channel.
	}
	_, statErr := os.Stat(b.root)
	assert.NoError(t, statErr, "mailbox root survives watcher shutdown")
}
