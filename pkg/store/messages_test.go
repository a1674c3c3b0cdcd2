package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/types"
)

func testMessage(id string, from string, to *string, created time.Time) *types.Message {
	return &types.Message{
		ID:        id,
		Type:      types.MsgCustom,
		FromAgent: from,
		ToAgent:   to,
		Payload:   json.RawMessage(`{"n":1}`),
		CreatedAt: created,
	}
}

// TestListMessagesForVisibility verifies an agent sees broadcasts plus
// its own mail, never another agent's, and never expired rows.
func TestListMessagesForVisibility(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a1, a2 := "agent-1", "agent-2"

	require.NoError(t, s.CreateMessage(ctx, testMessage("broadcast", a1, nil, now)))
	require.NoError(t, s.CreateMessage(ctx, testMessage("to-a1", a2, &a1, now.Add(time.Second))))
	require.NoError(t, s.CreateMessage(ctx, testMessage("to-a2", a1, &a2, now.Add(2*time.Second))))

	stale := testMessage("stale", a1, &a2, now.Add(3*time.Second))
	expiry := now.Add(time.Minute)
	stale.ExpiresAt = &expiry
	require.NoError(t, s.CreateMessage(ctx, stale))

	got, err := s.ListMessagesFor(ctx, a1, types.MessageFilter{}, now.Add(time.Hour))
	require.NoError(t, err)
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"broadcast", "to-a1"}, ids)

	got, err = s.ListMessagesFor(ctx, a2, types.MessageFilter{}, now.Add(30*time.Second))
	require.NoError(t, err)
	ids = ids[:0]
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"broadcast", "to-a2", "stale"}, ids, "not yet expired")

	got, err = s.ListMessagesFor(ctx, a2, types.MessageFilter{}, now.Add(2*time.Minute))
	require.NoError(t, err)
	ids = ids[:0]
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"broadcast", "to-a2"}, ids, "expired rows drop out")
}

// TestListMessagesForFilters covers the since/type/limit narrowing.
func TestListMessagesForFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	early := testMessage("early", "agent-1", nil, now)
	early.Type = types.MsgTaskCompleted
	require.NoError(t, s.CreateMessage(ctx, early))
	late := testMessage("late", "agent-1", nil, now.Add(time.Minute))
	late.Type = types.MsgTaskFailed
	require.NoError(t, s.CreateMessage(ctx, late))

	since := now.Add(30 * time.Second)
	got, err := s.ListMessagesFor(ctx, "agent-2", types.MessageFilter{Since: &since}, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].ID)

	got, err = s.ListMessagesFor(ctx, "agent-2", types.MessageFilter{Type: types.MsgTaskCompleted}, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "early", got[0].ID)

	got, err = s.ListMessagesFor(ctx, "agent-2", types.MessageFilter{Limit: 1}, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "early", got[0].ID, "oldest first")
}

// TestMarkMessagesDelivered verifies directed messages are stamped once
// and broadcasts never are.
func TestMarkMessagesDelivered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a1 := "agent-1"

	require.NoError(t, s.CreateMessage(ctx, testMessage("broadcast", "agent-2", nil, now)))
	require.NoError(t, s.CreateMessage(ctx, testMessage("mail", "agent-2", &a1, now)))

	n, err := s.MarkMessagesDelivered(ctx, []string{"broadcast", "mail"}, a1, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the directed message is stamped")

	mail, err := s.GetMessage(ctx, "mail")
	require.NoError(t, err)
	require.NotNil(t, mail.DeliveredAt)

	bc, err := s.GetMessage(ctx, "broadcast")
	require.NoError(t, err)
	assert.Nil(t, bc.DeliveredAt)

	// Second delivery mark is a no-op.
	n, err = s.MarkMessagesDelivered(ctx, []string{"mail"}, a1, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Unread filtering hides delivered mail but keeps broadcasts, whose
	// read state lives with each receiving process.
	unread, err := s.ListMessagesFor(ctx, a1, types.MessageFilter{UnreadOnly: true}, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "broadcast", unread[0].ID)

	n, err = s.MarkMessagesDelivered(ctx, nil, a1, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestAcknowledgeMessage verifies the ack lifecycle: the newest ack is
// the one recorded, and non-ack messages reject the call.
func TestAcknowledgeMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a1 := "agent-1"

	handoff := testMessage("handoff", "agent-2", &a1, now)
	handoff.Type = types.MsgTaskHandoff
	handoff.AckRequired = true
	require.NoError(t, s.CreateMessage(ctx, handoff))

	pending, err := s.ListUnacknowledged(ctx, now)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	acked, err := s.AcknowledgeMessage(ctx, "handoff", a1, now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, acked.AcknowledgedAt)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, a1, *acked.AcknowledgedBy)

	// A later ack by another agent takes over the record.
	again, err := s.AcknowledgeMessage(ctx, "handoff", "agent-3", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "agent-3", *again.AcknowledgedBy)
	assert.Equal(t, now.Add(time.Minute), *again.AcknowledgedAt)

	pending, err = s.ListUnacknowledged(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, pending)

	plain := testMessage("plain", "agent-2", &a1, now)
	require.NoError(t, s.CreateMessage(ctx, plain))
	_, err = s.AcknowledgeMessage(ctx, "plain", a1, now)
	assert.True(t, errdefs.IsInvalidState(err))

	_, err = s.AcknowledgeMessage(ctx, "missing", a1, now)
	assert.True(t, errdefs.IsNotFound(err))
}

// TestDeleteExpiredMessages verifies the TTL purge leaves unexpired and
// immortal messages alone.
func TestDeleteExpiredMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	forever := testMessage("forever", "agent-1", nil, now)
	require.NoError(t, s.CreateMessage(ctx, forever))

	shortLived := testMessage("short", "agent-1", nil, now)
	shortTTL := now.Add(time.Minute)
	shortLived.ExpiresAt = &shortTTL
	require.NoError(t, s.CreateMessage(ctx, shortLived))

	longLived := testMessage("long", "agent-1", nil, now)
	longTTL := now.Add(time.Hour)
	longLived.ExpiresAt = &longTTL
	require.NoError(t, s.CreateMessage(ctx, longLived))

	removed, err := s.DeleteExpiredMessages(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetMessage(ctx, "short")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = s.GetMessage(ctx, "forever")
	assert.NoError(t, err)
	_, err = s.GetMessage(ctx, "long")
	assert.NoError(t, err)
}
