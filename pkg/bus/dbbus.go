package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/changelog"
	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/expiry"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/store"
	"github.com/apiary-io/apiary/pkg/types"
)

// DBBus is the store-backed message bus. Sends and acknowledgements are
// change-logged so messages travel the sync stream; delivery marks stay
// local. Broadcast delivery is tracked per receiver in a process-local
// expiring set, giving at-most-once delivery within this process.
type DBBus struct {
	store   *store.Store
	changes *changelog.Log
	seen    *expiry.Set
	logger  zerolog.Logger
}

// NewDBBus wires the store-backed bus. changes may be nil to keep
// message traffic out of the sync stream.
func NewDBBus(st *store.Store, changes *changelog.Log) *DBBus {
	return &DBBus{
		store:   st,
		changes: changes,
		seen:    expiry.NewSet(0, 0),
		logger:  log.WithComponent("bus"),
	}
}

// Send delivers a message to the agent named in to_agent.
func (b *DBBus) Send(ctx context.Context, m *types.Message) (*types.Message, error) {
	if m.ToAgent == nil || *m.ToAgent == "" {
		return nil, errdefs.Constraint("send requires to_agent, use Broadcast for everyone")
	}
	return b.publish(ctx, m)
}

// Broadcast delivers a message to every agent. to_agent stays null.
func (b *DBBus) Broadcast(ctx context.Context, m *types.Message) (*types.Message, error) {
	m.ToAgent = nil
	return b.publish(ctx, m)
}

func (b *DBBus) publish(ctx context.Context, m *types.Message) (*types.Message, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()

	if err := b.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}
	m, err := b.record(ctx, types.OpCreate, m)
	if err != nil {
		return nil, err
	}

	event := b.logger.Debug().Str("msg_id", m.ID).Str("type", string(m.Type)).
		Str("from", m.FromAgent)
	if m.ToAgent != nil {
		event = event.Str("to", *m.ToAgent)
	}
	event.Msg("message published")
	return m, nil
}

// Receive returns messages visible to agentID: its own mail plus
// broadcasts, unexpired, oldest first. With UnreadOnly set, directed
// mail already delivered and broadcasts this process has already seen
// for agentID are dropped.
func (b *DBBus) Receive(ctx context.Context, agentID string, f types.MessageFilter) ([]*types.Message, error) {
	msgs, err := b.store.ListMessagesFor(ctx, agentID, f, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !f.UnreadOnly {
		return msgs, nil
	}
	fresh := msgs[:0]
	for _, m := range msgs {
		if m.Broadcast() && b.seen.Contains(seenKey(agentID, m.ID)) {
			continue
		}
		fresh = append(fresh, m)
	}
	return fresh, nil
}

// MarkDelivered records that agentID processed the given messages.
// Directed mail gets a durable delivered_at stamp; broadcast sightings
// are kept per receiver in the process-local set with the message's
// remaining TTL. Returns the durable mark count.
func (b *DBBus) MarkDelivered(ctx context.Context, ids []string, agentID string) (int, error) {
	now := time.Now().UTC()
	marked, err := b.store.MarkMessagesDelivered(ctx, ids, agentID, now)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		m, err := b.store.GetMessage(ctx, id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return marked, err
		}
		if m.Broadcast() {
			b.seen.AddWithTTL(seenKey(agentID, id), seenTTL(m, now))
		}
	}
	return marked, nil
}

// Acknowledge records agentID's ack. The newest ack wins, so repeated
// acks by different receivers leave the last one on record.
func (b *DBBus) Acknowledge(ctx context.Context, id, agentID string) (*types.Message, error) {
	m, err := b.store.AcknowledgeMessage(ctx, id, agentID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return b.record(ctx, types.OpUpdate, m)
}

// Unacknowledged returns unexpired ack-required messages nobody has
// acknowledged yet.
func (b *DBBus) Unacknowledged(ctx context.Context) ([]*types.Message, error) {
	return b.store.ListUnacknowledged(ctx, time.Now().UTC())
}

// DeleteExpired purges messages past their TTL. Expiry is local garbage
// collection, not a recorded mutation: the peer ages its copies out by
// the same clock.
func (b *DBBus) DeleteExpired(ctx context.Context) (int, error) {
	removed, err := b.store.DeleteExpiredMessages(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		b.logger.Debug().Int("count", removed).Msg("expired messages purged")
	}
	return removed, nil
}

// ApplyChange applies a message change pulled from the sync peer,
// bypassing the change log.
func (b *DBBus) ApplyChange(ctx context.Context, entry *types.ChangeLogEntry) error {
	switch entry.Operation {
	case types.OpDelete:
		err := b.store.DeleteMessage(ctx, entry.EntityID)
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	case types.OpCreate, types.OpUpdate:
		var m types.Message
		if err := json.Unmarshal(entry.Payload, &m); err != nil {
			return errdefs.InvalidState("decoding message change %s: %v", entry.ID, err)
		}
		m.SyncVersion = entry.SyncVersion
		return b.store.UpsertMessage(ctx, &m)
	default:
		return errdefs.InvalidState("unknown operation %q in change %s", entry.Operation, entry.ID)
	}
}

// Close stops the delivery-tracking sweeper.
func (b *DBBus) Close() error {
	b.seen.Stop()
	return nil
}

func (b *DBBus) record(ctx context.Context, op types.Operation, m *types.Message) (*types.Message, error) {
	if b.changes == nil {
		return m, nil
	}
	entry, err := b.changes.Record(types.EntityMessage, m.ID, op, m)
	if err != nil {
		return nil, err
	}
	if err := b.store.SetMessageSyncVersion(ctx, m.ID, entry.SyncVersion); err != nil {
		return nil, err
	}
	m.SyncVersion = entry.SyncVersion
	return m, nil
}
