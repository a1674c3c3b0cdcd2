// Package bus moves coordination messages between agents: direct mail,
// broadcasts, acknowledgements, and TTL expiry. Two variants implement
// the same interface; the store-backed bus is the default and the only
// one whose traffic enters the sync stream.
package bus

import (
	"context"
	"path/filepath"
	"time"

	"github.com/apiary-io/apiary/pkg/changelog"
	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/store"
	"github.com/apiary-io/apiary/pkg/types"
)

// Bus is the messaging surface agents talk to.
type Bus interface {
	// Send delivers a message to one agent.
	Send(ctx context.Context, m *types.Message) (*types.Message, error)
	// Broadcast delivers a message to every agent.
	Broadcast(ctx context.Context, m *types.Message) (*types.Message, error)
	// Receive returns the messages visible to agentID, oldest first.
	Receive(ctx context.Context, agentID string, f types.MessageFilter) ([]*types.Message, error)
	// MarkDelivered records that agentID has processed the given
	// messages and returns the number of durable delivery marks.
	MarkDelivered(ctx context.Context, ids []string, agentID string) (int, error)
	// Acknowledge records agentID's ack on an ack-required message.
	Acknowledge(ctx context.Context, id, agentID string) (*types.Message, error)
	// Unacknowledged returns unexpired messages still waiting on an ack.
	Unacknowledged(ctx context.Context) ([]*types.Message, error)
	// DeleteExpired purges messages past their TTL.
	DeleteExpired(ctx context.Context) (int, error)
	// Close releases variant resources.
	Close() error
}

// Variant names a bus implementation in configuration.
type Variant string

const (
	VariantDB      Variant = "db"
	VariantMailbox Variant = "mailbox"
)

// New builds the bus selected by variant. An empty variant means the
// store-backed bus. Unknown variants are a configuration error.
func New(variant string, st *store.Store, changes *changelog.Log, root string) (Bus, error) {
	switch Variant(variant) {
	case VariantDB, "":
		return NewDBBus(st, changes), nil
	case VariantMailbox:
		return NewMailboxBus(filepath.Join(root, "mail"))
	default:
		return nil, errdefs.Config("unknown bus variant %q", variant)
	}
}

// validate normalizes a message before insertion and enforces the
// closed type vocabulary.
func validate(m *types.Message) error {
	if m.Type == "" {
		return errdefs.Constraint("message type is required")
	}
	if !m.Type.Valid() {
		return errdefs.Constraint("unknown message type %q", m.Type)
	}
	if m.FromAgent == "" {
		return errdefs.Constraint("message from_agent is required")
	}
	if m.AcknowledgedAt != nil && !m.AckRequired {
		return errdefs.Constraint("acknowledgement on a message that does not require one")
	}
	return nil
}

// seenKey identifies one receiver's sighting of one message.
func seenKey(agentID, msgID string) string {
	return agentID + "|" + msgID
}

// seenTTL bounds how long a per-receiver delivery fact is retained:
// until the message itself expires, or a day for immortal messages.
func seenTTL(m *types.Message, now time.Time) time.Duration {
	if m.ExpiresAt == nil {
		return 24 * time.Hour
	}
	ttl := m.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return time.Minute
	}
	return ttl
}
