package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/types"
)

type messageRow struct {
	ID             string         `db:"id"`
	Type           string         `db:"type"`
	FromAgent      string         `db:"from_agent"`
	ToAgent        sql.NullString `db:"to_agent"`
	Payload        sql.NullString `db:"payload"`
	AckRequired    int            `db:"ack_required"`
	AcknowledgedAt sql.NullString `db:"acknowledged_at"`
	AcknowledgedBy sql.NullString `db:"acknowledged_by"`
	DeliveredAt    sql.NullString `db:"delivered_at"`
	ExpiresAt      sql.NullString `db:"expires_at"`
	CreatedAt      string         `db:"created_at"`
	SyncVersion    int64          `db:"sync_version"`
}

func messageToRow(m *types.Message) *messageRow {
	row := &messageRow{
		ID:             m.ID,
		Type:           string(m.Type),
		FromAgent:      m.FromAgent,
		ToAgent:        nullString(m.ToAgent),
		AckRequired:    boolToInt(m.AckRequired),
		AcknowledgedAt: nullString(encodeTimePtr(m.AcknowledgedAt)),
		AcknowledgedBy: nullString(m.AcknowledgedBy),
		DeliveredAt:    nullString(encodeTimePtr(m.DeliveredAt)),
		ExpiresAt:      nullString(encodeTimePtr(m.ExpiresAt)),
		CreatedAt:      encodeTime(m.CreatedAt),
		SyncVersion:    m.SyncVersion,
	}
	if len(m.Payload) > 0 {
		row.Payload = sql.NullString{String: string(m.Payload), Valid: true}
	}
	return row
}

func rowToMessage(row *messageRow) (*types.Message, error) {
	m := &types.Message{
		ID:             row.ID,
		Type:           types.MessageType(row.Type),
		FromAgent:      row.FromAgent,
		ToAgent:        fromNullString(row.ToAgent),
		AckRequired:    row.AckRequired != 0,
		AcknowledgedBy: fromNullString(row.AcknowledgedBy),
		SyncVersion:    row.SyncVersion,
	}
	if row.Payload.Valid {
		m.Payload = json.RawMessage(row.Payload.String)
	}
	var err error
	if m.AcknowledgedAt, err = decodeTimePtr(fromNullString(row.AcknowledgedAt)); err != nil {
		return nil, err
	}
	if m.DeliveredAt, err = decodeTimePtr(fromNullString(row.DeliveredAt)); err != nil {
		return nil, err
	}
	if m.ExpiresAt, err = decodeTimePtr(fromNullString(row.ExpiresAt)); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = decodeTime(row.CreatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

const messageColumns = `
	id, type, from_agent, to_agent, payload, ack_required,
	acknowledged_at, acknowledged_by, delivered_at, expires_at,
	created_at, sync_version`

const messageBindings = `
	:id, :type, :from_agent, :to_agent, :payload, :ack_required,
	:acknowledged_at, :acknowledged_by, :delivered_at, :expires_at,
	:created_at, :sync_version`

// CreateMessage inserts a new message row.
func (s *Store) CreateMessage(ctx context.Context, m *types.Message) error {
	return s.withRetry(ctx, func() error {
		query := fmt.Sprintf("INSERT INTO messages (%s) VALUES (%s)", messageColumns, messageBindings)
		_, err := s.db.NamedExecContext(ctx, query, messageToRow(m))
		return mapError(err, "creating message %s", m.ID)
	})
}

// UpsertMessage inserts or fully replaces a message row. Used when
// applying remote changes.
func (s *Store) UpsertMessage(ctx context.Context, m *types.Message) error {
	return s.withRetry(ctx, func() error {
		query := fmt.Sprintf(`INSERT INTO messages (%s) VALUES (%s)
			ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, from_agent=excluded.from_agent, to_agent=excluded.to_agent,
			payload=excluded.payload, ack_required=excluded.ack_required,
			acknowledged_at=excluded.acknowledged_at, acknowledged_by=excluded.acknowledged_by,
			delivered_at=excluded.delivered_at, expires_at=excluded.expires_at,
			created_at=excluded.created_at, sync_version=excluded.sync_version`,
			messageColumns, messageBindings)
		_, err := s.db.NamedExecContext(ctx, query, messageToRow(m))
		return mapError(err, "upserting message %s", m.ID)
	})
}

// GetMessage returns one message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	var row messageRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM messages WHERE id = ?", id); err != nil {
		return nil, mapError(err, "message %s", id)
	}
	return rowToMessage(&row)
}

// DeleteMessage removes a message row.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
		if err != nil {
			return mapError(err, "deleting message %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("message %s", id)
		}
		return nil
	})
}

// ListMessagesFor returns unexpired messages visible to agentID, which
// is every broadcast plus messages addressed to it, in created_at order.
// UnreadOnly applies the durable delivered_at mark and therefore only
// narrows directed messages; broadcast read-tracking is per process and
// belongs to the bus layer.
func (s *Store) ListMessagesFor(ctx context.Context, agentID string, f types.MessageFilter, now time.Time) ([]*types.Message, error) {
	conds := []string{
		"(to_agent IS NULL OR to_agent = ?)",
		"(expires_at IS NULL OR expires_at > ?)",
	}
	args := []interface{}{agentID, encodeTime(now)}

	if f.UnreadOnly {
		conds = append(conds, "(to_agent IS NULL OR delivered_at IS NULL)")
	}
	if f.UnackedOnly {
		conds = append(conds, "ack_required = 1 AND acknowledged_at IS NULL")
	}
	if f.Since != nil {
		conds = append(conds, "created_at > ?")
		args = append(args, encodeTime(*f.Since))
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}

	query := "SELECT * FROM messages WHERE " + strings.Join(conds, " AND ") +
		" ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err, "listing messages for %s", agentID)
	}
	messages := make([]*types.Message, 0, len(rows))
	for i := range rows {
		m, err := rowToMessage(&rows[i])
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// MarkMessagesDelivered stamps delivered_at on directed, not yet
// delivered messages addressed to agentID. Broadcast rows are never
// stamped; their delivery is tracked per receiving process. Returns the
// count affected.
func (s *Store) MarkMessagesDelivered(ctx context.Context, ids []string, agentID string, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks := make([]string, len(ids))
	args := []interface{}{encodeTime(now), agentID}
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}

	var affected int
	err := s.withRetry(ctx, func() error {
		query := fmt.Sprintf(
			`UPDATE messages SET delivered_at = ?
			 WHERE to_agent = ? AND delivered_at IS NULL AND id IN (%s)`,
			strings.Join(marks, ","))
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return mapError(err, "marking messages delivered for %s", agentID)
		}
		n, _ := res.RowsAffected()
		affected = int(n)
		return nil
	})
	return affected, err
}

// AcknowledgeMessage sets acknowledged_at/by. Repeat acks overwrite, so
// acknowledged_by always names the most recent acker. Messages not
// requiring acknowledgement reject the call.
func (s *Store) AcknowledgeMessage(ctx context.Context, id, agentID string, now time.Time) (*types.Message, error) {
	var acked *types.Message
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		var row messageRow
		if err := tx.GetContext(ctx, &row, "SELECT * FROM messages WHERE id = ?", id); err != nil {
			return mapError(err, "message %s", id)
		}
		if row.AckRequired == 0 {
			return errdefs.InvalidState("message %s does not require acknowledgement", id)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET acknowledged_at = ?, acknowledged_by = ? WHERE id = ?`,
			encodeTime(now), agentID, id); err != nil {
			return mapError(err, "acknowledging message %s", id)
		}

		if err := tx.GetContext(ctx, &row, "SELECT * FROM messages WHERE id = ?", id); err != nil {
			return mapError(err, "reading message %s", id)
		}
		m, err := rowToMessage(&row)
		if err != nil {
			return err
		}
		acked = m
		return nil
	})
	return acked, err
}

// ListUnacknowledged returns unexpired messages still waiting on an ack.
func (s *Store) ListUnacknowledged(ctx context.Context, now time.Time) ([]*types.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM messages
		 WHERE ack_required = 1 AND acknowledged_at IS NULL
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at ASC, id ASC`,
		encodeTime(now))
	if err != nil {
		return nil, mapError(err, "listing unacknowledged messages")
	}
	messages := make([]*types.Message, 0, len(rows))
	for i := range rows {
		m, err := rowToMessage(&rows[i])
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// DeleteExpiredMessages purges messages past their TTL, returning the
// count removed.
func (s *Store) DeleteExpiredMessages(ctx context.Context, now time.Time) (int, error) {
	var removed int
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?", encodeTime(now))
		if err != nil {
			return mapError(err, "purging expired messages")
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

// SetMessageSyncVersion stamps the change-log version onto the row.
func (s *Store) SetMessageSyncVersion(ctx context.Context, id string, version int64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE messages SET sync_version = ? WHERE id = ?", version, id)
		return mapError(err, "stamping sync version on message %s", id)
	})
}
