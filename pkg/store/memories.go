package store

import (
	"context"
	"fmt"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/types"
)

type memoryRow struct {
	ID          string  `db:"id"`
	AgentID     *string `db:"agent_id"`
	TaskID      *string `db:"task_id"`
	Kind        string  `db:"kind"`
	Content     string  `db:"content"`
	Tags        string  `db:"tags"`
	CreatedAt   string  `db:"created_at"`
	UpdatedAt   string  `db:"updated_at"`
	SyncVersion int64   `db:"sync_version"`
}

func memoryToRow(m *types.Memory) *memoryRow {
	return &memoryRow{
		ID:          m.ID,
		AgentID:     m.AgentID,
		TaskID:      m.TaskID,
		Kind:        string(m.Kind),
		Content:     m.Content,
		Tags:        encodeList(m.Tags),
		CreatedAt:   encodeTime(m.CreatedAt),
		UpdatedAt:   encodeTime(m.UpdatedAt),
		SyncVersion: m.SyncVersion,
	}
}

func rowToMemory(row *memoryRow) (*types.Memory, error) {
	m := &types.Memory{
		ID:          row.ID,
		AgentID:     row.AgentID,
		TaskID:      row.TaskID,
		Kind:        types.MemoryKind(row.Kind),
		Content:     row.Content,
		SyncVersion: row.SyncVersion,
	}
	var err error
	if m.Tags, err = decodeList(row.Tags); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = decodeTime(row.CreatedAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = decodeTime(row.UpdatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

const memoryColumns = `id, agent_id, task_id, kind, content, tags, created_at, updated_at, sync_version`
const memoryBindings = `:id, :agent_id, :task_id, :kind, :content, :tags, :created_at, :updated_at, :sync_version`

// CreateMemory inserts a new memory row.
func (s *Store) CreateMemory(ctx context.Context, m *types.Memory) error {
	return s.withRetry(ctx, func() error {
		query := fmt.Sprintf("INSERT INTO memories (%s) VALUES (%s)", memoryColumns, memoryBindings)
		_, err := s.db.NamedExecContext(ctx, query, memoryToRow(m))
		return mapError(err, "creating memory %s", m.ID)
	})
}

// UpsertMemory inserts or fully replaces a memory row.
func (s *Store) UpsertMemory(ctx context.Context, m *types.Memory) error {
	return s.withRetry(ctx, func() error {
		query := fmt.Sprintf(`INSERT INTO memories (%s) VALUES (%s)
			ON CONFLICT(id) DO UPDATE SET
			agent_id=excluded.agent_id, task_id=excluded.task_id, kind=excluded.kind,
			content=excluded.content, tags=excluded.tags, created_at=excluded.created_at,
			updated_at=excluded.updated_at, sync_version=excluded.sync_version`,
			memoryColumns, memoryBindings)
		_, err := s.db.NamedExecContext(ctx, query, memoryToRow(m))
		return mapError(err, "upserting memory %s", m.ID)
	})
}

// GetMemory returns one memory by ID.
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	var row memoryRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM memories WHERE id = ?", id); err != nil {
		return nil, mapError(err, "memory %s", id)
	}
	return rowToMemory(&row)
}

// UpdateMemory rewrites content, tags, and the update time.
func (s *Store) UpdateMemory(ctx context.Context, m *types.Memory) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE memories SET kind = ?, content = ?, tags = ?, updated_at = ? WHERE id = ?`,
			string(m.Kind), m.Content, encodeList(m.Tags), encodeTime(m.UpdatedAt), m.ID)
		if err != nil {
			return mapError(err, "updating memory %s", m.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("memory %s", m.ID)
		}
		return nil
	})
}

// DeleteMemory removes a memory row.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
		if err != nil {
			return mapError(err, "deleting memory %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("memory %s", id)
		}
		return nil
	})
}

// MemoryFilter narrows memory listing.
type MemoryFilter struct {
	AgentID string
	TaskID  string
	Kind    types.MemoryKind
	Limit   int
}

// ListMemories returns memories newest first.
func (s *Store) ListMemories(ctx context.Context, f MemoryFilter) ([]*types.Memory, error) {
	query := "SELECT * FROM memories"
	var conds []string
	var args []interface{}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []memoryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err, "listing memories")
	}
	memories := make([]*types.Memory, 0, len(rows))
	for i := range rows {
		m, err := rowToMemory(&rows[i])
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, nil
}

// SetMemorySyncVersion stamps the change-log version onto the row.
func (s *Store) SetMemorySyncVersion(ctx context.Context, id string, version int64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE memories SET sync_version = ? WHERE id = ?", version, id)
		return mapError(err, "stamping sync version on memory %s", id)
	})
}
