package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/types"
)

type agentRow struct {
	ID                  string         `db:"id"`
	Name                string         `db:"name"`
	Type                string         `db:"type"`
	Status              string         `db:"status"`
	Skills              string         `db:"skills"`
	RunsTests           int            `db:"runs_tests"`
	RunsBuild           int            `db:"runs_build"`
	RunsBrowser         int            `db:"runs_browser"`
	MaxTaskMinutes      int            `db:"max_task_minutes"`
	LastHeartbeat       string         `db:"last_heartbeat"`
	HeartbeatCount      int64          `db:"heartbeat_count"`
	CurrentTaskID       sql.NullString `db:"current_task_id"`
	CurrentTaskProgress float64        `db:"current_task_progress"`
	CurrentTaskPhase    string         `db:"current_task_phase"`
	TasksCompleted      int            `db:"tasks_completed"`
	TasksFailed         int            `db:"tasks_failed"`
	TotalRuntimeMinutes float64        `db:"total_runtime_minutes"`
	Machine             string         `db:"machine"`
	PID                 int            `db:"pid"`
	RegisteredAt        string         `db:"registered_at"`
	LastActiveAt        string         `db:"last_active_at"`
}

func agentToRow(a *types.Agent) *agentRow {
	return &agentRow{
		ID:                  a.ID,
		Name:                a.Name,
		Type:                a.Type,
		Status:              string(a.Status),
		Skills:              encodeList(a.Skills),
		RunsTests:           boolToInt(a.RunsTests),
		RunsBuild:           boolToInt(a.RunsBuild),
		RunsBrowser:         boolToInt(a.RunsBrowser),
		MaxTaskMinutes:      a.MaxTaskMinutes,
		LastHeartbeat:       encodeTime(a.LastHeartbeat),
		HeartbeatCount:      a.HeartbeatCount,
		CurrentTaskID:       nullString(a.CurrentTaskID),
		CurrentTaskProgress: a.CurrentTaskProgress,
		CurrentTaskPhase:    string(a.CurrentTaskPhase),
		TasksCompleted:      a.TasksCompleted,
		TasksFailed:         a.TasksFailed,
		TotalRuntimeMinutes: a.TotalRuntimeMinutes,
		Machine:             a.Machine,
		PID:                 a.PID,
		RegisteredAt:        encodeTime(a.RegisteredAt),
		LastActiveAt:        encodeTime(a.LastActiveAt),
	}
}

func rowToAgent(row *agentRow) (*types.Agent, error) {
	a := &types.Agent{
		ID:                  row.ID,
		Name:                row.Name,
		Type:                row.Type,
		Status:              types.AgentStatus(row.Status),
		RunsTests:           row.RunsTests != 0,
		RunsBuild:           row.RunsBuild != 0,
		RunsBrowser:         row.RunsBrowser != 0,
		MaxTaskMinutes:      row.MaxTaskMinutes,
		HeartbeatCount:      row.HeartbeatCount,
		CurrentTaskID:       fromNullString(row.CurrentTaskID),
		CurrentTaskProgress: row.CurrentTaskProgress,
		CurrentTaskPhase:    types.TaskPhase(row.CurrentTaskPhase),
		TasksCompleted:      row.TasksCompleted,
		TasksFailed:         row.TasksFailed,
		TotalRuntimeMinutes: row.TotalRuntimeMinutes,
		Machine:             row.Machine,
		PID:                 row.PID,
	}

	var err error
	if a.Skills, err = decodeList(row.Skills); err != nil {
		return nil, err
	}
	if a.LastHeartbeat, err = decodeTime(row.LastHeartbeat); err != nil {
		return nil, err
	}
	if a.RegisteredAt, err = decodeTime(row.RegisteredAt); err != nil {
		return nil, err
	}
	if a.LastActiveAt, err = decodeTime(row.LastActiveAt); err != nil {
		return nil, err
	}
	return a, nil
}

const agentColumns = `
	id, name, type, status, skills, runs_tests, runs_build, runs_browser,
	max_task_minutes, last_heartbeat, heartbeat_count, current_task_id,
	current_task_progress, current_task_phase, tasks_completed, tasks_failed,
	total_runtime_minutes, machine, pid, registered_at, last_active_at`

const agentBindings = `
	:id, :name, :type, :status, :skills, :runs_tests, :runs_build, :runs_browser,
	:max_task_minutes, :last_heartbeat, :heartbeat_count, :current_task_id,
	:current_task_progress, :current_task_phase, :tasks_completed, :tasks_failed,
	:total_runtime_minutes, :machine, :pid, :registered_at, :last_active_at`

// CreateAgent inserts a new agent row.
func (s *Store) CreateAgent(ctx context.Context, a *types.Agent) error {
	return s.withRetry(ctx, func() error {
		query := fmt.Sprintf("INSERT INTO agents (%s) VALUES (%s)", agentColumns, agentBindings)
		_, err := s.db.NamedExecContext(ctx, query, agentToRow(a))
		return mapError(err, "registering agent %s", a.ID)
	})
}

// GetAgent returns one agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	var row agentRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM agents WHERE id = ?", id); err != nil {
		return nil, mapError(err, "agent %s", id)
	}
	return rowToAgent(&row)
}

// UpdateAgent rewrites the full agent row.
func (s *Store) UpdateAgent(ctx context.Context, a *types.Agent) error {
	return s.withRetry(ctx, func() error {
		query := `UPDATE agents SET
			name=:name, type=:type, status=:status, skills=:skills,
			runs_tests=:runs_tests, runs_build=:runs_build, runs_browser=:runs_browser,
			max_task_minutes=:max_task_minutes, last_heartbeat=:last_heartbeat,
			heartbeat_count=:heartbeat_count, current_task_id=:current_task_id,
			current_task_progress=:current_task_progress, current_task_phase=:current_task_phase,
			tasks_completed=:tasks_completed, tasks_failed=:tasks_failed,
			total_runtime_minutes=:total_runtime_minutes, machine=:machine, pid=:pid,
			registered_at=:registered_at, last_active_at=:last_active_at
		WHERE id=:id`
		res, err := s.db.NamedExecContext(ctx, query, agentToRow(a))
		if err != nil {
			return mapError(err, "updating agent %s", a.ID)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errdefs.NotFound("agent %s", a.ID)
		}
		return nil
	})
}

// DeleteAgentCascade removes an agent and every lease it holds in one
// transaction. Returns the number of leases released.
func (s *Store) DeleteAgentCascade(ctx context.Context, id string) (int, error) {
	var leases int
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM leases WHERE agent_id = ?", id)
		if err != nil {
			return mapError(err, "releasing leases for agent %s", id)
		}
		n, _ := res.RowsAffected()
		leases = int(n)

		res, err = tx.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
		if err != nil {
			return mapError(err, "deregistering agent %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("agent %s", id)
		}
		return nil
	})
	return leases, err
}

// ListAgents returns agents, optionally restricted to one status,
// ordered by registration time.
func (s *Store) ListAgents(ctx context.Context, status types.AgentStatus) ([]*types.Agent, error) {
	query := "SELECT * FROM agents"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY registered_at ASC, id ASC"

	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err, "listing agents")
	}
	agents := make([]*types.Agent, 0, len(rows))
	for i := range rows {
		a, err := rowToAgent(&rows[i])
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// CountAgentsByStatus returns the number of agents per status.
func (s *Store) CountAgentsByStatus(ctx context.Context) (map[types.AgentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM agents GROUP BY status")
	if err != nil {
		return nil, mapError(err, "counting agents")
	}
	defer rows.Close()

	counts := make(map[types.AgentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, mapError(err, "scanning agent counts")
		}
		counts[types.AgentStatus(status)] = n
	}
	return counts, rows.Err()
}

// HeartbeatAgent records a liveness report: status, heartbeat counter,
// activity time, and optionally the in-flight task mirror. Returns the
// updated agent.
func (s *Store) HeartbeatAgent(ctx context.Context, id string, hb types.Heartbeat, now time.Time) (*types.Agent, error) {
	var updated *types.Agent
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		var res sql.Result
		var err error
		if hb.CurrentTask != nil {
			res, err = tx.ExecContext(ctx,
				`UPDATE agents SET status = ?, last_heartbeat = ?, last_active_at = ?,
				        heartbeat_count = heartbeat_count + 1, current_task_id = ?,
				        current_task_progress = ?, current_task_phase = ?
				 WHERE id = ?`,
				string(hb.Status), encodeTime(now), encodeTime(now),
				hb.CurrentTask.ID, hb.CurrentTask.Progress, string(hb.CurrentTask.Phase), id)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE agents SET status = ?, last_heartbeat = ?, last_active_at = ?,
				        heartbeat_count = heartbeat_count + 1
				 WHERE id = ?`,
				string(hb.Status), encodeTime(now), encodeTime(now), id)
		}
		if err != nil {
			return mapError(err, "heartbeat for agent %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("agent %s", id)
		}

		var row agentRow
		if err := tx.GetContext(ctx, &row, "SELECT * FROM agents WHERE id = ?", id); err != nil {
			return mapError(err, "reading agent %s", id)
		}
		a, err := rowToAgent(&row)
		if err != nil {
			return err
		}
		updated = a
		return nil
	})
	return updated, err
}

// SetAgentTaskMirror updates the in-flight task fields on the agent row.
// Passing an empty taskID clears the mirror.
func (s *Store) SetAgentTaskMirror(ctx context.Context, id, taskID string, progress float64, phase types.TaskPhase, now time.Time) error {
	return s.withRetry(ctx, func() error {
		var current sql.NullString
		if taskID != "" {
			current = sql.NullString{String: taskID, Valid: true}
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE agents SET current_task_id = ?, current_task_progress = ?,
			        current_task_phase = ?, last_active_at = ?
			 WHERE id = ?`,
			current, progress, string(phase), encodeTime(now), id)
		if err != nil {
			return mapError(err, "updating task mirror for agent %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("agent %s", id)
		}
		return nil
	})
}

// FindStaleAgents returns agents whose last heartbeat is older than the
// threshold and that are not already offline.
func (s *Store) FindStaleAgents(ctx context.Context, threshold time.Duration, now time.Time) ([]*types.Agent, error) {
	cutoff := encodeTime(now.Add(-threshold))
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM agents WHERE last_heartbeat < ? AND status != ? ORDER BY last_heartbeat ASC`,
		cutoff, string(types.AgentStatusOffline))
	if err != nil {
		return nil, mapError(err, "finding stale agents")
	}
	agents := make([]*types.Agent, 0, len(rows))
	for i := range rows {
		a, err := rowToAgent(&rows[i])
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// MarkAgentOffline flips an agent to offline and clears its task mirror.
func (s *Store) MarkAgentOffline(ctx context.Context, id string, now time.Time) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE agents SET status = ?, current_task_id = NULL,
			        current_task_progress = 0, current_task_phase = ''
			 WHERE id = ?`,
			string(types.AgentStatusOffline), id)
		if err != nil {
			return mapError(err, "marking agent %s offline", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("agent %s", id)
		}
		return nil
	})
}

// UpdateAgentStats atomically bumps the completion or failure counter
// and adds runtime minutes.
func (s *Store) UpdateAgentStats(ctx context.Context, id string, completed bool, runtimeMinutes float64) error {
	return s.withRetry(ctx, func() error {
		column := "tasks_failed"
		if completed {
			column = "tasks_completed"
		}
		query := fmt.Sprintf(
			`UPDATE agents SET %s = %s + 1, total_runtime_minutes = total_runtime_minutes + ? WHERE id = ?`,
			column, column)
		res, err := s.db.ExecContext(ctx, query, runtimeMinutes, id)
		if err != nil {
			return mapError(err, "updating stats for agent %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("agent %s", id)
		}
		return nil
	})
}
