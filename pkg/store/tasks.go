package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/types"
)

type taskRow struct {
	ID                string         `db:"id"`
	Title             string         `db:"title"`
	Description       string         `db:"description"`
	Status            string         `db:"status"`
	Priority          string         `db:"priority"`
	PriorityOrder     int            `db:"priority_order"`
	Type              string         `db:"type"`
	RequiredSkills    string         `db:"required_skills"`
	Dependencies      string         `db:"dependencies"`
	Blockers          string         `db:"blockers"`
	Files             string         `db:"files"`
	AssignedAgent     sql.NullString `db:"assigned_agent"`
	ClaimedAt         sql.NullString `db:"claimed_at"`
	StartedAt         sql.NullString `db:"started_at"`
	CompletedAt       sql.NullString `db:"completed_at"`
	EstimatedMinutes  sql.NullInt64  `db:"estimated_minutes"`
	ActualMinutes     sql.NullInt64  `db:"actual_minutes"`
	RetryCount        int            `db:"retry_count"`
	MaxRetries        int            `db:"max_retries"`
	LastError         string         `db:"last_error"`
	FailureType       string         `db:"failure_type"`
	NextRetryAt       sql.NullString `db:"next_retry_at"`
	PreviousAgents    string         `db:"previous_agents"`
	Result            sql.NullString `db:"result"`
	Branch            string         `db:"branch"`
	QualitySnapshotID sql.NullString `db:"quality_snapshot_id"`
	CreatedAt         string         `db:"created_at"`
	UpdatedAt         string         `db:"updated_at"`
	SyncVersion       int64          `db:"sync_version"`
}

func taskToRow(t *types.Task) *taskRow {
	row := &taskRow{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		Status:            string(t.Status),
		Priority:          string(t.Priority),
		PriorityOrder:     t.Priority.Order(),
		Type:              t.Type,
		RequiredSkills:    encodeList(t.RequiredSkills),
		Dependencies:      encodeList(t.Dependencies),
		Blockers:          encodeList(t.Blockers),
		Files:             encodeList(t.Files),
		AssignedAgent:     nullString(t.AssignedAgent),
		ClaimedAt:         nullString(encodeTimePtr(t.ClaimedAt)),
		StartedAt:         nullString(encodeTimePtr(t.StartedAt)),
		CompletedAt:       nullString(encodeTimePtr(t.CompletedAt)),
		RetryCount:        t.RetryCount,
		MaxRetries:        t.MaxRetries,
		LastError:         t.LastError,
		FailureType:       string(t.FailureType),
		NextRetryAt:       nullString(encodeTimePtr(t.NextRetryAt)),
		PreviousAgents:    encodeList(t.PreviousAgents),
		Branch:            t.Branch,
		QualitySnapshotID: nullString(t.QualitySnapshotID),
		CreatedAt:         encodeTime(t.CreatedAt),
		UpdatedAt:         encodeTime(t.UpdatedAt),
		SyncVersion:       t.SyncVersion,
	}
	if t.EstimatedMinutes != nil {
		row.EstimatedMinutes = sql.NullInt64{Int64: int64(*t.EstimatedMinutes), Valid: true}
	}
	if t.ActualMinutes != nil {
		row.ActualMinutes = sql.NullInt64{Int64: int64(*t.ActualMinutes), Valid: true}
	}
	if len(t.Result) > 0 {
		row.Result = sql.NullString{String: string(t.Result), Valid: true}
	}
	return row
}

func rowToTask(row *taskRow) (*types.Task, error) {
	t := &types.Task{
		ID:                row.ID,
		Title:             row.Title,
		Description:       row.Description,
		Status:            types.TaskStatus(row.Status),
		Priority:          types.TaskPriority(row.Priority),
		Type:              row.Type,
		AssignedAgent:     fromNullString(row.AssignedAgent),
		RetryCount:        row.RetryCount,
		MaxRetries:        row.MaxRetries,
		LastError:         row.LastError,
		FailureType:       types.FailureType(row.FailureType),
		Branch:            row.Branch,
		QualitySnapshotID: fromNullString(row.QualitySnapshotID),
		SyncVersion:       row.SyncVersion,
	}

	var err error
	if t.RequiredSkills, err = decodeList(row.RequiredSkills); err != nil {
		return nil, err
	}
	if t.Dependencies, err = decodeList(row.Dependencies); err != nil {
		return nil, err
	}
	if t.Blockers, err = decodeList(row.Blockers); err != nil {
		return nil, err
	}
	if t.Files, err = decodeList(row.Files); err != nil {
		return nil, err
	}
	if t.PreviousAgents, err = decodeList(row.PreviousAgents); err != nil {
		return nil, err
	}
	if t.ClaimedAt, err = decodeTimePtr(fromNullString(row.ClaimedAt)); err != nil {
		return nil, err
	}
	if t.StartedAt, err = decodeTimePtr(fromNullString(row.StartedAt)); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = decodeTimePtr(fromNullString(row.CompletedAt)); err != nil {
		return nil, err
	}
	if t.NextRetryAt, err = decodeTimePtr(fromNullString(row.NextRetryAt)); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = decodeTime(row.CreatedAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = decodeTime(row.UpdatedAt); err != nil {
		return nil, err
	}
	if row.EstimatedMinutes.Valid {
		v := int(row.EstimatedMinutes.Int64)
		t.EstimatedMinutes = &v
	}
	if row.ActualMinutes.Valid {
		v := int(row.ActualMinutes.Int64)
		t.ActualMinutes = &v
	}
	if row.Result.Valid {
		t.Result = json.RawMessage(row.Result.String)
	}
	return t, nil
}

const taskColumns = `
	id, title, description, status, priority, priority_order, type,
	required_skills, dependencies, blockers, files, assigned_agent,
	claimed_at, started_at, completed_at, estimated_minutes, actual_minutes,
	retry_count, max_retries, last_error, failure_type, next_retry_at,
	previous_agents, result, branch, quality_snapshot_id,
	created_at, updated_at, sync_version`

const taskBindings = `
	:id, :title, :description, :status, :priority, :priority_order, :type,
	:required_skills, :dependencies, :blockers, :files, :assigned_agent,
	:claimed_at, :started_at, :completed_at, :estimated_minutes, :actual_minutes,
	:retry_count, :max_retries, :last_error, :failure_type, :next_retry_at,
	:previous_agents, :result, :branch, :quality_snapshot_id,
	:created_at, :updated_at, :sync_version`

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *types.Task) error {
	return s.withRetry(ctx, func() error {
		query := fmt.Sprintf("INSERT INTO tasks (%s) VALUES (%s)", taskColumns, taskBindings)
		_, err := s.db.NamedExecContext(ctx, query, taskToRow(t))
		return mapError(err, "creating task %s", t.ID)
	})
}

// GetTask returns one task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var row taskRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", id); err != nil {
		return nil, mapError(err, "task %s", id)
	}
	return rowToTask(&row)
}

// UpdateTask rewrites the full task row.
func (s *Store) UpdateTask(ctx context.Context, t *types.Task) error {
	return s.withRetry(ctx, func() error {
		query := `UPDATE tasks SET
			title=:title, description=:description, status=:status,
			priority=:priority, priority_order=:priority_order, type=:type,
			required_skills=:required_skills, dependencies=:dependencies,
			blockers=:blockers, files=:files, assigned_agent=:assigned_agent,
			claimed_at=:claimed_at, started_at=:started_at, completed_at=:completed_at,
			estimated_minutes=:estimated_minutes, actual_minutes=:actual_minutes,
			retry_count=:retry_count, max_retries=:max_retries, last_error=:last_error,
			failure_type=:failure_type, next_retry_at=:next_retry_at,
			previous_agents=:previous_agents, result=:result, branch=:branch,
			quality_snapshot_id=:quality_snapshot_id, updated_at=:updated_at,
			sync_version=:sync_version
		WHERE id=:id`
		res, err := s.db.NamedExecContext(ctx, query, taskToRow(t))
		if err != nil {
			return mapError(err, "updating task %s", t.ID)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errdefs.NotFound("task %s", t.ID)
		}
		return nil
	})
}

// UpsertTask inserts or fully replaces a task row. Used when applying
// remote changes, where the incoming snapshot is authoritative.
func (s *Store) UpsertTask(ctx context.Context, t *types.Task) error {
	return s.withRetry(ctx, func() error {
		query := fmt.Sprintf(`INSERT INTO tasks (%s) VALUES (%s)
			ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, description=excluded.description,
			status=excluded.status, priority=excluded.priority,
			priority_order=excluded.priority_order, type=excluded.type,
			required_skills=excluded.required_skills, dependencies=excluded.dependencies,
			blockers=excluded.blockers, files=excluded.files,
			assigned_agent=excluded.assigned_agent, claimed_at=excluded.claimed_at,
			started_at=excluded.started_at, completed_at=excluded.completed_at,
			estimated_minutes=excluded.estimated_minutes, actual_minutes=excluded.actual_minutes,
			retry_count=excluded.retry_count, max_retries=excluded.max_retries,
			last_error=excluded.last_error, failure_type=excluded.failure_type,
			next_retry_at=excluded.next_retry_at, previous_agents=excluded.previous_agents,
			result=excluded.result, branch=excluded.branch,
			quality_snapshot_id=excluded.quality_snapshot_id,
			created_at=excluded.created_at, updated_at=excluded.updated_at,
			sync_version=excluded.sync_version`, taskColumns, taskBindings)
		_, err := s.db.NamedExecContext(ctx, query, taskToRow(t))
		return mapError(err, "upserting task %s", t.ID)
	})
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
		if err != nil {
			return mapError(err, "deleting task %s", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errdefs.NotFound("task %s", id)
		}
		return nil
	})
}

func buildTaskWhere(f types.TaskFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(marks, ",")))
	}
	if f.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, string(f.Priority))
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.AssignedAgent != "" {
		conds = append(conds, "assigned_agent = ?")
		args = append(args, f.AssignedAgent)
	}
	if f.Branch != "" {
		conds = append(conds, "branch = ?")
		args = append(args, f.Branch)
	}
	if len(f.IDs) > 0 {
		marks := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			marks[i] = "?"
			args = append(args, id)
		}
		conds = append(conds, fmt.Sprintf("id IN (%s)", strings.Join(marks, ",")))
	}
	if len(f.ExcludeIDs) > 0 {
		marks := make([]string, len(f.ExcludeIDs))
		for i, id := range f.ExcludeIDs {
			marks[i] = "?"
			args = append(args, id)
		}
		conds = append(conds, fmt.Sprintf("id NOT IN (%s)", strings.Join(marks, ",")))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListTasks returns tasks matching the filter, ordered by priority
// descending then age ascending, with task ID as the final tie-break.
func (s *Store) ListTasks(ctx context.Context, f types.TaskFilter) ([]*types.Task, error) {
	where, args := buildTaskWhere(f)
	query := "SELECT * FROM tasks" + where + " ORDER BY priority_order DESC, created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err, "listing tasks")
	}
	tasks := make([]*types.Task, 0, len(rows))
	for i := range rows {
		t, err := rowToTask(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, mapError(err, "counting tasks")
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, mapError(err, "scanning task counts")
		}
		counts[types.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// ClaimNextTask atomically claims the best ready task for agentID:
// highest priority first, then oldest, then lowest ID. The select and
// the conditional update run in one immediate transaction, so exactly
// one concurrent caller can win a given task. Returns (nil, nil) when
// no candidate exists or the guard lost; callers must not treat that
// as an error.
func (s *Store) ClaimNextTask(ctx context.Context, agentID string, f types.TaskFilter, now time.Time) (*types.Task, error) {
	var claimed *types.Task
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		f.Status = []types.TaskStatus{types.TaskStatusReady}
		where, args := buildTaskWhere(f)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		query := "SELECT * FROM tasks" + where +
			"(assigned_agent IS NULL OR assigned_agent = ?)" +
			" ORDER BY priority_order DESC, created_at ASC, id ASC LIMIT 1"
		args = append(args, agentID)

		var row taskRow
		if err := tx.GetContext(ctx, &row, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return mapError(err, "selecting claim candidate")
		}

		t, err := s.claimInTx(ctx, tx, row.ID, agentID, now)
		if err != nil {
			return err
		}
		claimed = t
		return nil
	})
	return claimed, err
}

// ClaimTask atomically claims one specific ready task for agentID.
// Returns (nil, nil) when the task is no longer ready (another agent
// won, or the status moved on).
func (s *Store) ClaimTask(ctx context.Context, taskID, agentID string, now time.Time) (*types.Task, error) {
	var claimed *types.Task
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.claimInTx(ctx, tx, taskID, agentID, now)
		if err != nil {
			return err
		}
		claimed = t
		return nil
	})
	return claimed, err
}

func (s *Store) claimInTx(ctx context.Context, tx *sqlx.Tx, taskID, agentID string, now time.Time) (*types.Task, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_agent = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND (assigned_agent IS NULL OR assigned_agent = ?)`,
		string(types.TaskStatusClaimed), agentID, encodeTime(now), encodeTime(now),
		taskID, string(types.TaskStatusReady), agentID)
	if err != nil {
		return nil, mapError(err, "claiming task %s", taskID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, nil
	}

	var row taskRow
	if err := tx.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", taskID); err != nil {
		return nil, mapError(err, "reading claimed task %s", taskID)
	}
	return rowToTask(&row)
}

// ReleaseTask moves a claimed or in-progress task back to ready,
// clearing the assignment. Returns the released task, or (nil, nil)
// when the task was not in a releasable status.
func (s *Store) ReleaseTask(ctx context.Context, id, reason string, now time.Time) (*types.Task, error) {
	var released *types.Task
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, assigned_agent = NULL, claimed_at = NULL,
			        started_at = NULL, last_error = ?, updated_at = ?
			 WHERE id = ? AND status IN (?, ?)`,
			string(types.TaskStatusReady), reason, encodeTime(now),
			id, string(types.TaskStatusClaimed), string(types.TaskStatusInProgress))
		if err != nil {
			return mapError(err, "releasing task %s", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		var row taskRow
		if err := tx.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", id); err != nil {
			return mapError(err, "reading released task %s", id)
		}
		t, err := rowToTask(&row)
		if err != nil {
			return err
		}
		released = t
		return nil
	})
	return released, err
}

// MarkTaskInProgress transitions a claimed task to in_progress, setting
// started_at on the first call only, and merges filesModified into the
// task's file list. Returns the updated task, or (nil, nil) when the
// task is neither claimed nor in progress.
func (s *Store) MarkTaskInProgress(ctx context.Context, id string, filesModified []string, now time.Time) (*types.Task, error) {
	var updated *types.Task
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
			 WHERE id = ? AND status IN (?, ?)`,
			string(types.TaskStatusInProgress), encodeTime(now), encodeTime(now),
			id, string(types.TaskStatusClaimed), string(types.TaskStatusInProgress))
		if err != nil {
			return mapError(err, "starting task %s", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}

		var row taskRow
		if err := tx.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", id); err != nil {
			return mapError(err, "reading task %s", id)
		}
		t, err := rowToTask(&row)
		if err != nil {
			return err
		}

		if merged, changed := mergeFiles(t.Files, filesModified); changed {
			t.Files = merged
			if _, err := tx.ExecContext(ctx,
				"UPDATE tasks SET files = ? WHERE id = ?", encodeList(merged), id); err != nil {
				return mapError(err, "recording files for task %s", id)
			}
		}
		updated = t
		return nil
	})
	return updated, err
}

func mergeFiles(existing, incoming []string) ([]string, bool) {
	if len(incoming) == 0 {
		return existing, false
	}
	seen := make(map[string]bool, len(existing))
	for _, f := range existing {
		seen[f] = true
	}
	merged := existing
	changed := false
	for _, f := range incoming {
		if !seen[f] {
			seen[f] = true
			merged = append(merged, f)
			changed = true
		}
	}
	return merged, changed
}

// CompleteTask finishes a claimed or in-progress task. actual_minutes is
// derived from started_at; a task completed straight from claimed has no
// started_at and therefore no actual_minutes. The assignment is cleared
// so only live work carries an agent.
func (s *Store) CompleteTask(ctx context.Context, id string, result json.RawMessage, now time.Time) (*types.Task, error) {
	var completed *types.Task
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		var row taskRow
		if err := tx.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", id); err != nil {
			return mapError(err, "task %s", id)
		}
		if row.Status != string(types.TaskStatusClaimed) && row.Status != string(types.TaskStatusInProgress) {
			return errdefs.InvalidState("task %s is %s, cannot complete", id, row.Status)
		}

		var actual sql.NullInt64
		if row.StartedAt.Valid {
			started, err := decodeTime(row.StartedAt.String)
			if err != nil {
				return err
			}
			actual = sql.NullInt64{Int64: int64(now.Sub(started).Minutes()), Valid: true}
		}
		var res sql.NullString
		if len(result) > 0 {
			res = sql.NullString{String: string(result), Valid: true}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, completed_at = ?, actual_minutes = ?,
			        result = ?, assigned_agent = NULL, updated_at = ?
			 WHERE id = ?`,
			string(types.TaskStatusCompleted), encodeTime(now), actual, res, encodeTime(now), id); err != nil {
			return mapError(err, "completing task %s", id)
		}

		if err := tx.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", id); err != nil {
			return mapError(err, "reading completed task %s", id)
		}
		t, err := rowToTask(&row)
		if err != nil {
			return err
		}
		completed = t
		return nil
	})
	return completed, err
}

// FailTask records a failure against a claimed or in-progress task.
// It increments retry_count, moves the assigned agent onto
// previous_agents, and either schedules a retry (recoverable failures
// within budget, using retryDelay for the wait) or marks the task
// failed. retry_count never exceeds max_retries on the failed path.
func (s *Store) FailTask(ctx context.Context, id string, failure types.TaskFailure, retryDelay func(retryCount int) time.Duration, now time.Time) (*types.Task, error) {
	var failed *types.Task
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		var row taskRow
		if err := tx.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", id); err != nil {
			return mapError(err, "task %s", id)
		}
		if row.Status != string(types.TaskStatusClaimed) && row.Status != string(types.TaskStatusInProgress) {
			return errdefs.InvalidState("task %s is %s, cannot fail", id, row.Status)
		}

		retryCount := row.RetryCount + 1

		previous, err := decodeList(row.PreviousAgents)
		if err != nil {
			return err
		}
		if row.AssignedAgent.Valid {
			previous = appendUnique(previous, row.AssignedAgent.String)
		}

		status := types.TaskStatusFailed
		var nextRetry sql.NullString
		if failure.Recoverable && retryCount <= row.MaxRetries {
			status = types.TaskStatusPendingRetry
			nextRetry = sql.NullString{String: encodeTime(now.Add(retryDelay(retryCount))), Valid: true}
		} else if retryCount > row.MaxRetries {
			retryCount = row.MaxRetries
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, retry_count = ?, last_error = ?, failure_type = ?,
			        next_retry_at = ?, previous_agents = ?, assigned_agent = NULL,
			        claimed_at = NULL, started_at = NULL, updated_at = ?
			 WHERE id = ?`,
			string(status), retryCount, failure.Message, string(failure.Type),
			nextRetry, encodeList(previous), encodeTime(now), id); err != nil {
			return mapError(err, "failing task %s", id)
		}

		if err := tx.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", id); err != nil {
			return mapError(err, "reading failed task %s", id)
		}
		t, err := rowToTask(&row)
		if err != nil {
			return err
		}
		failed = t
		return nil
	})
	return failed, err
}

func appendUnique(items []string, item string) []string {
	for _, existing := range items {
		if existing == item {
			return items
		}
	}
	return append(items, item)
}

// FindRetryEligible returns pending_retry tasks whose next_retry_at has
// passed, highest priority first then earliest retry time.
func (s *Store) FindRetryEligible(ctx context.Context, now time.Time) ([]*types.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tasks
		 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY priority_order DESC, next_retry_at ASC, id ASC`,
		string(types.TaskStatusPendingRetry), encodeTime(now))
	if err != nil {
		return nil, mapError(err, "finding retry-eligible tasks")
	}
	tasks := make([]*types.Task, 0, len(rows))
	for i := range rows {
		t, err := rowToTask(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ResetTaskForRetry moves a pending_retry task back to ready and clears
// its retry deadline. Returns the task, or (nil, nil) when the task was
// not pending retry.
func (s *Store) ResetTaskForRetry(ctx context.Context, id string, now time.Time) (*types.Task, error) {
	var reset *types.Task
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, next_retry_at = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(types.TaskStatusReady), encodeTime(now), id, string(types.TaskStatusPendingRetry))
		if err != nil {
			return mapError(err, "resetting task %s", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		var row taskRow
		if err := tx.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", id); err != nil {
			return mapError(err, "reading reset task %s", id)
		}
		t, err := rowToTask(&row)
		if err != nil {
			return err
		}
		reset = t
		return nil
	})
	return reset, err
}

// PromoteBlockedTasks moves every blocked task whose dependencies have
// all completed to ready, returning the promoted tasks. A dependency ID
// that resolves to no task keeps its dependents blocked. Idempotent.
func (s *Store) PromoteBlockedTasks(ctx context.Context, now time.Time) ([]*types.Task, error) {
	var promoted []*types.Task
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		var rows []taskRow
		err := tx.SelectContext(ctx, &rows,
			`SELECT * FROM tasks t
			 WHERE t.status = ? AND NOT EXISTS (
			     SELECT 1 FROM json_each(t.dependencies) dep
			     LEFT JOIN tasks d ON d.id = dep.value
			     WHERE d.id IS NULL OR d.status != ?
			 )
			 ORDER BY priority_order DESC, created_at ASC, id ASC`,
			string(types.TaskStatusBlocked), string(types.TaskStatusCompleted))
		if err != nil {
			return mapError(err, "selecting unblockable tasks")
		}

		for i := range rows {
			res, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				string(types.TaskStatusReady), encodeTime(now), rows[i].ID, string(types.TaskStatusBlocked))
			if err != nil {
				return mapError(err, "promoting task %s", rows[i].ID)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			var row taskRow
			if err := tx.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", rows[i].ID); err != nil {
				return mapError(err, "reading promoted task %s", rows[i].ID)
			}
			t, err := rowToTask(&row)
			if err != nil {
				return err
			}
			promoted = append(promoted, t)
		}
		return nil
	})
	return promoted, err
}

// SetTaskSyncVersion stamps the change-log version onto the row without
// touching updated_at.
func (s *Store) SetTaskSyncVersion(ctx context.Context, id string, version int64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE tasks SET sync_version = ? WHERE id = ?", version, id)
		return mapError(err, "stamping sync version on task %s", id)
	})
}

// SetTaskQualitySnapshot links a recorded snapshot to its task. Returns
// the updated task, or (nil, nil) when the task does not exist.
func (s *Store) SetTaskQualitySnapshot(ctx context.Context, taskID, snapshotID string, now time.Time) (*types.Task, error) {
	var updated *types.Task
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE tasks SET quality_snapshot_id = ?, updated_at = ? WHERE id = ?",
			snapshotID, encodeTime(now), taskID)
		if err != nil {
			return mapError(err, "linking snapshot to task %s", taskID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		var row taskRow
		if err := tx.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", taskID); err != nil {
			return mapError(err, "reading task %s", taskID)
		}
		t, err := rowToTask(&row)
		if err != nil {
			return err
		}
		updated = t
		return nil
	})
	return updated, err
}
