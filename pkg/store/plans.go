package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/types"
)

type planRow struct {
	ID          string `db:"id"`
	TaskID      string `db:"task_id"`
	Title       string `db:"title"`
	Steps       string `db:"steps"`
	Status      string `db:"status"`
	CreatedBy   string `db:"created_by"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
	SyncVersion int64  `db:"sync_version"`
}

func planToRow(p *types.Plan) (*planRow, error) {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return nil, errdefs.InvalidState("encoding plan steps: %v", err)
	}
	if p.Steps == nil {
		steps = []byte("[]")
	}
	return &planRow{
		ID:          p.ID,
		TaskID:      p.TaskID,
		Title:       p.Title,
		Steps:       string(steps),
		Status:      string(p.Status),
		CreatedBy:   p.CreatedBy,
		CreatedAt:   encodeTime(p.CreatedAt),
		UpdatedAt:   encodeTime(p.UpdatedAt),
		SyncVersion: p.SyncVersion,
	}, nil
}

func rowToPlan(row *planRow) (*types.Plan, error) {
	p := &types.Plan{
		ID:          row.ID,
		TaskID:      row.TaskID,
		Title:       row.Title,
		Status:      types.PlanStatus(row.Status),
		CreatedBy:   row.CreatedBy,
		SyncVersion: row.SyncVersion,
	}
	if row.Steps != "" && row.Steps != "[]" {
		if err := json.Unmarshal([]byte(row.Steps), &p.Steps); err != nil {
			return nil, errdefs.InvalidState("parsing plan steps: %v", err)
		}
	}
	var err error
	if p.CreatedAt, err = decodeTime(row.CreatedAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = decodeTime(row.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

const planColumns = `id, task_id, title, steps, status, created_by, created_at, updated_at, sync_version`
const planBindings = `:id, :task_id, :title, :steps, :status, :created_by, :created_at, :updated_at, :sync_version`

// CreatePlan inserts a new plan row.
func (s *Store) CreatePlan(ctx context.Context, p *types.Plan) error {
	row, err := planToRow(p)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		query := fmt.Sprintf("INSERT INTO plans (%s) VALUES (%s)", planColumns, planBindings)
		_, err := s.db.NamedExecContext(ctx, query, row)
		return mapError(err, "creating plan %s", p.ID)
	})
}

// UpsertPlan inserts or fully replaces a plan row.
func (s *Store) UpsertPlan(ctx context.Context, p *types.Plan) error {
	row, err := planToRow(p)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		query := fmt.Sprintf(`INSERT INTO plans (%s) VALUES (%s)
			ON CONFLICT(id) DO UPDATE SET
			task_id=excluded.task_id, title=excluded.title, steps=excluded.steps,
			status=excluded.status, created_by=excluded.created_by,
			created_at=excluded.created_at, updated_at=excluded.updated_at,
			sync_version=excluded.sync_version`,
			planColumns, planBindings)
		_, err := s.db.NamedExecContext(ctx, query, row)
		return mapError(err, "upserting plan %s", p.ID)
	})
}

// GetPlan returns one plan by ID.
func (s *Store) GetPlan(ctx context.Context, id string) (*types.Plan, error) {
	var row planRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM plans WHERE id = ?", id); err != nil {
		return nil, mapError(err, "plan %s", id)
	}
	return rowToPlan(&row)
}

// UpdatePlan rewrites title, steps, status, and the update time.
func (s *Store) UpdatePlan(ctx context.Context, p *types.Plan) error {
	row, err := planToRow(p)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE plans SET title = ?, steps = ?, status = ?, updated_at = ? WHERE id = ?`,
			row.Title, row.Steps, row.Status, row.UpdatedAt, row.ID)
		if err != nil {
			return mapError(err, "updating plan %s", p.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("plan %s", p.ID)
		}
		return nil
	})
}

// DeletePlan removes a plan row.
func (s *Store) DeletePlan(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM plans WHERE id = ?", id)
		if err != nil {
			return mapError(err, "deleting plan %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("plan %s", id)
		}
		return nil
	})
}

// ListPlansForTask returns plans for a task, newest first.
func (s *Store) ListPlansForTask(ctx context.Context, taskID string) ([]*types.Plan, error) {
	var rows []planRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM plans WHERE task_id = ? ORDER BY created_at DESC, id DESC", taskID)
	if err != nil {
		return nil, mapError(err, "listing plans for task %s", taskID)
	}
	plans := make([]*types.Plan, 0, len(rows))
	for i := range rows {
		p, err := rowToPlan(&rows[i])
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// SetPlanSyncVersion stamps the change-log version onto the row.
func (s *Store) SetPlanSyncVersion(ctx context.Context, id string, version int64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE plans SET sync_version = ? WHERE id = ?", version, id)
		return mapError(err, "stamping sync version on plan %s", id)
	})
}
