package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/apiary-io/apiary/pkg/types"
)

type snapshotRow struct {
	ID           string          `db:"id"`
	TaskID       sql.NullString  `db:"task_id"`
	AgentID      sql.NullString  `db:"agent_id"`
	BuildSuccess sql.NullInt64   `db:"build_success"`
	BuildTimeMs  sql.NullInt64   `db:"build_time_ms"`
	TypeErrors   int             `db:"type_errors"`
	LintErrors   int             `db:"lint_errors"`
	LintWarnings int             `db:"lint_warnings"`
	TestsPassing int             `db:"tests_passing"`
	TestsFailing int             `db:"tests_failing"`
	TestsSkipped int             `db:"tests_skipped"`
	TestCoverage sql.NullFloat64 `db:"test_coverage"`
	TestTimeMs   sql.NullInt64   `db:"test_time_ms"`
	RawOutput    string          `db:"raw_output"`
	RecordedAt   string          `db:"recorded_at"`
}

func snapshotToRow(q *types.QualitySnapshot) *snapshotRow {
	row := &snapshotRow{
		ID:           q.ID,
		TaskID:       nullString(q.TaskID),
		AgentID:      nullString(q.AgentID),
		TypeErrors:   q.TypeErrors,
		LintErrors:   q.LintErrors,
		LintWarnings: q.LintWarnings,
		TestsPassing: q.TestsPassing,
		TestsFailing: q.TestsFailing,
		TestsSkipped: q.TestsSkipped,
		RawOutput:    q.RawOutput,
		RecordedAt:   encodeTime(q.RecordedAt),
	}
	if q.BuildSuccess != nil {
		row.BuildSuccess = sql.NullInt64{Int64: int64(boolToInt(*q.BuildSuccess)), Valid: true}
	}
	if q.BuildTimeMs != nil {
		row.BuildTimeMs = sql.NullInt64{Int64: *q.BuildTimeMs, Valid: true}
	}
	if q.TestCoverage != nil {
		row.TestCoverage = sql.NullFloat64{Float64: *q.TestCoverage, Valid: true}
	}
	if q.TestTimeMs != nil {
		row.TestTimeMs = sql.NullInt64{Int64: *q.TestTimeMs, Valid: true}
	}
	return row
}

func rowToSnapshot(row *snapshotRow) (*types.QualitySnapshot, error) {
	q := &types.QualitySnapshot{
		ID:           row.ID,
		TaskID:       fromNullString(row.TaskID),
		AgentID:      fromNullString(row.AgentID),
		TypeErrors:   row.TypeErrors,
		LintErrors:   row.LintErrors,
		LintWarnings: row.LintWarnings,
		TestsPassing: row.TestsPassing,
		TestsFailing: row.TestsFailing,
		TestsSkipped: row.TestsSkipped,
		RawOutput:    row.RawOutput,
	}
	if row.BuildSuccess.Valid {
		v := row.BuildSuccess.Int64 != 0
		q.BuildSuccess = &v
	}
	if row.BuildTimeMs.Valid {
		v := row.BuildTimeMs.Int64
		q.BuildTimeMs = &v
	}
	if row.TestCoverage.Valid {
		v := row.TestCoverage.Float64
		q.TestCoverage = &v
	}
	if row.TestTimeMs.Valid {
		v := row.TestTimeMs.Int64
		q.TestTimeMs = &v
	}
	var err error
	if q.RecordedAt, err = decodeTime(row.RecordedAt); err != nil {
		return nil, err
	}
	return q, nil
}

// CreateQualitySnapshot inserts a snapshot row.
func (s *Store) CreateQualitySnapshot(ctx context.Context, q *types.QualitySnapshot) error {
	return s.withRetry(ctx, func() error {
		query := `INSERT INTO quality_snapshots (
			id, task_id, agent_id, build_success, build_time_ms, type_errors,
			lint_errors, lint_warnings, tests_passing, tests_failing, tests_skipped,
			test_coverage, test_time_ms, raw_output, recorded_at
		) VALUES (
			:id, :task_id, :agent_id, :build_success, :build_time_ms, :type_errors,
			:lint_errors, :lint_warnings, :tests_passing, :tests_failing, :tests_skipped,
			:test_coverage, :test_time_ms, :raw_output, :recorded_at
		)`
		_, err := s.db.NamedExecContext(ctx, query, snapshotToRow(q))
		return mapError(err, "recording quality snapshot %s", q.ID)
	})
}

// GetQualitySnapshot returns one snapshot by ID.
func (s *Store) GetQualitySnapshot(ctx context.Context, id string) (*types.QualitySnapshot, error) {
	var row snapshotRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM quality_snapshots WHERE id = ?", id); err != nil {
		return nil, mapError(err, "quality snapshot %s", id)
	}
	return rowToSnapshot(&row)
}

// ListQualitySnapshots returns snapshots newest first, optionally
// restricted to one task.
func (s *Store) ListQualitySnapshots(ctx context.Context, taskID string, limit int) ([]*types.QualitySnapshot, error) {
	query := "SELECT * FROM quality_snapshots"
	var args []interface{}
	if taskID != "" {
		query += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY recorded_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(err, "listing quality snapshots")
	}
	snapshots := make([]*types.QualitySnapshot, 0, len(rows))
	for i := range rows {
		q, err := rowToSnapshot(&rows[i])
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, q)
	}
	return snapshots, nil
}

type baselineRow struct {
	ID           int             `db:"id"`
	BuildSuccess sql.NullInt64   `db:"build_success"`
	TypeErrors   int             `db:"type_errors"`
	LintErrors   int             `db:"lint_errors"`
	LintWarnings int             `db:"lint_warnings"`
	TestsPassing int             `db:"tests_passing"`
	TestsFailing int             `db:"tests_failing"`
	TestsSkipped int             `db:"tests_skipped"`
	TestCoverage sql.NullFloat64 `db:"test_coverage"`
	SetBy        string          `db:"set_by"`
	CreatedAt    string          `db:"created_at"`
	UpdatedAt    string          `db:"updated_at"`
}

// SetQualityBaseline upserts the singleton baseline row. The fixed
// primary key guarantees a single row ever exists.
func (s *Store) SetQualityBaseline(ctx context.Context, b *types.QualityBaseline) error {
	return s.withRetry(ctx, func() error {
		var buildSuccess sql.NullInt64
		if b.BuildSuccess != nil {
			buildSuccess = sql.NullInt64{Int64: int64(boolToInt(*b.BuildSuccess)), Valid: true}
		}
		var coverage sql.NullFloat64
		if b.TestCoverage != nil {
			coverage = sql.NullFloat64{Float64: *b.TestCoverage, Valid: true}
		}

		_, err := s.db.ExecContext(ctx,
			`INSERT INTO quality_baseline (
				id, build_success, type_errors, lint_errors, lint_warnings,
				tests_passing, tests_failing, tests_skipped, test_coverage,
				set_by, created_at, updated_at
			) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				build_success=excluded.build_success, type_errors=excluded.type_errors,
				lint_errors=excluded.lint_errors, lint_warnings=excluded.lint_warnings,
				tests_passing=excluded.tests_passing, tests_failing=excluded.tests_failing,
				tests_skipped=excluded.tests_skipped, test_coverage=excluded.test_coverage,
				set_by=excluded.set_by, updated_at=excluded.updated_at`,
			buildSuccess, b.TypeErrors, b.LintErrors, b.LintWarnings,
			b.TestsPassing, b.TestsFailing, b.TestsSkipped, coverage,
			b.SetBy, encodeTime(b.CreatedAt), encodeTime(b.UpdatedAt))
		return mapError(err, "setting quality baseline")
	})
}

// GetQualityBaseline returns the baseline, or (nil, nil) when none has
// been set.
func (s *Store) GetQualityBaseline(ctx context.Context) (*types.QualityBaseline, error) {
	var row baselineRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM quality_baseline WHERE id = 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError(err, "quality baseline")
	}

	b := &types.QualityBaseline{
		TypeErrors:   row.TypeErrors,
		LintErrors:   row.LintErrors,
		LintWarnings: row.LintWarnings,
		TestsPassing: row.TestsPassing,
		TestsFailing: row.TestsFailing,
		TestsSkipped: row.TestsSkipped,
		SetBy:        row.SetBy,
	}
	if row.BuildSuccess.Valid {
		v := row.BuildSuccess.Int64 != 0
		b.BuildSuccess = &v
	}
	if row.TestCoverage.Valid {
		v := row.TestCoverage.Float64
		b.TestCoverage = &v
	}
	var err error
	if b.CreatedAt, err = decodeTime(row.CreatedAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = decodeTime(row.UpdatedAt); err != nil {
		return nil, err
	}
	return b, nil
}
