package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/apiary-io/apiary/pkg/types"
)

type leaseRow struct {
	FilePath     string         `db:"file_path"`
	AgentID      string         `db:"agent_id"`
	TaskID       sql.NullString `db:"task_id"`
	AcquiredAt   string         `db:"acquired_at"`
	ExpiresAt    string         `db:"expires_at"`
	RenewedCount int            `db:"renewed_count"`
}

func rowToLease(row *leaseRow) (*types.Lease, error) {
	l := &types.Lease{
		FilePath:     row.FilePath,
		AgentID:      row.AgentID,
		TaskID:       fromNullString(row.TaskID),
		RenewedCount: row.RenewedCount,
	}
	var err error
	if l.AcquiredAt, err = decodeTime(row.AcquiredAt); err != nil {
		return nil, err
	}
	if l.ExpiresAt, err = decodeTime(row.ExpiresAt); err != nil {
		return nil, err
	}
	return l, nil
}

// AcquireLease tries to take the exclusive lease on a path. A fresh
// insert always wins; a conflicting row is overwritten only when its
// expiry has already passed. The read-back tells the caller whether it
// now holds the lease, so a re-acquire by the current holder returns
// true without extending the deadline.
func (s *Store) AcquireLease(ctx context.Context, path, agentID string, taskID *string, duration time.Duration, now time.Time) (*types.Lease, bool, error) {
	var lease *types.Lease
	var acquired bool
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO leases (file_path, agent_id, task_id, acquired_at, expires_at, renewed_count)
			 VALUES (?, ?, ?, ?, ?, 0)
			 ON CONFLICT(file_path) DO UPDATE SET
			     agent_id = excluded.agent_id,
			     task_id = excluded.task_id,
			     acquired_at = excluded.acquired_at,
			     expires_at = excluded.expires_at,
			     renewed_count = 0
			 WHERE leases.expires_at < excluded.acquired_at`,
			path, agentID, nullString(taskID), encodeTime(now), encodeTime(now.Add(duration)))
		if err != nil {
			return mapError(err, "acquiring lease on %s", path)
		}

		var row leaseRow
		if err := tx.GetContext(ctx, &row, "SELECT * FROM leases WHERE file_path = ?", path); err != nil {
			return mapError(err, "reading lease on %s", path)
		}
		l, err := rowToLease(&row)
		if err != nil {
			return err
		}
		lease = l
		acquired = l.AgentID == agentID
		return nil
	})
	return lease, acquired, err
}

// GetLease returns the stored lease row without expiry handling, or
// (nil, nil) when no row exists. Most callers want CheckLease.
func (s *Store) GetLease(ctx context.Context, path string) (*types.Lease, error) {
	var row leaseRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM leases WHERE file_path = ?", path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError(err, "lease on %s", path)
	}
	return rowToLease(&row)
}

// CheckLease is the canonical lease read: an expired row is deleted on
// the way out and reported as absent. Returns (nil, nil) when no live
// lease exists.
func (s *Store) CheckLease(ctx context.Context, path string, now time.Time) (*types.Lease, error) {
	var lease *types.Lease
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		var row leaseRow
		if err := tx.GetContext(ctx, &row, "SELECT * FROM leases WHERE file_path = ?", path); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return mapError(err, "lease on %s", path)
		}
		l, err := rowToLease(&row)
		if err != nil {
			return err
		}
		if l.Expired(now) {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM leases WHERE file_path = ? AND expires_at = ?", path, row.ExpiresAt); err != nil {
				return mapError(err, "dropping expired lease on %s", path)
			}
			return nil
		}
		lease = l
		return nil
	})
	return lease, err
}

// ReleaseLease deletes the lease only when held by agentID. Reports
// whether a row was removed.
func (s *Store) ReleaseLease(ctx context.Context, path, agentID string) (bool, error) {
	var released bool
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM leases WHERE file_path = ? AND agent_id = ?", path, agentID)
		if err != nil {
			return mapError(err, "releasing lease on %s", path)
		}
		n, _ := res.RowsAffected()
		released = n > 0
		return nil
	})
	return released, err
}

// ForceReleaseLease deletes the lease regardless of holder.
func (s *Store) ForceReleaseLease(ctx context.Context, path string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM leases WHERE file_path = ?", path)
		return mapError(err, "force releasing lease on %s", path)
	})
}

// ExtendLease pushes the expiry to now+duration and bumps the renewal
// counter, only when agentID still holds the lease.
func (s *Store) ExtendLease(ctx context.Context, path, agentID string, duration time.Duration, now time.Time) (*types.Lease, error) {
	var extended *types.Lease
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE leases SET expires_at = ?, renewed_count = renewed_count + 1
			 WHERE file_path = ? AND agent_id = ?`,
			encodeTime(now.Add(duration)), path, agentID)
		if err != nil {
			return mapError(err, "extending lease on %s", path)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		var row leaseRow
		if err := tx.GetContext(ctx, &row, "SELECT * FROM leases WHERE file_path = ?", path); err != nil {
			return mapError(err, "reading lease on %s", path)
		}
		l, err := rowToLease(&row)
		if err != nil {
			return err
		}
		extended = l
		return nil
	})
	return extended, err
}

// FindExpiredLeases returns every lease past its deadline.
func (s *Store) FindExpiredLeases(ctx context.Context, now time.Time) ([]*types.Lease, error) {
	var rows []leaseRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM leases WHERE expires_at < ? ORDER BY expires_at ASC", encodeTime(now))
	if err != nil {
		return nil, mapError(err, "finding expired leases")
	}
	leases := make([]*types.Lease, 0, len(rows))
	for i := range rows {
		l, err := rowToLease(&rows[i])
		if err != nil {
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, nil
}

// DeleteExpiredLeases removes every lease past its deadline, returning
// the count removed.
func (s *Store) DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	var removed int
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM leases WHERE expires_at < ?", encodeTime(now))
		if err != nil {
			return mapError(err, "sweeping expired leases")
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

// ReleaseAllLeases drops every lease held by agentID, returning the
// count removed.
func (s *Store) ReleaseAllLeases(ctx context.Context, agentID string) (int, error) {
	var removed int
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM leases WHERE agent_id = ?", agentID)
		if err != nil {
			return mapError(err, "releasing leases for agent %s", agentID)
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

// ListLeases returns all stored leases, expired rows included.
func (s *Store) ListLeases(ctx context.Context) ([]*types.Lease, error) {
	var rows []leaseRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM leases ORDER BY file_path ASC"); err != nil {
		return nil, mapError(err, "listing leases")
	}
	leases := make([]*types.Lease, 0, len(rows))
	for i := range rows {
		l, err := rowToLease(&rows[i])
		if err != nil {
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, nil
}
