package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/log"
)

// DBFileName is the canonical store file inside the data directory.
const DBFileName = "tasks.db"

// timeLayout is the fixed-width encoding for every stored timestamp.
// Unlike RFC3339Nano it never trims trailing zeros, so encoded strings
// compare lexicographically in time order. Claim ordering, lease expiry,
// retry eligibility, and staleness sweeps all rely on that property in
// SQL string comparisons.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	maxRetries   = 3
	retryBackoff = 100 * time.Millisecond
)

// Store is the single owner of all relational state. Components hold IDs
// and values only; every row mutation goes through a method here.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// Open opens (or creates) the store under dataDir and applies pending
// migrations. The database runs in WAL mode with immediate write
// transactions so concurrent claimers serialize at BEGIN instead of
// failing at COMMIT.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errdefs.Connection("creating data dir: %v", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		filepath.Join(dataDir, DBFileName),
	)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, errdefs.Connection("opening store: %v", err)
	}
	db.SetMaxOpenConns(4)

	s := &Store{
		db:     db,
		logger: log.WithComponent("store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside one immediate transaction, committing on nil and
// rolling back otherwise. Transient lock contention retries the whole
// transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return mapError(err, "begin transaction")
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return mapError(err, "commit transaction")
		}
		return nil
	})
}

// withRetry retries fn on retryable store errors with 100ms doubling
// backoff, up to three attempts.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBackoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return mapError(ctx.Err(), "store retry")
			}
			s.logger.Debug().Int("attempt", attempt+1).Msg("retrying store operation")
		}
		err = fn()
		if err == nil || !errdefs.IsRetryable(err) {
			return err
		}
	}
	return err
}

// mapError translates driver errors into the typed kinds callers match
// on. The sqlite driver exposes failures as strings, so classification
// is by substring.
func mapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return errdefs.NotFound("%s", msg)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errdefs.Connection("%s: %v", msg, err)
	}

	text := err.Error()
	switch {
	case strings.Contains(text, "UNIQUE constraint failed"):
		return errdefs.AlreadyExists("%s: %v", msg, err)
	case strings.Contains(text, "constraint failed"):
		return errdefs.Constraint("%s: %v", msg, err)
	case strings.Contains(text, "database is locked"), strings.Contains(text, "busy"):
		return errdefs.Connection("%s: %v", msg, err)
	default:
		return errdefs.Transaction("%s: %v", msg, err)
	}
}

// --- column codecs ---

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := encodeTime(*t)
	return &s
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other implementations may carry plain RFC3339.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, errdefs.InvalidState("parsing timestamp %q: %v", s, err)
		}
	}
	return t.UTC(), nil
}

func decodeTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := decodeTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, errdefs.InvalidState("parsing list column %q: %v", s, err)
	}
	return items, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
