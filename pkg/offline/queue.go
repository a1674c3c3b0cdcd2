// Package offline persists sync work that could not reach the peer and
// drains it with bounded exponential backoff once the peer is back.
package offline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/events"
	"github.com/apiary-io/apiary/pkg/health"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/types"
)

var (
	// bucketQueue holds rows keyed by enqueue sequence, so drains run
	// oldest first. bucketIndex maps change ID to that key for dedup.
	bucketQueue = []byte("queue")
	bucketIndex = []byte("index")
)

// Backoff and budget defaults.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultMaxAttempts = 5
)

// networkPattern matches error text from transports that do not carry
// a structured kind.
var networkPattern = regexp.MustCompile(`(?i)network|timeout|ECONNREFUSED|ENOTFOUND|fetch failed|connection|aborted`)

// IsNetworkError classifies err as connectivity-related, by kind when
// it carries one and by message otherwise.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errdefs.IsNetwork(err) || errdefs.IsTimeout(err) || errdefs.IsConnection(err) {
		return true
	}
	return networkPattern.MatchString(err.Error())
}

// Handler delivers one queued change to the sync peer.
type Handler func(ctx context.Context, change *types.QueuedChange) error

// Options tunes retry pacing and the attempt budget.
type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// DrainStats summarizes one ProcessQueue run.
type DrainStats struct {
	Synced    int
	Failed    int
	Remaining int
}

// Queue is the durable retry queue. Rows drain oldest first through a
// caller-provided handler; connectivity failures flip the queue
// offline until a health probe brings it back.
type Queue struct {
	db     *bolt.DB
	broker *events.Broker
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	online   bool
	draining bool
	handler  Handler
	monitor  *health.Monitor
}

// Open opens (or creates) the queue at path.
func Open(path string, broker *events.Broker, opts Options) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errdefs.Connection("creating queue dir: %v", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errdefs.Connection("opening queue: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketQueue, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errdefs.Transaction("initializing queue: %v", err)
	}

	return &Queue{
		db:     db,
		broker: broker,
		opts:   opts.withDefaults(),
		online: true,
		logger: log.WithComponent("offline-queue"),
	}, nil
}

// Close stops health polling and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	monitor := q.monitor
	q.monitor = nil
	q.mu.Unlock()
	if monitor != nil {
		monitor.Stop()
	}
	return q.db.Close()
}

// SetHandler registers the delivery function used by ProcessQueue.
func (q *Queue) SetHandler(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// Start attaches a health monitor: the queue goes offline when probes
// fail and, on recovery, flips online and drains immediately.
func (q *Queue) Start(monitor *health.Monitor) {
	q.mu.Lock()
	q.monitor = monitor
	q.mu.Unlock()

	monitor.OnUp(func() {
		q.MarkOnline()
		if _, err := q.ProcessQueue(context.Background()); err != nil {
			q.logger.Warn().Err(err).Msg("drain after recovery failed")
		}
	})
	monitor.OnDown(func() {
		q.MarkOffline("health probe failed")
	})
	monitor.Start()
}

// Enqueue stores a change for later delivery. The row always starts
// pending with a fresh attempt budget; re-enqueueing an ID the queue
// already holds overwrites that row in place.
func (q *Queue) Enqueue(ctx context.Context, change *types.QueuedChange) (*types.QueuedChange, error) {
	if change.ResourceID == "" {
		return nil, errdefs.Constraint("queued change requires a resource id")
	}
	if !change.ResourceType.Valid() {
		return nil, errdefs.Constraint("unknown resource type %q", change.ResourceType)
	}
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	change.Status = types.QueueStatusPending
	change.Attempts = 0
	change.NextRetryAt = nil
	change.LastAttemptAt = nil
	change.Error = ""
	if change.MaxAttempts <= 0 {
		change.MaxAttempts = q.opts.MaxAttempts
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		index := tx.Bucket(bucketIndex)

		key := index.Get([]byte(change.ID))
		if key == nil {
			seq, err := queue.NextSequence()
			if err != nil {
				return err
			}
			key = seqKey(seq)
			if err := index.Put([]byte(change.ID), key); err != nil {
				return err
			}
		}
		data, err := json.Marshal(change)
		if err != nil {
			return err
		}
		return queue.Put(key, data)
	})
	if err != nil {
		return nil, errdefs.Transaction("enqueueing change: %v", err)
	}

	q.logger.Debug().
		Str("change_id", change.ID).
		Str("resource_type", string(change.ResourceType)).
		Str("resource_id", change.ResourceID).
		Msg("change queued")
	return change, nil
}

// EnqueueEntry queues a change-log entry, keyed by the entry's own ID
// so retried batches collapse instead of duplicating.
func (q *Queue) EnqueueEntry(ctx context.Context, entry *types.ChangeLogEntry) (*types.QueuedChange, error) {
	return q.Enqueue(ctx, &types.QueuedChange{
		ID:           entry.ID,
		Operation:    entry.Operation,
		ResourceType: entry.EntityType,
		ResourceID:   entry.EntityID,
		Payload:      entry.Payload,
	})
}

// ProcessQueue drains due pending rows through the handler, oldest
// first. A connectivity failure flips the queue offline and stops the
// drain; other failures burn an attempt and reschedule or, once the
// budget is spent, mark the row failed. Overlapping calls are skipped.
func (q *Queue) ProcessQueue(ctx context.Context) (*DrainStats, error) {
	q.mu.Lock()
	if q.handler == nil {
		q.mu.Unlock()
		return nil, errdefs.InvalidState("no sync handler registered")
	}
	if q.draining || !q.online {
		skipped := q.draining
		q.mu.Unlock()
		if skipped {
			q.logger.Debug().Msg("drain already running, skipping")
		}
		return &DrainStats{}, nil
	}
	q.draining = true
	handler := q.handler
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	now := time.Now().UTC()
	due, err := q.due(now)
	if err != nil {
		return nil, err
	}

	stats := &DrainStats{}
	for _, change := range due {
		if err := ctx.Err(); err != nil {
			break
		}
		if !q.Online() {
			break
		}

		err := handler(ctx, change)
		if err == nil {
			if err := q.remove(change.ID); err != nil {
				return stats, err
			}
			stats.Synced++
			q.emit(events.EventChangeSynced, "queued change delivered", change)
			continue
		}

		if failed, uerr := q.recordFailure(change, err); uerr != nil {
			return stats, uerr
		} else if failed {
			stats.Failed++
			q.emit(events.EventChangeFailed, "queued change exhausted retries", change)
		}

		if IsNetworkError(err) {
			q.MarkOffline(err.Error())
			break
		}
	}

	stats.Remaining, err = q.Depth(ctx)
	if err != nil {
		return stats, err
	}

	if q.broker != nil {
		q.broker.Emit(events.EventQueueProcessed, "offline queue drained",
			"synced", fmt.Sprintf("%d", stats.Synced),
			"failed", fmt.Sprintf("%d", stats.Failed),
			"remaining", fmt.Sprintf("%d", stats.Remaining))
	}
	q.logger.Info().
		Int("synced", stats.Synced).
		Int("failed", stats.Failed).
		Int("remaining", stats.Remaining).
		Msg("offline queue drained")
	return stats, nil
}

// Pending returns pending rows in drain order.
func (q *Queue) Pending(ctx context.Context) ([]*types.QueuedChange, error) {
	return q.list(func(c *types.QueuedChange) bool {
		return c.Status == types.QueueStatusPending
	})
}

// FailedChanges returns rows that exhausted their attempt budget.
func (q *Queue) FailedChanges(ctx context.Context) ([]*types.QueuedChange, error) {
	return q.list(func(c *types.QueuedChange) bool {
		return c.Status == types.QueueStatusFailed
	})
}

// Depth returns the number of pending rows.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	pending, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Online reports whether the peer is considered reachable.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// MarkOffline flips the queue offline. Repeat calls are silent.
func (q *Queue) MarkOffline(reason string) {
	q.mu.Lock()
	was := q.online
	q.online = false
	monitor := q.monitor
	q.mu.Unlock()
	if !was {
		return
	}
	if monitor != nil {
		monitor.MarkDown()
	}
	q.logger.Warn().Str("reason", reason).Msg("sync peer unreachable, queueing")
	if q.broker != nil {
		q.broker.Emit(events.EventQueueOffline, "sync peer unreachable", "reason", reason)
	}
}

// MarkOnline flips the queue online. Repeat calls are silent.
func (q *Queue) MarkOnline() {
	q.mu.Lock()
	was := q.online
	q.online = true
	q.mu.Unlock()
	if was {
		return
	}
	q.logger.Info().Msg("sync peer reachable again")
	if q.broker != nil {
		q.broker.Emit(events.EventQueueOnline, "sync peer reachable")
	}
}

// due returns pending rows whose retry time has arrived, oldest first.
func (q *Queue) due(now time.Time) ([]*types.QueuedChange, error) {
	all, err := q.list(func(c *types.QueuedChange) bool {
		if c.Status != types.QueueStatusPending {
			return false
		}
		return c.NextRetryAt == nil || !c.NextRetryAt.After(now)
	})
	return all, err
}

// recordFailure burns one attempt. Returns true when the row crossed
// into failed.
func (q *Queue) recordFailure(change *types.QueuedChange, cause error) (bool, error) {
	now := time.Now().UTC()
	change.Attempts++
	change.LastAttemptAt = &now
	change.Error = cause.Error()

	exhausted := change.Attempts >= change.MaxAttempts
	if exhausted {
		change.Status = types.QueueStatusFailed
		change.NextRetryAt = nil
		q.logger.Warn().
			Str("change_id", change.ID).
			Int("attempts", change.Attempts).
			Str("error", change.Error).
			Msg("queued change failed permanently")
	} else {
		retryAt := now.Add(q.retryDelay(change.Attempts))
		change.NextRetryAt = &retryAt
		q.logger.Debug().
			Str("change_id", change.ID).
			Int("attempts", change.Attempts).
			Time("next_retry_at", retryAt).
			Msg("queued change rescheduled")
	}
	return exhausted, q.put(change)
}

// retryDelay doubles from the base per spent attempt, with up to 25%
// jitter, never leaving [base, max].
func (q *Queue) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.opts.BaseDelay
	for i := 1; i < attempts && delay < q.opts.MaxDelay; i++ {
		delay *= 2
	}
	if delay > q.opts.MaxDelay {
		delay = q.opts.MaxDelay
	}
	jittered := delay + time.Duration(rand.Int63n(int64(delay/4)+1))
	if jittered > q.opts.MaxDelay {
		jittered = q.opts.MaxDelay
	}
	return jittered
}

func (q *Queue) emit(t events.EventType, msg string, change *types.QueuedChange) {
	if q.broker == nil {
		return
	}
	q.broker.Emit(t, msg,
		"change_id", change.ID,
		"resource_type", string(change.ResourceType),
		"resource_id", change.ResourceID)
}

func (q *Queue) list(keep func(*types.QueuedChange) bool) ([]*types.QueuedChange, error) {
	var rows []*types.QueuedChange
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
			var change types.QueuedChange
			if err := json.Unmarshal(v, &change); err != nil {
				return err
			}
			if keep(&change) {
				rows = append(rows, &change)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errdefs.Transaction("reading queue: %v", err)
	}
	return rows, nil
}

func (q *Queue) put(change *types.QueuedChange) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(change.ID))
		if key == nil {
			return fmt.Errorf("change %s missing from index", change.ID)
		}
		data, err := json.Marshal(change)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQueue).Put(key, data)
	})
	if err != nil {
		return errdefs.Transaction("updating queued change: %v", err)
	}
	return nil
}

func (q *Queue) remove(id string) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		key := index.Get([]byte(id))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketQueue).Delete(key); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
	if err != nil {
		return errdefs.Transaction("removing queued change: %v", err)
	}
	return nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
