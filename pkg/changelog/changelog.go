package changelog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/types"
)

var (
	// Bucket names
	bucketChanges = []byte("changes")
	bucketLatest  = []byte("latest")
)

// defaultMaxRows is the row count above which AdaptiveCompact collapses
// the log to one entry per entity.
const defaultMaxRows = 10000

// Log is the durable, monotonic change stream. Every tracked-entity
// mutation appends exactly one entry; versions come from the changes
// bucket sequence and strictly increase for the life of the file.
//
// Record is serialized by a mutex so two writers can never observe the
// same version, even though bbolt already serializes its update
// transactions. The mutex also covers the latest-pointer bookkeeping.
type Log struct {
	db      *bolt.DB
	mu      sync.Mutex
	maxRows int
	logger  zerolog.Logger
}

// Open opens (or creates) the change log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errdefs.Connection("creating changelog dir: %v", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errdefs.Connection("opening changelog: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketChanges, bucketLatest} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errdefs.Transaction("initializing changelog: %v", err)
	}

	return &Log{
		db:      db,
		maxRows: defaultMaxRows,
		logger:  log.WithComponent("changelog"),
	}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends one entry for a mutation of (entityType, entityID) and
// returns it with its assigned version. Payload is the post-mutation
// snapshot for create/update and should be nil for delete. The entry's
// version is authoritative; a snapshot serialized before the version was
// assigned may carry a stale inner sync_version.
func (l *Log) Record(entityType types.EntityType, entityID string, op types.Operation, payload interface{}) (*types.ChangeLogEntry, error) {
	if !entityType.Valid() {
		return nil, errdefs.InvalidState("unknown entity type %q", entityType)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errdefs.InvalidState("encoding change payload: %v", err)
		}
		raw = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &types.ChangeLogEntry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    raw,
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		changes := tx.Bucket(bucketChanges)
		seq, err := changes.NextSequence()
		if err != nil {
			return err
		}
		entry.SyncVersion = int64(seq)

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := changes.Put(versionKey(entry.SyncVersion), data); err != nil {
			return err
		}
		return tx.Bucket(bucketLatest).Put(entityKey(entityType, entityID), versionKey(entry.SyncVersion))
	})
	if err != nil {
		return nil, errdefs.Transaction("recording change: %v", err)
	}

	l.logger.Debug().
		Str("entity_type", string(entityType)).
		Str("entity_id", entityID).
		Str("op", string(op)).
		Int64("version", entry.SyncVersion).
		Msg("change recorded")

	return entry, nil
}

// Filter narrows Changes reads.
type Filter struct {
	SinceVersion int64
	EntityTypes  []types.EntityType
	Limit        int
}

// Changes returns entries with version > SinceVersion in ascending
// version order, optionally restricted to the given entity types and
// capped at Limit when positive.
func (l *Log) Changes(f Filter) ([]*types.ChangeLogEntry, error) {
	want := make(map[types.EntityType]bool, len(f.EntityTypes))
	for _, et := range f.EntityTypes {
		want[et] = true
	}

	var entries []*types.ChangeLogEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChanges).Cursor()
		for k, v := c.Seek(versionKey(f.SinceVersion + 1)); k != nil; k, v = c.Next() {
			var entry types.ChangeLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if len(want) > 0 && !want[entry.EntityType] {
				continue
			}
			entries = append(entries, &entry)
			if f.Limit > 0 && len(entries) >= f.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.Transaction("reading changes: %v", err)
	}
	return entries, nil
}

// LatestChanges returns at most one entry per (entity type, entity id)
// pair with version > sinceVersion, keeping the newest of each. Order is
// ascending by the surviving entry's version.
func (l *Log) LatestChanges(sinceVersion int64, entityTypes []types.EntityType) ([]*types.ChangeLogEntry, error) {
	all, err := l.Changes(Filter{SinceVersion: sinceVersion, EntityTypes: entityTypes})
	if err != nil {
		return nil, err
	}

	// Ascending scan, so a later entry for the same entity overwrites an
	// earlier one.
	newest := make(map[string]*types.ChangeLogEntry, len(all))
	for _, entry := range all {
		newest[string(entityKey(entry.EntityType, entry.EntityID))] = entry
	}

	kept := all[:0]
	for _, entry := range all {
		if newest[string(entityKey(entry.EntityType, entry.EntityID))] == entry {
			kept = append(kept, entry)
		}
	}
	return kept, nil
}

// LatestFor returns the newest entry recorded for one entity, or
// not-found when the entity never appeared in the log.
func (l *Log) LatestFor(entityType types.EntityType, entityID string) (*types.ChangeLogEntry, error) {
	var entry types.ChangeLogEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		versionRef := tx.Bucket(bucketLatest).Get(entityKey(entityType, entityID))
		if versionRef == nil {
			return errdefs.NotFound("no change recorded for %s %s", entityType, entityID)
		}
		data := tx.Bucket(bucketChanges).Get(versionRef)
		if data == nil {
			// Latest pointer survived compaction but the row did not.
			return errdefs.NotFound("change %d missing for %s %s", versionFrom(versionRef), entityType, entityID)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// LatestVersion returns the highest version assigned so far, 0 when the
// log is empty.
func (l *Log) LatestVersion() (int64, error) {
	var version int64
	err := l.db.View(func(tx *bolt.Tx) error {
		version = int64(tx.Bucket(bucketChanges).Sequence())
		return nil
	})
	if err != nil {
		return 0, errdefs.Transaction("reading latest version: %v", err)
	}
	return version, nil
}

// Count returns the number of retained entries.
func (l *Log) Count() (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketChanges).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, errdefs.Transaction("counting changes: %v", err)
	}
	return n, nil
}

// Compact deletes entries with version <= beforeVersion, keeping the
// newest entry per entity so full state remains reconstructable from
// the log. Returns the number of entries removed.
func (l *Log) Compact(beforeVersion int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		changes := tx.Bucket(bucketChanges)
		latest := tx.Bucket(bucketLatest)

		keep := make(map[int64]bool)
		if err := latest.ForEach(func(_, v []byte) error {
			keep[versionFrom(v)] = true
			return nil
		}); err != nil {
			return err
		}

		c := changes.Cursor()
		var stale [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			version := versionFrom(k)
			if version > beforeVersion {
				break
			}
			if keep[version] {
				continue
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := changes.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, errdefs.Transaction("compacting changelog: %v", err)
	}

	if removed > 0 {
		l.logger.Info().Int("removed", removed).Int64("before_version", beforeVersion).Msg("changelog compacted")
	}
	return removed, nil
}

// AdaptiveCompact collapses the log to one entry per entity once the
// retained row count exceeds the configured maximum. Returns the number
// of entries removed, 0 when the log is still under the threshold.
func (l *Log) AdaptiveCompact() (int, error) {
	n, err := l.Count()
	if err != nil {
		return 0, err
	}
	if n <= l.maxRows {
		return 0, nil
	}

	latest, err := l.LatestVersion()
	if err != nil {
		return 0, err
	}
	return l.Compact(latest)
}

func versionKey(version int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(version))
	return key
}

func versionFrom(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

func entityKey(entityType types.EntityType, entityID string) []byte {
	return []byte(string(entityType) + "/" + entityID)
}
