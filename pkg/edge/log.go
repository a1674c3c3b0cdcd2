package edge

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/types"
)

var (
	bucketChanges = []byte("changes") // version key -> storedChange
	bucketIDs     = []byte("ids")     // change id -> version key
	bucketLatest  = []byte("latest")  // entity key -> version key
)

// storedChange is one accepted change plus server-side bookkeeping.
type storedChange struct {
	Entry    *types.ChangeLogEntry `json:"entry"`
	ClientID string                `json:"clientId"`
	Version  int64                 `json:"version"`
	StoredAt time.Time             `json:"storedAt"`
}

// Log is the edge peer's durable change feed. Versions are assigned on
// acceptance and strictly increase, so they double as page cursors.
type Log struct {
	db     *bolt.DB
	mu     sync.Mutex
	logger zerolog.Logger
}

// OpenLog opens or creates the feed database at path.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errdefs.Connection("creating edge dir: %v", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errdefs.Connection("opening edge log: %v", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketChanges, bucketIDs, bucketLatest} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errdefs.Connection("preparing edge log: %v", err)
	}
	return &Log{db: db, logger: log.WithComponent("edge")}, nil
}

// Close releases the database file.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append stores one pushed change. A change ID already stored is
// acknowledged again without a new row. A change older than the
// entity's current copy from another client is refused and that copy
// returned, so the pusher can resolve.
func (l *Log) Append(clientID string, entry *types.ChangeLogEntry) (bool, *types.ChangeLogEntry, error) {
	if entry == nil || entry.ID == "" || entry.EntityID == "" || !entry.EntityType.Valid() {
		return false, nil, errdefs.Constraint("change requires id, entity id, and a known entity type")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		accepted bool
		conflict *types.ChangeLogEntry
	)
	err := l.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketIDs)
		if ids.Get([]byte(entry.ID)) != nil {
			accepted = true
			return nil
		}

		latest := tx.Bucket(bucketLatest)
		key := entityKey(entry.EntityType, entry.EntityID)
		if vk := latest.Get(key); vk != nil {
			var current storedChange
			if err := json.Unmarshal(tx.Bucket(bucketChanges).Get(vk), &current); err != nil {
				return err
			}
			if current.ClientID != clientID && current.Entry.Timestamp > entry.Timestamp {
				conflict = current.Entry
				return nil
			}
		}

		changes := tx.Bucket(bucketChanges)
		seq, err := changes.NextSequence()
		if err != nil {
			return err
		}
		stored := storedChange{
			Entry:    entry,
			ClientID: clientID,
			Version:  int64(seq),
			StoredAt: time.Now().UTC(),
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		vk := versionKey(int64(seq))
		if err := changes.Put(vk, data); err != nil {
			return err
		}
		if err := ids.Put([]byte(entry.ID), vk); err != nil {
			return err
		}
		if err := latest.Put(key, vk); err != nil {
			return err
		}
		accepted = true
		return nil
	})
	if err != nil {
		return false, nil, errdefs.Transaction("appending change: %v", err)
	}
	return accepted, conflict, nil
}

// PageQuery selects one page of the feed.
type PageQuery struct {
	// AfterVersion resumes past a cursor. Zero starts from Since.
	AfterVersion int64

	// Since bounds the first page by arrival time when no cursor is
	// set. Ignored once a cursor is in play.
	Since *time.Time

	// ExcludeClient drops a client's own changes from its feed.
	ExcludeClient string

	EntityTypes []types.EntityType
	Limit       int
}

// Page returns up to Limit matching changes in arrival order, the
// version of the last one, and whether more remain.
func (l *Log) Page(q PageQuery) ([]*types.ChangeLogEntry, int64, bool, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	keep := make(map[types.EntityType]bool, len(q.EntityTypes))
	for _, et := range q.EntityTypes {
		keep[et] = true
	}

	var (
		page    []*types.ChangeLogEntry
		lastVer int64
		hasMore bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChanges).Cursor()
		k, v := c.First()
		if q.AfterVersion > 0 {
			k, v = c.Seek(versionKey(q.AfterVersion + 1))
		}
		for ; k != nil; k, v = c.Next() {
			var stored storedChange
			if err := json.Unmarshal(v, &stored); err != nil {
				return err
			}
			if q.ExcludeClient != "" && stored.ClientID == q.ExcludeClient {
				continue
			}
			if len(keep) > 0 && !keep[stored.Entry.EntityType] {
				continue
			}
			if q.AfterVersion == 0 && q.Since != nil && !stored.StoredAt.After(*q.Since) {
				continue
			}
			if len(page) == q.Limit {
				hasMore = true
				break
			}
			page = append(page, stored.Entry)
			lastVer = stored.Version
		}
		return nil
	})
	if err != nil {
		return nil, 0, false, errdefs.Transaction("reading feed: %v", err)
	}
	return page, lastVer, hasMore, nil
}

// LatestVersion returns the newest assigned version, zero when empty.
func (l *Log) LatestVersion() (int64, error) {
	var version int64
	err := l.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketChanges).Cursor().Last(); k != nil {
			version = versionFrom(k)
		}
		return nil
	})
	if err != nil {
		return 0, errdefs.Transaction("reading feed version: %v", err)
	}
	return version, nil
}

// Count returns the number of stored changes.
func (l *Log) Count() (int, error) {
	count := 0
	err := l.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketChanges).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, errdefs.Transaction("counting feed: %v", err)
	}
	return count, nil
}

func versionKey(v int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(v))
	return k
}

func versionFrom(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

func entityKey(et types.EntityType, id string) []byte {
	return []byte(string(et) + "/" + id)
}
