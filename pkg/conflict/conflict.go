// Package conflict resolves divergent local and remote copies of a
// synced entity. The decision core is a pure function of the two
// records and the strategy; the Resolver wraps it with field-level
// diffing and a bounded diagnostics history.
package conflict

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/types"
)

// Strategy selects how a local/remote divergence is settled.
type Strategy string

const (
	LastWriteWins  Strategy = "last-write-wins"
	FirstWriteWins Strategy = "first-write-wins"
	PreferLocal    Strategy = "prefer-local"
	PreferRemote   Strategy = "prefer-remote"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case LastWriteWins, FirstWriteWins, PreferLocal, PreferRemote:
		return true
	}
	return false
}

// Side names the winning copy of a resolution.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Record is one side's view of an entity. A deletion carries its
// instant in DeletedAt and usually no entity body.
type Record struct {
	Entity    json.RawMessage
	UpdatedAt *time.Time
	DeletedAt *time.Time
}

// FieldConflict is a single field whose value differs between the two
// sides.
type FieldConflict struct {
	Field  string      `json:"field"`
	Local  interface{} `json:"local"`
	Remote interface{} `json:"remote"`
}

// Resolution is the outcome of resolving one entity pair.
type Resolution struct {
	EntityType  types.EntityType `json:"entity_type"`
	EntityID    string           `json:"entity_id"`
	Strategy    Strategy         `json:"strategy"`
	Winner      Side             `json:"winner"`
	Reason      string           `json:"reason"`
	Resurrected bool             `json:"resurrected"`
	Fields      []FieldConflict  `json:"fields,omitempty"`
	ResolvedAt  time.Time        `json:"resolved_at"`
}

// Pair is one entity's local and remote records, for batch resolution.
type Pair struct {
	EntityType types.EntityType
	EntityID   string
	Local      *Record
	Remote     *Record
}

// historyLimit bounds the diagnostics ring.
const historyLimit = 1000

// Resolver applies a fixed strategy and remembers recent resolutions.
type Resolver struct {
	strategy Strategy
	logger   zerolog.Logger

	mu      sync.Mutex
	history []*Resolution
}

// NewResolver builds a resolver for the given strategy. An empty
// strategy means last-write-wins.
func NewResolver(strategy Strategy) (*Resolver, error) {
	if strategy == "" {
		strategy = LastWriteWins
	}
	if !strategy.Valid() {
		return nil, errdefs.Config("unknown conflict strategy %q", strategy)
	}
	return &Resolver{
		strategy: strategy,
		logger:   log.WithComponent("conflict"),
	}, nil
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Resolve settles one local/remote pair. The winner depends only on
// the two records and the strategy; the resolution is also appended to
// the diagnostics history.
func (r *Resolver) Resolve(entityType types.EntityType, entityID string, local, remote *Record) *Resolution {
	if local == nil {
		local = &Record{}
	}
	if remote == nil {
		remote = &Record{}
	}
	winner, reason, resurrected := Decide(local, remote, r.strategy)
	res := &Resolution{
		EntityType:  entityType,
		EntityID:    entityID,
		Strategy:    r.strategy,
		Winner:      winner,
		Reason:      reason,
		Resurrected: resurrected,
		Fields:      DiffFields(local.Entity, remote.Entity),
		ResolvedAt:  time.Now().UTC(),
	}
	r.remember(res)

	evt := r.logger.Debug()
	if resurrected {
		evt = r.logger.Warn()
	}
	evt.Str("entity_type", string(entityType)).
		Str("entity_id", entityID).
		Str("winner", string(winner)).
		Str("reason", reason).
		Int("field_conflicts", len(res.Fields)).
		Msg("conflict resolved")
	return res
}

// ResolveBatch settles each pair independently, in order.
func (r *Resolver) ResolveBatch(pairs []Pair) []*Resolution {
	out := make([]*Resolution, len(pairs))
	for i, p := range pairs {
		out[i] = r.Resolve(p.EntityType, p.EntityID, p.Local, p.Remote)
	}
	return out
}

// Recent returns up to limit resolutions, newest first. limit <= 0
// returns the whole history.
func (r *Resolver) Recent(limit int) []*Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]*Resolution, 0, limit)
	for i := len(r.history) - 1; i >= len(r.history)-limit; i-- {
		out = append(out, r.history[i])
	}
	return out
}

func (r *Resolver) remember(res *Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == historyLimit {
		copy(r.history, r.history[1:])
		r.history[historyLimit-1] = res
		return
	}
	r.history = append(r.history, res)
}

// Decide picks the winning side for one pair. It reads nothing but its
// arguments, so the same inputs always produce the same answer.
func Decide(local, remote *Record, strategy Strategy) (winner Side, reason string, resurrected bool) {
	switch strategy {
	case PreferLocal:
		return SideLocal, "strategy prefers local", false
	case PreferRemote:
		return SideRemote, "strategy prefers remote", false
	case FirstWriteWins:
		return decideFirst(local, remote)
	default:
		return decideLast(local, remote)
	}
}

// decideLast applies last-write-wins with deletion awareness. Ties and
// absent timestamps favor the local copy.
func decideLast(local, remote *Record) (Side, string, bool) {
	lDel, rDel := local.DeletedAt, remote.DeletedAt
	switch {
	case lDel != nil && rDel != nil:
		if rDel.After(*lDel) {
			return SideRemote, "newer deletion", false
		}
		return SideLocal, "newer deletion", false
	case lDel != nil:
		// A remote update strictly after the local deletion brings the
		// entity back.
		if remote.UpdatedAt != nil && remote.UpdatedAt.After(*lDel) {
			return SideRemote, "remote updated after local deletion", true
		}
		return SideLocal, "deletion confirmed", false
	case rDel != nil:
		if local.UpdatedAt != nil && local.UpdatedAt.After(*rDel) {
			return SideLocal, "local updated after remote deletion", true
		}
		return SideRemote, "deletion confirmed", false
	}

	lUpd, rUpd := local.UpdatedAt, remote.UpdatedAt
	switch {
	case lUpd == nil && rUpd == nil:
		return SideLocal, "no timestamps", false
	case lUpd == nil:
		return SideRemote, "only remote has a timestamp", false
	case rUpd == nil:
		return SideLocal, "only local has a timestamp", false
	case rUpd.After(*lUpd):
		return SideRemote, "newer update", false
	default:
		return SideLocal, "newer update", false
	}
}

// decideFirst is the mirror rule: the earlier write wins, a deletion
// counting as the side's latest write.
func decideFirst(local, remote *Record) (Side, string, bool) {
	lt, rt := effectiveStamp(local), effectiveStamp(remote)
	switch {
	case lt == nil && rt == nil:
		return SideLocal, "no timestamps", false
	case lt == nil:
		return SideRemote, "only remote has a timestamp", false
	case rt == nil:
		return SideLocal, "only local has a timestamp", false
	case rt.Before(*lt):
		return SideRemote, "earlier write", false
	default:
		return SideLocal, "earlier write", false
	}
}

func effectiveStamp(rec *Record) *time.Time {
	if rec.DeletedAt != nil {
		return rec.DeletedAt
	}
	return rec.UpdatedAt
}

// bookkeepingFields are stamps the plane maintains itself; they differ
// on almost every pair and say nothing about content.
var bookkeepingFields = map[string]bool{
	"updated_at":    true,
	"updatedAt":     true,
	"created_at":    true,
	"createdAt":     true,
	"deleted_at":    true,
	"deletedAt":     true,
	"last_accessed": true,
	"lastAccessed":  true,
	"sync_version":  true,
	"syncVersion":   true,
}

// DiffFields lists the fields whose values differ between two entity
// payloads, ignoring bookkeeping stamps. Either side missing yields no
// field conflicts.
func DiffFields(local, remote json.RawMessage) []FieldConflict {
	if len(local) == 0 || len(remote) == 0 {
		return nil
	}
	var lm, rm map[string]interface{}
	if err := json.Unmarshal(local, &lm); err != nil {
		return nil
	}
	if err := json.Unmarshal(remote, &rm); err != nil {
		return nil
	}

	keys := make(map[string]struct{}, len(lm)+len(rm))
	for k := range lm {
		keys[k] = struct{}{}
	}
	for k := range rm {
		keys[k] = struct{}{}
	}

	var fields []FieldConflict
	for k := range keys {
		if bookkeepingFields[k] {
			continue
		}
		if cmp.Equal(lm[k], rm[k]) {
			continue
		}
		fields = append(fields, FieldConflict{Field: k, Local: lm[k], Remote: rm[k]})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return fields
}

// RecordFromChange converts a change-log entry into one side of a
// pair. Deletions carry the entry timestamp as the deletion instant;
// other operations prefer the entity's own updated_at and fall back to
// the entry timestamp.
func RecordFromChange(entry *types.ChangeLogEntry) *Record {
	if entry == nil {
		return &Record{}
	}
	stamp := time.UnixMilli(entry.Timestamp).UTC()
	if entry.Operation == types.OpDelete {
		return &Record{DeletedAt: &stamp}
	}
	rec := &Record{Entity: entry.Payload, UpdatedAt: &stamp}
	if ts := payloadTime(entry.Payload, "updated_at", "updatedAt"); ts != nil {
		rec.UpdatedAt = ts
	}
	return rec
}

func payloadTime(payload json.RawMessage, keys ...string) *time.Time {
	if len(payload) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil
	}
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		var ts time.Time
		if err := json.Unmarshal(raw, &ts); err == nil && !ts.IsZero() {
			return &ts
		}
	}
	return nil
}
