// Package syncer pushes local changes to the edge peer and applies
// remote deltas back, one full cycle at a time. Connectivity failures
// hand unsent work to the offline queue; divergent copies go through
// the conflict resolver.
package syncer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/changelog"
	"github.com/apiary-io/apiary/pkg/conflict"
	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/events"
	"github.com/apiary-io/apiary/pkg/expiry"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/offline"
	"github.com/apiary-io/apiary/pkg/types"
)

// ErrSyncBusy is returned when a sync is requested while one is
// already in flight.
var ErrSyncBusy = errors.New("sync already running")

// DefaultBatchSize bounds one push batch and one pull page.
const DefaultBatchSize = 50

// Options tunes one syncer.
type Options struct {
	// Dir is the sync directory holding the state file.
	Dir string

	// BatchSize bounds push batches and pull pages. Default 50.
	BatchSize int

	// PollingInterval enables auto-sync when positive.
	PollingInterval time.Duration

	// EntityTypes restricts the sync surface. Default: all synced types.
	EntityTypes []types.EntityType
}

// Result summarizes one sync cycle.
type Result struct {
	Pushed    int
	Accepted  int
	Rejected  int
	Queued    int
	Pulled    int
	Applied   int
	Conflicts int
	Duration  time.Duration
}

// Syncer drives the push/pull cycle against one edge peer.
type Syncer struct {
	client   *EdgeClient
	changes  *changelog.Log
	queue    *offline.Queue
	resolver *conflict.Resolver
	broker   *events.Broker
	opts     Options
	logger   zerolog.Logger

	adapters map[types.EntityType]Adapter

	// applied remembers remote change IDs already landed, so a
	// re-delivered change is a no-op.
	applied *expiry.Set

	mu      sync.Mutex
	state   *types.SyncState
	running bool

	pollStop chan struct{}
	pollDone chan struct{}
	polling  bool
}

// New builds a syncer and, when a queue is given, registers itself as
// the queue's delivery handler. queue, resolver, and broker may be nil.
func New(client *EdgeClient, changes *changelog.Log, queue *offline.Queue, resolver *conflict.Resolver, broker *events.Broker, opts Options) (*Syncer, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if len(opts.EntityTypes) == 0 {
		opts.EntityTypes = types.EntityTypes()
	}

	state, err := loadState(opts.Dir, client.cfg.ClientID)
	if err != nil {
		return nil, err
	}

	s := &Syncer{
		client:   client,
		changes:  changes,
		queue:    queue,
		resolver: resolver,
		broker:   broker,
		opts:     opts,
		logger:   log.WithComponent("syncer"),
		adapters: make(map[types.EntityType]Adapter),
		applied:  expiry.NewSet(0, 0),
		state:    state,
	}
	if queue != nil {
		queue.SetHandler(s.deliverQueued)
	}
	return s, nil
}

// Register installs the adapter for its entity type.
func (s *Syncer) Register(adapter Adapter) {
	s.adapters[adapter.EntityType()] = adapter
}

// Close stops auto-sync and the dedup sweeper.
func (s *Syncer) Close() error {
	s.Stop()
	s.applied.Stop()
	return nil
}

// Status returns a copy of the current sync state.
func (s *Syncer) Status() types.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := *s.state
	times := make(map[types.EntityType]*time.Time, len(s.state.EntitySyncTimes))
	for k, v := range s.state.EntitySyncTimes {
		times[k] = v
	}
	state.EntitySyncTimes = times
	return state
}

// Sync runs one push/pull cycle. A cycle already in flight returns
// ErrSyncBusy immediately.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrSyncBusy
	}
	s.running = true
	wasOffline := s.state.Status == types.SyncStatusOffline
	s.state.Status = types.SyncStatusSyncing
	s.mu.Unlock()

	s.emit(events.EventSyncStart, "sync started")
	start := time.Now()

	result := &Result{}
	err := s.cycle(ctx, result)
	result.Duration = time.Since(start)

	s.mu.Lock()
	switch {
	case err == nil:
		s.state.Status = types.SyncStatusIdle
		s.state.LastError = ""
	case offline.IsNetworkError(err):
		s.state.Status = types.SyncStatusOffline
		s.state.LastError = err.Error()
	default:
		s.state.Status = types.SyncStatusError
		s.state.LastError = err.Error()
	}
	s.running = false
	s.mu.Unlock()

	if s.queue != nil {
		if depth, derr := s.queue.Depth(ctx); derr == nil {
			s.mu.Lock()
			s.state.PendingChanges = depth
			s.mu.Unlock()
		}
	}
	if perr := s.persist(); perr != nil {
		s.logger.Warn().Err(perr).Msg("persisting sync state failed")
	}

	switch {
	case err == nil:
		if wasOffline {
			s.emit(events.EventSyncOnline, "sync peer reachable again")
		}
		s.emit(events.EventSyncComplete, "sync completed",
			"pushed", strconv.Itoa(result.Pushed),
			"pulled", strconv.Itoa(result.Pulled),
			"applied", strconv.Itoa(result.Applied),
			"conflicts", strconv.Itoa(result.Conflicts))
		s.logger.Info().
			Int("pushed", result.Pushed).
			Int("pulled", result.Pulled).
			Int("applied", result.Applied).
			Int("conflicts", result.Conflicts).
			Dur("duration", result.Duration).
			Msg("sync completed")
	case offline.IsNetworkError(err):
		s.emit(events.EventSyncOffline, "sync went offline",
			"error", err.Error(),
			"queued", strconv.Itoa(result.Queued))
		s.logger.Warn().Err(err).Int("queued", result.Queued).Msg("sync went offline")
	default:
		s.emit(events.EventSyncError, "sync failed", "error", err.Error())
		s.logger.Error().Err(err).Msg("sync failed")
	}
	return result, err
}

// Start begins auto-sync when a polling interval is configured.
func (s *Syncer) Start() {
	if s.opts.PollingInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.polling {
		s.mu.Unlock()
		return
	}
	s.polling = true
	s.pollStop = make(chan struct{})
	s.pollDone = make(chan struct{})
	s.mu.Unlock()

	go s.pollLoop()
	s.logger.Info().Dur("interval", s.opts.PollingInterval).Msg("auto-sync started")
}

// Stop halts auto-sync and waits for the loop to exit.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.polling {
		s.mu.Unlock()
		return
	}
	s.polling = false
	close(s.pollStop)
	s.mu.Unlock()
	<-s.pollDone
}

func (s *Syncer) pollLoop() {
	defer close(s.pollDone)
	ticker := time.NewTicker(s.opts.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.pollStop:
			return
		case <-ticker.C:
			if _, err := s.Sync(context.Background()); err != nil && !errors.Is(err, ErrSyncBusy) {
				s.logger.Warn().Err(err).Msg("auto-sync failed")
			}
		}
	}
}

// cycle is the body of one sync: push, then pull. A peer already
// known to be offline skips the wire entirely and queues the backlog.
func (s *Syncer) cycle(ctx context.Context, result *Result) error {
	if s.queue != nil && !s.queue.Online() {
		queued, err := s.queueAll(ctx)
		result.Queued = queued
		if err != nil {
			return err
		}
		return errdefs.Network("sync peer offline, %d changes queued", queued)
	}
	if err := s.push(ctx, result); err != nil {
		return err
	}
	return s.pull(ctx, result)
}

// push sends local changes newer than the last synced version, in
// batches. On a connectivity failure the unsent remainder goes to the
// offline queue.
func (s *Syncer) push(ctx context.Context, result *Result) error {
	since := s.sinceVersion()
	entries, err := s.changes.Changes(changelog.Filter{
		SinceVersion: since,
		EntityTypes:  s.opts.EntityTypes,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	lastSyncAt := s.lastSyncAt()
	highest := since
	for start := 0; start < len(entries); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		resp, err := s.client.Push(ctx, lastSyncAt, batch)
		if err != nil {
			if offline.IsNetworkError(err) {
				queued, qerr := s.queueEntries(ctx, entries[start:])
				result.Queued += queued
				if qerr != nil {
					s.logger.Error().Err(qerr).Msg("queueing unsent changes failed")
				}
				if s.queue != nil {
					s.queue.MarkOffline(err.Error())
				}
			}
			return err
		}

		result.Pushed += len(batch)
		result.Accepted += len(resp.Accepted)
		for _, rejection := range resp.Rejected {
			result.Rejected++
			s.handleRejection(ctx, batch, rejection, result)
		}
		for _, entry := range batch {
			if entry.SyncVersion > highest {
				highest = entry.SyncVersion
			}
		}
	}

	s.mu.Lock()
	s.state.LastSyncVersion = highest
	s.mu.Unlock()

	s.emit(events.EventPushComplete, "push completed",
		"pushed", strconv.Itoa(result.Pushed),
		"accepted", strconv.Itoa(result.Accepted),
		"rejected", strconv.Itoa(result.Rejected))
	return nil
}

// pull pages through remote changes and applies each through its
// adapter, resolving against the local copy when one exists.
func (s *Syncer) pull(ctx context.Context, result *Result) error {
	cursor := ""
	var lastServerStamp *time.Time
	for {
		resp, err := s.client.Pull(ctx, PullQuery{
			LastSyncAt:  s.lastSyncAt(),
			EntityTypes: s.opts.EntityTypes,
			Limit:       s.opts.BatchSize,
			Cursor:      cursor,
		})
		if err != nil {
			if s.queue != nil && offline.IsNetworkError(err) {
				s.queue.MarkOffline(err.Error())
			}
			return err
		}

		for _, change := range resp.Changes {
			result.Pulled++
			s.applyPulled(ctx, change, result)
		}

		stamp := resp.ServerTimestamp
		lastServerStamp = &stamp
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	if lastServerStamp != nil {
		s.mu.Lock()
		s.state.LastSyncAt = lastServerStamp
		for _, et := range s.opts.EntityTypes {
			s.state.EntitySyncTimes[et] = lastServerStamp
		}
		s.mu.Unlock()
	}

	s.emit(events.EventPullComplete, "pull completed",
		"pulled", strconv.Itoa(result.Pulled),
		"applied", strconv.Itoa(result.Applied))
	return nil
}

// applyPulled lands one remote change unless the local copy wins the
// conflict decision.
func (s *Syncer) applyPulled(ctx context.Context, change *types.ChangeLogEntry, result *Result) {
	if s.applied.Contains(change.ID) {
		return
	}

	local, err := s.changes.LatestFor(change.EntityType, change.EntityID)
	if err != nil && !errdefs.IsNotFound(err) {
		s.logger.Warn().Err(err).Str("change_id", change.ID).Msg("reading local change failed")
		return
	}

	if local != nil && s.resolver != nil {
		res := s.resolver.Resolve(change.EntityType, change.EntityID,
			conflict.RecordFromChange(local), conflict.RecordFromChange(change))
		if res.Winner == conflict.SideLocal {
			result.Conflicts++
			s.applied.Add(change.ID)
			s.emit(events.EventSyncConflict, "pull conflict kept local copy",
				"change_id", change.ID,
				"entity_type", string(change.EntityType),
				"entity_id", change.EntityID)
			return
		}
	}

	if err := s.apply(ctx, change); err != nil {
		s.logger.Warn().Err(err).
			Str("change_id", change.ID).
			Str("entity_id", change.EntityID).
			Msg("applying pulled change failed")
		return
	}
	result.Applied++
	s.applied.Add(change.ID)
}

// handleRejection settles one pushed change the peer refused. With a
// competing copy attached, the resolver decides; a remote win lands
// the peer's copy locally. Either way the divergence surfaces as a
// conflict event.
func (s *Syncer) handleRejection(ctx context.Context, batch []*types.ChangeLogEntry, rejection types.PushRejection, result *Result) {
	var local *types.ChangeLogEntry
	for _, entry := range batch {
		if entry.ID == rejection.ID {
			local = entry
			break
		}
	}

	if rejection.Conflict == nil || local == nil || s.resolver == nil {
		result.Conflicts++
		s.emit(events.EventSyncConflict, "push rejected",
			"change_id", rejection.ID,
			"reason", rejection.Reason)
		return
	}

	res := s.resolver.Resolve(local.EntityType, local.EntityID,
		conflict.RecordFromChange(local), conflict.RecordFromChange(rejection.Conflict))
	if res.Winner == conflict.SideRemote {
		if err := s.apply(ctx, rejection.Conflict); err != nil {
			s.logger.Warn().Err(err).
				Str("change_id", rejection.Conflict.ID).
				Msg("applying winning remote copy failed")
		} else {
			result.Applied++
			s.applied.Add(rejection.Conflict.ID)
		}
	}
	result.Conflicts++
	s.emit(events.EventSyncConflict, "push conflict resolved",
		"change_id", rejection.ID,
		"entity_id", local.EntityID,
		"winner", string(res.Winner),
		"reason", rejection.Reason)
}

func (s *Syncer) apply(ctx context.Context, change *types.ChangeLogEntry) error {
	adapter, ok := s.adapters[change.EntityType]
	if !ok {
		return errdefs.InvalidState("no adapter registered for %s", change.EntityType)
	}
	return adapter.Apply(ctx, change)
}

// deliverQueued is the offline queue's handler: push one queued change
// on its own. A rejection settles through the resolver and counts as
// delivered, so the row leaves the queue.
func (s *Syncer) deliverQueued(ctx context.Context, queued *types.QueuedChange) error {
	entry := s.entryFor(queued)
	resp, err := s.client.Push(ctx, s.lastSyncAt(), []*types.ChangeLogEntry{entry})
	if err != nil {
		return err
	}
	for _, rejection := range resp.Rejected {
		if rejection.ID != entry.ID {
			continue
		}
		result := &Result{}
		s.handleRejection(ctx, []*types.ChangeLogEntry{entry}, rejection, result)
	}
	return nil
}

// entryFor rebuilds the wire entry for a queued change, preferring the
// full change-log row when it is still the entity's latest.
func (s *Syncer) entryFor(queued *types.QueuedChange) *types.ChangeLogEntry {
	if latest, err := s.changes.LatestFor(queued.ResourceType, queued.ResourceID); err == nil && latest.ID == queued.ID {
		return latest
	}
	return &types.ChangeLogEntry{
		ID:         queued.ID,
		EntityType: queued.ResourceType,
		EntityID:   queued.ResourceID,
		Operation:  queued.Operation,
		Timestamp:  queued.CreatedAt.UnixMilli(),
		Payload:    queued.Payload,
	}
}

// queueAll moves the whole unsynced backlog onto the offline queue.
func (s *Syncer) queueAll(ctx context.Context) (int, error) {
	entries, err := s.changes.Changes(changelog.Filter{
		SinceVersion: s.sinceVersion(),
		EntityTypes:  s.opts.EntityTypes,
	})
	if err != nil {
		return 0, err
	}
	return s.queueEntries(ctx, entries)
}

func (s *Syncer) queueEntries(ctx context.Context, entries []*types.ChangeLogEntry) (int, error) {
	if s.queue == nil {
		return 0, nil
	}
	queued := 0
	for _, entry := range entries {
		if _, err := s.queue.EnqueueEntry(ctx, entry); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

func (s *Syncer) sinceVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastSyncVersion
}

func (s *Syncer) lastSyncAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastSyncAt
}

func (s *Syncer) persist() error {
	state := s.Status()
	return saveState(s.opts.Dir, &state)
}

func (s *Syncer) emit(t events.EventType, msg string, kv ...string) {
	if s.broker == nil {
		return
	}
	s.broker.Emit(t, msg, kv...)
}
