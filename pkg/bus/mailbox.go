package bus

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/expiry"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/types"
)

// broadcastDir is the drop directory shared by every receiver.
const broadcastDir = "broadcast"

// MailboxBus is the filesystem message bus: one JSON file per message
// under <root>/<agent>/ or <root>/broadcast/. It exists for development
// setups where agents are separate processes sharing a directory but no
// database. Mailbox traffic never enters the sync stream.
//
// A single mutex covers all file rewrites, so delivery and ack marks
// are race-free within one process; cross-process writers rely on the
// atomic rename of whole files.
type MailboxBus struct {
	root   string
	mu     sync.Mutex
	seen   *expiry.Set
	logger zerolog.Logger
}

// NewMailboxBus opens (or creates) the mailbox tree rooted at root.
func NewMailboxBus(root string) (*MailboxBus, error) {
	if err := os.MkdirAll(filepath.Join(root, broadcastDir), 0o755); err != nil {
		return nil, errdefs.Connection("creating mailbox root: %v", err)
	}
	return &MailboxBus{
		root:   root,
		seen:   expiry.NewSet(0, 0),
		logger: log.WithComponent("mailbox"),
	}, nil
}

// Send drops a message file into the recipient's directory.
func (b *MailboxBus) Send(ctx context.Context, m *types.Message) (*types.Message, error) {
	if m.ToAgent == nil || *m.ToAgent == "" {
		return nil, errdefs.Constraint("send requires to_agent, use Broadcast for everyone")
	}
	return b.deposit(m, *m.ToAgent)
}

// Broadcast drops a message file into the shared broadcast directory.
func (b *MailboxBus) Broadcast(ctx context.Context, m *types.Message) (*types.Message, error) {
	m.ToAgent = nil
	return b.deposit(m, broadcastDir)
}

func (b *MailboxBus) deposit(m *types.Message, dir string) (*types.Message, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Join(b.root, dir), 0o755); err != nil {
		return nil, errdefs.Connection("creating mailbox %s: %v", dir, err)
	}
	if err := b.write(filepath.Join(b.root, dir, m.ID+".json"), m); err != nil {
		return nil, err
	}
	b.logger.Debug().Str("msg_id", m.ID).Str("mailbox", dir).Msg("message deposited")
	return m, nil
}

// write lands the message file atomically via a temp file and rename.
func (b *MailboxBus) write(path string, m *types.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errdefs.InvalidState("encoding message %s: %v", m.ID, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".msg-*")
	if err != nil {
		return errdefs.Connection("writing message %s: %v", m.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errdefs.Connection("writing message %s: %v", m.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errdefs.Connection("writing message %s: %v", m.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errdefs.Connection("placing message %s: %v", m.ID, err)
	}
	return nil
}

// Receive scans the agent's directory and the broadcast directory,
// applying the same visibility rules as the store-backed bus.
func (b *MailboxBus) Receive(ctx context.Context, agentID string, f types.MessageFilter) ([]*types.Message, error) {
	now := time.Now().UTC()
	var msgs []*types.Message
	for _, dir := range []string{agentID, broadcastDir} {
		batch, err := b.scan(dir)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, batch...)
	}

	visible := msgs[:0]
	for _, m := range msgs {
		if m.Expired(now) {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.Since != nil && !m.CreatedAt.After(*f.Since) {
			continue
		}
		if f.UnackedOnly && (!m.AckRequired || m.AcknowledgedAt != nil) {
			continue
		}
		if f.UnreadOnly {
			if m.Broadcast() && b.seen.Contains(seenKey(agentID, m.ID)) {
				continue
			}
			if !m.Broadcast() && m.DeliveredAt != nil {
				continue
			}
		}
		visible = append(visible, m)
	}

	sort.Slice(visible, func(i, j int) bool {
		if visible[i].CreatedAt.Equal(visible[j].CreatedAt) {
			return visible[i].ID < visible[j].ID
		}
		return visible[i].CreatedAt.Before(visible[j].CreatedAt)
	})
	if f.Limit > 0 && len(visible) > f.Limit {
		visible = visible[:f.Limit]
	}
	return visible, nil
}

// MarkDelivered stamps directed mail files and tracks broadcast
// sightings in the process-local set.
func (b *MailboxBus) MarkDelivered(ctx context.Context, ids []string, agentID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	marked := 0
	for _, id := range ids {
		path, m, err := b.find(id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return marked, err
		}
		if m.Broadcast() {
			b.seen.AddWithTTL(seenKey(agentID, id), seenTTL(m, now))
			continue
		}
		if m.ToAgent == nil || *m.ToAgent != agentID || m.DeliveredAt != nil {
			continue
		}
		m.DeliveredAt = &now
		if err := b.write(path, m); err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// Acknowledge rewrites the message file with the newest ack.
func (b *MailboxBus) Acknowledge(ctx context.Context, id, agentID string) (*types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, m, err := b.find(id)
	if err != nil {
		return nil, err
	}
	if !m.AckRequired {
		return nil, errdefs.InvalidState("message %s does not require acknowledgement", id)
	}
	now := time.Now().UTC()
	m.AcknowledgedAt = &now
	m.AcknowledgedBy = &agentID
	if err := b.write(path, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Unacknowledged scans every mailbox for unexpired ack-required
// messages nobody has acknowledged.
func (b *MailboxBus) Unacknowledged(ctx context.Context) ([]*types.Message, error) {
	now := time.Now().UTC()
	all, err := b.scanAll()
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, m := range all {
		if m.AckRequired && m.AcknowledgedAt == nil && !m.Expired(now) {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// DeleteExpired removes message files past their TTL.
func (b *MailboxBus) DeleteExpired(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	err := b.walk(func(path string, m *types.Message) error {
		if !m.Expired(now) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errdefs.Connection("removing message %s: %v", m.ID, err)
		}
		removed++
		return nil
	})
	return removed, err
}

// Watch streams messages for agentID as their files appear, until ctx
// is cancelled. Expired files are skipped. The caller still marks
// delivery; Watch only observes.
func (b *MailboxBus) Watch(ctx context.Context, agentID string) (<-chan *types.Message, error) {
	agentDir := filepath.Join(b.root, agentID)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return nil, errdefs.Connection("creating mailbox %s: %v", agentID, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errdefs.Connection("starting mailbox watcher: %v", err)
	}
	for _, dir := range []string{agentDir, filepath.Join(b.root, broadcastDir)} {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, errdefs.Connection("watching mailbox %s: %v", dir, err)
		}
	}

	out := make(chan *types.Message, 64)
	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				m, err := b.read(event.Name)
				if err != nil || m.Expired(time.Now().UTC()) {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warn().Err(err).Msg("mailbox watcher error")
			}
		}
	}()
	return out, nil
}

// Close stops the delivery-tracking sweeper.
func (b *MailboxBus) Close() error {
	b.seen.Stop()
	return nil
}

// find locates a message file by ID across every mailbox.
func (b *MailboxBus) find(id string) (string, *types.Message, error) {
	dirs, err := os.ReadDir(b.root)
	if err != nil {
		return "", nil, errdefs.Connection("reading mailbox root: %v", err)
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		path := filepath.Join(b.root, dir.Name(), id+".json")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := b.read(path)
		if err != nil {
			return "", nil, err
		}
		return path, m, nil
	}
	return "", nil, errdefs.NotFound("message %s", id)
}

func (b *MailboxBus) read(path string) (*types.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Connection("reading message file %s: %v", path, err)
	}
	var m types.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errdefs.InvalidState("decoding message file %s: %v", path, err)
	}
	return &m, nil
}

// scan decodes every message in one mailbox directory. A missing
// directory is an empty mailbox.
func (b *MailboxBus) scan(dir string) ([]*types.Message, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.Connection("reading mailbox %s: %v", dir, err)
	}
	var msgs []*types.Message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		m, err := b.read(filepath.Join(b.root, dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (b *MailboxBus) scanAll() ([]*types.Message, error) {
	var all []*types.Message
	err := b.walk(func(_ string, m *types.Message) error {
		all = append(all, m)
		return nil
	})
	return all, err
}

func (b *MailboxBus) walk(fn func(path string, m *types.Message) error) error {
	dirs, err := os.ReadDir(b.root)
	if err != nil {
		return errdefs.Connection("reading mailbox root: %v", err)
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(b.root, dir.Name()))
		if err != nil {
			return errdefs.Connection("reading mailbox %s: %v", dir.Name(), err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(b.root, dir.Name(), entry.Name())
			m, err := b.read(path)
			if err != nil {
				return err
			}
			if err := fn(path, m); err != nil {
				return err
			}
		}
	}
	return nil
}
