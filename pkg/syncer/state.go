package syncer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/apiary-io/apiary/pkg/errdefs"
	"github.com/apiary-io/apiary/pkg/types"
)

// stateFileName under the sync directory.
const stateFileName = "sync-state.json"

// freshState is the state of a client that has never synced. Every
// entity key is present so the file always renders them, null until
// the first pull.
func freshState(clientID string) *types.SyncState {
	times := make(map[types.EntityType]*time.Time, len(types.EntityTypes()))
	for _, et := range types.EntityTypes() {
		times[et] = nil
	}
	return &types.SyncState{
		Status:          types.SyncStatusIdle,
		ClientID:        clientID,
		EntitySyncTimes: times,
	}
}

// loadState reads the persisted state, falling back to a fresh one
// when the file does not exist yet.
func loadState(dir, clientID string) (*types.SyncState, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if os.IsNotExist(err) {
		return freshState(clientID), nil
	}
	if err != nil {
		return nil, errdefs.Connection("reading sync state: %v", err)
	}

	var state types.SyncState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errdefs.InvalidState("decoding sync state: %v", err)
	}
	if state.EntitySyncTimes == nil {
		state.EntitySyncTimes = freshState(clientID).EntitySyncTimes
	}
	if state.ClientID == "" {
		state.ClientID = clientID
	}
	// A crash mid-sync leaves a stale in-flight status on disk.
	if state.Status == types.SyncStatusSyncing {
		state.Status = types.SyncStatusIdle
	}
	return &state, nil
}

// saveState writes the state file atomically via temp file and rename.
func saveState(dir string, state *types.SyncState) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.Connection("creating sync dir: %v", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errdefs.InvalidState("encoding sync state: %v", err)
	}

	tmp, err := os.CreateTemp(dir, ".sync-state-*")
	if err != nil {
		return errdefs.Connection("writing sync state: %v", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errdefs.Connection("writing sync state: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errdefs.Connection("writing sync state: %v", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, stateFileName)); err != nil {
		os.Remove(tmp.Name())
		return errdefs.Connection("placing sync state: %v", err)
	}
	return nil
}
