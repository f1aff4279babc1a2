package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mrs-uploader/backend/internal/models"
)

// SnapshotStore persists the session map to a MessagePack file so that
// pending rows and staged-file bookkeeping survive a process restart.
type SnapshotStore struct {
	mu   sync.Mutex
	path string
}

// NewSnapshotStore creates the snapshot's directory if needed.
func NewSnapshotStore(path string) (*SnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &SnapshotStore{path: path}, nil
}

// Save writes the sessions atomically (write to temp file, then rename).
func (ss *SnapshotStore) Save(sessions map[string]*State) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	data, err := msgpack.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("encoding session snapshot: %w", err)
	}

	tmp := ss.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing session snapshot: %w", err)
	}
	if err := os.Rename(tmp, ss.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing session snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot back. Staged records whose files no longer
// exist on disk are dropped, along with their pending rows; the stager
// may have cleaned them up while no process was running. A missing
// snapshot file yields an empty map.
func (ss *SnapshotStore) Load() (map[string]*State, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	data, err := os.ReadFile(ss.path)
	if os.IsNotExist(err) {
		return make(map[string]*State), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session snapshot: %w", err)
	}

	var sessions map[string]*State
	if err := msgpack.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("decoding session snapshot: %w", err)
	}

	for _, state := range sessions {
		if state.Staged == nil {
			state.Staged = make(map[string]*models.StagedFile)
		}
		if state.PendingRows == nil {
			state.PendingRows = make(map[string]*models.PendingRow)
		}
		for uid, staged := range state.Staged {
			if _, err := os.Stat(staged.Path); err != nil {
				delete(state.Staged, uid)
				delete(state.PendingRows, uid)
			}
		}
	}

	return sessions, nil
}
