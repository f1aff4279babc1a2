// Package session keeps per-browser state: XNAT credentials token,
// staged-file index and the pending rows awaiting upload or retry.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrs-uploader/backend/internal/models"
)

// MaxSessions limits concurrent sessions; this is a single-user tool
// and anything beyond a handful means stale cookies, not real users.
const MaxSessions = 8

// DefaultMaxAge is how long an idle session survives before cleanup.
const DefaultMaxAge = 2 * time.Hour

// UploadedTarget records one archive location that received a file, so
// the UI can offer a reload link into XNAT.
type UploadedTarget struct {
	Project    string `json:"project" msgpack:"project"`
	Subject    string `json:"subject" msgpack:"subject"`
	Experiment string `json:"experiment" msgpack:"experiment"`
}

// State is everything the server remembers about one browser session.
type State struct {
	ID           string                        `msgpack:"id"`
	Username     string                        `msgpack:"username"`
	JSession     string                        `msgpack:"jsession"`
	Staged       map[string]*models.StagedFile `msgpack:"staged"`      // row UID -> staged file
	PendingRows  map[string]*models.PendingRow `msgpack:"pendingRows"` // row UID -> row
	Uploaded     []UploadedTarget              `msgpack:"uploaded"`
	CreatedAt    time.Time                     `msgpack:"createdAt"`
	LastAccessed time.Time                     `msgpack:"lastAccessed"`
}

// StagedFor returns the staged record for a row UID, if any.
func (s *State) StagedFor(uid string) *models.StagedFile {
	return s.Staged[uid]
}

// RecordUpload notes an archive target, deduplicated.
func (s *State) RecordUpload(project, subject, experiment string) {
	target := UploadedTarget{Project: project, Subject: subject, Experiment: experiment}
	for _, t := range s.Uploaded {
		if t == target {
			return
		}
	}
	s.Uploaded = append(s.Uploaded, target)
}

// Manager owns all active sessions and their snapshot file.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*State
	maxAge   time.Duration
	store    *SnapshotStore

	// OnEvict is called with any session dropped to make room for a
	// new one, so its staged files can be released. Set before the
	// manager is shared between goroutines.
	OnEvict func(*State)
}

// NewManager creates a session manager. A nil snapshot store disables
// persistence.
func NewManager(maxAge time.Duration, store *SnapshotStore) *Manager {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	m := &Manager{
		sessions: make(map[string]*State),
		maxAge:   maxAge,
		store:    store,
	}
	if store != nil {
		if restored, err := store.Load(); err == nil && restored != nil {
			m.sessions = restored
		}
	}
	return m
}

// Create starts a session for a logged-in user and returns its cookie id.
func (m *Manager) Create(username, jsession string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictOldestLocked()

	state := &State{
		ID:           uuid.New().String(),
		Username:     username,
		JSession:     jsession,
		Staged:       make(map[string]*models.StagedFile),
		PendingRows:  make(map[string]*models.PendingRow),
		CreatedAt:    time.Now(),
		LastAccessed: time.Now(),
	}
	m.sessions[state.ID] = state
	m.saveLocked()
	return state
}

// evictOldestLocked drops the least recently used session when at the
// limit. Caller holds the write lock.
func (m *Manager) evictOldestLocked() {
	for len(m.sessions) >= MaxSessions {
		var oldest *State
		for _, s := range m.sessions {
			if oldest == nil || s.LastAccessed.Before(oldest.LastAccessed) {
				oldest = s
			}
		}
		if oldest == nil {
			return
		}
		delete(m.sessions, oldest.ID)
		if m.OnEvict != nil {
			m.OnEvict(oldest)
		}
	}
}

// Touch refreshes a session's idle clock.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return false
	}
	state.LastAccessed = time.Now()
	return true
}

// Mutate runs fn against a session under the write lock and snapshots
// the store afterwards. Returns false when the session does not exist.
func (m *Manager) Mutate(id string, fn func(*State)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return false
	}
	fn(state)
	state.LastAccessed = time.Now()
	m.saveLocked()
	return true
}

// View runs fn against a session under the read lock. fn must not
// retain or mutate the state.
func (m *Manager) View(id string, fn func(*State)) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[id]
	if !ok {
		return false
	}
	fn(state)
	return true
}

// Delete removes a session and returns its final state so the caller
// can release its staged files.
func (m *Manager) Delete(id string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	delete(m.sessions, id)
	m.saveLocked()
	return state, true
}

// CleanupExpired removes idle sessions and returns them so staged
// files can be freed.
func (m *Manager) CleanupExpired() []*State {
	cutoff := time.Now().Add(-m.maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*State
	for id, state := range m.sessions {
		if state.LastAccessed.Before(cutoff) {
			expired = append(expired, state)
			delete(m.sessions, id)
		}
	}
	if len(expired) > 0 {
		m.saveLocked()
	}
	return expired
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) saveLocked() {
	if m.store == nil {
		return
	}
	m.store.Save(m.sessions)
}
