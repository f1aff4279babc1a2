// mock_staging.go - In-memory staging store for testing
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mrs-uploader/backend/internal/models"
	"github.com/mrs-uploader/backend/internal/staging"
)

// MockStaging implements staging.Store in memory.
type MockStaging struct {
	mu      sync.RWMutex
	files   map[string]*models.StagedFile
	data    map[string][]byte
	counter int
}

// NewMockStaging creates an empty mock staging store.
func NewMockStaging() *MockStaging {
	return &MockStaging{
		files: make(map[string]*models.StagedFile),
		data:  make(map[string][]byte),
	}
}

func (m *MockStaging) Stage(name string, r io.Reader) (*models.StagedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return m.StageBytes(name, data), nil
}

// StageBytes adds a staged file directly.
func (m *MockStaging) StageBytes(name string, data []byte) *models.StagedFile {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	sum := sha256.Sum256(data)
	staged := &models.StagedFile{
		Token:    fmt.Sprintf("token-%d", m.counter),
		Name:     name,
		Path:     "/mock/stage/" + name,
		Size:     int64(len(data)),
		SHA256:   hex.EncodeToString(sum[:]),
		StagedAt: time.Now(),
	}
	m.files[staged.Token] = staged
	m.data[staged.Token] = data
	return staged
}

func (m *MockStaging) StageForRow(existing *models.StagedFile, name string, r io.Reader) (*models.StagedFile, error) {
	staged, err := m.Stage(name, r)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return staged, nil
	}
	if prev, err := m.Get(existing.Token); err == nil && prev.SHA256 == staged.SHA256 {
		m.Delete(staged.Token)
		return prev, nil
	}
	m.Delete(existing.Token)
	return staged, nil
}

func (m *MockStaging) Get(token string) (*models.StagedFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	staged, ok := m.files[token]
	if !ok {
		return nil, fmt.Errorf("staged file not found: %s", token)
	}
	return staged, nil
}

func (m *MockStaging) Read(token string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[token]
	if !ok {
		return nil, fmt.Errorf("staged file not found: %s", token)
	}
	return data, nil
}

func (m *MockStaging) Delete(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, token)
	delete(m.data, token)
	return nil
}

func (m *MockStaging) List() []*models.StagedFile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*models.StagedFile, 0, len(m.files))
	for _, staged := range m.files {
		list = append(list, staged)
	}
	return list
}

func (m *MockStaging) CleanupOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for token, staged := range m.files {
		if staged.StagedAt.Before(cutoff) {
			delete(m.files, token)
			delete(m.data, token)
			removed++
		}
	}
	return removed
}

// Count returns the number of staged files.
func (m *MockStaging) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

// Ensure MockStaging implements staging.Store
var _ staging.Store = (*MockStaging)(nil)
