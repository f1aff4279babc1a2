// Package staging holds dropped files on disk between the browser drop
// and the XNAT upload, so failed rows can be retried without a re-drop.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrs-uploader/backend/internal/models"
	"github.com/mrs-uploader/backend/internal/rda"
)

// Store defines the staged-file storage interface.
type Store interface {
	Stage(name string, r io.Reader) (*models.StagedFile, error)
	StageForRow(existing *models.StagedFile, name string, r io.Reader) (*models.StagedFile, error)
	Get(token string) (*models.StagedFile, error)
	Read(token string) ([]byte, error)
	Delete(token string) error
	List() []*models.StagedFile
	CleanupOlderThan(maxAge time.Duration) int
}

// LocalStore implements Store on the local filesystem. Files are named
// "<token>__<sanitized-name>" so the stage directory can be re-indexed
// after a restart.
type LocalStore struct {
	mu       sync.RWMutex
	stageDir string
	files    map[string]*models.StagedFile
}

// NewLocalStore creates the stage directory if needed and re-indexes
// any files a previous process left behind.
func NewLocalStore(stageDir string) (*LocalStore, error) {
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return nil, fmt.Errorf("creating stage directory: %w", err)
	}

	s := &LocalStore{
		stageDir: stageDir,
		files:    make(map[string]*models.StagedFile),
	}
	s.reindex()
	return s, nil
}

// reindex rebuilds the token index from directory contents.
func (s *LocalStore) reindex() {
	entries, err := os.ReadDir(s.stageDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		token, name, ok := strings.Cut(entry.Name(), "__")
		if !ok || token == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.stageDir, entry.Name())
		s.files[token] = &models.StagedFile{
			Token:    token,
			Name:     name,
			Path:     path,
			Size:     info.Size(),
			SHA256:   hashFile(path),
			StagedAt: info.ModTime(),
		}
	}
}

func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// safeName sanitizes the stem of an original filename while keeping
// the extension recognizable.
func safeName(name string) string {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	stem := rda.Sanitize(strings.TrimSuffix(base, ext))
	if stem == "" {
		stem = "file"
	}
	return stem + strings.ToLower(ext)
}

// Stage writes a new staged file under a fresh token.
func (s *LocalStore) Stage(name string, r io.Reader) (*models.StagedFile, error) {
	token := uuid.New().String()
	path := filepath.Join(s.stageDir, token+"__"+safeName(name))

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating staged file: %w", err)
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, h), r)
	f.Close()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing staged file: %w", err)
	}

	staged := &models.StagedFile{
		Token:    token,
		Name:     safeName(name),
		Path:     path,
		Size:     size,
		SHA256:   hex.EncodeToString(h.Sum(nil)),
		StagedAt: time.Now(),
	}

	s.mu.Lock()
	s.files[token] = staged
	s.mu.Unlock()

	return staged, nil
}

// StageForRow stages bytes for a row that may already have a staged
// file. Identical content keeps the existing token and discards the new
// copy; different content supersedes the old file.
func (s *LocalStore) StageForRow(existing *models.StagedFile, name string, r io.Reader) (*models.StagedFile, error) {
	staged, err := s.Stage(name, r)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return staged, nil
	}

	if prev, err := s.Get(existing.Token); err == nil && prev.SHA256 == staged.SHA256 {
		s.Delete(staged.Token)
		return prev, nil
	}

	// Newest token wins for the row.
	s.Delete(existing.Token)
	return staged, nil
}

// Get returns the staged record for a token.
func (s *LocalStore) Get(token string) (*models.StagedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	staged, ok := s.files[token]
	if !ok {
		return nil, fmt.Errorf("staged file not found: %s", token)
	}
	return staged, nil
}

// Read returns the staged file contents.
func (s *LocalStore) Read(token string) ([]byte, error) {
	staged, err := s.Get(token)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(staged.Path)
	if err != nil {
		return nil, fmt.Errorf("reading staged file: %w", err)
	}
	return data, nil
}

// Delete removes a staged file and its index entry. Deleting an unknown
// token is not an error.
func (s *LocalStore) Delete(token string) error {
	s.mu.Lock()
	staged, ok := s.files[token]
	delete(s.files, token)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.Remove(staged.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing staged file: %w", err)
	}
	return nil
}

// List returns all staged records.
func (s *LocalStore) List() []*models.StagedFile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*models.StagedFile, 0, len(s.files))
	for _, staged := range s.files {
		list = append(list, staged)
	}
	return list
}

// CleanupOlderThan removes staged files older than maxAge and reports
// how many were deleted. Run at startup and periodically to drop files
// orphaned by abandoned sessions.
func (s *LocalStore) CleanupOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	var expired []*models.StagedFile
	for token, staged := range s.files {
		if staged.StagedAt.Before(cutoff) {
			expired = append(expired, staged)
			delete(s.files, token)
		}
	}
	s.mu.Unlock()

	for _, staged := range expired {
		os.Remove(staged.Path)
	}
	return len(expired)
}
