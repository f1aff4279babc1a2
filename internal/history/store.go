// Package history persists one record per upload attempt in a local
// DuckDB file so the user can review what went to the archive and when.
package history

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb"

	"github.com/mrs-uploader/backend/internal/models"
)

// DefaultRetention is how long records are kept before Prune drops them.
const DefaultRetention = 90 * 24 * time.Hour

// Store is a DuckDB-backed upload log.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		_, err := execer.ExecContext(context.Background(), "PRAGMA enable_progress_bar=false", nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	db := sql.OpenDB(connector)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS upload_history (
			at         TIMESTAMP NOT NULL,
			file_name  VARCHAR NOT NULL,
			kind       VARCHAR NOT NULL,
			project    VARCHAR,
			subject    VARCHAR,
			experiment VARCHAR,
			scan       VARCHAR,
			status     VARCHAR NOT NULL,
			detail     VARCHAR
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history table: %w", err)
	}

	return &Store{db: db}, nil
}

// Record appends one upload attempt.
func (s *Store) Record(ctx context.Context, rec models.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_history (at, file_name, kind, project, subject, experiment, scan, status, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at, rec.FileName, string(rec.Kind), rec.Project, rec.Subject,
		rec.Experiment, rec.Scan, string(rec.Status), rec.Detail)
	if err != nil {
		return fmt.Errorf("recording upload attempt: %w", err)
	}
	return nil
}

// Recent returns the newest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.HistoryRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT at, file_name, kind, project, subject, experiment, scan, status, detail
		FROM upload_history ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying upload history: %w", err)
	}
	defer rows.Close()

	var records []models.HistoryRecord
	for rows.Next() {
		var rec models.HistoryRecord
		var kind, status string
		if err := rows.Scan(&rec.At, &rec.FileName, &kind, &rec.Project, &rec.Subject,
			&rec.Experiment, &rec.Scan, &status, &rec.Detail); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		rec.Kind = models.FileKind(kind)
		rec.Status = models.RowStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune removes records older than the retention window and returns
// how many were dropped.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM upload_history WHERE at < ?`, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("pruning upload history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
