package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"pal-router/internal/continuation"
)

// Store persists continuation records in SQLite so that persist=true
// captures survive process restarts.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ continuation.Persister = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS continuations (
			id           TEXT PRIMARY KEY,
			project_name TEXT NOT NULL,
			record       TEXT NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_continuations_project_name
			ON continuations(project_name);
	`)
	return err
}

// Save upserts the full serialized record under its id.
func (s *Store) Save(ctx context.Context, record continuation.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO continuations (id, project_name, record, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_name = excluded.project_name,
			record       = excluded.record,
			updated_at   = excluded.updated_at
	`, record.ID, record.Project.Name, string(payload), record.UpdatedAt)
	return err
}

// Load retrieves a record by id. The second return value reports presence.
func (s *Store) Load(ctx context.Context, id string) (continuation.Record, bool, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT record FROM continuations WHERE id = ?`, id))
}

// LoadByName retrieves the most recently updated record for a project name.
func (s *Store) LoadByName(ctx context.Context, name string) (continuation.Record, bool, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT record FROM continuations WHERE project_name = ? ORDER BY updated_at DESC LIMIT 1`, name))
}

func (s *Store) scanOne(row *sql.Row) (continuation.Record, bool, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return continuation.Record{}, false, nil
		}
		return continuation.Record{}, false, err
	}

	var record continuation.Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return continuation.Record{}, false, fmt.Errorf("unmarshal record: %w", err)
	}
	return record, true, nil
}

// List summarises all persisted records, most recently updated first.
func (s *Store) List(ctx context.Context) ([]continuation.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_name, updated_at FROM continuations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []continuation.Summary
	for rows.Next() {
		summary := continuation.Summary{Source: "file"}
		if err := rows.Scan(&summary.ID, &summary.ProjectName, &summary.UpdatedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// Delete removes a persisted record. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM continuations WHERE id = ?`, id)
	return err
}
