package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

func Connect(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(1 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func RunMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS document_snapshots (
			document_id UUID PRIMARY KEY,
			content TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create document_snapshots table: %w", err)
	}
	return nil
}

// SnapshotStore persists per-document content/version snapshots so a document
// session can be recovered after a restart. Operation history between
// snapshots lives in memory only; a recovered session starts clean at the
// snapshot version.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save upserts a snapshot, keeping whichever version is newest.
func (s *SnapshotStore) Save(ctx context.Context, documentID, content string, version int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_snapshots (document_id, content, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE
		SET content = EXCLUDED.content, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		WHERE document_snapshots.version < EXCLUDED.version`,
		documentID, content, version, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for document %s: %w", documentID, err)
	}
	return nil
}

// Load returns the latest snapshot for a document. found is false when the
// document has never been snapshotted.
func (s *SnapshotStore) Load(ctx context.Context, documentID string) (content string, version int, found bool, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT content, version FROM document_snapshots WHERE document_id = $1",
		documentID,
	).Scan(&content, &version)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to load snapshot for document %s: %w", documentID, err)
	}
	return content, version, true, nil
}
