package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sunnychaun9/offline-crud-apps/internal/config"
	"github.com/sunnychaun9/offline-crud-apps/internal/logger"
)

const endpointKey = "last_good_url"

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(cfg config.StorageConfig) (*SQLiteStore, error) {
	// WAL keeps readers unblocked while a flush writes.
	db, err := sql.Open("sqlite", cfg.FilePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// One process, one writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}

	logger.Log.Info("Opened durable cache", zap.String("path", cfg.FilePath))

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			collection TEXT PRIMARY KEY,
			docs       BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id            TEXT PRIMARY KEY,
			collection    TEXT NOT NULL,
			remote_url    TEXT NOT NULL,
			started_at    TIMESTAMP NOT NULL,
			completed_at  TIMESTAMP,
			docs_pushed   INTEGER NOT NULL DEFAULT 0,
			docs_pulled   INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL,
			error_message TEXT
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, collection string, docs []byte) error {
	query := `INSERT INTO snapshots (collection, docs, updated_at) VALUES (?, ?, ?)
			  ON CONFLICT(collection) DO UPDATE SET docs = excluded.docs, updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, collection, docs, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", collection, err)
	}
	return nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, collection string) ([]byte, error) {
	var docs []byte
	err := s.db.QueryRowContext(ctx, `SELECT docs FROM snapshots WHERE collection = ?`, collection).Scan(&docs)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for %s: %w", collection, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot for %s: %w", collection, err)
	}
	return docs, nil
}

func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, collection string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", collection, err)
	}
	return nil
}

func (s *SQLiteStore) SaveEndpoint(ctx context.Context, url string) error {
	query := `INSERT INTO metadata (key, value) VALUES (?, ?)
			  ON CONFLICT(key) DO UPDATE SET value = excluded.value`

	if _, err := s.db.ExecContext(ctx, query, endpointKey, url); err != nil {
		return fmt.Errorf("failed to save endpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEndpoint(ctx context.Context) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, endpointKey).Scan(&url)

	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("endpoint: %w", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read endpoint: %w", err)
	}
	return url, nil
}

func (s *SQLiteStore) DeleteEndpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, endpointKey); err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, collection, remote_url, started_at, completed_at, docs_pushed, docs_pulled, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		history.ID,
		history.Collection,
		history.RemoteURL,
		history.StartedAt,
		history.CompletedAt,
		history.DocsPushed,
		history.DocsPulled,
		history.Status,
		history.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history
			  SET completed_at = ?, docs_pushed = ?, docs_pulled = ?, status = ?, error_message = ?
			  WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query,
		history.CompletedAt,
		history.DocsPushed,
		history.DocsPulled,
		history.Status,
		history.ErrorMessage,
		history.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, collection, remote_url, started_at, completed_at, docs_pushed, docs_pulled, status, error_message
			  FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	defer rows.Close()

	var out []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		err := rows.Scan(
			&h.ID,
			&h.Collection,
			&h.RemoteURL,
			&h.StartedAt,
			&h.CompletedAt,
			&h.DocsPushed,
			&h.DocsPulled,
			&h.Status,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"snapshots", "metadata", "sync_history"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return err
			}
		}
		return nil
	})
}

// execTx executes a function within a transaction
func (s *SQLiteStore) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
