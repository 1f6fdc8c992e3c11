package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store reads and writes JSON blobs keyed by name, each carrying the schema
// version it was written with
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates a blob store on an open database
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.Named("storage"),
	}
}

// Load returns the blob stored under key. found is false when nothing was saved yet.
func (s *Store) Load(ctx context.Context, key string) (payload []byte, version int, found bool, err error) {
	var payloadStr string
	err = s.db.QueryRowContext(ctx, `
		SELECT payload, version FROM store_blobs WHERE key = ?
	`, key).Scan(&payloadStr, &version)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to load %s: %w", key, err)
	}

	return []byte(payloadStr), version, true, nil
}

// Save replaces the blob stored under key
func (s *Store) Save(ctx context.Context, key string, version int, payload []byte) error {
	now := time.Now().UTC().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_blobs (key, version, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, key, version, string(payload), now)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}

	s.logger.Debug("Saved blob",
		zap.String("key", key),
		zap.Int("version", version),
		zap.Int("bytes", len(payload)))
	return nil
}

// Delete removes the blob stored under key
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM store_blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
