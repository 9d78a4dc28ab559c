// Package store is the durable key-value collaborator holding the device
// identifier, the proxy session and the offline queue.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/pario-ai/cupid/pkg/models"
)

const (
	keyDeviceID     = "device_id"
	keyProxySession = "proxy_session"
	keyOfflineQueue = "offline_queue"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("not found")

// KV is a string key-value store.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SQLiteStore implements KV on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createKVTable = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// New opens the store and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(createKVTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the value for key or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Set upserts the value for key.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DeviceID returns the persisted device identifier, generating and storing
// one on first use. It is never regenerated afterwards.
func DeviceID(ctx context.Context, kv KV) (string, error) {
	id, err := kv.Get(ctx, keyDeviceID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := kv.Set(ctx, keyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// LoadSession returns the persisted proxy session or ErrNotFound.
func LoadSession(ctx context.Context, kv KV) (models.ProxySession, error) {
	raw, err := kv.Get(ctx, keyProxySession)
	if err != nil {
		return models.ProxySession{}, err
	}
	var s models.ProxySession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return models.ProxySession{}, fmt.Errorf("decode proxy session: %w", err)
	}
	if s.Token == "" {
		return models.ProxySession{}, ErrNotFound
	}
	return s, nil
}

// SaveSession persists the proxy session.
func SaveSession(ctx context.Context, kv KV, s models.ProxySession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode proxy session: %w", err)
	}
	return kv.Set(ctx, keyProxySession, string(data))
}

// DeleteSession removes the persisted proxy session. The device id is kept.
func DeleteSession(ctx context.Context, kv KV) error {
	return kv.Delete(ctx, keyProxySession)
}

// LoadQueue returns the persisted offline queue, oldest first. A missing
// queue is empty. API keys are never persisted.
func LoadQueue(ctx context.Context, kv KV) ([]models.QueuedRequest, error) {
	raw, err := kv.Get(ctx, keyOfflineQueue)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []models.QueuedRequest
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode offline queue: %w", err)
	}
	return items, nil
}

// SaveQueue persists the offline queue.
func SaveQueue(ctx context.Context, kv KV, items []models.QueuedRequest) error {
	if len(items) == 0 {
		return kv.Delete(ctx, keyOfflineQueue)
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	return kv.Set(ctx, keyOfflineQueue, string(data))
}
