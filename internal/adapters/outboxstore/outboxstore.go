// Package outboxstore реализует outbox.Store поверх bbolt: одна бакета,
// ключ — OutboxEntry.ID, значение — JSON. Хранение по bucket-на-сущность
// унаследовано от infra/telegram/peersmgr.Service (bbolt.Open с таймаутом,
// JSON-значения внутри одной бакеты).
package outboxstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"moderation-core/internal/domain/model"
)

const (
	bucketName  = "outbox_entries"
	openTimeout = time.Second
	fileMode    os.FileMode = 0o600
)

var bucketBytes = []byte(bucketName)

// Store is a bbolt-backed implementation of domain/outbox.Store.
type Store struct {
	db *bbolt.DB
}

// Open creates (or opens) the bbolt file at path and ensures the bucket
// exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("outboxstore: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, fileMode, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("outboxstore: open db: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBytes)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outboxstore: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error { return s.db.Close() }

// Load returns every persisted entry, in no particular order — the caller
// (outbox.Manager) restores its own creation-order slice separately.
func (s *Store) Load(context.Context) ([]model.OutboxEntry, error) {
	var out []model.OutboxEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBytes)
		return b.ForEach(func(_, v []byte) error {
			var e model.OutboxEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save upserts entry by ID.
func (s *Store) Save(_ context.Context, entry model.OutboxEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("outboxstore: encode entry %s: %w", entry.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBytes).Put([]byte(entry.ID), data)
	})
}
