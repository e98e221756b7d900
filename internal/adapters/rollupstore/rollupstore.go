// Package rollupstore реализует rollup.Store поверх bbolt: одна бакета на
// вычисленные DailyRollup'ы, ключ "<tenantId>|<date>" для упрощённого
// range-скана по tenantId. Тот же bbolt.Open-с-таймаутом паттерн, что и
// adapters/outboxstore и infra/telegram/peersmgr.
package rollupstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"moderation-core/internal/domain/model"
)

const (
	bucketName  = "daily_usage_rollups"
	openTimeout = time.Second
	fileMode    os.FileMode = 0o600
)

var bucketBytes = []byte(bucketName)

// Store is a bbolt-backed implementation of domain/rollup.Store.
type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("rollupstore: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, fileMode, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("rollupstore: open db: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBytes)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rollupstore: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func key(tenantID, date string) []byte { return []byte(tenantID + "|" + date) }

// SaveRollup upserts by (tenantId, date).
func (s *Store) SaveRollup(_ context.Context, r model.DailyRollup) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("rollupstore: encode %s/%s: %w", r.TenantID, r.Date, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBytes).Put(key(r.TenantID, r.Date), data)
	})
}

// ListRollups returns tenantID's rollups with date in [startDate, endDate].
func (s *Store) ListRollups(_ context.Context, tenantID, startDate, endDate string) ([]model.DailyRollup, error) {
	prefix := []byte(tenantID + "|")
	var out []model.DailyRollup

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBytes).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			date := strings.TrimPrefix(string(k), string(prefix))
			if date < startDate || date > endDate {
				continue
			}
			var r model.DailyRollup
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteOlderThan removes every rollup whose date is strictly before cutoff,
// across all tenants, returning the count removed.
func (s *Store) DeleteOlderThan(_ context.Context, cutoff string) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBytes)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			idx := strings.LastIndex(string(k), "|")
			if idx < 0 {
				return nil
			}
			date := string(k)[idx+1:]
			if date < cutoff {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
