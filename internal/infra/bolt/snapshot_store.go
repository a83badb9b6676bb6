// Package bolt persists node snapshots in a local bbolt file, the default store
// for a controller or participant running on one machine.
package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var bucket = []byte("snapshots")

// SnapshotStore is a single-bucket bbolt file.
type SnapshotStore struct {
	db *bbolt.DB
}

// Open creates the file and its parent directory when missing.
func Open(path string) (*SnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot file %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	var (
		data  []byte
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(key)); v != nil {
			// v is only valid inside the transaction.
			data, found = append([]byte{}, v...), true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

func (s *SnapshotStore) Save(_ context.Context, key string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *SnapshotStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
