package boltdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/arkade-os/fedmint/internal/core/ports"
	bolt "go.etcd.io/bbolt"
)

const (
	kvStoreFile = "kv.bolt"
	kvBucket    = "kv"
)

type kvStore struct {
	db *bolt.DB
}

func NewKVStore(config ...interface{}) (ports.KVStore, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	baseDir, ok := config[0].(string)
	if !ok || len(baseDir) <= 0 {
		return nil, fmt.Errorf("invalid base directory")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(
		filepath.Join(baseDir, kvStoreFile), 0o600, &bolt.Options{Timeout: time.Second},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store: %s", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(kvBucket))
		return err
	}); err != nil {
		// nolint:all
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %s", err)
	}
	return &kvStore{db}, nil
}

func (s *kvStore) View(ctx context.Context, fn func(tx ports.KVTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&kvTx{tx.Bucket([]byte(kvBucket))})
	})
}

// bolt allows a single writer at a time, transactions never conflict.
func (s *kvStore) Update(ctx context.Context, fn func(tx ports.KVTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&kvTx{tx.Bucket([]byte(kvBucket))})
	})
}

func (s *kvStore) Close() {
	// nolint:all
	s.db.Close()
}

type kvTx struct {
	bucket *bolt.Bucket
}

// values returned by bolt are only valid during the transaction
func (t *kvTx) Get(key []byte) ([]byte, error) {
	value := t.bucket.Get(key)
	if value == nil {
		return nil, nil
	}
	return bytes.Clone(value), nil
}

func (t *kvTx) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return t.bucket.Put(key, value)
}

func (t *kvTx) Delete(key []byte) error {
	return t.bucket.Delete(key)
}

// Iterate copies the range out of the cursor first, bolt cursors are invalidated by
// writes to the bucket.
func (t *kvTx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	type pair struct{ key, value []byte }
	pairs := make([]pair, 0)
	c := t.bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		pairs = append(pairs, pair{bytes.Clone(k), bytes.Clone(v)})
	}

	for _, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			if errors.Is(err, ports.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}
