package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/dgraph-io/badger/v4"
)

const (
	kvStoreDir = "kv"
	maxRetries = 5
)

type kvStore struct {
	db *badger.DB
}

// NewKVStore opens the mint state store. An empty base directory keeps the store in
// memory.
func NewKVStore(config ...interface{}) (ports.KVStore, error) {
	if len(config) != 2 {
		return nil, fmt.Errorf("invalid config")
	}
	baseDir, ok := config[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid base directory")
	}
	var logger badger.Logger
	if config[1] != nil {
		logger, ok = config[1].(badger.Logger)
		if !ok {
			return nil, fmt.Errorf("invalid logger")
		}
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, kvStoreDir)
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = logger
	if len(dir) <= 0 {
		opts.InMemory = true
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store: %s", err)
	}
	return &kvStore{db}, nil
}

func (s *kvStore) View(ctx context.Context, fn func(tx ports.KVTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&kvTx{txn})
	})
}

// Update retries the whole transaction when badger detects a conflict with a
// concurrent one.
func (s *kvStore) Update(ctx context.Context, fn func(tx ports.KVTx) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(&kvTx{txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

func (s *kvStore) Close() {
	// nolint:all
	s.db.Close()
}

type kvTx struct {
	txn *badger.Txn
}

func (t *kvTx) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *kvTx) Put(key, value []byte) error {
	return t.txn.Set(copyBytes(key), copyBytes(value))
}

func (t *kvTx) Delete(key []byte) error {
	return t.txn.Delete(copyBytes(key))
}

func (t *kvTx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), value); err != nil {
			if errors.Is(err, ports.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

// badger keeps references to the slices until the transaction commits
func copyBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
