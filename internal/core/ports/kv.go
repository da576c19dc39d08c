package ports

import (
	"context"
	"errors"
)

var ErrStopIteration = errors.New("stop iteration")

// KVStore is an ordered byte-keyed store with atomic multi-key transactions.
type KVStore interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx KVTx) error) error
	// Update runs fn in a read-write transaction, committed only if fn returns nil.
	Update(ctx context.Context, fn func(tx KVTx) error) error
	Close()
}

type KVTx interface {
	// Get returns nil and no error if the key does not exist.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Iterate visits the keys with the given prefix in ascending byte order. Returning
	// ErrStopIteration from fn ends the scan without error. fn may write to the
	// transaction but must not start another iteration.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}
