package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/fedmint/internal/core/ports"
)

const maxRetries = 5

type dialect struct {
	get       string
	put       string
	del       string
	scan      string
	scanFrom  string
	readOpts  *sql.TxOptions
	writeOpts *sql.TxOptions
	conflict  func(error) bool
}

var (
	sqliteDialect = dialect{
		get:      "SELECT v FROM kv WHERE k = ?",
		put:      "INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v",
		del:      "DELETE FROM kv WHERE k = ?",
		scan:     "SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k",
		scanFrom: "SELECT k, v FROM kv WHERE k >= ? ORDER BY k",
		conflict: isSqliteConflict,
	}
	postgresDialect = dialect{
		get:       "SELECT v FROM kv WHERE k = $1",
		put:       "INSERT INTO kv (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = excluded.v",
		del:       "DELETE FROM kv WHERE k = $1",
		scan:      "SELECT k, v FROM kv WHERE k >= $1 AND k < $2 ORDER BY k",
		scanFrom:  "SELECT k, v FROM kv WHERE k >= $1 ORDER BY k",
		readOpts:  &sql.TxOptions{ReadOnly: true},
		writeOpts: &sql.TxOptions{Isolation: sql.LevelSerializable},
		conflict:  isPostgresConflict,
	}
)

type kvStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSqliteKVStore expects a migrated sqlite db.
func NewSqliteKVStore(config ...interface{}) (ports.KVStore, error) {
	return newKVStore(sqliteDialect, config...)
}

// NewPostgresKVStore expects a migrated postgres db.
func NewPostgresKVStore(config ...interface{}) (ports.KVStore, error) {
	return newKVStore(postgresDialect, config...)
}

func newKVStore(d dialect, config ...interface{}) (ports.KVStore, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open kv store: expected *sql.DB but got %T", config[0])
	}
	return &kvStore{db, d}, nil
}

func (s *kvStore) View(ctx context.Context, fn func(tx ports.KVTx) error) error {
	tx, err := s.db.BeginTx(ctx, s.dialect.readOpts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// nolint:all
	defer tx.Rollback()

	return fn(&kvTx{ctx, tx, s.dialect})
}

// Update retries the whole transaction when the db aborts it because of a
// concurrent one.
func (s *kvStore) Update(ctx context.Context, fn func(tx ports.KVTx) error) error {
	var lastErr error
	for range maxRetries {
		tx, err := s.db.BeginTx(ctx, s.dialect.writeOpts)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := fn(&kvTx{ctx, tx, s.dialect}); err != nil {
			// nolint:all
			tx.Rollback()

			if s.dialect.conflict(err) {
				lastErr = err
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if s.dialect.conflict(err) {
				lastErr = err
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}
	return lastErr
}

func (s *kvStore) Close() {
	// nolint:all
	s.db.Close()
}

type kvTx struct {
	ctx     context.Context
	tx      *sql.Tx
	dialect dialect
}

func (t *kvTx) Get(key []byte) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, t.dialect.get, nonNil(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return nonNil(value), nil
}

func (t *kvTx) Put(key, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx, t.dialect.put, nonNil(key), nonNil(value))
	return err
}

func (t *kvTx) Delete(key []byte) error {
	_, err := t.tx.ExecContext(t.ctx, t.dialect.del, nonNil(key))
	return err
}

// Iterate reads the whole range before visiting it, fn can then write to the same
// transaction.
func (t *kvTx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	var (
		rows *sql.Rows
		err  error
	)
	if end := prefixEnd(prefix); end != nil {
		rows, err = t.tx.QueryContext(t.ctx, t.dialect.scan, nonNil(prefix), end)
	} else {
		rows, err = t.tx.QueryContext(t.ctx, t.dialect.scanFrom, nonNil(prefix))
	}
	if err != nil {
		return err
	}

	type pair struct{ key, value []byte }
	pairs := make([]pair, 0)
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.key, &p.value); err != nil {
			// nolint:all
			rows.Close()
			return err
		}
		pairs = append(pairs, pair{nonNil(p.key), nonNil(p.value)})
	}
	if err := rows.Err(); err != nil {
		// nolint:all
		rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
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

// prefixEnd returns the smallest key greater than every key with the given prefix,
// or nil if there is none.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// NULL and empty blobs are both stored and read back as empty values.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
