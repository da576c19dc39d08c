package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const (
	peerHealthStoreDir = "health"
	// invalid shares after which a peer is reported as degraded
	degradedThreshold = 10
)

type peerHealthRepository struct {
	store *badgerhold.Store
}

func NewPeerHealthRepository(config ...interface{}) (ports.PeerHealthRepository, error) {
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
		dir = filepath.Join(baseDir, peerHealthStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open peer health store: %s", err)
	}
	return &peerHealthRepository{store}, nil
}

func (r *peerHealthRepository) RecordInvalidShare(
	ctx context.Context, peer domain.PeerID, kind domain.ShareKind,
) (*ports.PeerHealth, error) {
	health, err := r.Get(ctx, peer)
	if err != nil {
		return nil, err
	}
	health.InvalidShares[kind]++
	health.LastInvalidAt = time.Now()

	var total uint64
	for _, count := range health.InvalidShares {
		total += count
	}
	health.Degraded = total >= degradedThreshold

	if err := r.upsert(peer, health); err != nil {
		return nil, fmt.Errorf("failed to update health of %s: %w", peer, err)
	}
	return health, nil
}

func (r *peerHealthRepository) Get(
	_ context.Context, peer domain.PeerID,
) (*ports.PeerHealth, error) {
	var health ports.PeerHealth
	err := r.store.Get(uint16(peer), &health)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return &ports.PeerHealth{
			Peer:          peer,
			InvalidShares: make(map[domain.ShareKind]uint64),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if health.InvalidShares == nil {
		health.InvalidShares = make(map[domain.ShareKind]uint64)
	}
	return &health, nil
}

func (r *peerHealthRepository) List(_ context.Context) ([]ports.PeerHealth, error) {
	var list []ports.PeerHealth
	if err := r.store.Find(&list, nil); err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Peer < list[j].Peer })
	return list, nil
}

func (r *peerHealthRepository) Close() {
	// nolint:all
	r.store.Close()
}

func (r *peerHealthRepository) upsert(peer domain.PeerID, health *ports.PeerHealth) error {
	err := r.store.Upsert(uint16(peer), health)
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			attempts := 1
			for errors.Is(err, badger.ErrConflict) && attempts <= maxRetries {
				time.Sleep(100 * time.Millisecond)
				err = r.store.Upsert(uint16(peer), health)
				attempts++
			}
		}
	}
	return err
}

func createDB(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	}

	return badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}
