// Contributions are stored in one redis hash per epoch keyed by peer id. The epochs
// with stored contributions are indexed by a sorted set to clean them up.
// Collection is detected by polling the size of the hash.

package redislivestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	contributionsKeyFmt = "contributions:%d"
	contributionsIdxKey = "contributions:epochs"
)

type contributionStore struct {
	rdb          *redis.Client
	lock         sync.Mutex
	threshold    int
	collectedChs map[uint64]chan struct{}
	cancels      map[uint64]context.CancelFunc
	pollInterval time.Duration
	numOfRetries int
	retryDelay   time.Duration
}

func NewContributionStore(
	rdb *redis.Client, threshold, numOfRetries int,
) ports.ContributionStore {
	return &contributionStore{
		rdb:          rdb,
		threshold:    threshold,
		collectedChs: make(map[uint64]chan struct{}),
		cancels:      make(map[uint64]context.CancelFunc),
		pollInterval: 50 * time.Millisecond,
		numOfRetries: numOfRetries,
		retryDelay:   10 * time.Millisecond,
	}
}

func (s *contributionStore) Add(ctx context.Context, c domain.Contribution) error {
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal contribution: %v", err)
	}
	key := fmt.Sprintf(contributionsKeyFmt, c.Epoch)
	field := strconv.Itoa(int(c.Peer))

	for range s.numOfRetries {
		if err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSetNX(ctx, key, field, val)
				pipe.ZAdd(ctx, contributionsIdxKey, redis.Z{
					Score: float64(c.Epoch), Member: strconv.FormatUint(c.Epoch, 10),
				})
				return nil
			})
			return err
		}, key); err == nil {
			return nil
		}
		time.Sleep(s.retryDelay)
	}
	return err
}

func (s *contributionStore) Get(ctx context.Context, epoch uint64) ([]domain.Contribution, error) {
	key := fmt.Sprintf(contributionsKeyFmt, epoch)
	values, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	contributions := make([]domain.Contribution, 0, len(values))
	for peer, val := range values {
		var c domain.Contribution
		if err := json.Unmarshal([]byte(val), &c); err != nil {
			return nil, fmt.Errorf("malformed contribution in storage for peer %s: %v", peer, err)
		}
		contributions = append(contributions, c)
	}
	sort.Slice(contributions, func(i, j int) bool {
		return contributions[i].Peer < contributions[j].Peer
	})
	return contributions, nil
}

func (s *contributionStore) DeleteUpTo(ctx context.Context, epoch uint64) error {
	max := strconv.FormatUint(epoch, 10)
	epochs, err := s.rdb.ZRangeByScore(ctx, contributionsIdxKey, &redis.ZRangeBy{
		Min: "-inf", Max: max,
	}).Result()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(epochs))
	for _, e := range epochs {
		keys = append(keys, "contributions:"+e)
	}

	for range s.numOfRetries {
		if err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if len(keys) > 0 {
					pipe.Del(ctx, keys...)
				}
				pipe.ZRemRangeByScore(ctx, contributionsIdxKey, "-inf", max)
				return nil
			})
			return err
		}); err == nil {
			break
		}
		time.Sleep(s.retryDelay)
	}
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	for e, cancel := range s.cancels {
		if e <= epoch {
			cancel()
			delete(s.cancels, e)
			delete(s.collectedChs, e)
		}
	}
	return nil
}

func (s *contributionStore) Collected(epoch uint64) <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()

	if ch, ok := s.collectedChs[epoch]; ok {
		return ch
	}
	ch := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	s.collectedChs[epoch] = ch
	s.cancels[epoch] = cancel
	go s.watchCollected(ctx, epoch, ch)
	return ch
}

func (s *contributionStore) watchCollected(ctx context.Context, epoch uint64, ch chan struct{}) {
	key := fmt.Sprintf(contributionsKeyFmt, epoch)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.rdb.HLen(ctx, key).Result()
			if err != nil {
				log.WithError(err).Debug("failed to count contributions")
				continue
			}
			if int(count) >= s.threshold {
				close(ch)
				return
			}
		}
	}
}
