package redislivestore

import (
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

type liveStore struct {
	contributions ports.ContributionStore
}

func NewLiveStore(rdb *redis.Client, threshold, numOfRetries int) ports.LiveStore {
	return &liveStore{
		contributions: NewContributionStore(rdb, threshold, numOfRetries),
	}
}

func (s *liveStore) Contributions() ports.ContributionStore {
	return s.contributions
}
