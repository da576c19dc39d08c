package inmemorylivestore

import "github.com/arkade-os/fedmint/internal/core/ports"

type liveStore struct {
	contributions ports.ContributionStore
}

// NewLiveStore returns a live store kept in memory. Threshold is the number of
// contributions that makes an epoch collected.
func NewLiveStore(threshold int) ports.LiveStore {
	return &liveStore{
		contributions: NewContributionStore(threshold),
	}
}

func (s *liveStore) Contributions() ports.ContributionStore {
	return s.contributions
}
