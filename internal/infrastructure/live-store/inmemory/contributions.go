package inmemorylivestore

import (
	"context"
	"sort"
	"sync"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
)

type epochContributions struct {
	byPeer    map[domain.PeerID]domain.Contribution
	collected chan struct{}
	closed    bool
}

type contributionStore struct {
	lock      sync.RWMutex
	threshold int
	epochs    map[uint64]*epochContributions
}

func NewContributionStore(threshold int) ports.ContributionStore {
	return &contributionStore{
		threshold: threshold,
		epochs:    make(map[uint64]*epochContributions),
	}
}

func (s *contributionStore) Add(_ context.Context, c domain.Contribution) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	e := s.getOrCreate(c.Epoch)
	if _, ok := e.byPeer[c.Peer]; ok {
		return nil
	}
	e.byPeer[c.Peer] = c
	if len(e.byPeer) >= s.threshold && !e.closed {
		close(e.collected)
		e.closed = true
	}
	return nil
}

func (s *contributionStore) Get(_ context.Context, epoch uint64) ([]domain.Contribution, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	e, ok := s.epochs[epoch]
	if !ok {
		return nil, nil
	}
	contributions := make([]domain.Contribution, 0, len(e.byPeer))
	for _, c := range e.byPeer {
		contributions = append(contributions, c)
	}
	sort.Slice(contributions, func(i, j int) bool {
		return contributions[i].Peer < contributions[j].Peer
	})
	return contributions, nil
}

func (s *contributionStore) DeleteUpTo(_ context.Context, epoch uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for e := range s.epochs {
		if e <= epoch {
			delete(s.epochs, e)
		}
	}
	return nil
}

func (s *contributionStore) Collected(epoch uint64) <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.getOrCreate(epoch).collected
}

func (s *contributionStore) getOrCreate(epoch uint64) *epochContributions {
	e, ok := s.epochs[epoch]
	if !ok {
		e = &epochContributions{
			byPeer:    make(map[domain.PeerID]domain.Contribution),
			collected: make(chan struct{}),
		}
		s.epochs[epoch] = e
	}
	return e
}
