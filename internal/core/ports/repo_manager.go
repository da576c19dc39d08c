package ports

import (
	"context"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
)

type RepoManager interface {
	KV() KVStore
	PeerHealth() PeerHealthRepository
	Close()
}

type PeerHealth struct {
	Peer          domain.PeerID
	InvalidShares map[domain.ShareKind]uint64
	LastInvalidAt time.Time
	Degraded      bool
}

type PeerHealthRepository interface {
	RecordInvalidShare(ctx context.Context, peer domain.PeerID, kind domain.ShareKind) (*PeerHealth, error)
	Get(ctx context.Context, peer domain.PeerID) (*PeerHealth, error)
	List(ctx context.Context) ([]PeerHealth, error)
	Close()
}
