package ports

import (
	"context"

	"github.com/arkade-os/fedmint/internal/core/domain"
)

type LiveStore interface {
	Contributions() ContributionStore
}

// ContributionStore gathers the verified contributions of the peers for the epochs
// being agreed.
type ContributionStore interface {
	// Add stores the contribution unless one from the same peer is already there.
	Add(ctx context.Context, c domain.Contribution) error
	Get(ctx context.Context, epoch uint64) ([]domain.Contribution, error)
	// DeleteUpTo drops every epoch lower than or equal to the given one.
	DeleteUpTo(ctx context.Context, epoch uint64) error
	// Collected is closed once the quorum of contributions for the epoch is reached.
	Collected(epoch uint64) <-chan struct{}
}
