package ports

import (
	"context"

	"github.com/arkade-os/fedmint/internal/core/domain"
)

type EventBus interface {
	Publish(ctx context.Context, event domain.Event) error
	// Subscribe returns the events of the topic until ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan domain.Event, error)
	Close() error
}
