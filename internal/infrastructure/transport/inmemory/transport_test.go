package inmemorytransport_test

import (
	"context"
	"testing"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	inmemorytransport "github.com/arkade-os/fedmint/internal/infrastructure/transport/inmemory"
	"github.com/stretchr/testify/require"
)

func TestNetwork(t *testing.T) {
	ctx := context.Background()
	network := inmemorytransport.NewNetwork()
	a, b, c := network.Transport(0), network.Transport(1), network.Transport(2)

	msg, err := ports.NewPeerMessage(ports.MsgSyncRequest, ports.SyncRequest{FromEpoch: 1})
	require.NoError(t, err)

	require.NoError(t, a.Broadcast(ctx, msg))
	require.Len(t, b.Messages(), 1)
	require.Len(t, c.Messages(), 1)
	require.Len(t, a.Messages(), 0)
	got := <-b.Messages()
	require.Equal(t, domain.PeerID(0), got.From)
	<-c.Messages()

	network.Disconnect(2)
	require.NoError(t, a.Broadcast(ctx, msg))
	require.Len(t, b.Messages(), 1)
	require.Len(t, c.Messages(), 0)
	<-b.Messages()

	network.Reconnect(2)
	require.NoError(t, c.Send(ctx, 0, msg))
	got = <-a.Messages()
	require.Equal(t, domain.PeerID(2), got.From)

	require.Error(t, a.Send(ctx, 5, msg))
}
