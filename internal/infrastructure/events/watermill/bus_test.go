package watermillbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	watermillbus "github.com/arkade-os/fedmint/internal/infrastructure/events/watermill"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := watermillbus.NewEventBus()
	t.Cleanup(func() {
		require.NoError(t, bus.Close())
	})

	events := []domain.Event{
		domain.EpochCommitted{
			Epoch: 3, Round: 1, Beacon: domain.Hash32{1}, Accepted: []domain.TxID{{2}}, Rejected: 1,
		},
		domain.SignatureFinalized{
			Outpoint:  domain.MintOutpoint{TxID: domain.TxID{3}, OutIdx: 1},
			Signature: []byte{1, 2, 3},
		},
		domain.InvalidShareReceived{Peer: 2, Kind: domain.ShareWallet, Key: "abcd"},
		domain.PegOutTxStateChanged{
			Txid: chainhash.Hash{4}, State: domain.PegOutTxBroadcast, Epoch: 10,
		},
		domain.PreimageDecrypted{ContractID: domain.ContractID{5}, Valid: true, Preimage: []byte{6}},
		domain.SafetyViolation{Epoch: 4, LocalOutcome: domain.Hash32{7}, QuorumOutcome: domain.Hash32{8}},
	}

	for _, event := range events {
		t.Run(event.Topic(), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sub, err := bus.Subscribe(ctx, event.Topic())
			require.NoError(t, err)
			other, err := bus.Subscribe(ctx, event.Topic())
			require.NoError(t, err)

			require.NoError(t, bus.Publish(ctx, event))

			for _, ch := range []<-chan domain.Event{sub, other} {
				select {
				case received := <-ch:
					require.Equal(t, event, received)
				case <-time.After(time.Second):
					require.FailNow(t, "event not received")
				}
			}
		})
	}

	t.Run("unsubscribe", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := bus.Subscribe(ctx, domain.TopicEpochCommitted)
		require.NoError(t, err)
		cancel()

		require.Eventually(t, func() bool {
			select {
			case _, ok := <-sub:
				return !ok
			default:
				return false
			}
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("other topics are not received", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sub, err := bus.Subscribe(ctx, domain.TopicSignatureFinalized)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, domain.EpochCommitted{Epoch: 1}))

		select {
		case ev := <-sub:
			require.FailNow(t, "unexpected event", "%v", ev)
		case <-time.After(200 * time.Millisecond):
		}
	})
}
