package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	badgerdb "github.com/arkade-os/fedmint/internal/infrastructure/db/badger"
	watermillbus "github.com/arkade-os/fedmint/internal/infrastructure/events/watermill"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := watermillbus.NewEventBus()
	health, err := badgerdb.NewPeerHealthRepository("", nil)
	require.NoError(t, err)
	t.Cleanup(health.Close)

	svc := NewService(bus, health)
	require.NoError(t, svc.Start(ctx))

	events := []domain.Event{
		domain.EpochCommitted{Epoch: 7, Round: 1, Accepted: []domain.TxID{{1}, {2}}, Rejected: 1},
		domain.SignatureFinalized{Outpoint: domain.MintOutpoint{TxID: domain.TxID{1}}},
		domain.SignatureFinalized{Outpoint: domain.MintOutpoint{TxID: domain.TxID{2}}},
		domain.InvalidShareReceived{Peer: 3, Kind: domain.ShareIssuance},
		domain.PegOutTxStateChanged{State: domain.PegOutTxBroadcast},
		domain.PreimageDecrypted{Valid: false},
	}
	for _, ev := range events {
		require.NoError(t, bus.Publish(ctx, ev))
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(svc.finalizedSignatures) == 2 &&
			testutil.ToFloat64(svc.epochHeight) == 7 &&
			testutil.ToFloat64(svc.invalidShares.WithLabelValues("peer-3", "issuance")) == 1 &&
			testutil.ToFloat64(svc.pegOutTxs.WithLabelValues("broadcast")) == 1 &&
			testutil.ToFloat64(svc.decryptedPreimages.WithLabelValues("false")) == 1
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, float64(2), testutil.ToFloat64(svc.epochTxs))
	require.Equal(t, float64(1), testutil.ToFloat64(svc.epochRejectedTxs))
	require.Equal(t, float64(2), testutil.ToFloat64(svc.consensusRounds))

	for i := 0; i < 10; i++ {
		_, err := health.RecordInvalidShare(ctx, 2, domain.ShareWallet)
		require.NoError(t, err)
	}

	server := httptest.NewServer(svc.Handler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	// nolint:errcheck
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	count, err := testutil.GatherAndCount(svc.Registry(), "fedmint_degraded_peers")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, testutil.GatherAndCompare(svc.Registry(), strings.NewReader(`
# HELP fedmint_degraded_peers Peers flagged as degraded for sending too many invalid shares.
# TYPE fedmint_degraded_peers gauge
fedmint_degraded_peers 1
`), "fedmint_degraded_peers"))

	cancel()
	require.NoError(t, bus.Close())
	svc.Wait()
}
