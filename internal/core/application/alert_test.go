package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/errors"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   ports.Topic
	message map[string]any
}

type mockAlerts struct {
	lock      sync.Mutex
	published []published
}

func (m *mockAlerts) Publish(_ context.Context, topic ports.Topic, message interface{}) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.published = append(m.published, published{topic, message.(map[string]any)})
	return nil
}

func newAlertingService() (*service, *mockAlerts) {
	alerts := &mockAlerts{}
	return &service{
		self:     domain.Peer{ID: 1},
		alerts:   alerts,
		degraded: make(map[domain.PeerID]struct{}),
	}, alerts
}

func TestAlerts(t *testing.T) {
	t.Run("safety violation", func(t *testing.T) {
		svc, alerts := newAlertingService()

		svc.sendSafetyViolationAlert(fmt.Errorf("connection lost"))
		require.Empty(t, alerts.published)

		err := errors.SAFETY_VIOLATION.New("outcome mismatch").
			WithMetadata(errors.SafetyViolationMetadata{Epoch: 7})
		svc.sendSafetyViolationAlert(fmt.Errorf("engine stopped: %w", err))
		require.Len(t, alerts.published, 1)
		require.Equal(t, ports.SafetyViolation, alerts.published[0].topic)
		require.Equal(t, "peer-1", alerts.published[0].message["peer"])
		require.Equal(t, "7", alerts.published[0].message["metadata"].(map[string]string)["epoch"])
	})

	t.Run("pegout rejected", func(t *testing.T) {
		svc, alerts := newAlertingService()

		svc.sendPegOutRejectedAlert(12, &domain.PegOutTx{
			Txid: chainhash.Hash{1},
			PegOuts: []domain.QueuedPegOut{
				{Amount: 10_000},
				{Amount: 5_000},
			},
			Fee:        300,
			RoundEpoch: 10,
			RejectedBy: []domain.PeerID{0, 2},
		})
		require.Len(t, alerts.published, 1)
		msg := alerts.published[0].message
		require.Equal(t, ports.PegOutRejected, alerts.published[0].topic)
		require.Equal(t, 2, msg["pegouts"])
		require.Equal(t, domain.Amount(15_000), msg["amount"])
		require.Equal(t, uint64(12), msg["epoch"])
	})

	t.Run("peer degraded once", func(t *testing.T) {
		svc, alerts := newAlertingService()

		health := &ports.PeerHealth{
			Peer:          2,
			InvalidShares: map[domain.ShareKind]uint64{domain.ShareIssuance: 10},
			LastInvalidAt: time.Unix(1700000000, 0),
			Degraded:      true,
		}
		svc.sendPeerDegradedAlert(health)
		svc.sendPeerDegradedAlert(health)
		require.Len(t, alerts.published, 1)
		require.Equal(t, ports.PeerDegraded, alerts.published[0].topic)
		require.Equal(t, "peer-2", alerts.published[0].message["peer"])

		health.Peer = 3
		svc.sendPeerDegradedAlert(health)
		require.Len(t, alerts.published, 2)
	})

	t.Run("disabled", func(t *testing.T) {
		svc, _ := newAlertingService()
		svc.alerts = nil
		require.NotPanics(t, func() {
			svc.sendPeerDegradedAlert(&ports.PeerHealth{Peer: 2, Degraded: true})
		})
	})
}
