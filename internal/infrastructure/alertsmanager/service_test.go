package alertsmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/stretchr/testify/require"
)

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		testCases := []struct {
			name     string
			topic    ports.Topic
			message  any
			severity string
			label    string
		}{
			{
				name:  "safety violation",
				topic: ports.SafetyViolation,
				message: map[string]string{
					"epoch": "12", "local_outcome": "aa", "quorum_outcome": "bb",
				},
				severity: "critical",
				label:    "epoch",
			},
			{
				name:  "pegout rejected",
				topic: ports.PegOutRejected,
				message: map[string]any{
					"txid": "ff", "pegouts": 2, "epoch": uint64(40),
				},
				severity: "warning",
				label:    "txid",
			},
			{
				name:  "peer degraded",
				topic: ports.PeerDegraded,
				message: &ports.PeerHealth{
					Peer: 3,
					InvalidShares: map[domain.ShareKind]uint64{
						domain.ShareIssuance: 8, domain.ShareWallet: 2,
					},
					LastInvalidAt: time.Now(),
					Degraded:      true,
				},
				severity: "warning",
				label:    "degraded_peer",
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				var received []Alert
				server := httptest.NewServer(http.HandlerFunc(
					func(w http.ResponseWriter, r *http.Request) {
						require.Equal(t, alertsPath, r.URL.Path)
						require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
						w.WriteHeader(http.StatusOK)
					},
				))
				defer server.Close()

				svc := NewService(server.URL, "https://mempool.space", "peer-0")
				require.NoError(t, svc.Publish(ctx, tc.topic, tc.message))

				require.Len(t, received, 1)
				alert := received[0]
				require.Equal(t, string(tc.topic), alert.Labels["alertname"])
				require.Equal(t, "peer-0", alert.Labels["peer"])
				require.Equal(t, tc.severity, alert.Labels["severity"])
				require.NotEmpty(t, alert.Labels[tc.label])
				require.NotEmpty(t, alert.Annotations["alert_id"])
				require.NotEmpty(t, alert.Annotations["description"])
			})
		}
	})

	t.Run("invalid", func(t *testing.T) {
		t.Run("message type", func(t *testing.T) {
			svc := NewService("http://127.0.0.1:1", "", "peer-0")
			err := svc.Publish(ctx, ports.PeerDegraded, "not a health record")
			require.Error(t, err)
		})

		t.Run("client error is not retried", func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(
				func(w http.ResponseWriter, _ *http.Request) {
					calls.Add(1)
					w.WriteHeader(http.StatusBadRequest)
				},
			))
			defer server.Close()

			svc := NewService(server.URL, "", "peer-0")
			err := svc.Publish(ctx, ports.SafetyViolation, map[string]string{"epoch": "1"})
			require.Error(t, err)
			require.Equal(t, int32(1), calls.Load())
		})

		t.Run("server error is retried", func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(
				func(w http.ResponseWriter, _ *http.Request) {
					if calls.Add(1) < 3 {
						w.WriteHeader(http.StatusServiceUnavailable)
						return
					}
					w.WriteHeader(http.StatusOK)
				},
			))
			defer server.Close()

			svc := NewService(server.URL, "", "peer-0")
			err := svc.Publish(ctx, ports.PegOutRejected, map[string]any{"txid": "ff"})
			require.NoError(t, err)
			require.Equal(t, int32(3), calls.Load())
		})
	})
}
