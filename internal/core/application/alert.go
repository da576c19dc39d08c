package application

import (
	"context"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func (s *service) sendSafetyViolationAlert(err error) {
	var typed errors.Error
	if !errors.SAFETY_VIOLATION.Is(err) || !errors.As(err, &typed) {
		return
	}
	s.publishAlert(ports.SafetyViolation, map[string]any{
		"peer":     s.self.ID.String(),
		"reason":   typed.Error(),
		"metadata": typed.Metadata(),
	})
}

func (s *service) sendPegOutRejectedAlert(epoch uint64, ptx *domain.PegOutTx) {
	var amount domain.Amount
	for _, p := range ptx.PegOuts {
		amount += p.Amount
	}
	s.publishAlert(ports.PegOutRejected, map[string]any{
		"txid":       ptx.Txid.String(),
		"pegouts":    len(ptx.PegOuts),
		"amount":     amount,
		"fee":        ptx.Fee,
		"roundEpoch": ptx.RoundEpoch,
		"epoch":      epoch,
		"rejectedBy": ptx.RejectedBy,
	})
}

// sendPeerDegradedAlert publishes once per peer and process lifetime.
func (s *service) sendPeerDegradedAlert(health *ports.PeerHealth) {
	s.lock.Lock()
	_, alerted := s.degraded[health.Peer]
	s.degraded[health.Peer] = struct{}{}
	s.lock.Unlock()
	if alerted {
		return
	}

	lastInvalidAt := "N/A"
	if !health.LastInvalidAt.IsZero() {
		lastInvalidAt = health.LastInvalidAt.Format(time.RFC3339)
	}
	s.publishAlert(ports.PeerDegraded, map[string]any{
		"peer":          health.Peer.String(),
		"invalidShares": health.InvalidShares,
		"lastInvalidAt": lastInvalidAt,
	})
}

func (s *service) publishAlert(topic ports.Topic, message any) {
	if s.alerts == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.alerts.Publish(ctx, topic, message); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("failed to publish alert")
	}
}
