package consensus

import (
	"context"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

// maybeSync asks for the certificates of the current epoch when f+1 peers are
// already past it. Followers ask a mint peer on every poll.
func (e *Engine) maybeSync(ctx context.Context) {
	if !e.syncAllowed() {
		return
	}
	targets := e.peersAhead()
	if e.canVote && len(targets) < e.quorum.OneHonest() {
		return
	}
	if len(targets) == 0 {
		// rotate over the mint peers
		idx := time.Now().UnixNano() / int64(e.cfg.RoundTimeout)
		targets = []domain.PeerID{e.mints[idx%int64(len(e.mints))]}
	}
	e.requestSync(ctx, targets)
}

func (e *Engine) requestSync(ctx context.Context, targets []domain.PeerID) {
	e.lastSync = time.Now()

	msg, err := ports.NewPeerMessage(ports.MsgSyncRequest, ports.SyncRequest{FromEpoch: e.epoch})
	if err != nil {
		return
	}
	for _, peer := range targets {
		if peer == e.cfg.Self {
			continue
		}
		if err := e.transport.Send(ctx, peer, msg); err != nil {
			log.WithError(err).WithField("peer", peer).Debug("failed to send sync request")
		}
	}
	log.WithFields(log.Fields{
		"epoch": e.epoch,
		"peers": targets,
	}).Debug("requested epoch certificates")
}

func (e *Engine) handleSyncRequest(
	ctx context.Context, from domain.PeerID, req ports.SyncRequest,
) error {
	if req.FromEpoch >= e.epoch {
		return nil
	}
	certs, err := e.app.Certificates(ctx, req.FromEpoch, maxSyncBatch)
	if err != nil {
		log.WithError(err).Warn("failed to load certificates")
		return nil
	}
	msg, err := ports.NewPeerMessage(ports.MsgSyncResponse, ports.SyncResponse{Certificates: certs})
	if err != nil {
		return nil
	}
	if err := e.transport.Send(ctx, from, msg); err != nil {
		log.WithError(err).WithField("peer", from).Debug("failed to send certificates")
	}
	return nil
}

func (e *Engine) handleSyncResponse(
	ctx context.Context, from domain.PeerID, res ports.SyncResponse,
) error {
	applied := 0
	for _, cert := range res.Certificates {
		if cert.Batch.Epoch < e.epoch {
			continue
		}
		if cert.Batch.Epoch > e.epoch {
			break
		}
		if err := e.verifyCertificate(cert); err != nil {
			log.WithError(err).WithField("peer", from).Warn("invalid certificate")
			return nil
		}
		if err := e.finalize(ctx, cert); err != nil {
			return err
		}
		applied++
	}
	if applied == 0 {
		return nil
	}

	log.WithFields(log.Fields{
		"peer":  from,
		"count": applied,
		"epoch": e.epoch,
	}).Info("caught up with federation")

	// more certificates may be available
	if len(res.Certificates) == maxSyncBatch {
		e.requestSync(ctx, []domain.PeerID{from})
	}
	return nil
}
