package consensus

import (
	"fmt"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/pkg/tbs"
	"github.com/arkade-os/fedmint/pkg/threshold"
)

func (e *Engine) verifyContribution(c domain.Contribution) error {
	if !e.isMint(c.Peer) {
		return fmt.Errorf("%s is not a mint peer", c.Peer)
	}
	hash, err := c.SigHash()
	if err != nil {
		return err
	}
	if err := e.cfg.Federation.VerifySignature(c.Peer, hash, c.Signature); err != nil {
		return err
	}
	share, err := tbs.BlindedSignatureShareFromBytes(c.BeaconShare)
	if err != nil {
		return fmt.Errorf("invalid beacon share of %s: %w", c.Peer, err)
	}
	if !e.cfg.Federation.Beacon.VerifyShare(uint16(c.Peer), tbs.BeaconMessage(c.Epoch), share) {
		return fmt.Errorf("beacon share of %s does not verify", c.Peer)
	}
	return nil
}

// validateBatch checks that the batch holds at least 2f+1 correctly signed
// contributions of distinct mint peers for the current epoch, sorted by peer.
func (e *Engine) validateBatch(batch domain.Batch) error {
	if batch.Epoch != e.epoch {
		return fmt.Errorf("batch is for epoch %d, expected %d", batch.Epoch, e.epoch)
	}
	if len(batch.Contributions) < e.quorum.Threshold() {
		return fmt.Errorf(
			"got %d contributions, need %d", len(batch.Contributions), e.quorum.Threshold(),
		)
	}
	for i, c := range batch.Contributions {
		if i > 0 && c.Peer <= batch.Contributions[i-1].Peer {
			return fmt.Errorf("contributions not sorted by peer")
		}
		if c.Epoch != batch.Epoch {
			return fmt.Errorf("contribution of %s is for epoch %d", c.Peer, c.Epoch)
		}
		if err := e.verifyContribution(c); err != nil {
			return err
		}
	}
	return nil
}

// beacon combines the beacon shares of a valid batch.
func (e *Engine) beacon(batch domain.Batch) (domain.Hash32, error) {
	collection := threshold.NewCollection[
		tbs.BlindedMessage, tbs.BlindedSignatureShare, tbs.BlindedSignature,
	](e.cfg.Federation.Beacon, tbs.BeaconMessage(batch.Epoch))
	for _, c := range batch.Contributions {
		share, err := tbs.BlindedSignatureShareFromBytes(c.BeaconShare)
		if err != nil {
			return domain.Hash32{}, err
		}
		collection.Restore(uint16(c.Peer), share)
	}
	sig, err := collection.Combine()
	if err != nil {
		return domain.Hash32{}, fmt.Errorf("failed to combine beacon of epoch %d: %w", batch.Epoch, err)
	}
	return domain.Hash32(tbs.BeaconValue(sig)), nil
}

// verifyCertificate checks a commit certificate received from another peer.
func (e *Engine) verifyCertificate(cert domain.CommitCertificate) error {
	if err := e.validateBatch(cert.Batch); err != nil {
		return err
	}
	hash, err := cert.Batch.Hash()
	if err != nil {
		return err
	}
	votes := newVoteSet()
	for _, v := range cert.Precommits {
		if v.Type != domain.Precommit || v.Epoch != cert.Batch.Epoch ||
			v.Round != cert.Round || v.BatchHash != hash || !e.isMint(v.Peer) {
			continue
		}
		if err := e.cfg.Federation.VerifySignature(v.Peer, v.SigHash(), v.Signature); err != nil {
			continue
		}
		votes.add(v)
	}
	if !votes.hasQuorumFor(hash, e.quorum.Threshold()) {
		return fmt.Errorf("certificate of epoch %d lacks a quorum of precommits", cert.Batch.Epoch)
	}
	return nil
}
