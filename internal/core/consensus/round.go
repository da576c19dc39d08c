package consensus

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// rounds further than this from the current one are ignored
const maxRoundsAhead = 64

type voteSet struct {
	votes map[domain.PeerID]domain.Vote
	count map[domain.Hash32]int
}

func newVoteSet() *voteSet {
	return &voteSet{
		votes: make(map[domain.PeerID]domain.Vote),
		count: make(map[domain.Hash32]int),
	}
}

// add records the first vote of a peer, later ones are ignored.
func (s *voteSet) add(v domain.Vote) bool {
	if _, ok := s.votes[v.Peer]; ok {
		return false
	}
	s.votes[v.Peer] = v
	s.count[v.BatchHash]++
	return true
}

func (s *voteSet) size() int {
	return len(s.votes)
}

func (s *voteSet) quorum(threshold int) (domain.Hash32, bool) {
	for hash, count := range s.count {
		if count >= threshold {
			return hash, true
		}
	}
	return domain.Hash32{}, false
}

func (s *voteSet) hasQuorumFor(hash domain.Hash32, threshold int) bool {
	return s.count[hash] >= threshold
}

func (s *voteSet) votesFor(hash domain.Hash32) []domain.Vote {
	votes := make([]domain.Vote, 0, s.count[hash])
	for _, v := range s.votes {
		if v.BatchHash == hash {
			votes = append(votes, v)
		}
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].Peer < votes[j].Peer })
	return votes
}

type roundState struct {
	proposal     *domain.Proposal
	proposalHash domain.Hash32
	prevotes     *voteSet
	precommits   *voteSet
	// peers that sent any message for the round
	senders          map[domain.PeerID]struct{}
	prevoteTimeout   bool
	precommitTimeout bool
	locked           bool
}

func (e *Engine) roundState(round uint32) *roundState {
	rs, ok := e.rounds[round]
	if !ok {
		rs = &roundState{
			prevotes:   newVoteSet(),
			precommits: newVoteSet(),
			senders:    make(map[domain.PeerID]struct{}),
		}
		e.rounds[round] = rs
	}
	return rs
}

func (e *Engine) startRound(ctx context.Context, round uint32) error {
	e.round = round
	e.step = stepPropose
	e.currentRound.Store(round)
	e.scheduleTimeout(round, stepPropose)

	log.WithFields(log.Fields{
		"epoch":  e.epoch,
		"round":  round,
		"leader": e.leader(e.epoch, round),
	}).Debug("new round")

	return e.proposeIfLeader(ctx)
}

func (e *Engine) proposeIfLeader(ctx context.Context) error {
	if !e.canVote || !e.started || e.step != stepPropose {
		return nil
	}
	if e.leader(e.epoch, e.round) != e.cfg.Self {
		return nil
	}
	rs := e.roundState(e.round)
	if rs.proposal != nil {
		return nil
	}

	var batch domain.Batch
	if e.validBatch != nil {
		batch = *e.validBatch
	} else {
		contributions, err := e.contributions.Get(ctx, e.epoch)
		if err != nil {
			log.WithError(err).Warn("failed to get contributions")
			return nil
		}
		// proposed once the collector signals the quorum
		if len(contributions) < e.quorum.Threshold() {
			return nil
		}
		batch = domain.NewBatch(e.epoch, contributions)
	}

	p := domain.Proposal{
		Epoch:      e.epoch,
		Round:      e.round,
		ValidRound: e.validRound,
		Batch:      batch,
		Peer:       e.cfg.Self,
	}
	hash, err := p.SigHash()
	if err != nil {
		return err
	}
	if p.Signature, err = domain.SignHash(e.cfg.IdentityKey, hash); err != nil {
		return err
	}
	e.broadcast(ctx, ports.MsgProposal, p)

	log.WithFields(log.Fields{
		"epoch":         e.epoch,
		"round":         e.round,
		"contributions": len(batch.Contributions),
	}).Debug("proposed batch")

	return e.handleProposal(ctx, e.cfg.Self, p)
}

func (e *Engine) castVote(ctx context.Context, typ domain.VoteType, hash domain.Hash32) error {
	v := domain.Vote{
		Type:      typ,
		Epoch:     e.epoch,
		Round:     e.round,
		BatchHash: hash,
		Peer:      e.cfg.Self,
	}
	sig, err := domain.SignHash(e.cfg.IdentityKey, v.SigHash())
	if err != nil {
		return err
	}
	v.Signature = sig

	rs := e.roundState(e.round)
	if typ == domain.Prevote {
		rs.prevotes.add(v)
	} else {
		rs.precommits.add(v)
	}
	e.broadcast(ctx, ports.MsgVote, v)
	return nil
}

func (e *Engine) handleContribution(
	ctx context.Context, from domain.PeerID, c domain.Contribution,
) error {
	if c.Peer != from || !e.isMint(from) {
		return nil
	}
	if c.Epoch < e.epoch || c.Epoch > e.epoch+1 {
		if c.Epoch > e.epoch {
			return e.noteAhead(ctx, from, c.Epoch)
		}
		return nil
	}
	if err := e.verifyContribution(c); err != nil {
		log.WithError(err).WithField("peer", from).Debug("invalid contribution")
		return nil
	}
	if err := e.contributions.Add(ctx, c); err != nil {
		log.WithError(err).Warn("failed to store contribution")
		return nil
	}
	if c.Epoch > e.epoch {
		return e.noteAhead(ctx, from, c.Epoch)
	}

	// an honest peer started the epoch
	if !e.started {
		e.starters[from] = struct{}{}
		if len(e.starters) >= e.quorum.OneHonest() {
			return e.startEpoch(ctx)
		}
	}
	return nil
}

func (e *Engine) handleProposal(ctx context.Context, from domain.PeerID, p domain.Proposal) error {
	if p.Epoch != e.epoch {
		if p.Epoch > e.epoch {
			return e.noteAhead(ctx, from, p.Epoch)
		}
		return nil
	}
	if p.Peer != from || from != e.leader(p.Epoch, p.Round) || p.Round > e.round+maxRoundsAhead {
		return nil
	}
	hash, err := p.SigHash()
	if err != nil {
		return nil
	}
	if err := e.cfg.Federation.VerifySignature(from, hash, p.Signature); err != nil {
		log.WithError(err).Debug("invalid proposal")
		return nil
	}

	rs := e.roundState(p.Round)
	if rs.proposal != nil {
		return nil
	}
	batchHash, err := p.Batch.Hash()
	if err != nil {
		return nil
	}
	rs.proposal = &p
	rs.proposalHash = batchHash
	rs.senders[from] = struct{}{}

	return e.evaluate(ctx)
}

func (e *Engine) handleVote(ctx context.Context, from domain.PeerID, v domain.Vote) error {
	if v.Epoch != e.epoch {
		if v.Epoch > e.epoch {
			return e.noteAhead(ctx, from, v.Epoch)
		}
		return nil
	}
	if v.Peer != from || !e.isMint(from) || v.Round > e.round+maxRoundsAhead {
		return nil
	}
	if v.Type != domain.Prevote && v.Type != domain.Precommit {
		return nil
	}
	if err := e.cfg.Federation.VerifySignature(from, v.SigHash(), v.Signature); err != nil {
		log.WithError(err).Debug("invalid vote")
		return nil
	}

	rs := e.roundState(v.Round)
	if v.Type == domain.Prevote {
		rs.prevotes.add(v)
	} else {
		rs.precommits.add(v)
	}
	rs.senders[from] = struct{}{}

	return e.evaluate(ctx)
}

func (e *Engine) handleTimeout(ctx context.Context, t timeout) error {
	if t.epoch != e.epoch {
		return nil
	}
	e.maybeSync(ctx)

	if !e.canVote {
		e.scheduleTimeout(0, stepPropose)
		return nil
	}
	if t.round != e.round {
		return nil
	}

	switch t.step {
	case stepPropose:
		if e.step == stepPropose {
			log.WithFields(log.Fields{
				"epoch": e.epoch, "round": e.round,
			}).Debug("propose timeout")
			e.step = stepPrevote
			if err := e.castVote(ctx, domain.Prevote, domain.Hash32{}); err != nil {
				return err
			}
		}
	case stepPrevote:
		if e.step == stepPrevote {
			e.step = stepPrecommit
			if err := e.castVote(ctx, domain.Precommit, domain.Hash32{}); err != nil {
				return err
			}
		}
	case stepPrecommit:
		if err := e.startRound(ctx, e.round+1); err != nil {
			return err
		}
	}
	return e.evaluate(ctx)
}

// evaluate applies the agreement rules until none of them fires.
func (e *Engine) evaluate(ctx context.Context) error {
	for {
		progressed, err := e.applyRules(ctx)
		if err != nil || !progressed {
			return err
		}
	}
}

func (e *Engine) applyRules(ctx context.Context) (bool, error) {
	threshold := e.quorum.Threshold()

	for round, rs := range e.rounds {
		if rs.proposal == nil {
			continue
		}
		hash, ok := rs.precommits.quorum(threshold)
		if ok && hash == rs.proposalHash && e.isValid(rs.proposal.Batch, hash) {
			cert := domain.CommitCertificate{
				Batch:      rs.proposal.Batch,
				Round:      round,
				Precommits: rs.precommits.votesFor(hash),
			}
			return true, e.finalize(ctx, cert)
		}
	}
	if !e.started || !e.canVote {
		return false, nil
	}

	if round, ok := e.skipRound(); ok {
		return true, e.startRound(ctx, round)
	}

	rs := e.roundState(e.round)

	if e.step == stepPropose && rs.proposal != nil {
		if vote, ok := e.prevoteFor(rs); ok {
			e.step = stepPrevote
			return true, e.castVote(ctx, domain.Prevote, vote)
		}
	}

	if e.step == stepPrevote && rs.prevotes.size() >= threshold && !rs.prevoteTimeout {
		rs.prevoteTimeout = true
		e.scheduleTimeout(e.round, stepPrevote)
	}

	if e.step >= stepPrevote && rs.proposal != nil && !rs.locked &&
		rs.prevotes.hasQuorumFor(rs.proposalHash, threshold) &&
		e.isValid(rs.proposal.Batch, rs.proposalHash) {
		rs.locked = true
		batch := rs.proposal.Batch
		e.validRound, e.validBatch = int32(e.round), &batch
		if e.step == stepPrevote {
			e.lockedRound, e.lockedBatch = int32(e.round), &batch
			e.step = stepPrecommit
			return true, e.castVote(ctx, domain.Precommit, rs.proposalHash)
		}
		return true, nil
	}

	if e.step == stepPrevote && rs.prevotes.hasQuorumFor(domain.Hash32{}, threshold) {
		e.step = stepPrecommit
		return true, e.castVote(ctx, domain.Precommit, domain.Hash32{})
	}

	if rs.precommits.size() >= threshold && !rs.precommitTimeout {
		rs.precommitTimeout = true
		e.scheduleTimeout(e.round, stepPrecommit)
	}

	return false, nil
}

// prevoteFor returns the prevote for the round proposal, false if the proposal
// cannot be judged yet.
func (e *Engine) prevoteFor(rs *roundState) (domain.Hash32, bool) {
	p := rs.proposal
	hash := rs.proposalHash
	valid := e.isValid(p.Batch, hash)

	if p.ValidRound < 0 {
		if valid && (e.lockedRound < 0 || e.lockedHash() == hash) {
			return hash, true
		}
		return domain.Hash32{}, true
	}

	if uint32(p.ValidRound) >= e.round {
		return domain.Hash32{}, false
	}
	prev, ok := e.rounds[uint32(p.ValidRound)]
	if !ok || !prev.prevotes.hasQuorumFor(hash, e.quorum.Threshold()) {
		return domain.Hash32{}, false
	}
	if valid && (e.lockedRound <= p.ValidRound || e.lockedHash() == hash) {
		return hash, true
	}
	return domain.Hash32{}, true
}

func (e *Engine) lockedHash() domain.Hash32 {
	if e.lockedBatch == nil {
		return domain.Hash32{}
	}
	hash, _ := e.lockedBatch.Hash()
	return hash
}

// skipRound returns the highest future round in which f+1 peers are active.
func (e *Engine) skipRound() (uint32, bool) {
	var (
		target uint32
		found  bool
	)
	for round, rs := range e.rounds {
		if round > e.round && round > target && len(rs.senders) >= e.quorum.OneHonest() {
			target, found = round, true
		}
	}
	return target, found
}

func (e *Engine) isValid(batch domain.Batch, hash domain.Hash32) bool {
	if valid, ok := e.validity[hash]; ok {
		return valid
	}
	err := e.validateBatch(batch)
	if err != nil {
		log.WithError(err).WithField("epoch", e.epoch).Debug("invalid batch")
	}
	e.validity[hash] = err == nil
	return err == nil
}

// finalize applies a committed batch and moves to the next epoch.
func (e *Engine) finalize(ctx context.Context, cert domain.CommitCertificate) error {
	epoch := cert.Batch.Epoch
	beacon, err := e.beacon(cert.Batch)
	if err != nil {
		return err
	}
	if err := e.checkSafety(cert.Batch); err != nil {
		return err
	}

	outcome, err := e.app.ApplyEpoch(ctx, cert, beacon)
	if err != nil {
		return fmt.Errorf("failed to apply epoch %d: %w", epoch, err)
	}
	e.lastOutcome = outcome

	if err := e.contributions.DeleteUpTo(ctx, epoch); err != nil {
		log.WithError(err).Warn("failed to clean up contributions")
	}

	log.WithFields(log.Fields{
		"epoch":         epoch,
		"round":         cert.Round,
		"contributions": len(cert.Batch.Contributions),
		"outcome":       outcome.String(),
	}).Info("epoch committed")

	e.resetEpoch(epoch + 1)
	if e.canVote {
		if err := e.scheduleNextEpoch(ctx); err != nil {
			return err
		}
	} else if err := e.startEpoch(ctx); err != nil {
		return err
	}
	return e.replayFuture(ctx)
}

// checkSafety compares the outcome of the previous epoch with the one reported by
// the contributions of the batch. A value shared by f+1 peers different from the
// local one means the local state diverged.
func (e *Engine) checkSafety(batch domain.Batch) error {
	counts := make(map[domain.Hash32]int)
	for _, c := range batch.Contributions {
		counts[c.PrevOutcome]++
	}
	for outcome, count := range counts {
		if count >= e.quorum.OneHonest() && outcome != e.lastOutcome {
			err := errors.SAFETY_VIOLATION.New(
				"outcome of epoch %d diverged from the federation", batch.Epoch,
			).WithMetadata(errors.SafetyViolationMetadata{
				Epoch:         batch.Epoch,
				LocalOutcome:  e.lastOutcome.String(),
				QuorumOutcome: outcome.String(),
			})
			err.Log().Error("safety violation")
			return err
		}
	}
	return nil
}

// noteAhead records that a peer is working on a later epoch.
func (e *Engine) noteAhead(ctx context.Context, peer domain.PeerID, epoch uint64) error {
	if epoch > e.ahead[peer] {
		e.ahead[peer] = epoch
	}
	if len(e.peersAhead()) < e.quorum.OneHonest() {
		return nil
	}
	// the epoch is paced but f+1 peers already moved past it
	if !e.started && e.canVote {
		return e.startEpoch(ctx)
	}
	e.maybeSync(ctx)
	return nil
}

func (e *Engine) peersAhead() []domain.PeerID {
	peers := make([]domain.PeerID, 0, len(e.ahead))
	for peer, epoch := range e.ahead {
		if epoch > e.epoch {
			peers = append(peers, peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (e *Engine) syncAllowed() bool {
	return time.Since(e.lastSync) >= e.cfg.RoundTimeout
}
