package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/threshold"
	"github.com/arkade-os/fedmint/pkg/tbs"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const (
	issuanceMailboxSize = 1024
	// max number of shares a single peer can park for outpoints not known yet
	maxStashedSharesPerPeer = 1024
	stashedShareTTL         = 5 * time.Minute
	shareRetryTick          = time.Second
	shareRetryTimeout       = 30 * time.Minute
)

type issuanceShares = threshold.Collection[
	tbs.BlindedMessage, tbs.BlindedSignatureShare, tbs.BlindedSignature,
]

type issuanceEntry struct {
	req    domain.IssuanceRequest
	shares *issuanceShares
	retry  backoff.BackOff
	// next time the missing shares are requested, zero once retries are exhausted
	nextRequest time.Time
}

type stashedShare struct {
	share      []byte
	receivedAt time.Time
}

type issuanceJob struct {
	requests []domain.IssuanceRequest
	msg      *ports.PeerMessage
}

// issuancePipeline collects the signature shares of the outpoints issued by accepted
// txs. Its state is owned by a single goroutine fed through a bounded mailbox.
type issuancePipeline struct {
	self      domain.PeerID
	canSign   bool
	fed       *domain.Federation
	secrets   *domain.PeerSecrets
	kv        ports.KVStore
	transport ports.Transport

	publish   func(ctx context.Context, events []domain.Event)
	onInvalid func(ctx context.Context, ev domain.InvalidShareReceived)

	mailbox chan issuanceJob
	// set when the mailbox overflowed and requests must be reloaded from storage
	dirty atomic.Bool

	entries map[domain.MintOutpoint]*issuanceEntry
	stash map[domain.MintOutpoint]map[domain.PeerID]stashedShare
	// number of stashed shares per sender
	stashed map[domain.PeerID]int
}

func newIssuancePipeline(
	self domain.Peer, fed *domain.Federation, secrets *domain.PeerSecrets,
	kv ports.KVStore, transport ports.Transport,
) *issuancePipeline {
	return &issuancePipeline{
		self:      self.ID,
		canSign:   self.Role.Can(domain.CapSignShare),
		fed:       fed,
		secrets:   secrets,
		kv:        kv,
		transport: transport,
		publish:   func(context.Context, []domain.Event) {},
		onInvalid: func(context.Context, domain.InvalidShareReceived) {},
		mailbox:   make(chan issuanceJob, issuanceMailboxSize),
		entries:   make(map[domain.MintOutpoint]*issuanceEntry),
		stash:     make(map[domain.MintOutpoint]map[domain.PeerID]stashedShare),
		stashed:   make(map[domain.PeerID]int),
	}
}

// enqueueRequests never blocks the caller. Requests are already persisted, so on
// overflow they are reloaded from storage at the next tick.
func (p *issuancePipeline) enqueueRequests(reqs []domain.IssuanceRequest) {
	select {
	case p.mailbox <- issuanceJob{requests: reqs}:
	default:
		p.dirty.Store(true)
		log.Warn("issuance mailbox full, requests will be reloaded from storage")
	}
}

// deliver hands an issuance message of a peer to the pipeline. Dropped messages are
// recovered through share requests.
func (p *issuancePipeline) deliver(msg ports.PeerMessage) {
	select {
	case p.mailbox <- issuanceJob{msg: &msg}:
	default:
		log.WithFields(log.Fields{
			"from": msg.From,
			"kind": msg.Kind,
		}).Debug("issuance mailbox full, message dropped")
	}
}

func (p *issuancePipeline) run(ctx context.Context) error {
	if err := p.restore(ctx); err != nil {
		return fmt.Errorf("failed to restore issuance state: %w", err)
	}

	ticker := time.NewTicker(shareRetryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-p.mailbox:
			if len(job.requests) > 0 {
				p.handleRequests(ctx, job.requests)
			}
			if job.msg != nil {
				p.handleMessage(ctx, *job.msg)
			}
		case now := <-ticker.C:
			if p.dirty.CompareAndSwap(true, false) {
				if err := p.restore(ctx); err != nil {
					log.WithError(err).Warn("failed to reload issuance requests")
					p.dirty.Store(true)
				}
			}
			p.requestMissing(ctx, now)
			p.pruneStash(now)
		}
	}
}

// restore reloads the outpoints not finalized yet with the shares already received.
func (p *issuancePipeline) restore(ctx context.Context) error {
	reqs := make([]domain.IssuanceRequest, 0)
	if err := p.kv.View(ctx, func(tx ports.KVTx) error {
		pending := make([]domain.IssuanceRequest, 0)
		if err := tx.Iterate(domain.NsIssuance.Prefix(), func(_, v []byte) error {
			var req domain.IssuanceRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			if _, ok := p.entries[req.Outpoint]; !ok {
				pending = append(pending, req)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, req := range pending {
			finalized, err := exists(tx, domain.NsFinalizedSig.Key(req.Outpoint.Bytes()))
			if err != nil {
				return err
			}
			if !finalized {
				reqs = append(reqs, req)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if len(reqs) > 0 {
		log.Infof("restored %d pending issuances", len(reqs))
	}
	p.handleRequests(ctx, reqs)
	return nil
}

func (p *issuancePipeline) handleRequests(ctx context.Context, reqs []domain.IssuanceRequest) {
	for _, req := range reqs {
		if err := p.startIssuance(ctx, req); err != nil {
			log.WithError(err).WithField("outpoint", req.Outpoint).Error(
				"failed to start issuance",
			)
		}
	}
}

func (p *issuancePipeline) startIssuance(ctx context.Context, req domain.IssuanceRequest) error {
	if _, ok := p.entries[req.Outpoint]; ok {
		return nil
	}
	scheme, ok := p.fed.Issuance[req.Tier]
	if !ok {
		return fmt.Errorf("unknown tier %d", req.Tier)
	}
	msg, err := tbs.BlindedMessageFromBytes(req.BlindedMessage)
	if err != nil {
		return err
	}

	entry := &issuanceEntry{
		req: req,
		shares: threshold.NewCollection[
			tbs.BlindedMessage, tbs.BlindedSignatureShare, tbs.BlindedSignature,
		](scheme, msg),
		retry: newShareRetry(),
	}
	entry.nextRequest = time.Now().Add(entry.retry.NextBackOff())

	var stored map[uint16][]byte
	if err := p.kv.View(ctx, func(tx ports.KVTx) error {
		var err error
		stored, err = peerShares(tx, domain.NsReceivedShare.Key(req.Outpoint.Bytes()))
		return err
	}); err != nil {
		return err
	}
	for peer, buf := range stored {
		share, err := tbs.BlindedSignatureShareFromBytes(buf)
		if err != nil {
			return fmt.Errorf("invalid stored share of peer %d: %w", peer, err)
		}
		entry.shares.Restore(peer, share)
	}
	p.entries[req.Outpoint] = entry

	if p.canSign && !entry.shares.Has(uint16(p.self)) {
		if err := p.proposeShare(ctx, entry, msg); err != nil {
			return err
		}
	}

	for peer, stashed := range p.stash[req.Outpoint] {
		p.addShare(ctx, entry, peer, stashed.share)
		p.stashed[peer]--
	}
	delete(p.stash, req.Outpoint)

	return p.maybeFinalize(ctx, entry)
}

func (p *issuancePipeline) proposeShare(
	ctx context.Context, entry *issuanceEntry, msg tbs.BlindedMessage,
) error {
	sk, ok := p.secrets.Issuance[entry.req.Tier]
	if !ok {
		return fmt.Errorf("missing secret share for tier %d", entry.req.Tier)
	}
	share := tbs.SignBlindedMessage(msg, sk)
	buf := share.Bytes()
	outpoint := entry.req.Outpoint.Bytes()

	if err := p.kv.Update(ctx, func(tx ports.KVTx) error {
		if err := tx.Put(domain.NsProposedShare.Key(outpoint), buf); err != nil {
			return err
		}
		return tx.Put(domain.NsReceivedShare.Key(outpoint, domain.PeerKey(p.self)), buf)
	}); err != nil {
		return err
	}
	entry.shares.Restore(uint16(p.self), share)

	msgOut, err := ports.NewPeerMessage(ports.MsgIssuanceShare, ports.ShareMessage{
		Outpoint: entry.req.Outpoint,
		Share:    buf,
	})
	if err != nil {
		return err
	}
	if err := p.transport.Broadcast(ctx, msgOut); err != nil {
		// peers ask again for the missing share
		log.WithError(err).WithField("outpoint", entry.req.Outpoint).Warn(
			"failed to broadcast issuance share",
		)
	}
	return nil
}

func (p *issuancePipeline) handleMessage(ctx context.Context, msg ports.PeerMessage) {
	switch msg.Kind {
	case ports.MsgIssuanceShare:
		var share ports.ShareMessage
		if err := json.Unmarshal(msg.Payload, &share); err != nil {
			log.WithError(err).WithField("from", msg.From).Debug("invalid share message")
			return
		}
		p.handleShare(ctx, msg.From, share)
	case ports.MsgShareRequest:
		var req ports.ShareRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			log.WithError(err).WithField("from", msg.From).Debug("invalid share request")
			return
		}
		p.handleShareRequest(ctx, msg.From, req)
	}
}

func (p *issuancePipeline) handleShare(ctx context.Context, from domain.PeerID, msg ports.ShareMessage) {
	if entry, ok := p.entries[msg.Outpoint]; ok {
		p.addShare(ctx, entry, from, msg.Share)
		if err := p.maybeFinalize(ctx, entry); err != nil {
			log.WithError(err).WithField("outpoint", msg.Outpoint).Error(
				"failed to finalize signature",
			)
		}
		return
	}

	var req *domain.IssuanceRequest
	var finalized bool
	if err := p.kv.View(ctx, func(tx ports.KVTx) error {
		var err error
		if req, err = loadIssuance(tx, msg.Outpoint); err != nil || req == nil {
			return err
		}
		finalized, err = exists(tx, domain.NsFinalizedSig.Key(msg.Outpoint.Bytes()))
		return err
	}); err != nil {
		log.WithError(err).Warn("failed to load issuance")
		return
	}

	if req == nil || !finalized {
		// not accepted yet, or accepted but not handed over yet
		if _, err := tbs.BlindedSignatureShareFromBytes(msg.Share); err != nil {
			p.onInvalid(ctx, domain.InvalidShareReceived{
				Peer: from, Kind: domain.ShareIssuance, Key: msg.Outpoint.String(),
			})
			return
		}
		p.stashShare(from, msg, time.Now())
		return
	}

	// late share: still checked so that faulty peers are noticed
	if !p.verifyShare(*req, from, msg.Share) {
		p.onInvalid(ctx, domain.InvalidShareReceived{
			Peer: from, Kind: domain.ShareIssuance, Key: msg.Outpoint.String(),
		})
		return
	}
	log.WithFields(log.Fields{
		"outpoint": msg.Outpoint,
		"peer":     from,
	}).Debug("ignored late issuance share")
}

func (p *issuancePipeline) stashShare(from domain.PeerID, msg ports.ShareMessage, now time.Time) {
	if p.stashed[from] >= maxStashedSharesPerPeer {
		log.WithField("peer", from).Debug("too many stashed shares, share dropped")
		return
	}
	shares, ok := p.stash[msg.Outpoint]
	if !ok {
		shares = make(map[domain.PeerID]stashedShare)
		p.stash[msg.Outpoint] = shares
	}
	if _, ok := shares[from]; ok {
		return
	}
	shares[from] = stashedShare{msg.Share, now}
	p.stashed[from]++
}

// pruneStash drops the shares of outpoints that were not accepted within the ttl.
func (p *issuancePipeline) pruneStash(now time.Time) {
	for outpoint, shares := range p.stash {
		for peer, stashed := range shares {
			if now.Sub(stashed.receivedAt) < stashedShareTTL {
				continue
			}
			delete(shares, peer)
			p.stashed[peer]--
		}
		if len(shares) == 0 {
			delete(p.stash, outpoint)
		}
	}
}

func (p *issuancePipeline) verifyShare(req domain.IssuanceRequest, peer domain.PeerID, buf []byte) bool {
	scheme, ok := p.fed.Issuance[req.Tier]
	if !ok {
		return false
	}
	msg, err := tbs.BlindedMessageFromBytes(req.BlindedMessage)
	if err != nil {
		return false
	}
	share, err := tbs.BlindedSignatureShareFromBytes(buf)
	if err != nil {
		return false
	}
	return scheme.VerifyShare(uint16(peer), msg, share)
}

func (p *issuancePipeline) addShare(
	ctx context.Context, entry *issuanceEntry, peer domain.PeerID, buf []byte,
) {
	if entry.shares.Has(uint16(peer)) {
		return
	}
	invalid := domain.InvalidShareReceived{
		Peer: peer, Kind: domain.ShareIssuance, Key: entry.req.Outpoint.String(),
	}
	share, err := tbs.BlindedSignatureShareFromBytes(buf)
	if err != nil {
		p.onInvalid(ctx, invalid)
		return
	}
	if err := entry.shares.Add(uint16(peer), share); err != nil {
		p.onInvalid(ctx, invalid)
		return
	}

	key := domain.NsReceivedShare.Key(entry.req.Outpoint.Bytes(), domain.PeerKey(peer))
	if err := p.kv.Update(ctx, func(tx ports.KVTx) error {
		return tx.Put(key, buf)
	}); err != nil {
		log.WithError(err).Warn("failed to store issuance share")
	}
}

func (p *issuancePipeline) maybeFinalize(ctx context.Context, entry *issuanceEntry) error {
	if !entry.shares.Ready() {
		return nil
	}
	sig, err := entry.shares.Combine()
	if err != nil {
		return err
	}
	buf := sig.Bytes()
	outpoint := entry.req.Outpoint.Bytes()

	if err := p.kv.Update(ctx, func(tx ports.KVTx) error {
		if err := tx.Put(domain.NsFinalizedSig.Key(outpoint), buf); err != nil {
			return err
		}
		return deletePrefix(tx, domain.NsReceivedShare.Key(outpoint))
	}); err != nil {
		return err
	}
	delete(p.entries, entry.req.Outpoint)

	log.WithFields(log.Fields{
		"outpoint": entry.req.Outpoint,
		"tier":     entry.req.Tier,
	}).Debug("issuance signature finalized")

	p.publish(ctx, []domain.Event{domain.SignatureFinalized{
		Outpoint:  entry.req.Outpoint,
		Signature: buf,
	}})
	return nil
}

// handleShareRequest answers with the local shares a lagging peer is missing.
func (p *issuancePipeline) handleShareRequest(
	ctx context.Context, from domain.PeerID, req ports.ShareRequest,
) {
	if !p.canSign {
		return
	}
	for _, outpoint := range req.Outpoints {
		var buf []byte
		if err := p.kv.View(ctx, func(tx ports.KVTx) error {
			var err error
			buf, err = tx.Get(domain.NsProposedShare.Key(outpoint.Bytes()))
			return err
		}); err != nil {
			log.WithError(err).Warn("failed to load proposed share")
			return
		}
		if buf == nil {
			continue
		}
		msg, err := ports.NewPeerMessage(ports.MsgIssuanceShare, ports.ShareMessage{
			Outpoint: outpoint,
			Share:    buf,
		})
		if err != nil {
			continue
		}
		if err := p.transport.Send(ctx, from, msg); err != nil {
			log.WithError(err).WithField("peer", from).Debug("failed to answer share request")
			return
		}
	}
}

// requestMissing asks the silent peers for the shares of the outpoints whose retry
// is due.
func (p *issuancePipeline) requestMissing(ctx context.Context, now time.Time) {
	missing := make(map[domain.PeerID][]domain.MintOutpoint)
	for outpoint, entry := range p.entries {
		if entry.nextRequest.IsZero() || now.Before(entry.nextRequest) {
			continue
		}
		next := entry.retry.NextBackOff()
		if next == backoff.Stop {
			entry.nextRequest = time.Time{}
			log.WithField("outpoint", outpoint).Warn("gave up requesting issuance shares")
		} else {
			entry.nextRequest = now.Add(next)
		}
		for _, peer := range p.fed.MintPeers() {
			if peer == p.self || entry.shares.Has(uint16(peer)) {
				continue
			}
			missing[peer] = append(missing[peer], outpoint)
		}
	}

	for peer, outpoints := range missing {
		msg, err := ports.NewPeerMessage(ports.MsgShareRequest, ports.ShareRequest{
			Outpoints: outpoints,
		})
		if err != nil {
			continue
		}
		if err := p.transport.Send(ctx, peer, msg); err != nil {
			log.WithError(err).WithField("peer", peer).Debug("failed to request shares")
		}
	}
}

func newShareRetry() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = shareRetryTimeout
	bo.Reset()
	return bo
}
