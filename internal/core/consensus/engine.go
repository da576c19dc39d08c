// Package consensus orders the contributions of the mint peers into epochs with a
// Tendermint style agreement: a rotating leader proposes a batch of at least 2f+1
// signed contributions, peers prevote and precommit on its hash, and 2f+1 precommits
// commit it.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/tbs"
	"github.com/btcsuite/btcd/btcec/v2"
	log "github.com/sirupsen/logrus"
)

const (
	inboxSize = 1024
	// max number of messages kept for the epoch after the current one
	maxFutureMessages = 4096
	maxSyncBatch      = 32
)

// Application is the replicated state machine driven by the engine.
type Application interface {
	// Contribution returns the local txs, wallet observation and consensus items for
	// the epoch. The engine fills in the rest.
	Contribution(ctx context.Context, epoch uint64) (domain.Contribution, error)
	// ApplyEpoch applies a committed batch and returns its outcome hash.
	ApplyEpoch(
		ctx context.Context, cert domain.CommitCertificate, beacon domain.Hash32,
	) (domain.Hash32, error)
	// EpochHead returns the next epoch to agree on and the outcome of the last one.
	EpochHead(ctx context.Context) (uint64, domain.Hash32, error)
	Certificates(ctx context.Context, from uint64, limit int) ([]domain.CommitCertificate, error)
	HasPendingTxs(ctx context.Context) bool
}

type Config struct {
	Self          domain.PeerID
	Federation    *domain.Federation
	IdentityKey   *btcec.PrivateKey
	BeaconKey     tbs.SecretKeyShare
	RoundTimeout  time.Duration
	EpochInterval time.Duration
}

type step uint8

const (
	stepPropose step = iota
	stepPrevote
	stepPrecommit
)

type timeout struct {
	epoch uint64
	round uint32
	step  step
}

// Engine runs the agreement for the local peer. Gateways follow the protocol without
// contributing nor voting.
type Engine struct {
	cfg           Config
	quorum        domain.Quorum
	mints         []domain.PeerID
	canVote       bool
	app           Application
	transport     ports.Transport
	contributions ports.ContributionStore
	scheduler     ports.SchedulerService

	inbox    chan ports.PeerMessage
	timeouts chan timeout
	starts   chan uint64
	done     chan struct{}

	currentEpoch atomic.Uint64
	currentRound atomic.Uint32

	// loop state, owned by Run
	epoch         uint64
	started       bool
	lastOutcome   domain.Hash32
	round         uint32
	step          step
	lockedRound   int32
	lockedBatch   *domain.Batch
	validRound    int32
	validBatch    *domain.Batch
	rounds        map[uint32]*roundState
	validity      map[domain.Hash32]bool
	collected     <-chan struct{}
	starters      map[domain.PeerID]struct{}
	future        []ports.PeerMessage
	ahead         map[domain.PeerID]uint64
	lastSync      time.Time
}

func NewEngine(
	cfg Config, app Application, transport ports.Transport,
	contributions ports.ContributionStore, scheduler ports.SchedulerService,
) (*Engine, error) {
	if cfg.Federation == nil {
		return nil, fmt.Errorf("missing federation")
	}
	self, ok := cfg.Federation.Peer(cfg.Self)
	if !ok {
		return nil, fmt.Errorf("peer %s is not part of the federation", cfg.Self)
	}
	if cfg.IdentityKey == nil {
		return nil, fmt.Errorf("missing identity key")
	}
	if cfg.RoundTimeout <= 0 {
		return nil, fmt.Errorf("round timeout must be positive")
	}
	return &Engine{
		cfg:           cfg,
		quorum:        cfg.Federation.Quorum(),
		mints:         cfg.Federation.MintPeers(),
		canVote:       self.Role.Can(domain.CapPropose),
		app:           app,
		transport:     transport,
		contributions: contributions,
		scheduler:     scheduler,
		inbox:         make(chan ports.PeerMessage, inboxSize),
		timeouts:      make(chan timeout, 16),
		starts:        make(chan uint64, 4),
		done:          make(chan struct{}),
	}, nil
}

// Deliver hands a consensus message received from the transport to the engine.
func (e *Engine) Deliver(ctx context.Context, msg ports.PeerMessage) error {
	select {
	case e.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return fmt.Errorf("consensus engine stopped")
	}
}

// Status returns the epoch being agreed and its current round.
func (e *Engine) Status() (uint64, uint32) {
	return e.currentEpoch.Load(), e.currentRound.Load()
}

// Run drives the agreement until ctx is done or a fatal error occurs, like a failure
// to apply a committed epoch or a safety violation.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	next, outcome, err := e.app.EpochHead(ctx)
	if err != nil {
		return fmt.Errorf("failed to load epoch head: %w", err)
	}
	e.lastOutcome = outcome
	e.resetEpoch(next)
	if err := e.startEpoch(ctx); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"peer":  e.cfg.Self,
		"epoch": next,
		"voter": e.canVote,
	}).Info("consensus engine started")

	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case msg := <-e.inbox:
			err = e.handleMessage(ctx, msg)
		case t := <-e.timeouts:
			err = e.handleTimeout(ctx, t)
		case epoch := <-e.starts:
			if epoch == e.epoch && !e.started {
				err = e.startEpoch(ctx)
			}
		case <-e.collected:
			e.collected = nil
			err = e.proposeIfLeader(ctx)
		}
		if err != nil {
			return err
		}
	}
}

func (e *Engine) resetEpoch(epoch uint64) {
	e.epoch = epoch
	e.started = false
	e.round = 0
	e.step = stepPropose
	e.lockedRound, e.lockedBatch = -1, nil
	e.validRound, e.validBatch = -1, nil
	e.rounds = make(map[uint32]*roundState)
	e.validity = make(map[domain.Hash32]bool)
	e.collected = nil
	e.starters = make(map[domain.PeerID]struct{})
	e.ahead = make(map[domain.PeerID]uint64)
	e.currentEpoch.Store(epoch)
	e.currentRound.Store(0)
}

// startEpoch broadcasts the local contribution and enters round 0.
func (e *Engine) startEpoch(ctx context.Context) error {
	e.started = true
	if !e.canVote {
		// followers only poll for certificates
		e.scheduleTimeout(0, stepPropose)
		return nil
	}

	c, err := e.app.Contribution(ctx, e.epoch)
	if err != nil {
		return fmt.Errorf("failed to build contribution for epoch %d: %w", e.epoch, err)
	}
	c.Epoch = e.epoch
	c.Peer = e.cfg.Self
	c.PrevOutcome = e.lastOutcome
	c.BeaconShare = tbs.SignBlindedMessage(tbs.BeaconMessage(e.epoch), e.cfg.BeaconKey).Bytes()
	hash, err := c.SigHash()
	if err != nil {
		return err
	}
	if c.Signature, err = domain.SignHash(e.cfg.IdentityKey, hash); err != nil {
		return err
	}
	if err := e.contributions.Add(ctx, c); err != nil {
		return fmt.Errorf("failed to store contribution: %w", err)
	}
	e.broadcast(ctx, ports.MsgContribution, c)
	e.collected = e.contributions.Collected(e.epoch)

	log.WithFields(log.Fields{
		"epoch": e.epoch,
		"txs":   len(c.Txs),
	}).Debug("contributed to epoch")

	return e.startRound(ctx, 0)
}

// scheduleNextEpoch paces the start of the next epoch unless transactions wait.
func (e *Engine) scheduleNextEpoch(ctx context.Context) error {
	epoch := e.epoch
	if e.cfg.EpochInterval <= 0 || e.app.HasPendingTxs(ctx) {
		return e.startEpoch(ctx)
	}
	return e.scheduler.ScheduleTaskOnce(time.Now().Add(e.cfg.EpochInterval), func() {
		select {
		case e.starts <- epoch:
		case <-e.done:
		}
	})
}

func (e *Engine) leader(epoch uint64, round uint32) domain.PeerID {
	return e.mints[(epoch+uint64(round))%uint64(len(e.mints))]
}

func (e *Engine) isMint(peer domain.PeerID) bool {
	p, ok := e.cfg.Federation.Peer(peer)
	return ok && p.Role.Can(domain.CapPropose)
}

func (e *Engine) timeoutFor(round uint32) time.Duration {
	return e.cfg.RoundTimeout * time.Duration(round+1)
}

func (e *Engine) scheduleTimeout(round uint32, s step) {
	t := timeout{epoch: e.epoch, round: round, step: s}
	time.AfterFunc(e.timeoutFor(round), func() {
		select {
		case e.timeouts <- t:
		case <-e.done:
		}
	})
}

func (e *Engine) broadcast(ctx context.Context, kind ports.MessageKind, payload any) {
	msg, err := ports.NewPeerMessage(kind, payload)
	if err != nil {
		log.WithError(err).Warnf("failed to encode %s", kind)
		return
	}
	if err := e.transport.Broadcast(ctx, msg); err != nil {
		log.WithError(err).Warnf("failed to broadcast %s", kind)
	}
}

func (e *Engine) handleMessage(ctx context.Context, msg ports.PeerMessage) error {
	switch msg.Kind {
	case ports.MsgContribution:
		var c domain.Contribution
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return dropped(msg, err)
		}
		return e.handleContribution(ctx, msg.From, c)
	case ports.MsgProposal:
		var p domain.Proposal
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return dropped(msg, err)
		}
		if p.Epoch == e.epoch+1 {
			return e.deferMessage(ctx, msg, p.Epoch)
		}
		return e.handleProposal(ctx, msg.From, p)
	case ports.MsgVote:
		var v domain.Vote
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			return dropped(msg, err)
		}
		if v.Epoch == e.epoch+1 {
			return e.deferMessage(ctx, msg, v.Epoch)
		}
		return e.handleVote(ctx, msg.From, v)
	case ports.MsgSyncRequest:
		var req ports.SyncRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return dropped(msg, err)
		}
		return e.handleSyncRequest(ctx, msg.From, req)
	case ports.MsgSyncResponse:
		var res ports.SyncResponse
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			return dropped(msg, err)
		}
		return e.handleSyncResponse(ctx, msg.From, res)
	default:
		return dropped(msg, fmt.Errorf("unexpected kind"))
	}
}

func (e *Engine) deferMessage(ctx context.Context, msg ports.PeerMessage, epoch uint64) error {
	if len(e.future) < maxFutureMessages {
		e.future = append(e.future, msg)
	}
	return e.noteAhead(ctx, msg.From, epoch)
}

func (e *Engine) replayFuture(ctx context.Context) error {
	future := e.future
	e.future = nil
	for _, msg := range future {
		if err := e.handleMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func dropped(msg ports.PeerMessage, err error) error {
	log.WithError(err).WithFields(log.Fields{
		"peer": msg.From,
		"kind": msg.Kind,
	}).Debug("dropped consensus message")
	return nil
}
