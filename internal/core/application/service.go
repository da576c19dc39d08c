package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkade-os/fedmint/internal/core/consensus"
	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "fedmint/application"

type service struct {
	cfg     Config
	fed     *domain.Federation
	self    domain.Peer
	secrets *domain.PeerSecrets

	repoManager ports.RepoManager
	kv          ports.KVStore
	chain       ports.ChainOracle
	transport   ports.Transport
	scheduler   ports.SchedulerService
	eventBus    ports.EventBus
	alerts      ports.Alerts

	engine   *consensus.Engine
	issuance *issuancePipeline
	tracer   trace.Tracer

	// last chain observation, carried by the next contribution
	observation atomic.Pointer[domain.WalletObservation]

	lock     sync.Mutex
	degraded map[domain.PeerID]struct{}
	// broadcast outcome of the pending peg-out txs
	reports map[chainhash.Hash]bool

	stop     func()
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

func NewService(
	cfg Config, repoManager ports.RepoManager, chain ports.ChainOracle,
	transport ports.Transport, liveStore ports.LiveStore, scheduler ports.SchedulerService,
	eventBus ports.EventBus, alerts ports.Alerts,
) (Service, error) {
	return newService(
		cfg, repoManager, chain, transport, liveStore, scheduler, eventBus, alerts,
	)
}

func newService(
	cfg Config, repoManager ports.RepoManager, chain ports.ChainOracle,
	transport ports.Transport, liveStore ports.LiveStore, scheduler ports.SchedulerService,
	eventBus ports.EventBus, alerts ports.Alerts,
) (*service, error) {
	if cfg.Federation == nil {
		return nil, fmt.Errorf("missing federation")
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("missing peer secrets")
	}
	self, ok := cfg.Federation.Peer(cfg.Self)
	if !ok {
		return nil, fmt.Errorf("peer %s is not part of the federation", cfg.Self)
	}
	cfg = cfg.withDefaults()

	svc := &service{
		cfg:         cfg,
		fed:         cfg.Federation,
		self:        self,
		secrets:     cfg.Secrets,
		repoManager: repoManager,
		kv:          repoManager.KV(),
		chain:       chain,
		transport:   transport,
		scheduler:   scheduler,
		eventBus:    eventBus,
		alerts:      alerts,
		tracer:      otel.Tracer(tracerName),
		degraded:    make(map[domain.PeerID]struct{}),
		reports:     make(map[chainhash.Hash]bool),
		done:        make(chan struct{}),
	}

	engine, err := consensus.NewEngine(consensus.Config{
		Self:          cfg.Self,
		Federation:    cfg.Federation,
		IdentityKey:   cfg.Secrets.IdentityKey,
		BeaconKey:     cfg.Secrets.Beacon,
		RoundTimeout:  cfg.RoundTimeout,
		EpochInterval: cfg.EpochInterval,
	}, svc, transport, liveStore.Contributions(), scheduler)
	if err != nil {
		return nil, fmt.Errorf("failed to create consensus engine: %w", err)
	}
	svc.engine = engine

	svc.issuance = newIssuancePipeline(self, cfg.Federation, cfg.Secrets, svc.kv, transport)
	svc.issuance.publish = svc.publishEvents
	svc.issuance.onInvalid = func(ctx context.Context, ev domain.InvalidShareReceived) {
		svc.publishEvents(ctx, []domain.Event{ev})
		svc.recordInvalidShare(ctx, ev)
	}

	return svc, nil
}

func (s *service) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel

	log.Debug("fetching first chain observation...")
	s.observeChain(ctx)

	s.scheduler.Start()
	if err := s.scheduler.ScheduleEvery(s.cfg.ChainPollInterval, func() {
		s.observeChain(ctx)
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule chain polling: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.engine.Run(gctx) })
	g.Go(func() error { return s.dispatch(gctx) })
	g.Go(func() error { return s.issuance.run(gctx) })

	go func() {
		err := g.Wait()
		s.halt(err)
	}()

	log.WithFields(log.Fields{
		"peer": s.self.ID,
		"role": s.self.Role,
	}).Info("peer started")
	return nil
}

func (s *service) Stop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
			<-s.done
		}
		s.scheduler.Stop()
		log.Debug("stopped scheduler")
		s.transport.Close()
		log.Debug("closed peer links")
		if s.eventBus != nil {
			// nolint
			s.eventBus.Close()
		}
		s.repoManager.Close()
		log.Debug("closed connection to db")
	})
}

func (s *service) Done() <-chan struct{} {
	return s.done
}

func (s *service) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// halt records why the node stopped. A safety violation is escalated to the operator.
func (s *service) halt(err error) {
	if err != nil {
		s.lock.Lock()
		s.err = err
		s.lock.Unlock()

		log.WithError(err).Error("peer halted")
		s.sendSafetyViolationAlert(err)
	}
	close(s.done)
}

// dispatch routes the peer messages to the consensus engine or the issuance pipeline.
func (s *service) dispatch(ctx context.Context) error {
	msgs := s.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			switch msg.Kind {
			case ports.MsgIssuanceShare, ports.MsgShareRequest:
				s.issuance.deliver(msg)
			default:
				if err := s.engine.Deliver(ctx, msg); err != nil {
					// the engine reports its own failure
					return nil
				}
			}
		}
	}
}

// observeChain refreshes the wallet observation carried by the contributions.
func (s *service) observeChain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	height, err := s.chain.GetBlockHeight(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to fetch block height")
		return
	}
	feeRate, err := s.chain.EstimateFeeRate(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to estimate fee rate")
		return
	}

	var confirmed uint32
	if height > s.fed.FinalityDelay {
		confirmed = height - s.fed.FinalityDelay
	}
	s.observation.Store(&domain.WalletObservation{
		Height:  confirmed,
		FeeRate: uint64(feeRate),
	})
	log.WithFields(log.Fields{
		"height":  confirmed,
		"feeRate": feeRate,
	}).Debug("updated chain observation")
}

// forgetReports drops the cached broadcast outcome of the txs no longer pending.
func (s *service) forgetReports(events []domain.Event) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, ev := range events {
		changed, ok := ev.(domain.PegOutTxStateChanged)
		if !ok || changed.State == domain.PegOutTxPending {
			continue
		}
		delete(s.reports, changed.Txid)
	}
}
