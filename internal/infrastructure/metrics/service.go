package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const namespace = "fedmint"

var topics = []string{
	domain.TopicEpochCommitted,
	domain.TopicSignatureFinalized,
	domain.TopicInvalidShare,
	domain.TopicPegOutTxStateChanged,
	domain.TopicPreimageDecrypted,
	domain.TopicSafetyViolation,
}

// Service keeps the prometheus collectors of the peer up to date with the events of
// the bus.
type Service struct {
	registry *prometheus.Registry
	bus      ports.EventBus

	epochHeight         prometheus.Gauge
	epochTxs            prometheus.Counter
	epochRejectedTxs    prometheus.Counter
	consensusRounds     prometheus.Counter
	invalidShares       *prometheus.CounterVec
	finalizedSignatures prometheus.Counter
	pegOutTxs           *prometheus.CounterVec
	decryptedPreimages  *prometheus.CounterVec
	safetyViolations    prometheus.Counter

	wg sync.WaitGroup
}

func NewService(bus ports.EventBus, health ports.PeerHealthRepository) *Service {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newPeerHealthCollector(health),
	)
	factory := promauto.With(registry)

	return &Service{
		registry: registry,
		bus:      bus,
		epochHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch_height",
			Help:      "Last committed epoch.",
		}),
		epochTxs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epoch_txs_total",
			Help:      "Transactions accepted by committed epochs.",
		}),
		epochRejectedTxs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epoch_rejected_txs_total",
			Help:      "Transactions of committed epochs dropped as invalid or conflicting.",
		}),
		consensusRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_rounds_total",
			Help:      "Consensus rounds needed to commit the epochs.",
		}),
		invalidShares: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_shares_total",
			Help:      "Invalid shares received, by peer and protocol.",
		}, []string{"peer", "kind"}),
		finalizedSignatures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalized_signatures_total",
			Help:      "Blind signatures combined from the shares of the peers.",
		}),
		pegOutTxs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pegout_txs_total",
			Help:      "State transitions of the peg-out transactions.",
		}, []string{"state"}),
		decryptedPreimages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypted_preimages_total",
			Help:      "Preimages of incoming contracts decrypted by the federation.",
		}, []string{"valid"}),
		safetyViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_violations_total",
			Help:      "Epochs whose local outcome differs from the one of the quorum.",
		}),
	}
}

// Start subscribes to the bus until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	for _, topic := range topics {
		events, err := s.bus.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for ev := range events {
				s.observe(ev)
			}
		}()
	}
	log.Debug("metrics subscribed to events")
	return nil
}

// Wait returns once every subscription is closed.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Service) observe(event domain.Event) {
	switch e := event.(type) {
	case domain.EpochCommitted:
		s.epochHeight.Set(float64(e.Epoch))
		s.epochTxs.Add(float64(len(e.Accepted)))
		s.epochRejectedTxs.Add(float64(e.Rejected))
		s.consensusRounds.Add(float64(e.Round) + 1)
	case domain.SignatureFinalized:
		s.finalizedSignatures.Inc()
	case domain.InvalidShareReceived:
		s.invalidShares.WithLabelValues(e.Peer.String(), string(e.Kind)).Inc()
	case domain.PegOutTxStateChanged:
		s.pegOutTxs.WithLabelValues(string(e.State)).Inc()
	case domain.PreimageDecrypted:
		s.decryptedPreimages.WithLabelValues(fmt.Sprintf("%t", e.Valid)).Inc()
	case domain.SafetyViolation:
		s.safetyViolations.Inc()
	}
}

// peerHealthCollector reads the health records on every scrape.
type peerHealthCollector struct {
	repo     ports.PeerHealthRepository
	degraded *prometheus.Desc
}

func newPeerHealthCollector(repo ports.PeerHealthRepository) prometheus.Collector {
	return &peerHealthCollector{
		repo: repo,
		degraded: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "degraded_peers"),
			"Peers flagged as degraded for sending too many invalid shares.",
			nil, nil,
		),
	}
}

func (c *peerHealthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.degraded
}

func (c *peerHealthCollector) Collect(ch chan<- prometheus.Metric) {
	list, err := c.repo.List(context.Background())
	if err != nil {
		log.WithError(err).Warn("failed to list peer health")
		ch <- prometheus.NewInvalidMetric(c.degraded, err)
		return
	}
	degraded := 0
	for _, health := range list {
		if health.Degraded {
			degraded++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.degraded, prometheus.GaugeValue, float64(degraded))
}
