package application

import (
	"context"
	"fmt"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// epochResult collects what an epoch changed. It is rebuilt from scratch whenever the
// kv transaction is retried.
type epochResult struct {
	epoch         uint64
	outcome       domain.Hash32
	accepted      []domain.TxID
	rejected      int
	issuances     []domain.IssuanceRequest
	invalidShares []domain.InvalidShareReceived
	rejectedTxs   []*domain.PegOutTx
	events        []domain.Event
}

func (r *epochResult) invalidShare(peer domain.PeerID, kind domain.ShareKind, key string) {
	ev := domain.InvalidShareReceived{Peer: peer, Kind: kind, Key: key}
	r.invalidShares = append(r.invalidShares, ev)
	r.events = append(r.events, ev)
}

func (s *service) EpochHead(ctx context.Context) (uint64, domain.Hash32, error) {
	var head epochHead
	err := s.kv.View(ctx, func(tx ports.KVTx) error {
		var err error
		head, err = loadHead(tx)
		return err
	})
	return head.Next, head.Outcome, err
}

func (s *service) Certificates(
	ctx context.Context, from uint64, limit int,
) ([]domain.CommitCertificate, error) {
	certs := make([]domain.CommitCertificate, 0, limit)
	err := s.kv.View(ctx, func(tx ports.KVTx) error {
		for epoch := from; len(certs) < limit; epoch++ {
			var record domain.EpochRecord
			ok, err := getJSON(tx, domain.NsEpoch.Key(domain.Uint64Key(epoch)), &record)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			certs = append(certs, record.Certificate)
		}
		return nil
	})
	return certs, err
}

func (s *service) HasPendingTxs(ctx context.Context) bool {
	found := false
	if err := s.kv.View(ctx, func(tx ports.KVTx) error {
		return tx.Iterate(domain.NsPendingTx.Prefix(), func(_, _ []byte) error {
			found = true
			return ports.ErrStopIteration
		})
	}); err != nil {
		log.WithError(err).Warn("failed to look up pending txs")
		return false
	}
	return found
}

// Contribution gathers the pending txs and the consensus items of the local peer.
func (s *service) Contribution(ctx context.Context, epoch uint64) (domain.Contribution, error) {
	c := domain.Contribution{
		Epoch: epoch,
		Peer:  s.cfg.Self,
		Txs:   make([]domain.Transaction, 0),
	}
	if obs := s.observation.Load(); obs != nil {
		c.Wallet = *obs
	}

	var toBroadcast []*domain.PegOutTx
	err := s.kv.View(ctx, func(tx ports.KVTx) error {
		if err := tx.Iterate(domain.NsPendingTx.Prefix(), func(_, v []byte) error {
			pending, err := domain.DeserializeTransaction(v)
			if err != nil {
				return err
			}
			c.Txs = append(c.Txs, *pending)
			if len(c.Txs) >= s.cfg.MaxTxsPerContribution {
				return ports.ErrStopIteration
			}
			return nil
		}); err != nil {
			return fmt.Errorf("failed to load pending txs: %w", err)
		}

		if !s.self.Role.Can(domain.CapSignShare) {
			return nil
		}
		walletShares, err := s.walletShares(tx)
		if err != nil {
			return err
		}
		decryptionShares, err := s.decryptionShares(tx)
		if err != nil {
			return err
		}
		c.Items.WalletShares = walletShares
		c.Items.DecryptionShares = decryptionShares

		toBroadcast, err = s.unreportedPegOutTxs(tx)
		return err
	})
	if err != nil {
		return domain.Contribution{}, err
	}

	c.Items.BroadcastReports = s.broadcastReports(ctx, toBroadcast)
	return c, nil
}

// ApplyEpoch is the only path that mutates the replicated state.
func (s *service) ApplyEpoch(
	ctx context.Context, cert domain.CommitCertificate, beacon domain.Hash32,
) (domain.Hash32, error) {
	epoch := cert.Batch.Epoch
	ctx, span := s.tracer.Start(
		ctx, "application.ApplyEpoch",
		trace.WithAttributes(attribute.Int64("epoch", int64(epoch))),
	)
	defer span.End()

	var head epochHead
	var stored *domain.EpochRecord
	if err := s.kv.View(ctx, func(tx ports.KVTx) error {
		var err error
		if head, err = loadHead(tx); err != nil {
			return err
		}
		if epoch >= head.Next {
			return nil
		}
		stored = &domain.EpochRecord{}
		_, err = getJSON(tx, domain.NsEpoch.Key(domain.Uint64Key(epoch)), stored)
		return err
	}); err != nil {
		return domain.Hash32{}, err
	}
	if stored != nil {
		return stored.OutcomeHash, nil
	}
	if epoch > head.Next {
		return domain.Hash32{}, fmt.Errorf("epoch %d applied before epoch %d", epoch, head.Next)
	}

	var round *walletRound
	if s.isWalletRound(epoch) {
		var err error
		if round, err = s.prepareWalletRound(ctx, cert.Batch, beacon); err != nil {
			return domain.Hash32{}, fmt.Errorf("failed to prepare wallet round: %w", err)
		}
	}

	var result *epochResult
	if err := s.kv.Update(ctx, func(tx ports.KVTx) error {
		result = &epochResult{epoch: epoch}
		return s.applyEpoch(ctx, tx, result, cert, beacon, head, round)
	}); err != nil {
		span.RecordError(err)
		return domain.Hash32{}, err
	}

	s.afterEpoch(ctx, cert, beacon, result)
	return result.outcome, nil
}

func (s *service) isWalletRound(epoch uint64) bool {
	return epoch%s.cfg.WalletRoundEpochs == 0
}

func (s *service) applyEpoch(
	ctx context.Context, tx ports.KVTx, result *epochResult, cert domain.CommitCertificate,
	beacon domain.Hash32, head epochHead, round *walletRound,
) error {
	epoch := cert.Batch.Epoch
	v, err := s.newValidator(tx)
	if err != nil {
		return err
	}

	for _, t := range cert.Batch.Transactions(beacon) {
		txid := t.ID()
		if err := tx.Delete(domain.NsPendingTx.Key(txid[:])); err != nil {
			return err
		}
		accepted, err := exists(tx, domain.NsAcceptedTx.Key(txid[:]))
		if err != nil {
			return err
		}
		if accepted {
			continue
		}
		if verr := v.validate(t); verr != nil {
			result.rejected++
			log.WithError(verr).WithField("txid", txid).Debug("dropped tx from epoch")
			continue
		}
		if verr := v.claim(t); verr != nil {
			result.rejected++
			log.WithError(verr).WithField("txid", txid).Debug("dropped tx from epoch")
			continue
		}
		if err := s.applyTx(tx, result, v.height, t); err != nil {
			return fmt.Errorf("failed to apply tx %s: %w", txid, err)
		}
		result.accepted = append(result.accepted, txid)
	}

	if err := pruneOffers(tx, epoch); err != nil {
		return err
	}

	contributions := cert.Batch.Contributions
	for _, c := range contributions {
		for _, item := range c.Items.WalletShares {
			if err := s.applyWalletShare(ctx, tx, result, c.Peer, item); err != nil {
				return err
			}
		}
	}
	for _, c := range contributions {
		for _, item := range c.Items.BroadcastReports {
			if err := s.applyBroadcastReport(ctx, tx, result, c.Peer, item); err != nil {
				return err
			}
		}
	}
	for _, c := range contributions {
		for _, item := range c.Items.DecryptionShares {
			if err := s.applyDecryptionShare(tx, result, c.Peer, item); err != nil {
				return err
			}
		}
	}

	var walletRecord []byte
	if round != nil {
		if walletRecord, err = s.applyWalletRound(ctx, tx, result, epoch, round); err != nil {
			return fmt.Errorf("failed to apply wallet round: %w", err)
		}
	}

	result.outcome = domain.OutcomeHash(head.Outcome, epoch, beacon, result.accepted, walletRecord)
	record := domain.EpochRecord{
		Epoch:       epoch,
		Beacon:      beacon,
		Accepted:    result.accepted,
		OutcomeHash: result.outcome,
		Certificate: cert,
	}
	if err := putJSON(tx, domain.NsEpoch.Key(domain.Uint64Key(epoch)), record); err != nil {
		return err
	}
	return putJSON(tx, domain.NsEpochHead.Key(), epochHead{Next: epoch + 1, Outcome: result.outcome})
}

func (s *service) applyTx(
	tx ports.KVTx, result *epochResult, height uint32, t domain.Transaction,
) error {
	txid := t.ID()
	if err := putJSON(
		tx, domain.NsAcceptedTx.Key(txid[:]), domain.AcceptedTx{Epoch: result.epoch, Tx: t},
	); err != nil {
		return err
	}

	for _, in := range t.Inputs {
		switch i := in.(type) {
		case domain.CoinInput:
			if err := tx.Put(
				domain.NsUsedCoin.Key(i.Nonce[:]), domain.Uint64Key(result.epoch),
			); err != nil {
				return err
			}
		case domain.PegInInput:
			outpoint := i.Proof.Outpoint()
			utxo := domain.UTXO{
				Outpoint: outpoint,
				Amount:   i.Value(),
				Tweak:    i.Proof.TweakKey,
			}
			if err := putJSON(tx, domain.NsUTXO.Key(domain.OutPointKey(outpoint)), utxo); err != nil {
				return err
			}
		case domain.ContractInput:
			account, err := loadAccount(tx, i.ContractID)
			if err != nil {
				return err
			}
			account.Amount -= i.Amount
			if err := putAccount(tx, account); err != nil {
				return err
			}
		}
	}

	for idx, out := range t.Outputs {
		outpoint := domain.MintOutpoint{TxID: txid, OutIdx: uint32(idx)}
		switch o := out.(type) {
		case domain.CoinOutput:
			req := domain.IssuanceRequest{
				Outpoint:       outpoint,
				Tier:           o.Tier,
				BlindedMessage: o.BlindedMessage,
				Epoch:          result.epoch,
			}
			if err := putJSON(tx, domain.NsIssuance.Key(outpoint.Bytes()), req); err != nil {
				return err
			}
			result.issuances = append(result.issuances, req)
		case domain.PegOutOutput:
			queued := domain.QueuedPegOut{
				ID:      outpoint,
				Address: o.Address,
				Amount:  o.Amount,
				Since:   height,
			}
			if err := putJSON(tx, domain.NsQueuedPegOut.Key(outpoint.Bytes()), queued); err != nil {
				return err
			}
		case domain.ContractOutput:
			if err := fundContract(tx, o); err != nil {
				return err
			}
		case domain.OfferOutput:
			if err := tx.Put(domain.NsOffer.Key(o.Offer.Hash[:]), o.Offer.Serialize()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *service) afterEpoch(
	ctx context.Context, cert domain.CommitCertificate, beacon domain.Hash32,
	result *epochResult,
) {
	committed := domain.EpochCommitted{
		Epoch:    result.epoch,
		Round:    cert.Round,
		Beacon:   beacon,
		Accepted: result.accepted,
		Rejected: result.rejected,
	}
	events := append([]domain.Event{committed}, result.events...)
	s.publishEvents(ctx, events)
	s.forgetReports(result.events)

	for _, ev := range result.invalidShares {
		s.recordInvalidShare(ctx, ev)
	}
	for _, ptx := range result.rejectedTxs {
		s.sendPegOutRejectedAlert(result.epoch, ptx)
	}

	if len(result.issuances) > 0 {
		s.issuance.enqueueRequests(result.issuances)
	}

	log.WithFields(log.Fields{
		"epoch":    result.epoch,
		"accepted": len(result.accepted),
		"rejected": result.rejected,
	}).Debug("epoch applied")
}

func (s *service) publishEvents(ctx context.Context, events []domain.Event) {
	if s.eventBus == nil {
		return
	}
	for _, ev := range events {
		if err := s.eventBus.Publish(ctx, ev); err != nil {
			log.WithError(err).WithField("topic", ev.Topic()).Warn("failed to publish event")
		}
	}
}

func (s *service) recordInvalidShare(ctx context.Context, ev domain.InvalidShareReceived) {
	log.WithFields(log.Fields{
		"peer": ev.Peer,
		"kind": ev.Kind,
		"key":  ev.Key,
	}).Warn("discarded invalid share")

	health, err := s.repoManager.PeerHealth().RecordInvalidShare(ctx, ev.Peer, ev.Kind)
	if err != nil {
		log.WithError(err).Warn("failed to record peer health")
		return
	}
	if health.Degraded {
		s.sendPeerDegradedAlert(health)
	}
}
