package application

import (
	"context"
	"encoding/hex"
	"sort"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/errors"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SubmitTransaction checks the tx against the committed state and stores it until it
// is included in an epoch. Conflicts between pending txs are settled by the epoch
// order.
func (s *service) SubmitTransaction(
	ctx context.Context, tx domain.Transaction,
) (domain.TxID, errors.Error) {
	txid := tx.ID()
	ctx, span := s.tracer.Start(
		ctx, "application.SubmitTransaction",
		trace.WithAttributes(attribute.String("txid", txid.String())),
	)
	defer span.End()

	if !s.self.Role.Can(domain.CapPropose) {
		return domain.TxID{}, errors.NOT_A_MINT_PEER.New(
			"peer %s does not accept transactions", s.self.ID,
		)
	}

	buf, err := tx.Serialize()
	if err != nil {
		return domain.TxID{}, errors.INVALID_TX_FORMAT.Wrap(err).
			WithMetadata(errors.TxMetadata{Txid: txid.String()})
	}

	var verr errors.Error
	var pending bool
	if err := s.kv.View(ctx, func(kvtx ports.KVTx) error {
		accepted, err := exists(kvtx, domain.NsAcceptedTx.Key(txid[:]))
		if err != nil {
			return err
		}
		if accepted {
			verr = errors.ALREADY_ACCEPTED.New("tx %s already accepted", txid).
				WithMetadata(errors.TxMetadata{Txid: txid.String()})
			return nil
		}
		if pending, err = exists(kvtx, domain.NsPendingTx.Key(txid[:])); err != nil || pending {
			return err
		}

		v, err := s.newValidator(kvtx)
		if err != nil {
			return err
		}
		if verr = v.validate(tx); verr != nil {
			return nil
		}
		verr = v.claim(tx)
		return nil
	}); err != nil {
		span.RecordError(err)
		return domain.TxID{}, errors.INTERNAL_ERROR.Wrap(err)
	}
	if verr != nil {
		log.WithError(verr).WithField("txid", txid).Debug("rejected tx")
		return domain.TxID{}, verr
	}
	if pending {
		return txid, nil
	}

	if err := s.kv.Update(ctx, func(kvtx ports.KVTx) error {
		return kvtx.Put(domain.NsPendingTx.Key(txid[:]), buf)
	}); err != nil {
		span.RecordError(err)
		return domain.TxID{}, errors.INTERNAL_ERROR.Wrap(err)
	}

	log.WithField("txid", txid).Debug("tx submitted")
	return txid, nil
}

func (s *service) GetTransaction(ctx context.Context, txid domain.TxID) (*TxStatus, errors.Error) {
	var status *TxStatus
	if err := s.kv.View(ctx, func(tx ports.KVTx) error {
		var accepted domain.AcceptedTx
		ok, err := getJSON(tx, domain.NsAcceptedTx.Key(txid[:]), &accepted)
		if err != nil {
			return err
		}
		if ok {
			status = &TxStatus{Txid: txid, State: TxAccepted, Epoch: accepted.Epoch}
			return nil
		}
		pending, err := exists(tx, domain.NsPendingTx.Key(txid[:]))
		if err != nil || !pending {
			return err
		}
		status = &TxStatus{Txid: txid, State: TxPending}
		return nil
	}); err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	if status == nil {
		return nil, notFound("tx %s", txid)
	}
	return status, nil
}

func (s *service) GetOutpoint(
	ctx context.Context, outpoint domain.MintOutpoint,
) (*domain.IssuanceState, errors.Error) {
	var state *domain.IssuanceState
	if err := s.kv.View(ctx, func(tx ports.KVTx) error {
		req, err := loadIssuance(tx, outpoint)
		if err != nil || req == nil {
			return err
		}
		threshold := 0
		if scheme, ok := s.fed.Issuance[req.Tier]; ok {
			threshold = scheme.Threshold()
		}
		state = &domain.IssuanceState{
			Outpoint:  outpoint,
			Status:    domain.IssuancePending,
			Threshold: threshold,
		}

		sig, err := tx.Get(domain.NsFinalizedSig.Key(outpoint.Bytes()))
		if err != nil {
			return err
		}
		if sig != nil {
			state.Status = domain.IssuanceFinalized
			state.Signature = sig
			state.Shares = threshold
			return nil
		}
		shares, err := peerShares(tx, domain.NsReceivedShare.Key(outpoint.Bytes()))
		state.Shares = len(shares)
		return err
	}); err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	if state == nil {
		return nil, notFound("outpoint %s", outpoint)
	}
	return state, nil
}

// WaitOutpoint subscribes before reading the state so that a signature finalized in
// between is not missed.
func (s *service) WaitOutpoint(
	ctx context.Context, outpoint domain.MintOutpoint,
) (*domain.IssuanceState, errors.Error) {
	if s.eventBus == nil {
		return s.GetOutpoint(ctx, outpoint)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := s.eventBus.Subscribe(ctx, domain.TopicSignatureFinalized)
	if err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}

	state, verr := s.GetOutpoint(ctx, outpoint)
	if verr != nil || state.Status == domain.IssuanceFinalized {
		return state, verr
	}

	for {
		select {
		case <-ctx.Done():
			return state, nil
		case ev, ok := <-events:
			if !ok {
				return state, nil
			}
			finalized, ok := ev.(domain.SignatureFinalized)
			if !ok || finalized.Outpoint != outpoint {
				continue
			}
			return s.GetOutpoint(context.WithoutCancel(ctx), outpoint)
		}
	}
}

func (s *service) GetEpoch(ctx context.Context) (*EpochInfo, errors.Error) {
	info := &EpochInfo{}
	info.CurrentEpoch, info.CurrentRound = s.engine.Status()

	if err := s.kv.View(ctx, func(tx ports.KVTx) error {
		head, err := loadHead(tx)
		if err != nil || head.Next == 0 {
			return err
		}
		var record domain.EpochRecord
		ok, err := getJSON(tx, domain.NsEpoch.Key(domain.Uint64Key(head.Next-1)), &record)
		if err != nil || !ok {
			return err
		}
		info.Epoch = record.Epoch
		info.Committed = true
		info.Beacon = record.Beacon
		info.Outcome = record.OutcomeHash
		info.Accepted = len(record.Accepted)
		return nil
	}); err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	return info, nil
}

func (s *service) GetRoundConsensus(ctx context.Context) (*domain.RoundConsensus, errors.Error) {
	var round *domain.RoundConsensus
	if err := s.kv.View(ctx, func(tx ports.KVTx) error {
		var err error
		round, err = loadRoundConsensus(tx)
		return err
	}); err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	if round == nil {
		return nil, notFound("round consensus")
	}
	return round, nil
}

func (s *service) ListQueuedPegOuts(ctx context.Context) ([]domain.QueuedPegOut, errors.Error) {
	queue := make([]domain.QueuedPegOut, 0)
	if err := s.kv.View(ctx, func(tx ports.KVTx) error {
		keys, err := collectKeys(tx, domain.NsQueuedPegOut.Prefix())
		if err != nil {
			return err
		}
		for _, k := range keys {
			var p domain.QueuedPegOut
			if _, err := getJSON(tx, k, &p); err != nil {
				return err
			}
			queue = append(queue, p)
		}
		return nil
	}); err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].Since < queue[j].Since })
	return queue, nil
}

// GetPegOutTx looks the tx up in every stage of its lifecycle.
func (s *service) GetPegOutTx(ctx context.Context, txid chainhash.Hash) (*domain.PegOutTx, errors.Error) {
	var ptx *domain.PegOutTx
	if err := s.kv.View(ctx, func(tx ports.KVTx) error {
		for _, ns := range []domain.Namespace{
			domain.NsUnsignedTx, domain.NsPendingPegOutTx, domain.NsBroadcastTx,
		} {
			var err error
			if ptx, err = loadPegOutTx(tx, ns, txid); err != nil || ptx != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	if ptx == nil {
		return nil, notFound("peg-out tx %s", txid)
	}
	return ptx, nil
}

func (s *service) GetPegInAddress(_ context.Context, tweak domain.Hash32) (string, errors.Error) {
	addr, err := s.fed.Wallet.Address(tweak[:], s.fed.Network)
	if err != nil {
		return "", errors.INTERNAL_ERROR.Wrap(err)
	}
	return addr.EncodeAddress(), nil
}

func (s *service) GetOffer(ctx context.Context, hash lntypes.Hash) (*domain.Offer, errors.Error) {
	var offer *domain.Offer
	if err := s.kv.View(ctx, func(tx ports.KVTx) error {
		var err error
		offer, err = loadOffer(tx, hash)
		return err
	}); err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	if offer == nil {
		return nil, notFound("offer %s", hash)
	}
	return offer, nil
}

func (s *service) GetContract(
	ctx context.Context, id domain.ContractID,
) (*domain.ContractAccount, errors.Error) {
	var account *domain.ContractAccount
	if err := s.kv.View(ctx, func(tx ports.KVTx) error {
		var err error
		account, err = loadAccount(tx, id)
		return err
	}); err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	if account == nil {
		return nil, errors.UNKNOWN_CONTRACT.New("contract %s not found", id).
			WithMetadata(errors.ContractMetadata{ContractId: id.String()})
	}
	return account, nil
}

func (s *service) GetInfo(_ context.Context) *FederationInfo {
	peers := make([]PeerInfo, 0, len(s.fed.Peers))
	for _, p := range s.fed.Peers {
		info := PeerInfo{
			ID:     p.ID,
			Name:   p.Name,
			Role:   p.Role.String(),
			APIURL: p.APIURL,
		}
		if p.IdentityKey != nil {
			info.IdentityKey = hex.EncodeToString(p.IdentityKey.SerializeCompressed())
		}
		peers = append(peers, info)
	}
	return &FederationInfo{
		Self:           s.cfg.Self,
		Network:        s.fed.Network.Name,
		Peers:          peers,
		Tiers:          s.fed.Tiers(),
		Threshold:      s.fed.Quorum().Threshold(),
		FinalityDelay:  s.fed.FinalityDelay,
		PegOutFee:      s.cfg.PegOutFee,
		WalletRoundLen: s.cfg.WalletRoundEpochs,
	}
}

func (s *service) ListPeerHealth(ctx context.Context) ([]ports.PeerHealth, errors.Error) {
	health, err := s.repoManager.PeerHealth().List(ctx)
	if err != nil {
		return nil, errors.INTERNAL_ERROR.Wrap(err)
	}
	return health, nil
}

func notFound(format string, args ...any) errors.Error {
	err := errors.NOT_FOUND.New(format+" not found", args...)
	return err.WithMetadata(errors.NotFoundMetadata{Key: err.Error()})
}
