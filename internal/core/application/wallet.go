package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/multisig"
	"github.com/arkade-os/fedmint/pkg/threshold"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/coinset"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	log "github.com/sirupsen/logrus"
)

const (
	// max number of block hashes fetched in a single wallet round
	maxBlockSync         = 2016
	blockSyncMaxInterval = 30 * time.Second
	// policy limit of bitcoin nodes for standard txs
	maxPegOutTxWeight = 400000
	maxPegOutInputs   = 200
)

type blockRef struct {
	height uint32
	hash   chainhash.Hash
}

// walletRound is what a wallet round needs from the outside world, fetched before the
// kv transaction is opened.
type walletRound struct {
	record domain.RoundConsensus
	blocks []blockRef
}

// prepareWalletRound agrees on the lower median of the observed heights and fee rates
// and fetches the hashes of the blocks the consensus height moves past.
func (s *service) prepareWalletRound(
	ctx context.Context, batch domain.Batch, beacon domain.Hash32,
) (*walletRound, error) {
	heights := make([]uint32, 0, len(batch.Contributions))
	rates := make([]uint64, 0, len(batch.Contributions))
	for _, c := range batch.Contributions {
		heights = append(heights, c.Wallet.Height)
		rates = append(rates, c.Wallet.FeeRate)
	}
	if len(heights) == 0 {
		return nil, fmt.Errorf("no wallet observations in epoch %d", batch.Epoch)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	sort.Slice(rates, func(i, j int) bool { return rates[i] < rates[j] })
	median := (len(heights) - 1) / 2

	var prev *domain.RoundConsensus
	if err := s.kv.View(ctx, func(tx ports.KVTx) error {
		var err error
		prev, err = loadRoundConsensus(tx)
		return err
	}); err != nil {
		return nil, err
	}

	round := &walletRound{
		record: domain.RoundConsensus{
			Epoch:   batch.Epoch,
			Height:  heights[median],
			FeeRate: rates[median],
			Beacon:  beacon,
		},
	}
	from := round.record.Height
	if prev != nil {
		if prev.Height >= round.record.Height {
			// the consensus height never goes backwards
			round.record.Height = prev.Height
			return round, nil
		}
		if prev.Height > 0 {
			from = prev.Height + 1
		}
	}
	to := round.record.Height
	if to == 0 {
		return round, nil
	}
	if to-from+1 > maxBlockSync {
		from = to - maxBlockSync + 1
	}

	for height := from; height <= to; height++ {
		h := height
		// the epoch can not be applied without the blocks, retry until shutdown
		bo := backoff.NewExponentialBackOff()
		bo.MaxInterval = blockSyncMaxInterval
		bo.MaxElapsedTime = 0
		hash, err := backoff.RetryNotifyWithData(
			func() (chainhash.Hash, error) {
				return s.chain.GetBlockHash(ctx, h)
			},
			backoff.WithContext(bo, ctx),
			func(err error, wait time.Duration) {
				log.WithError(err).Warnf("failed to fetch block %d, retrying in %s", h, wait)
			},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch block hash at height %d: %w", h, err)
		}
		round.blocks = append(round.blocks, blockRef{h, hash})
	}
	return round, nil
}

// applyWalletRound stores the round outcome, abandons the txs left unsigned and
// assembles the next peg-out tx. It returns the wallet part of the outcome hash.
func (s *service) applyWalletRound(
	ctx context.Context, tx ports.KVTx, result *epochResult, epoch uint64, round *walletRound,
) ([]byte, error) {
	for _, b := range round.blocks {
		if err := tx.Put(domain.NsBlock.Key(domain.Uint32Key(b.height)), b.hash[:]); err != nil {
			return nil, err
		}
		if err := tx.Put(domain.NsBlockHash.Key(b.hash[:]), domain.Uint32Key(b.height)); err != nil {
			return nil, err
		}
	}
	record, err := round.record.Serialize()
	if err != nil {
		return nil, err
	}
	if err := tx.Put(domain.NsRoundConsensus.Key(), record); err != nil {
		return nil, err
	}

	if err := s.abandonUnsignedTxs(ctx, tx, result); err != nil {
		return nil, err
	}

	ptx, err := s.assemblePegOutTx(tx, round.record)
	if err != nil {
		return nil, err
	}
	if ptx == nil {
		return record, nil
	}
	result.events = append(result.events, domain.PegOutTxStateChanged{
		Txid:  ptx.Txid,
		State: ptx.State,
		Epoch: epoch,
	})
	return append(record, ptx.Txid[:]...), nil
}

func (s *service) abandonUnsignedTxs(
	ctx context.Context, tx ports.KVTx, result *epochResult,
) error {
	unsigned, err := loadPegOutTxs(tx, domain.NsUnsignedTx)
	if err != nil {
		return err
	}
	for _, ptx := range unsigned {
		if err := s.releaseReservations(tx, ptx, false); err != nil {
			return err
		}
		if err := ptx.Transition(ctx, domain.PegOutEventAbandon); err != nil {
			return err
		}
		if err := tx.Delete(domain.NsUnsignedTx.Key(ptx.Txid[:])); err != nil {
			return err
		}
		if err := deletePrefix(tx, domain.NsPendingSig.Key(ptx.Txid[:])); err != nil {
			return err
		}
		result.events = append(result.events, domain.PegOutTxStateChanged{
			Txid:  ptx.Txid,
			State: ptx.State,
			Epoch: result.epoch,
		})
	}
	return nil
}

// releaseReservations frees the utxos and the peg-outs held by the tx. When requeue is
// set the peg-outs, already dequeued, are put back in the queue.
func (s *service) releaseReservations(tx ports.KVTx, ptx *domain.PegOutTx, requeue bool) error {
	req, err := signingRequest(ptx)
	if err != nil {
		return err
	}
	for _, spent := range req.Spent {
		key := domain.OutPointKey(spent.Outpoint)
		utxo, err := loadUTXO(tx, key)
		if err != nil {
			return err
		}
		if utxo == nil {
			continue
		}
		utxo.ReservedBy = nil
		if err := putJSON(tx, domain.NsUTXO.Key(key), utxo); err != nil {
			return err
		}
	}
	for _, pegOut := range ptx.PegOuts {
		key := domain.NsQueuedPegOut.Key(pegOut.ID.Bytes())
		queued := pegOut
		if !requeue {
			ok, err := getJSON(tx, key, &queued)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		queued.ReservedBy = nil
		if err := putJSON(tx, key, queued); err != nil {
			return err
		}
	}
	return nil
}

// assemblePegOutTx builds the canonical unsigned tx of the round. It returns nil when
// the queue is empty or the federation funds do not cover any peg-out.
func (s *service) assemblePegOutTx(
	tx ports.KVTx, round domain.RoundConsensus,
) (*domain.PegOutTx, error) {
	queue := make([]domain.QueuedPegOut, 0)
	if err := tx.Iterate(domain.NsQueuedPegOut.Prefix(), func(_, v []byte) error {
		var p domain.QueuedPegOut
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		if p.ReservedBy == nil {
			queue = append(queue, p)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return nil, nil
	}
	// oldest first, ties broken by outpoint
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Since != queue[j].Since {
			return queue[i].Since < queue[j].Since
		}
		return bytes.Compare(queue[i].ID.Bytes(), queue[j].ID.Bytes()) < 0
	})
	if len(queue) > s.cfg.MaxPegOutsPerRound {
		queue = queue[:s.cfg.MaxPegOutsPerRound]
	}

	coins := make([]coinset.Coin, 0)
	if err := tx.Iterate(domain.NsUTXO.Prefix(), func(_, v []byte) error {
		var u domain.UTXO
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		if !u.Available() {
			return nil
		}
		script, err := s.fed.Wallet.PkScript(u.Tweak[:])
		if err != nil {
			return err
		}
		coins = append(coins, selectable{utxo: u, script: script})
		return nil
	}); err != nil {
		return nil, err
	}

	for len(queue) > 0 {
		ptx, err := s.buildPegOutTx(queue, coins, round)
		if err != nil {
			return nil, err
		}
		if ptx != nil {
			return ptx, s.reserve(tx, ptx)
		}
		queue = queue[:len(queue)-1]
	}

	log.WithField("epoch", round.Epoch).Info("not enough federation funds, peg-outs deferred")
	return nil, nil
}

// buildPegOutTx returns nil if the coins can not fund the peg-outs.
func (s *service) buildPegOutTx(
	pegOuts []domain.QueuedPegOut, coins []coinset.Coin, round domain.RoundConsensus,
) (*domain.PegOutTx, error) {
	outputs := make([]*wire.TxOut, 0, len(pegOuts)+1)
	var target btcutil.Amount
	for _, p := range pegOuts {
		addr, err := (domain.PegOutOutput{Address: p.Address}).ParseAddress(s.fed.Network)
		if err != nil {
			return nil, fmt.Errorf("invalid queued peg-out %s: %w", p.ID, err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, wire.NewTxOut(int64(p.Amount), script))
		target += btcutil.Amount(p.Amount)
	}

	changeScript, err := s.fed.Wallet.PkScript(round.Beacon[:])
	if err != nil {
		return nil, err
	}
	witnessScript, err := s.fed.Wallet.WitnessScript(round.Beacon[:])
	if err != nil {
		return nil, err
	}
	witnessSize := multisigWitnessSize(s.fed.Wallet.Threshold(), len(witnessScript))

	feeRate := chainfee.SatPerKVByte(round.FeeRate)
	if floor := chainfee.AbsoluteFeePerKwFloor.FeePerKVByte(); feeRate < floor {
		feeRate = floor
	}
	estimate := func(numInputs int, withChange bool) (btcutil.Amount, int) {
		weightEstimator := &input.TxWeightEstimator{}
		for i := 0; i < numInputs; i++ {
			weightEstimator.AddWitnessInput(lntypes.WeightUnit(witnessSize))
		}
		for _, out := range outputs {
			weightEstimator.AddOutput(out.PkScript)
		}
		if withChange {
			weightEstimator.AddOutput(changeScript)
		}
		return feeRate.FeeForVSize(lntypes.VByte(weightEstimator.VSize())),
			int(weightEstimator.Weight())
	}

	selector := coinset.MinNumberCoinSelector{
		MaxInputs:       maxPegOutInputs,
		MinChangeAmount: btcutil.Amount(dustLimit),
	}
	var selected []coinset.Coin
	numInputs := 1
	// the fee depends on the number of inputs which depends on the fee
	for attempt := 0; attempt < 5; attempt++ {
		fee, _ := estimate(numInputs, true)
		set, err := selector.CoinSelect(target+fee, coins)
		if err != nil {
			return nil, nil
		}
		selected = set.Coins()
		if len(selected) <= numInputs {
			break
		}
		numInputs = len(selected)
	}

	var total btcutil.Amount
	for _, c := range selected {
		total += c.Value()
	}
	fee, weight := estimate(len(selected), true)
	if weight > maxPegOutTxWeight {
		return nil, nil
	}
	change := total - target - fee
	withChange := change >= btcutil.Amount(dustLimit)
	if !withChange {
		fee, _ = estimate(len(selected), false)
		if total < target+fee {
			return nil, nil
		}
		fee = total - target
	}

	msgTx := wire.NewMsgTx(2)
	spent := make([]multisig.SpentOutput, 0, len(selected))
	for _, c := range selected {
		u := c.(selectable).utxo
		msgTx.AddTxIn(wire.NewTxIn(&u.Outpoint, nil, nil))
		spent = append(spent, multisig.SpentOutput{
			Outpoint: u.Outpoint,
			Value:    int64(u.Amount),
			Tweak:    append([]byte{}, u.Tweak[:]...),
		})
	}
	for _, out := range outputs {
		msgTx.AddTxOut(out)
	}
	changeIndex := int32(-1)
	if withChange {
		changeIndex = int32(len(msgTx.TxOut))
		msgTx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	packet, err := s.fed.Wallet.Packet(multisig.SigningRequest{Tx: msgTx, Spent: spent})
	if err != nil {
		return nil, err
	}
	encoded, err := multisig.EncodePacket(packet)
	if err != nil {
		return nil, err
	}

	txid := msgTx.TxHash()
	reserved := make([]domain.QueuedPegOut, 0, len(pegOuts))
	for _, p := range pegOuts {
		p.ReservedBy = &txid
		reserved = append(reserved, p)
	}
	return &domain.PegOutTx{
		Txid:        txid,
		State:       domain.PegOutTxUnsigned,
		Psbt:        encoded,
		PegOuts:     reserved,
		ChangeTweak: round.Beacon,
		ChangeIndex: changeIndex,
		Fee:         domain.Amount(fee),
		RoundEpoch:  round.Epoch,
	}, nil
}

func (s *service) reserve(tx ports.KVTx, ptx *domain.PegOutTx) error {
	req, err := signingRequest(ptx)
	if err != nil {
		return err
	}
	for _, in := range req.Spent {
		key := domain.OutPointKey(in.Outpoint)
		utxo, err := loadUTXO(tx, key)
		if err != nil {
			return err
		}
		if utxo == nil {
			return fmt.Errorf("selected utxo %s not found", in.Outpoint)
		}
		utxo.ReservedBy = &ptx.Txid
		if err := putJSON(tx, domain.NsUTXO.Key(key), utxo); err != nil {
			return err
		}
	}
	for _, p := range ptx.PegOuts {
		if err := putJSON(tx, domain.NsQueuedPegOut.Key(p.ID.Bytes()), p); err != nil {
			return err
		}
	}
	return putJSON(tx, domain.NsUnsignedTx.Key(ptx.Txid[:]), ptx)
}

// walletShares signs the unsigned txs the local peer has not signed yet.
func (s *service) walletShares(tx ports.KVTx) ([]domain.WalletShareItem, error) {
	unsigned, err := loadPegOutTxs(tx, domain.NsUnsignedTx)
	if err != nil {
		return nil, err
	}
	items := make([]domain.WalletShareItem, 0, len(unsigned))
	for _, ptx := range unsigned {
		signed, err := exists(tx, domain.NsPendingSig.Key(ptx.Txid[:], domain.PeerKey(s.cfg.Self)))
		if err != nil {
			return nil, err
		}
		if signed {
			continue
		}
		req, err := signingRequest(ptx)
		if err != nil {
			return nil, err
		}
		share, err := s.fed.Wallet.Sign(req, s.secrets.WalletKey)
		if err != nil {
			return nil, fmt.Errorf("failed to sign peg-out tx %s: %w", ptx.Txid, err)
		}
		items = append(items, domain.WalletShareItem{Txid: ptx.Txid, Share: share.Bytes()})
	}
	return items, nil
}

// applyWalletShare stores a verified signature share. With t shares the tx is
// finalized, becomes pending and its peg-outs leave the queue.
func (s *service) applyWalletShare(
	ctx context.Context, tx ports.KVTx, result *epochResult, peer domain.PeerID,
	item domain.WalletShareItem,
) error {
	ptx, err := loadPegOutTx(tx, domain.NsUnsignedTx, item.Txid)
	if err != nil || ptx == nil {
		return err
	}
	key := domain.NsPendingSig.Key(item.Txid[:], domain.PeerKey(peer))
	stored, err := exists(tx, key)
	if err != nil || stored {
		return err
	}

	req, err := signingRequest(ptx)
	if err != nil {
		return err
	}
	share, err := multisig.ShareFromBytes(item.Share)
	if err != nil || !s.fed.Wallet.VerifyShare(uint16(peer), req, share) {
		result.invalidShare(peer, domain.ShareWallet, item.Txid.String())
		return nil
	}
	if err := tx.Put(key, item.Share); err != nil {
		return err
	}

	prefix := domain.NsPendingSig.Key(item.Txid[:])
	raw, err := peerShares(tx, prefix)
	if err != nil {
		return err
	}
	if len(raw) < s.fed.Wallet.Threshold() {
		return nil
	}
	shares := make(map[uint16]multisig.Share, len(raw))
	for p, buf := range raw {
		if shares[p], err = multisig.ShareFromBytes(buf); err != nil {
			return err
		}
	}
	signedTx, err := s.fed.Wallet.Finalize(
		req, threshold.SelectShares(shares, s.fed.Wallet.Threshold()),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize peg-out tx %s: %w", ptx.Txid, err)
	}
	var buf bytes.Buffer
	if err := signedTx.Serialize(&buf); err != nil {
		return err
	}
	ptx.SignedTx = buf.Bytes()
	if err := ptx.Transition(ctx, domain.PegOutEventSigned); err != nil {
		return err
	}

	if err := tx.Delete(domain.NsUnsignedTx.Key(ptx.Txid[:])); err != nil {
		return err
	}
	if err := deletePrefix(tx, prefix); err != nil {
		return err
	}
	for _, p := range ptx.PegOuts {
		if err := tx.Delete(domain.NsQueuedPegOut.Key(p.ID.Bytes())); err != nil {
			return err
		}
	}
	if err := putJSON(tx, domain.NsPendingPegOutTx.Key(ptx.Txid[:]), ptx); err != nil {
		return err
	}

	result.events = append(result.events, domain.PegOutTxStateChanged{
		Txid:  ptx.Txid,
		State: ptx.State,
		Epoch: result.epoch,
	})
	return nil
}

func (s *service) unreportedPegOutTxs(tx ports.KVTx) ([]*domain.PegOutTx, error) {
	pending, err := loadPegOutTxs(tx, domain.NsPendingPegOutTx)
	if err != nil {
		return nil, err
	}
	unreported := make([]*domain.PegOutTx, 0, len(pending))
	for _, ptx := range pending {
		if !ptx.AddReport(s.cfg.Self, true) {
			continue
		}
		unreported = append(unreported, ptx)
	}
	return unreported, nil
}

// broadcastReports broadcasts the pending txs and reports the outcome. Outcomes are
// cached so that a tx is broadcast once by each peer.
func (s *service) broadcastReports(
	ctx context.Context, txs []*domain.PegOutTx,
) []domain.BroadcastReportItem {
	items := make([]domain.BroadcastReportItem, 0, len(txs))
	for _, ptx := range txs {
		s.lock.Lock()
		accepted, ok := s.reports[ptx.Txid]
		s.lock.Unlock()

		if !ok {
			signed := wire.NewMsgTx(2)
			if err := signed.Deserialize(bytes.NewReader(ptx.SignedTx)); err != nil {
				log.WithError(err).WithField("txid", ptx.Txid).Warn("invalid signed peg-out tx")
				continue
			}
			res, err := s.chain.Broadcast(ctx, signed)
			if err != nil {
				log.WithError(err).WithField("txid", ptx.Txid).Warn("failed to broadcast peg-out tx")
				continue
			}
			accepted = res.Accepted
			if !accepted {
				log.WithFields(log.Fields{
					"txid":   ptx.Txid,
					"reason": res.Reason,
				}).Warn("peg-out tx rejected by the network")
			}
			s.lock.Lock()
			s.reports[ptx.Txid] = accepted
			s.lock.Unlock()
		}
		items = append(items, domain.BroadcastReportItem{Txid: ptx.Txid, Accepted: accepted})
	}
	return items
}

// applyBroadcastReport records the outcome reported by a peer. f+1 acceptances retire
// the spent utxos and add the change, f+1 rejections put the peg-outs back in the
// queue.
func (s *service) applyBroadcastReport(
	ctx context.Context, tx ports.KVTx, result *epochResult, peer domain.PeerID,
	item domain.BroadcastReportItem,
) error {
	ptx, err := loadPegOutTx(tx, domain.NsPendingPegOutTx, item.Txid)
	if err != nil || ptx == nil {
		return err
	}
	if !ptx.AddReport(peer, item.Accepted) {
		return nil
	}

	oneHonest := s.fed.Quorum().OneHonest()
	switch {
	case len(ptx.AcceptedBy) >= oneHonest:
		if err := ptx.Transition(ctx, domain.PegOutEventAccepted); err != nil {
			return err
		}
		if err := s.retireInputs(tx, ptx); err != nil {
			return err
		}
		if err := tx.Delete(domain.NsPendingPegOutTx.Key(ptx.Txid[:])); err != nil {
			return err
		}
		if err := putJSON(tx, domain.NsBroadcastTx.Key(ptx.Txid[:]), ptx); err != nil {
			return err
		}

	case len(ptx.RejectedBy) >= oneHonest:
		if err := ptx.Transition(ctx, domain.PegOutEventRejected); err != nil {
			return err
		}
		if err := s.releaseReservations(tx, ptx, true); err != nil {
			return err
		}
		// a fresh tx is assembled next round
		if err := ptx.Transition(ctx, domain.PegOutEventAbandon); err != nil {
			return err
		}
		if err := tx.Delete(domain.NsPendingPegOutTx.Key(ptx.Txid[:])); err != nil {
			return err
		}
		result.rejectedTxs = append(result.rejectedTxs, ptx)

	default:
		return putJSON(tx, domain.NsPendingPegOutTx.Key(ptx.Txid[:]), ptx)
	}

	result.events = append(result.events, domain.PegOutTxStateChanged{
		Txid:  ptx.Txid,
		State: ptx.State,
		Epoch: result.epoch,
	})
	return nil
}

// retireInputs marks the spent utxos and adds the change output to the wallet.
func (s *service) retireInputs(tx ports.KVTx, ptx *domain.PegOutTx) error {
	req, err := signingRequest(ptx)
	if err != nil {
		return err
	}
	for _, in := range req.Spent {
		key := domain.OutPointKey(in.Outpoint)
		utxo, err := loadUTXO(tx, key)
		if err != nil {
			return err
		}
		if utxo == nil {
			return fmt.Errorf("spent utxo %s not found", in.Outpoint)
		}
		utxo.Spent = true
		if err := putJSON(tx, domain.NsUTXO.Key(key), utxo); err != nil {
			return err
		}
	}
	if ptx.ChangeIndex < 0 {
		return nil
	}
	out := req.Tx.TxOut[ptx.ChangeIndex]
	outpoint := wire.OutPoint{Hash: ptx.Txid, Index: uint32(ptx.ChangeIndex)}
	change := domain.UTXO{
		Outpoint: outpoint,
		Amount:   domain.Amount(out.Value),
		Tweak:    ptx.ChangeTweak,
	}
	return putJSON(tx, domain.NsUTXO.Key(domain.OutPointKey(outpoint)), change)
}

func signingRequest(ptx *domain.PegOutTx) (multisig.SigningRequest, error) {
	packet, err := multisig.DecodePacket(ptx.Psbt)
	if err != nil {
		return multisig.SigningRequest{}, fmt.Errorf("invalid psbt of %s: %w", ptx.Txid, err)
	}
	return multisig.RequestFromPacket(packet)
}

// multisigWitnessSize is the size of a t-of-n P2WSH witness: item count, the empty
// element popped by OP_CHECKMULTISIG, t DER signatures and the script.
func multisigWitnessSize(t, scriptLen int) int {
	return 1 + 1 + t*(1+73) + wire.VarIntSerializeSize(uint64(scriptLen)) + scriptLen
}

// selectable implements coinset.Coin
type selectable struct {
	utxo   domain.UTXO
	script []byte
}

func (c selectable) Value() btcutil.Amount {
	return btcutil.Amount(c.utxo.Amount)
}

func (c selectable) ValueAge() int64 {
	return 0
}

func (c selectable) PkScript() []byte {
	return c.script
}

func (c selectable) Hash() *chainhash.Hash {
	return &c.utxo.Outpoint.Hash
}

func (c selectable) Index() uint32 {
	return c.utxo.Outpoint.Index
}

func (c selectable) NumConfs() int64 {
	return 0
}
