package application

import (
	"bytes"
	"fmt"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/errors"
	"github.com/arkade-os/fedmint/pkg/tbs"
	"github.com/arkade-os/fedmint/pkg/tpke"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// outputs below this amount are not relayed by bitcoin nodes
const dustLimit domain.Amount = 546

// txValidator checks transactions against the state visible in a kv transaction.
// During epoch application the same kv transaction also holds the effects of the
// txs applied before, so that the order of the batch is honored.
type txValidator struct {
	fed       *domain.Federation
	pegOutFee domain.Amount
	tx        ports.KVTx
	height    uint32
	// conflict keys consumed by the txs already accepted in the epoch
	consumed map[string]struct{}
}

func (s *service) newValidator(tx ports.KVTx) (*txValidator, error) {
	height, err := consensusHeight(tx)
	if err != nil {
		return nil, err
	}
	return &txValidator{
		fed:       s.fed,
		pegOutFee: s.cfg.PegOutFee,
		tx:        tx,
		height:    height,
		consumed:  make(map[string]struct{}),
	}, nil
}

// conflictKeys lists everything the tx consumes, offers included.
func conflictKeys(tx domain.Transaction) []string {
	keys := make([]string, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		keys = append(keys, in.ConflictKey())
	}
	for _, out := range tx.Outputs {
		switch o := out.(type) {
		case domain.ContractOutput:
			if c, ok := o.Contract.(domain.IncomingContract); ok {
				keys = append(keys, "offer:"+c.Hash.String())
			}
		case domain.OfferOutput:
			keys = append(keys, "offer:"+o.Offer.Hash.String())
		}
	}
	return keys
}

// claim marks the conflict keys of the tx as consumed, it fails if any of them is
// already taken.
func (v *txValidator) claim(tx domain.Transaction) errors.Error {
	keys := conflictKeys(tx)
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		_, inEpoch := v.consumed[k]
		_, inTx := seen[k]
		if inEpoch || inTx {
			return errors.DOUBLE_SPEND.New("%s already spent in this epoch", k).
				WithMetadata(errors.DoubleSpendMetadata{Txid: tx.ID().String(), Nonce: k})
		}
		seen[k] = struct{}{}
	}
	for k := range seen {
		v.consumed[k] = struct{}{}
	}
	return nil
}

func (v *txValidator) validate(tx domain.Transaction) errors.Error {
	txid := tx.ID()
	if len(tx.Inputs) == 0 {
		return errors.INVALID_TX_FORMAT.New("tx has no inputs").
			WithMetadata(errors.TxMetadata{Txid: txid.String()})
	}
	if len(tx.Signatures) != len(tx.Inputs) {
		return errors.INVALID_TX_FORMAT.New(
			"got %d signatures for %d inputs", len(tx.Signatures), len(tx.Inputs),
		).WithMetadata(errors.TxMetadata{Txid: txid.String()})
	}

	spendKeys := make([]domain.Hash32, 0, len(tx.Inputs))
	for i, in := range tx.Inputs {
		key, err := v.validateInput(txid, i, in)
		if err != nil {
			return err
		}
		spendKeys = append(spendKeys, key)
	}
	for i, out := range tx.Outputs {
		if err := v.validateOutput(txid, i, out); err != nil {
			return err
		}
	}

	for i, key := range spendKeys {
		if err := verifyInputSignature(txid, key, tx.Signatures[i]); err != nil {
			return errors.INVALID_PROOF.Wrap(err).
				WithMetadata(errors.InputMetadata{Txid: txid.String(), InputIndex: i})
		}
	}

	overflow := func(err error) errors.Error {
		return errors.INVALID_TX_FORMAT.New("%s", err).
			WithMetadata(errors.TxMetadata{Txid: txid.String()})
	}
	inputSum, err := tx.InputTotal()
	if err != nil {
		return overflow(err)
	}
	outputSum, err := tx.OutputTotal()
	if err != nil {
		return overflow(err)
	}
	fee, err := v.pegOutFee.Mul(uint64(len(tx.PegOuts())))
	if err != nil {
		return overflow(err)
	}
	required, err := outputSum.Add(fee)
	if err != nil {
		return overflow(err)
	}
	if inputSum < required {
		return errors.INSUFFICIENT_FUNDS.New(
			"inputs %d do not cover outputs %d and fees %d", inputSum, outputSum, fee,
		).WithMetadata(errors.InsufficientFundsMetadata{
			Txid:       txid.String(),
			InputSum:   uint64(inputSum),
			OutputSum:  uint64(outputSum),
			FeeCharged: uint64(fee),
		})
	}
	return nil
}

// validateInput returns the key that must sign the input.
func (v *txValidator) validateInput(
	txid domain.TxID, idx int, in domain.Input,
) (domain.Hash32, errors.Error) {
	proofErr := func(format string, args ...any) errors.Error {
		return errors.INVALID_PROOF.New(format, args...).
			WithMetadata(errors.InputMetadata{Txid: txid.String(), InputIndex: idx})
	}

	switch i := in.(type) {
	case domain.CoinInput:
		scheme, ok := v.fed.Issuance[i.Tier]
		if !ok {
			return domain.Hash32{}, errors.UNKNOWN_TIER.New("unknown tier %d", i.Tier).
				WithMetadata(errors.TierMetadata{Amount: uint64(i.Tier)})
		}
		sig, err := tbs.SignatureFromBytes(i.Signature)
		if err != nil {
			return domain.Hash32{}, proofErr("invalid coin signature encoding: %s", err)
		}
		msg := tbs.MessageFromBytes(i.Nonce[:])
		if !tbs.Verify(msg, sig, scheme.AggregatePublicKey()) {
			return domain.Hash32{}, proofErr("coin signature does not verify")
		}
		used, err := exists(v.tx, domain.NsUsedCoin.Key(i.Nonce[:]))
		if err != nil {
			return domain.Hash32{}, errors.INTERNAL_ERROR.Wrap(err)
		}
		if used {
			return domain.Hash32{}, errors.DOUBLE_SPEND.New("coin %s already spent", i.Nonce).
				WithMetadata(errors.DoubleSpendMetadata{
					Txid: txid.String(), Nonce: i.Nonce.String(),
				})
		}
		return i.Nonce, nil

	case domain.PegInInput:
		proof := i.Proof
		if !proof.VerifyInclusion() {
			return domain.Hash32{}, proofErr("invalid merkle proof")
		}
		blockHash := proof.Header.BlockHash()
		known, err := exists(v.tx, domain.NsBlockHash.Key(blockHash[:]))
		if err != nil {
			return domain.Hash32{}, errors.INTERNAL_ERROR.Wrap(err)
		}
		if !known {
			return domain.Hash32{}, proofErr("block %s is not confirmed", blockHash)
		}
		out, err := proof.Output()
		if err != nil {
			return domain.Hash32{}, proofErr("%s", err)
		}
		if out.Value <= 0 {
			return domain.Hash32{}, proofErr("peg-in output has no value")
		}
		script, err := v.fed.Wallet.PkScript(proof.TweakKey[:])
		if err != nil {
			return domain.Hash32{}, errors.INTERNAL_ERROR.Wrap(err)
		}
		if !bytes.Equal(script, out.PkScript) {
			return domain.Hash32{}, proofErr("output does not pay the federation")
		}
		claimed, err := exists(v.tx, domain.NsUTXO.Key(domain.OutPointKey(proof.Outpoint())))
		if err != nil {
			return domain.Hash32{}, errors.INTERNAL_ERROR.Wrap(err)
		}
		if claimed {
			return domain.Hash32{}, errors.DOUBLE_SPEND.New(
				"peg-in %s already claimed", proof.Outpoint(),
			).WithMetadata(errors.DoubleSpendMetadata{
				Txid: txid.String(), Nonce: proof.Outpoint().String(),
			})
		}
		return proof.TweakKey, nil

	case domain.ContractInput:
		meta := errors.ContractMetadata{ContractId: i.ContractID.String()}
		account, err := loadAccount(v.tx, i.ContractID)
		if err != nil {
			return domain.Hash32{}, errors.INTERNAL_ERROR.Wrap(err)
		}
		if account == nil {
			return domain.Hash32{}, errors.UNKNOWN_CONTRACT.New(
				"contract %s not found", i.ContractID,
			).WithMetadata(meta)
		}
		if i.Amount > account.Amount {
			return domain.Hash32{}, errors.INSUFFICIENT_FUNDS.New(
				"contract %s holds %d, requested %d", i.ContractID, account.Amount, i.Amount,
			).WithMetadata(errors.InsufficientFundsMetadata{
				Txid:      txid.String(),
				InputSum:  uint64(account.Amount),
				OutputSum: uint64(i.Amount),
			})
		}
		key, err := account.SpendKey(v.height, i.Witness)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidPreimage):
				return domain.Hash32{}, errors.INVALID_PREIMAGE.Wrap(err).WithMetadata(meta)
			case errors.Is(err, domain.ErrContractNotReady):
				return domain.Hash32{}, errors.CONTRACT_NOT_READY.Wrap(err).WithMetadata(meta)
			default:
				return domain.Hash32{}, errors.INTERNAL_ERROR.Wrap(err)
			}
		}
		return key, nil

	default:
		return domain.Hash32{}, errors.INVALID_TX_FORMAT.New("unknown input type %T", in).
			WithMetadata(errors.TxMetadata{Txid: txid.String()})
	}
}

func (v *txValidator) validateOutput(txid domain.TxID, idx int, out domain.Output) errors.Error {
	meta := errors.OutputMetadata{Txid: txid.String(), OutputIndex: idx}

	switch o := out.(type) {
	case domain.CoinOutput:
		if _, ok := v.fed.Issuance[o.Tier]; !ok {
			return errors.UNKNOWN_TIER.New("unknown tier %d", o.Tier).
				WithMetadata(errors.TierMetadata{Amount: uint64(o.Tier)})
		}
		if _, err := tbs.BlindedMessageFromBytes(o.BlindedMessage); err != nil {
			return errors.INVALID_TX_FORMAT.New("invalid blinded message: %s", err).
				WithMetadata(errors.TxMetadata{Txid: txid.String()})
		}

	case domain.PegOutOutput:
		if o.Amount > domain.MaxAmount {
			return errors.INVALID_PEGOUT.New("amount %d above the bitcoin supply", o.Amount).
				WithMetadata(meta)
		}
		if _, err := o.ParseAddress(v.fed.Network); err != nil {
			return errors.INVALID_PEGOUT.New("invalid address: %s", err).WithMetadata(meta)
		}
		if o.Amount < dustLimit {
			return errors.INVALID_PEGOUT.New("amount %d below dust", o.Amount).WithMetadata(meta)
		}

	case domain.ContractOutput:
		if o.Amount == 0 {
			return errors.ZERO_OUTPUT.New("contract output with zero amount").WithMetadata(meta)
		}
		if o.Amount > domain.MaxAmount {
			return errors.INVALID_TX_FORMAT.New("contract amount %d above the bitcoin supply", o.Amount).
				WithMetadata(errors.TxMetadata{Txid: txid.String()})
		}
		if o.Contract == nil {
			return errors.INVALID_TX_FORMAT.New("missing contract").
				WithMetadata(errors.TxMetadata{Txid: txid.String()})
		}
		incoming, ok := o.Contract.(domain.IncomingContract)
		if !ok {
			return nil
		}
		offerMeta := errors.OfferMetadata{PaymentHash: incoming.Hash.String()}
		offer, err := loadOffer(v.tx, incoming.Hash)
		if err != nil {
			return errors.INTERNAL_ERROR.Wrap(err)
		}
		if offer == nil {
			return errors.NO_OFFER.New("no offer for %s", incoming.Hash).WithMetadata(offerMeta)
		}
		if o.Amount < offer.Amount {
			return errors.INSUFFICIENT_INCOMING_FUNDING.New(
				"offer requires %d, got %d", offer.Amount, o.Amount,
			).WithMetadata(offerMeta)
		}
		if !bytes.Equal(offer.EncryptedPreimage, incoming.EncryptedPreimage) {
			return errors.INVALID_TX_FORMAT.New("encrypted preimage does not match the offer").
				WithMetadata(errors.TxMetadata{Txid: txid.String()})
		}

	case domain.OfferOutput:
		ct, err := tpke.CiphertextFromBytes(o.Offer.EncryptedPreimage)
		if err != nil || !ct.Verify() {
			return errors.INVALID_TX_FORMAT.New("invalid encrypted preimage").
				WithMetadata(errors.TxMetadata{Txid: txid.String()})
		}
		if o.Offer.Amount == 0 {
			return errors.ZERO_OUTPUT.New("offer with zero amount").WithMetadata(meta)
		}
		if o.Offer.Amount > domain.MaxAmount {
			return errors.INVALID_TX_FORMAT.New("offer amount %d above the bitcoin supply", o.Offer.Amount).
				WithMetadata(errors.TxMetadata{Txid: txid.String()})
		}
		existing, err := loadOffer(v.tx, o.Offer.Hash)
		if err != nil {
			return errors.INTERNAL_ERROR.Wrap(err)
		}
		if existing != nil {
			return errors.INVALID_TX_FORMAT.New("offer for %s already exists", o.Offer.Hash).
				WithMetadata(errors.TxMetadata{Txid: txid.String()})
		}

	default:
		return errors.INVALID_TX_FORMAT.New("unknown output type %T", out).
			WithMetadata(errors.TxMetadata{Txid: txid.String()})
	}
	return nil
}

func verifyInputSignature(txid domain.TxID, key domain.Hash32, sig []byte) error {
	pubkey, err := schnorr.ParsePubKey(key[:])
	if err != nil {
		return fmt.Errorf("invalid spend key: %w", err)
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if !parsed.Verify(txid[:], pubkey) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}
