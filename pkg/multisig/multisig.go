// Package multisig implements the federation wallet descriptor: a t-of-n P2WSH
// OP_CHECKMULTISIG over the wallet keys of every peer, each key tweaked so that
// every deposit and change output gets its own script.
package multisig

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// one signature per input of a standard tx
const maxShareSignatures = 2500

var (
	ErrInvalidThreshold = errors.New("invalid multisig threshold")
	ErrMissingInput     = errors.New("missing previous output for input")
)

// Descriptor lists the untweaked wallet keys in peer order.
type Descriptor struct {
	threshold int
	keys      []*btcec.PublicKey
}

func NewDescriptor(t int, keys []*btcec.PublicKey) (*Descriptor, error) {
	if t <= 0 || t > len(keys) || len(keys) > txscript.MaxPubKeysPerMultiSig {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidThreshold, t, len(keys))
	}
	return &Descriptor{threshold: t, keys: keys}, nil
}

func (d *Descriptor) Threshold() int {
	return d.threshold
}

func (d *Descriptor) Keys() []*btcec.PublicKey {
	return d.keys
}

// TweakedKeys returns P_i + H(P_i || tweak)·G for every peer key.
func (d *Descriptor) TweakedKeys(tweak []byte) []*btcec.PublicKey {
	tweaked := make([]*btcec.PublicKey, 0, len(d.keys))
	for _, key := range d.keys {
		tweaked = append(tweaked, TweakPublicKey(key, tweak))
	}
	return tweaked
}

func (d *Descriptor) WitnessScript(tweak []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder().AddInt64(int64(d.threshold))
	for _, key := range d.TweakedKeys(tweak) {
		builder.AddData(key.SerializeCompressed())
	}
	return builder.
		AddInt64(int64(len(d.keys))).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
}

func (d *Descriptor) PkScript(tweak []byte) ([]byte, error) {
	witnessScript, err := d.WitnessScript(tweak)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(witnessScript)
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(hash[:]).
		Script()
}

func (d *Descriptor) Address(tweak []byte, params *chaincfg.Params) (btcutil.Address, error) {
	witnessScript, err := d.WitnessScript(tweak)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(witnessScript)
	return btcutil.NewAddressWitnessScriptHash(hash[:], params)
}

// TweakPublicKey derives the key controlling the outputs of the given tweak.
func TweakPublicKey(key *btcec.PublicKey, tweak []byte) *btcec.PublicKey {
	k := tweakScalar(key, tweak)

	var p, kG, res btcec.JacobianPoint
	key.AsJacobian(&p)
	btcec.ScalarBaseMultNonConst(&k, &kG)
	btcec.AddNonConst(&p, &kG, &res)
	res.ToAffine()
	return btcec.NewPublicKey(&res.X, &res.Y)
}

// TweakPrivateKey is the private counterpart of TweakPublicKey.
func TweakPrivateKey(key *btcec.PrivateKey, tweak []byte) *btcec.PrivateKey {
	k := tweakScalar(key.PubKey(), tweak)
	var scalar btcec.ModNScalar
	scalar.Set(&key.Key)
	scalar.Add(&k)
	return &btcec.PrivateKey{Key: scalar}
}

func tweakScalar(key *btcec.PublicKey, tweak []byte) btcec.ModNScalar {
	h := sha256.New()
	h.Write(key.SerializeCompressed())
	h.Write(tweak)
	var k btcec.ModNScalar
	k.SetByteSlice(h.Sum(nil))
	return k
}

// SpentOutput is a federation output consumed by a peg-out transaction.
type SpentOutput struct {
	Outpoint wire.OutPoint
	Value    int64
	Tweak    []byte
}

// SigningRequest is the unsigned transaction and the outputs its inputs spend, in
// input order.
type SigningRequest struct {
	Tx    *wire.MsgTx
	Spent []SpentOutput
}

// Share holds the DER signatures of one peer, one per input.
type Share struct {
	Sigs [][]byte
}

func (s Share) Bytes() []byte {
	var buf bytes.Buffer
	// writes to a bytes.Buffer never fail
	_ = wire.WriteVarInt(&buf, 0, uint64(len(s.Sigs)))
	for _, sig := range s.Sigs {
		_ = wire.WriteVarBytes(&buf, 0, sig)
	}
	return buf.Bytes()
}

func ShareFromBytes(buf []byte) (Share, error) {
	r := bytes.NewReader(buf)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return Share{}, err
	}
	if count > maxShareSignatures {
		return Share{}, fmt.Errorf("too many signatures %d", count)
	}
	sigs := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		sig, err := wire.ReadVarBytes(r, 0, 80, "signature")
		if err != nil {
			return Share{}, err
		}
		sigs = append(sigs, sig)
	}
	if r.Len() > 0 {
		return Share{}, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return Share{Sigs: sigs}, nil
}

type sighashContext struct {
	fetcher   *txscript.MultiPrevOutFetcher
	sigHashes *txscript.TxSigHashes
	scripts   [][]byte
	pkScripts [][]byte
}

func (d *Descriptor) newSighashContext(req SigningRequest) (*sighashContext, error) {
	if len(req.Spent) != len(req.Tx.TxIn) {
		return nil, fmt.Errorf(
			"%w: %d inputs, %d spent outputs", ErrMissingInput, len(req.Tx.TxIn), len(req.Spent),
		)
	}
	ctx := &sighashContext{
		fetcher:   txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut)),
		scripts:   make([][]byte, len(req.Spent)),
		pkScripts: make([][]byte, len(req.Spent)),
	}
	for i, spent := range req.Spent {
		if req.Tx.TxIn[i].PreviousOutPoint != spent.Outpoint {
			return nil, fmt.Errorf("%w: input %d", ErrMissingInput, i)
		}
		witnessScript, err := d.WitnessScript(spent.Tweak)
		if err != nil {
			return nil, err
		}
		pkScript, err := d.PkScript(spent.Tweak)
		if err != nil {
			return nil, err
		}
		ctx.scripts[i] = witnessScript
		ctx.pkScripts[i] = pkScript
		ctx.fetcher.AddPrevOut(spent.Outpoint, wire.NewTxOut(spent.Value, pkScript))
	}
	ctx.sigHashes = txscript.NewTxSigHashes(req.Tx, ctx.fetcher)
	return ctx, nil
}

func (c *sighashContext) sighash(tx *wire.MsgTx, idx int, value int64) ([]byte, error) {
	return txscript.CalcWitnessSigHash(
		c.scripts[idx], c.sigHashes, txscript.SigHashAll, tx, idx, value,
	)
}

// Sign computes the share of the peer owning key.
func (d *Descriptor) Sign(req SigningRequest, key *btcec.PrivateKey) (Share, error) {
	ctx, err := d.newSighashContext(req)
	if err != nil {
		return Share{}, err
	}
	sigs := make([][]byte, 0, len(req.Spent))
	for i, spent := range req.Spent {
		hash, err := ctx.sighash(req.Tx, i, spent.Value)
		if err != nil {
			return Share{}, err
		}
		sig := ecdsa.Sign(TweakPrivateKey(key, spent.Tweak), hash)
		sigs = append(sigs, sig.Serialize())
	}
	return Share{Sigs: sigs}, nil
}

// VerifyShare checks every input signature of the share against the tweaked key of
// the peer.
func (d *Descriptor) VerifyShare(peer uint16, req SigningRequest, share Share) bool {
	if int(peer) >= len(d.keys) || len(share.Sigs) != len(req.Spent) {
		return false
	}
	ctx, err := d.newSighashContext(req)
	if err != nil {
		return false
	}
	for i, spent := range req.Spent {
		sig, err := ecdsa.ParseDERSignature(share.Sigs[i])
		if err != nil {
			return false
		}
		hash, err := ctx.sighash(req.Tx, i, spent.Value)
		if err != nil {
			return false
		}
		if !sig.Verify(hash, TweakPublicKey(d.keys[peer], spent.Tweak)) {
			return false
		}
	}
	return true
}

// Finalize returns a copy of the transaction with the witnesses built from the given
// verified shares, ordered by key position.
func (d *Descriptor) Finalize(req SigningRequest, shares map[uint16]Share) (*wire.MsgTx, error) {
	if len(shares) < d.threshold {
		return nil, fmt.Errorf("not enough shares: have %d, need %d", len(shares), d.threshold)
	}
	ctx, err := d.newSighashContext(req)
	if err != nil {
		return nil, err
	}

	peers := make([]uint16, 0, d.threshold)
	for peer := range d.keys {
		if _, ok := shares[uint16(peer)]; ok {
			peers = append(peers, uint16(peer))
		}
		if len(peers) == d.threshold {
			break
		}
	}
	if len(peers) < d.threshold {
		return nil, fmt.Errorf("shares from unknown peers")
	}

	tx := req.Tx.Copy()
	for i := range tx.TxIn {
		// OP_CHECKMULTISIG pops one extra element
		witness := wire.TxWitness{nil}
		for _, peer := range peers {
			sig := shares[peer].Sigs[i]
			witness = append(witness, append(append([]byte{}, sig...), byte(txscript.SigHashAll)))
		}
		witness = append(witness, ctx.scripts[i])
		tx.TxIn[i].Witness = witness
	}
	return tx, nil
}

// VerifyTx runs the script engine on every input of a finalized transaction.
func (d *Descriptor) VerifyTx(req SigningRequest, tx *wire.MsgTx) error {
	ctx, err := d.newSighashContext(req)
	if err != nil {
		return err
	}
	sigHashes := txscript.NewTxSigHashes(tx, ctx.fetcher)
	for i, spent := range req.Spent {
		engine, err := txscript.NewEngine(
			ctx.pkScripts[i], tx, i, txscript.StandardVerifyFlags, nil,
			sigHashes, spent.Value, ctx.fetcher,
		)
		if err != nil {
			return err
		}
		if err := engine.Execute(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	return nil
}
