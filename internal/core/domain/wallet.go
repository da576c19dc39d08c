package domain

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/looplab/fsm"
)

// UTXO is a federation output. It is never deleted: spending only sets the flag.
type UTXO struct {
	Outpoint wire.OutPoint `json:"outpoint"`
	Amount   Amount        `json:"amount"`
	// tweak of the federation descriptor locking the output
	Tweak Hash32 `json:"tweak"`
	// unsigned peg-out tx that currently holds the output
	ReservedBy *chainhash.Hash `json:"reservedBy,omitempty"`
	Spent      bool            `json:"spent"`
}

func (u UTXO) Available() bool {
	return !u.Spent && u.ReservedBy == nil
}

// QueuedPegOut is a peg-out waiting to be batched into a federation transaction.
type QueuedPegOut struct {
	ID      MintOutpoint `json:"id"`
	Address string       `json:"address"`
	Amount  Amount       `json:"amount"`
	// consensus height at which the peg-out was queued
	Since      uint32          `json:"since"`
	ReservedBy *chainhash.Hash `json:"reservedBy,omitempty"`
}

// RoundConsensus is the outcome of the last wallet round.
type RoundConsensus struct {
	Epoch   uint64
	Height  uint32
	FeeRate uint64
	Beacon  Hash32
}

const (
	roundEpochType   tlv.Type = 0
	roundHeightType  tlv.Type = 2
	roundFeeRateType tlv.Type = 4
	roundBeaconType  tlv.Type = 6
)

func (r *RoundConsensus) stream() (*tlv.Stream, error) {
	beacon := (*[32]byte)(&r.Beacon)
	return tlv.NewStream(
		tlv.MakePrimitiveRecord(roundEpochType, &r.Epoch),
		tlv.MakePrimitiveRecord(roundHeightType, &r.Height),
		tlv.MakePrimitiveRecord(roundFeeRateType, &r.FeeRate),
		tlv.MakePrimitiveRecord(roundBeaconType, beacon),
	)
}

func (r RoundConsensus) Serialize() ([]byte, error) {
	stream, err := r.stream()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DeserializeRoundConsensus(buf []byte) (*RoundConsensus, error) {
	r := &RoundConsensus{}
	stream, err := r.stream()
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(buf)); err != nil {
		return nil, fmt.Errorf("invalid round consensus record: %w", err)
	}
	return r, nil
}

type PegOutTxState string

const (
	PegOutTxUnsigned  PegOutTxState = "unsigned"
	PegOutTxPending   PegOutTxState = "pending"
	PegOutTxBroadcast PegOutTxState = "broadcast"
	PegOutTxAbandoned PegOutTxState = "abandoned"
)

const (
	PegOutEventSigned   = "signed"
	PegOutEventAccepted = "accepted"
	PegOutEventRejected = "rejected"
	PegOutEventAbandon  = "abandon"
)

// PegOutTx is a federation transaction paying out a batch of queued peg-outs.
type PegOutTx struct {
	Txid  chainhash.Hash `json:"txid"`
	State PegOutTxState  `json:"state"`
	// multisig signing request encoded as psbt
	Psbt []byte `json:"psbt"`
	// fully signed transaction, once pending
	SignedTx    []byte         `json:"signedTx,omitempty"`
	PegOuts     []QueuedPegOut `json:"pegOuts"`
	ChangeTweak Hash32         `json:"changeTweak"`
	// index of the change output, -1 if none
	ChangeIndex int32  `json:"changeIndex"`
	Fee         Amount `json:"fee"`
	// epoch of the wallet round that built the tx
	RoundEpoch uint64   `json:"roundEpoch"`
	AcceptedBy []PeerID `json:"acceptedBy,omitempty"`
	RejectedBy []PeerID `json:"rejectedBy,omitempty"`
}

// Transition moves the tx through its lifecycle:
// unsigned -> pending -> broadcast, pending -> unsigned, unsigned -> abandoned.
func (t *PegOutTx) Transition(ctx context.Context, event string) error {
	machine := newPegOutTxFSM(t.State)
	if err := machine.Event(ctx, event); err != nil {
		return fmt.Errorf("peg-out tx %s: %w", t.Txid, err)
	}
	t.State = PegOutTxState(machine.Current())
	return nil
}

func (t *PegOutTx) AddReport(peer PeerID, accepted bool) bool {
	if containsPeer(t.AcceptedBy, peer) || containsPeer(t.RejectedBy, peer) {
		return false
	}
	if accepted {
		t.AcceptedBy = append(t.AcceptedBy, peer)
	} else {
		t.RejectedBy = append(t.RejectedBy, peer)
	}
	return true
}

func newPegOutTxFSM(state PegOutTxState) *fsm.FSM {
	return fsm.NewFSM(
		string(state),
		fsm.Events{
			{
				Name: PegOutEventSigned,
				Src:  []string{string(PegOutTxUnsigned)},
				Dst:  string(PegOutTxPending),
			},
			{
				Name: PegOutEventAccepted,
				Src:  []string{string(PegOutTxPending)},
				Dst:  string(PegOutTxBroadcast),
			},
			{
				Name: PegOutEventRejected,
				Src:  []string{string(PegOutTxPending)},
				Dst:  string(PegOutTxUnsigned),
			},
			{
				Name: PegOutEventAbandon,
				Src:  []string{string(PegOutTxUnsigned)},
				Dst:  string(PegOutTxAbandoned),
			},
		},
		fsm.Callbacks{},
	)
}

func containsPeer(peers []PeerID, peer PeerID) bool {
	for _, p := range peers {
		if p == peer {
			return true
		}
	}
	return false
}
