package domain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	contributionTag = "fedmint/contribution"
	batchTag        = "fedmint/batch"
	proposalTag     = "fedmint/proposal"
	voteTag         = "fedmint/vote"
	outcomeTag      = "fedmint/outcome"
)

// WalletObservation is the view of the chain of a peer. Height is already lowered by
// the finality delay.
type WalletObservation struct {
	Height  uint32 `json:"height"`
	FeeRate uint64 `json:"feeRate"`
}

type WalletShareItem struct {
	Txid  chainhash.Hash `json:"txid"`
	Share []byte         `json:"share"`
}

type BroadcastReportItem struct {
	Txid     chainhash.Hash `json:"txid"`
	Accepted bool           `json:"accepted"`
}

type DecryptionShareItem struct {
	ContractID ContractID `json:"contractId"`
	Share      []byte     `json:"share"`
}

// ConsensusItems are the outputs of threshold protocols that must change the state of
// every peer in the same epoch.
type ConsensusItems struct {
	WalletShares     []WalletShareItem     `json:"walletShares,omitempty"`
	BroadcastReports []BroadcastReportItem `json:"broadcastReports,omitempty"`
	DecryptionShares []DecryptionShareItem `json:"decryptionShares,omitempty"`
}

func (c ConsensusItems) IsEmpty() bool {
	return len(c.WalletShares) == 0 && len(c.BroadcastReports) == 0 &&
		len(c.DecryptionShares) == 0
}

// Contribution is what a peer brings to an epoch.
type Contribution struct {
	Epoch       uint64            `json:"epoch"`
	Peer        PeerID            `json:"peer"`
	Txs         []Transaction     `json:"txs"`
	BeaconShare []byte            `json:"beaconShare"`
	Wallet      WalletObservation `json:"wallet"`
	Items       ConsensusItems    `json:"items"`
	// outcome hash of the previous epoch as computed by the sender
	PrevOutcome Hash32 `json:"prevOutcome"`
	Signature   []byte `json:"signature,omitempty"`
}

func (c Contribution) SigHash() (Hash32, error) {
	c.Signature = nil
	return taggedJSONHash(contributionTag, c)
}

// Batch is the value agreed by consensus for one epoch: at least 2f+1 contributions
// sorted by peer.
type Batch struct {
	Epoch         uint64         `json:"epoch"`
	Contributions []Contribution `json:"contributions"`
}

func NewBatch(epoch uint64, contributions []Contribution) Batch {
	sorted := make([]Contribution, len(contributions))
	copy(sorted, contributions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Peer < sorted[j].Peer })
	return Batch{Epoch: epoch, Contributions: sorted}
}

func (b Batch) Hash() (Hash32, error) {
	return taggedJSONHash(batchTag, b)
}

// Transactions returns the union of the contributed transactions without duplicates,
// sorted by sha256(beacon || txid).
func (b Batch) Transactions(beacon Hash32) []Transaction {
	seen := make(map[TxID]struct{})
	type keyed struct {
		key Hash32
		tx  Transaction
	}
	txs := make([]keyed, 0)
	for _, c := range b.Contributions {
		for _, tx := range c.Txs {
			id := tx.ID()
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			key := chainhash.HashH(append(beacon[:], id[:]...))
			txs = append(txs, keyed{Hash32(key), tx})
		}
	}
	sort.Slice(txs, func(i, j int) bool {
		return string(txs[i].key[:]) < string(txs[j].key[:])
	})
	ordered := make([]Transaction, 0, len(txs))
	for _, t := range txs {
		ordered = append(ordered, t.tx)
	}
	return ordered
}

type Proposal struct {
	Epoch uint64 `json:"epoch"`
	Round uint32 `json:"round"`
	// round in which the leader saw a quorum of prevotes for the batch, -1 if none
	ValidRound int32  `json:"validRound"`
	Batch      Batch  `json:"batch"`
	Peer       PeerID `json:"peer"`
	Signature  []byte `json:"signature,omitempty"`
}

func (p Proposal) SigHash() (Hash32, error) {
	p.Signature = nil
	return taggedJSONHash(proposalTag, p)
}

type VoteType uint8

const (
	Prevote VoteType = iota + 1
	Precommit
)

func (t VoteType) String() string {
	switch t {
	case Prevote:
		return "prevote"
	case Precommit:
		return "precommit"
	default:
		return "unknown"
	}
}

// Vote for a batch hash. A zero hash is a vote for nothing.
type Vote struct {
	Type      VoteType `json:"type"`
	Epoch     uint64   `json:"epoch"`
	Round     uint32   `json:"round"`
	BatchHash Hash32   `json:"batchHash"`
	Peer      PeerID   `json:"peer"`
	Signature []byte   `json:"signature,omitempty"`
}

func (v Vote) SigHash() Hash32 {
	buf := make([]byte, 0, 1+8+4+32)
	buf = append(buf, byte(v.Type))
	buf = binary.BigEndian.AppendUint64(buf, v.Epoch)
	buf = binary.BigEndian.AppendUint32(buf, v.Round)
	buf = append(buf, v.BatchHash[:]...)
	return Hash32(*chainhash.TaggedHash([]byte(voteTag), buf))
}

// CommitCertificate proves that a batch was committed: 2f+1 precommits for its hash.
type CommitCertificate struct {
	Batch      Batch  `json:"batch"`
	Round      uint32 `json:"round"`
	Precommits []Vote `json:"precommits"`
}

// EpochRecord is stored for every applied epoch.
type EpochRecord struct {
	Epoch       uint64            `json:"epoch"`
	Beacon      Hash32            `json:"beacon"`
	Accepted    []TxID            `json:"accepted"`
	OutcomeHash Hash32            `json:"outcomeHash"`
	Certificate CommitCertificate `json:"certificate"`
}

// OutcomeHash chains the result of an epoch onto the previous one.
func OutcomeHash(
	prev Hash32, epoch uint64, beacon Hash32, accepted []TxID, walletRecord []byte,
) Hash32 {
	buf := make([]byte, 0, 32+8+32+32*len(accepted)+len(walletRecord))
	buf = append(buf, prev[:]...)
	buf = binary.BigEndian.AppendUint64(buf, epoch)
	buf = append(buf, beacon[:]...)
	for _, id := range accepted {
		buf = append(buf, id[:]...)
	}
	buf = append(buf, walletRecord...)
	return Hash32(*chainhash.TaggedHash([]byte(outcomeTag), buf))
}

func taggedJSONHash(tag string, v any) (Hash32, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return Hash32{}, fmt.Errorf("failed to encode %s: %w", tag, err)
	}
	return Hash32(*chainhash.TaggedHash([]byte(tag), buf)), nil
}

// AcceptedTx is stored for every transaction accepted into an epoch.
type AcceptedTx struct {
	Epoch uint64      `json:"epoch"`
	Tx    Transaction `json:"tx"`
}
