package domain

import "github.com/btcsuite/btcd/chaincfg/chainhash"

const (
	TopicEpochCommitted       = "epoch_committed"
	TopicSignatureFinalized   = "signature_finalized"
	TopicInvalidShare         = "invalid_share"
	TopicPegOutTxStateChanged = "pegout_tx_state_changed"
	TopicPreimageDecrypted    = "preimage_decrypted"
	TopicSafetyViolation      = "safety_violation"
)

type Event interface {
	Topic() string
}

type EpochCommitted struct {
	Epoch    uint64 `json:"epoch"`
	Round    uint32 `json:"round"`
	Beacon   Hash32 `json:"beacon"`
	Accepted []TxID `json:"accepted"`
	Rejected int    `json:"rejected"`
}

func (EpochCommitted) Topic() string { return TopicEpochCommitted }

type SignatureFinalized struct {
	Outpoint  MintOutpoint `json:"outpoint"`
	Signature []byte       `json:"signature"`
}

func (SignatureFinalized) Topic() string { return TopicSignatureFinalized }

// ShareKind tells which threshold protocol a share belongs to.
type ShareKind string

const (
	ShareIssuance   ShareKind = "issuance"
	ShareBeacon     ShareKind = "beacon"
	ShareWallet     ShareKind = "wallet"
	ShareDecryption ShareKind = "decryption"
)

type InvalidShareReceived struct {
	Peer PeerID    `json:"peer"`
	Kind ShareKind `json:"kind"`
	Key  string    `json:"key"`
}

func (InvalidShareReceived) Topic() string { return TopicInvalidShare }

type PegOutTxStateChanged struct {
	Txid  chainhash.Hash `json:"txid"`
	State PegOutTxState  `json:"state"`
	Epoch uint64         `json:"epoch"`
}

func (PegOutTxStateChanged) Topic() string { return TopicPegOutTxStateChanged }

type PreimageDecrypted struct {
	ContractID ContractID `json:"contractId"`
	Valid      bool       `json:"valid"`
	Preimage   []byte     `json:"preimage,omitempty"`
}

func (PreimageDecrypted) Topic() string { return TopicPreimageDecrypted }

type SafetyViolation struct {
	Epoch         uint64 `json:"epoch"`
	LocalOutcome  Hash32 `json:"localOutcome"`
	QuorumOutcome Hash32 `json:"quorumOutcome"`
}

func (SafetyViolation) Topic() string { return TopicSafetyViolation }
