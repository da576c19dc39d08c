package domain

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Namespace is the one byte prefix of every key of a KV table.
type Namespace byte

const (
	NsPendingTx Namespace = iota + 1
	NsAcceptedTx
	NsUsedCoin
	NsIssuance
	NsProposedShare
	NsReceivedShare
	NsFinalizedSig
	NsBlock
	NsBlockHash
	NsUTXO
	NsRoundConsensus
	NsQueuedPegOut
	NsUnsignedTx
	NsPendingPegOutTx
	NsPendingSig
	NsAccount
	NsOffer
	NsDecryptionShare
	NsEpoch
	NsEpochHead
	NsBroadcastTx
)

var namespaceNames = map[Namespace]string{
	NsPendingTx:       "pending-tx",
	NsAcceptedTx:      "accepted-tx",
	NsUsedCoin:        "used-coin",
	NsIssuance:        "issuance",
	NsProposedShare:   "proposed-share",
	NsReceivedShare:   "received-share",
	NsFinalizedSig:    "finalized-sig",
	NsBlock:           "block",
	NsBlockHash:       "block-hash",
	NsUTXO:            "utxo",
	NsRoundConsensus:  "round-consensus",
	NsQueuedPegOut:    "queued-pegout",
	NsUnsignedTx:      "unsigned-tx",
	NsPendingPegOutTx: "pending-pegout-tx",
	NsPendingSig:      "pending-sig",
	NsAccount:         "account",
	NsOffer:           "offer",
	NsDecryptionShare: "decryption-share",
	NsEpoch:           "epoch",
	NsEpochHead:       "epoch-head",
	NsBroadcastTx:     "broadcast-tx",
}

func (n Namespace) String() string {
	if name, ok := namespaceNames[n]; ok {
		return name
	}
	return "unknown"
}

// Prefix is the key prefix used to scan the whole table.
func (n Namespace) Prefix() []byte {
	return []byte{byte(n)}
}

// Key joins the namespace prefix and the given parts.
func (n Namespace) Key(parts ...[]byte) []byte {
	size := 1
	for _, p := range parts {
		size += len(p)
	}
	key := make([]byte, 0, size)
	key = append(key, byte(n))
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

func PeerKey(p PeerID) []byte {
	return binary.BigEndian.AppendUint16(nil, uint16(p))
}

func Uint32Key(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

func Uint64Key(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func OutPointKey(op wire.OutPoint) []byte {
	key := make([]byte, 0, 36)
	key = append(key, op.Hash[:]...)
	return binary.BigEndian.AppendUint32(key, op.Index)
}

func OutPointFromKey(key []byte) (wire.OutPoint, bool) {
	if len(key) != 36 {
		return wire.OutPoint{}, false
	}
	var hash chainhash.Hash
	copy(hash[:], key[:32])
	return wire.OutPoint{Hash: hash, Index: binary.BigEndian.Uint32(key[32:])}, true
}

// PeerFromKey reads the trailing peer id of a share key.
func PeerFromKey(key []byte) (PeerID, bool) {
	if len(key) < 2 {
		return 0, false
	}
	return PeerID(binary.BigEndian.Uint16(key[len(key)-2:])), true
}
