package wstransport

import (
	"encoding/json"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const envelopeTag = "fedmint/envelope"

// envelope is the signed wire form of a peer message.
type envelope struct {
	ID        string            `json:"id"`
	From      domain.PeerID     `json:"from"`
	To        *domain.PeerID    `json:"to,omitempty"`
	Kind      ports.MessageKind `json:"kind"`
	Payload   json.RawMessage   `json:"payload"`
	Signature []byte            `json:"signature,omitempty"`
}

func (e envelope) sigHash() (domain.Hash32, error) {
	e.Signature = nil
	buf, err := json.Marshal(e)
	if err != nil {
		return domain.Hash32{}, err
	}
	return domain.Hash32(*chainhash.TaggedHash([]byte(envelopeTag), buf)), nil
}
