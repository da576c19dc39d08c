package ports

import (
	"context"
	"encoding/json"

	"github.com/arkade-os/fedmint/internal/core/domain"
)

type MessageKind string

const (
	MsgContribution  MessageKind = "contribution"
	MsgProposal      MessageKind = "proposal"
	MsgVote          MessageKind = "vote"
	MsgSyncRequest   MessageKind = "sync_request"
	MsgSyncResponse  MessageKind = "sync_response"
	MsgIssuanceShare MessageKind = "issuance_share"
	MsgShareRequest  MessageKind = "share_request"
)

// PeerMessage is a message whose sender has been authenticated by the transport.
type PeerMessage struct {
	From    domain.PeerID   `json:"from"`
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func NewPeerMessage(kind MessageKind, payload any) (PeerMessage, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return PeerMessage{}, err
	}
	return PeerMessage{Kind: kind, Payload: buf}, nil
}

type Transport interface {
	// Broadcast sends the message to every other peer.
	Broadcast(ctx context.Context, msg PeerMessage) error
	Send(ctx context.Context, to domain.PeerID, msg PeerMessage) error
	// Messages returns the stream of authenticated incoming messages.
	Messages() <-chan PeerMessage
	Close()
}

type SyncRequest struct {
	FromEpoch uint64 `json:"fromEpoch"`
}

type SyncResponse struct {
	Certificates []domain.CommitCertificate `json:"certificates"`
}

type ShareMessage struct {
	Outpoint domain.MintOutpoint `json:"outpoint"`
	Share    []byte              `json:"share"`
}

type ShareRequest struct {
	Outpoints []domain.MintOutpoint `json:"outpoints"`
}
