package ports

import (
	"context"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

type BroadcastResult struct {
	Accepted bool
	// reason given by the node when rejected
	Reason string
}

// ChainOracle is the view of the Bitcoin network of a peer.
type ChainOracle interface {
	GetBlockHeight(ctx context.Context) (uint32, error)
	GetBlockHash(ctx context.Context, height uint32) (chainhash.Hash, error)
	EstimateFeeRate(ctx context.Context) (chainfee.SatPerKVByte, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (BroadcastResult, error)
}

// PegInProofSource builds the proof of a deposit to the federation that a client
// attaches to its peg-in input.
type PegInProofSource interface {
	GetPegInProof(
		ctx context.Context, txid chainhash.Hash, vout uint32, tweak domain.Hash32,
	) (*domain.PegInProof, error)
}
