package application

import (
	"context"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/errors"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"
)

type Service interface {
	Start() error
	Stop()
	// Done is closed when the node halts on its own, Err tells why.
	Done() <-chan struct{}
	Err() error

	SubmitTransaction(ctx context.Context, tx domain.Transaction) (domain.TxID, errors.Error)
	GetTransaction(ctx context.Context, txid domain.TxID) (*TxStatus, errors.Error)
	GetOutpoint(ctx context.Context, outpoint domain.MintOutpoint) (*domain.IssuanceState, errors.Error)
	// WaitOutpoint blocks until the signature of the outpoint is finalized or ctx is done.
	WaitOutpoint(ctx context.Context, outpoint domain.MintOutpoint) (*domain.IssuanceState, errors.Error)
	GetEpoch(ctx context.Context) (*EpochInfo, errors.Error)
	GetRoundConsensus(ctx context.Context) (*domain.RoundConsensus, errors.Error)
	ListQueuedPegOuts(ctx context.Context) ([]domain.QueuedPegOut, errors.Error)
	GetPegOutTx(ctx context.Context, txid chainhash.Hash) (*domain.PegOutTx, errors.Error)
	GetPegInAddress(ctx context.Context, tweak domain.Hash32) (string, errors.Error)
	GetOffer(ctx context.Context, hash lntypes.Hash) (*domain.Offer, errors.Error)
	GetContract(ctx context.Context, id domain.ContractID) (*domain.ContractAccount, errors.Error)
	GetInfo(ctx context.Context) *FederationInfo
	ListPeerHealth(ctx context.Context) ([]ports.PeerHealth, errors.Error)
}

type Config struct {
	Self       domain.PeerID
	Federation *domain.Federation
	Secrets    *domain.PeerSecrets

	RoundTimeout  time.Duration
	EpochInterval time.Duration
	// every WalletRoundEpochs epochs the federation closes a wallet round
	WalletRoundEpochs  uint64
	MaxPegOutsPerRound int
	PegOutFee          domain.Amount
	// max number of pending txs included in a contribution
	MaxTxsPerContribution int
	// how often the chain oracle is polled for height and fees
	ChainPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WalletRoundEpochs == 0 {
		c.WalletRoundEpochs = 10
	}
	if c.MaxPegOutsPerRound <= 0 {
		c.MaxPegOutsPerRound = 100
	}
	if c.MaxTxsPerContribution <= 0 {
		c.MaxTxsPerContribution = 500
	}
	if c.ChainPollInterval <= 0 {
		c.ChainPollInterval = 30 * time.Second
	}
	return c
}

type TxState string

const (
	TxPending  TxState = "pending"
	TxAccepted TxState = "accepted"
)

type TxStatus struct {
	Txid  domain.TxID
	State TxState
	// set once accepted
	Epoch uint64
}

type EpochInfo struct {
	// last committed epoch, meaningless when Committed is false
	Epoch     uint64
	Committed bool
	Beacon    domain.Hash32
	Outcome   domain.Hash32
	Accepted  int
	// epoch being agreed and its round
	CurrentEpoch uint64
	CurrentRound uint32
}

type PeerInfo struct {
	ID          domain.PeerID
	Name        string
	Role        string
	APIURL      string
	IdentityKey string
}

type FederationInfo struct {
	Self           domain.PeerID
	Network        string
	Peers          []PeerInfo
	Tiers          []domain.Tier
	Threshold      int
	FinalityDelay  uint32
	PegOutFee      domain.Amount
	WalletRoundLen uint64
}
