package application

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	badgerdb "github.com/arkade-os/fedmint/internal/infrastructure/db/badger"
	inmemorylivestore "github.com/arkade-os/fedmint/internal/infrastructure/live-store/inmemory"
	inmemorytransport "github.com/arkade-os/fedmint/internal/infrastructure/transport/inmemory"
	"github.com/arkade-os/fedmint/pkg/multisig"
	"github.com/arkade-os/fedmint/pkg/tbs"
	"github.com/arkade-os/fedmint/pkg/tpke"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

const (
	numOfPeers = 4
	testTier   = domain.Tier(1024)
	pegOutFee  = domain.Amount(1000)
	feeRate    = 2000
)

type testChain struct {
	lock      sync.Mutex
	height    uint32
	overrides map[uint32]chainhash.Hash
	broadcast map[chainhash.Hash]*wire.MsgTx
	reject    bool
	// number of block hash requests to fail, negative fails them all
	failures int
}

func newTestChain() *testChain {
	return &testChain{
		overrides: make(map[uint32]chainhash.Hash),
		broadcast: make(map[chainhash.Hash]*wire.MsgTx),
	}
}

func (c *testChain) GetBlockHeight(context.Context) (uint32, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.height, nil
}

func (c *testChain) GetBlockHash(_ context.Context, height uint32) (chainhash.Hash, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.failures != 0 {
		if c.failures > 0 {
			c.failures--
		}
		return chainhash.Hash{}, fmt.Errorf("connection refused")
	}
	if hash, ok := c.overrides[height]; ok {
		return hash, nil
	}
	return chainhash.DoubleHashH(domain.Uint32Key(height)), nil
}

func (c *testChain) EstimateFeeRate(context.Context) (chainfee.SatPerKVByte, error) {
	return feeRate, nil
}

func (c *testChain) Broadcast(_ context.Context, tx *wire.MsgTx) (ports.BroadcastResult, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.reject {
		return ports.BroadcastResult{Reason: "bad-txns-inputs-missingorspent"}, nil
	}
	c.broadcast[tx.TxHash()] = tx
	return ports.BroadcastResult{Accepted: true}, nil
}

type testScheduler struct{}

func (testScheduler) Start() {}
func (testScheduler) Stop()  {}

func (testScheduler) ScheduleTaskOnce(time.Time, func()) error   { return nil }
func (testScheduler) ScheduleEvery(time.Duration, func()) error { return nil }

type testRepoManager struct {
	kv     ports.KVStore
	health ports.PeerHealthRepository
}

func (m *testRepoManager) KV() ports.KVStore                       { return m.kv }
func (m *testRepoManager) PeerHealth() ports.PeerHealthRepository { return m.health }

func (m *testRepoManager) Close() {
	m.kv.Close()
	m.health.Close()
}

type testKeys struct {
	federation *domain.Federation
	secrets    []*domain.PeerSecrets
	// issuance key shares of the test tier, to mint coins out of band
	issuance []tbs.SecretKeyShare
}

func newTestKeys(t *testing.T) testKeys {
	threshold := domain.Quorum{N: numOfPeers}.Threshold()

	issuanceAgg, issuancePubs, issuanceSecs, err := tbs.Dealer(threshold, numOfPeers)
	require.NoError(t, err)
	beaconAgg, beaconPubs, beaconSecs, err := tbs.Dealer(threshold, numOfPeers)
	require.NoError(t, err)
	tpkePub, tpkeVks, tpkeSecs, err := tpke.Dealer(threshold, numOfPeers)
	require.NoError(t, err)

	keys := testKeys{
		federation: &domain.Federation{
			Network:       &chaincfg.RegressionNetParams,
			FinalityDelay: 0,
			Issuance: map[domain.Tier]*tbs.Scheme{
				testTier: tbs.NewScheme(threshold, issuanceAgg, issuancePubs),
			},
			Beacon:     tbs.NewScheme(threshold, beaconAgg, beaconPubs),
			Decryption: tpke.NewScheme(threshold, tpkePub, tpkeVks),
		},
		issuance: issuanceSecs,
	}

	walletPubs := make([]*btcec.PublicKey, 0, numOfPeers)
	for i := 0; i < numOfPeers; i++ {
		identity, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		walletKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		keys.federation.Peers = append(keys.federation.Peers, domain.Peer{
			ID:          domain.PeerID(i),
			Role:        domain.RoleMint,
			IdentityKey: identity.PubKey(),
		})
		keys.secrets = append(keys.secrets, &domain.PeerSecrets{
			IdentityKey: identity,
			Issuance:    map[domain.Tier]tbs.SecretKeyShare{testTier: issuanceSecs[i]},
			Beacon:      beaconSecs[i],
			Decryption:  tpkeSecs[i],
			WalletKey:   walletKey,
		})
		walletPubs = append(walletPubs, walletKey.PubKey())
	}
	keys.federation.Wallet, err = multisig.NewDescriptor(threshold, walletPubs)
	require.NoError(t, err)
	return keys
}

type testHarness struct {
	t       *testing.T
	keys    testKeys
	chain   *testChain
	network *inmemorytransport.Network
	nodes   []*service
	cfg     Config
}

func newTestHarness(t *testing.T) *testHarness {
	h := &testHarness{
		t:       t,
		keys:    newTestKeys(t),
		chain:   newTestChain(),
		network: inmemorytransport.NewNetwork(),
		cfg: Config{
			RoundTimeout:      time.Second,
			EpochInterval:     time.Second,
			WalletRoundEpochs: 2,
			PegOutFee:         pegOutFee,
		},
	}
	for i := 0; i < numOfPeers; i++ {
		h.nodes = append(h.nodes, h.newNode(domain.PeerID(i)))
	}
	t.Cleanup(func() {
		for _, node := range h.nodes {
			node.repoManager.Close()
		}
	})
	return h
}

func (h *testHarness) newNode(id domain.PeerID) *service {
	kv, err := badgerdb.NewKVStore("", nil)
	require.NoError(h.t, err)
	health, err := badgerdb.NewPeerHealthRepository("", nil)
	require.NoError(h.t, err)

	cfg := h.cfg
	cfg.Self = id
	cfg.Federation = h.keys.federation
	cfg.Secrets = h.keys.secrets[id]

	quorum := h.keys.federation.Quorum()
	svc, err := newService(
		cfg, &testRepoManager{kv, health}, h.chain, h.network.Transport(id),
		inmemorylivestore.NewLiveStore(quorum.Threshold()), testScheduler{}, nil, nil,
	)
	require.NoError(h.t, err)
	return svc
}

func (h *testHarness) observe(height uint32) {
	for _, node := range h.nodes {
		node.observation.Store(&domain.WalletObservation{Height: height, FeeRate: feeRate})
	}
}

func testBeacon(epoch uint64) domain.Hash32 {
	return domain.Hash32(sha256.Sum256(domain.Uint64Key(epoch)))
}

func (h *testHarness) contributions(epoch uint64) []domain.Contribution {
	ctx := context.Background()
	contributions := make([]domain.Contribution, 0, len(h.nodes))
	for _, node := range h.nodes {
		c, err := node.Contribution(ctx, epoch)
		require.NoError(h.t, err)
		contributions = append(contributions, c)
	}
	return contributions
}

// commit applies the batch on every node and checks that they agree on the outcome.
func (h *testHarness) commit(epoch uint64, contributions []domain.Contribution) domain.Hash32 {
	cert := domain.CommitCertificate{Batch: domain.NewBatch(epoch, contributions)}
	var outcome domain.Hash32
	for i, node := range h.nodes {
		got, err := node.ApplyEpoch(context.Background(), cert, testBeacon(epoch))
		require.NoError(h.t, err)
		if i == 0 {
			outcome = got
			continue
		}
		require.Equal(h.t, outcome, got, "peer %d diverged at epoch %d", i, epoch)
	}
	return outcome
}

func (h *testHarness) runEpoch(epoch uint64) domain.Hash32 {
	return h.commit(epoch, h.contributions(epoch))
}

func (h *testHarness) submit(tx domain.Transaction) {
	for _, node := range h.nodes {
		_, err := node.SubmitTransaction(context.Background(), tx)
		require.NoError(h.t, err)
	}
}

// mintCoin returns a coin of the test tier signed out of band with t key shares.
func (h *testHarness) mintCoin() (*btcec.PrivateKey, domain.CoinInput) {
	key, err := btcec.NewPrivateKey()
	require.NoError(h.t, err)
	var nonce domain.Hash32
	copy(nonce[:], schnorr.SerializePubKey(key.PubKey()))

	msg := tbs.MessageFromBytes(nonce[:])
	bk, err := tbs.NewBlindingKey()
	require.NoError(h.t, err)
	blinded := tbs.BlindMessage(msg, bk)

	threshold := h.keys.federation.Issuance[testTier].Threshold()
	shares := make(map[uint16]tbs.BlindedSignatureShare)
	for i := 0; i < threshold; i++ {
		shares[uint16(i)] = tbs.SignBlindedMessage(blinded, h.keys.issuance[i])
	}
	sig, err := tbs.AggregateSignatureShares(shares)
	require.NoError(h.t, err)

	return key, domain.CoinInput{
		Tier:      testTier,
		Nonce:     nonce,
		Signature: tbs.Unblind(sig, bk).Bytes(),
	}
}

// blindedCoin returns a fresh coin output and what is needed to unblind its signature.
func (h *testHarness) blindedCoin() (tbs.Message, tbs.BlindingKey, domain.CoinOutput) {
	key, err := btcec.NewPrivateKey()
	require.NoError(h.t, err)
	msg := tbs.MessageFromBytes(schnorr.SerializePubKey(key.PubKey()))
	bk, err := tbs.NewBlindingKey()
	require.NoError(h.t, err)
	return msg, bk, domain.CoinOutput{
		Tier:           testTier,
		BlindedMessage: tbs.BlindMessage(msg, bk).Bytes(),
	}
}

func signTx(t *testing.T, tx domain.Transaction, keys ...*btcec.PrivateKey) domain.Transaction {
	txid := tx.ID()
	tx.Signatures = make([][]byte, 0, len(keys))
	for _, key := range keys {
		sig, err := schnorr.Sign(key, txid[:])
		require.NoError(t, err)
		tx.Signatures = append(tx.Signatures, sig.Serialize())
	}
	return tx
}

func TestNewService(t *testing.T) {
	keys := newTestKeys(t)
	network := inmemorytransport.NewNetwork()

	kv, err := badgerdb.NewKVStore("", nil)
	require.NoError(t, err)
	health, err := badgerdb.NewPeerHealthRepository("", nil)
	require.NoError(t, err)
	repo := &testRepoManager{kv, health}
	defer repo.Close()

	liveStore := inmemorylivestore.NewLiveStore(3)

	testCases := []struct {
		name   string
		cfg    Config
		errMsg string
	}{
		{
			name:   "missing federation",
			cfg:    Config{Secrets: keys.secrets[0], RoundTimeout: time.Second},
			errMsg: "missing federation",
		},
		{
			name:   "missing secrets",
			cfg:    Config{Federation: keys.federation, RoundTimeout: time.Second},
			errMsg: "missing peer secrets",
		},
		{
			name: "unknown peer",
			cfg: Config{
				Self: 7, Federation: keys.federation, Secrets: keys.secrets[0],
				RoundTimeout: time.Second,
			},
			errMsg: "not part of the federation",
		},
		{
			name: "missing round timeout",
			cfg: Config{
				Federation: keys.federation, Secrets: keys.secrets[0],
			},
			errMsg: "round timeout",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewService(
				tc.cfg, repo, newTestChain(), network.Transport(0), liveStore,
				testScheduler{}, nil, nil,
			)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errMsg)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		svc, err := newService(
			Config{Federation: keys.federation, Secrets: keys.secrets[0], RoundTimeout: time.Second},
			repo, newTestChain(), network.Transport(0), liveStore, testScheduler{}, nil, nil,
		)
		require.NoError(t, err)
		require.Equal(t, uint64(10), svc.cfg.WalletRoundEpochs)
		require.Equal(t, 100, svc.cfg.MaxPegOutsPerRound)

		info := svc.GetInfo(context.Background())
		require.Equal(t, "regtest", info.Network)
		require.Equal(t, 3, info.Threshold)
		require.Len(t, info.Peers, numOfPeers)
		require.Equal(t, []domain.Tier{testTier}, info.Tiers)
	})
}

func TestObserveChain(t *testing.T) {
	h := newTestHarness(t)
	node := h.nodes[0]

	h.chain.height = 120
	node.observeChain(context.Background())
	obs := node.observation.Load()
	require.NotNil(t, obs)
	require.Equal(t, uint32(120), obs.Height)
	require.Equal(t, uint64(feeRate), obs.FeeRate)

	c, err := node.Contribution(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, *obs, c.Wallet)
}
