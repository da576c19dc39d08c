package application

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/errors"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestApplyEpoch(t *testing.T) {
	ctx := context.Background()

	t.Run("conflicting txs", func(t *testing.T) {
		h := newTestHarness(t)
		key, coin := h.mintCoin()

		txs := make([]domain.Transaction, 0, 2)
		for i := 0; i < 2; i++ {
			_, _, out := h.blindedCoin()
			tx := signTx(t, domain.Transaction{
				Inputs:  []domain.Input{coin},
				Outputs: []domain.Output{out},
			}, key)
			h.submit(tx)
			txs = append(txs, tx)
		}
		h.runEpoch(0)

		node := h.nodes[0]
		accepted := 0
		for _, tx := range txs {
			status, verr := node.GetTransaction(ctx, tx.ID())
			if verr != nil {
				require.True(t, errors.NOT_FOUND.Is(verr))
				continue
			}
			require.Equal(t, TxAccepted, status.State)
			accepted++
		}
		require.Equal(t, 1, accepted)

		info, verr := node.GetEpoch(ctx)
		require.NoError(t, verr)
		require.True(t, info.Committed)
		require.Zero(t, info.Epoch)
		require.Equal(t, 1, info.Accepted)
		require.False(t, node.HasPendingTxs(ctx))
	})

	t.Run("spent coin", func(t *testing.T) {
		h := newTestHarness(t)
		key, coin := h.mintCoin()
		_, _, out := h.blindedCoin()
		tx := signTx(t, domain.Transaction{
			Inputs:  []domain.Input{coin},
			Outputs: []domain.Output{out},
		}, key)

		node := h.nodes[0]
		txid, verr := node.SubmitTransaction(ctx, tx)
		require.NoError(t, verr)
		require.Equal(t, tx.ID(), txid)
		require.True(t, node.HasPendingTxs(ctx))

		// resubmitting a pending tx is a no-op
		txid, verr = node.SubmitTransaction(ctx, tx)
		require.NoError(t, verr)
		require.Equal(t, tx.ID(), txid)
		status, verr := node.GetTransaction(ctx, txid)
		require.NoError(t, verr)
		require.Equal(t, TxPending, status.State)

		h.runEpoch(0)

		_, _, other := h.blindedCoin()
		respend := signTx(t, domain.Transaction{
			Inputs:  []domain.Input{coin},
			Outputs: []domain.Output{other},
		}, key)
		_, verr = node.SubmitTransaction(ctx, respend)
		require.Error(t, verr)
		require.True(t, errors.DOUBLE_SPEND.Is(verr))
	})

	t.Run("invalid txs", func(t *testing.T) {
		h := newTestHarness(t)
		node := h.nodes[0]
		key, coin := h.mintCoin()
		_, _, out := h.blindedCoin()

		forged := coin
		forged.Signature = append([]byte{}, coin.Signature...)
		forged.Nonce[0] ^= 1

		bigger := out
		bigger.Tier = testTier * 2

		testCases := []struct {
			name string
			tx   domain.Transaction
			is   func(error) bool
		}{
			{
				name: "no inputs",
				tx:   domain.Transaction{Outputs: []domain.Output{out}},
				is:   errors.INVALID_TX_FORMAT.Is,
			},
			{
				name: "missing signature",
				tx: domain.Transaction{
					Inputs:  []domain.Input{coin},
					Outputs: []domain.Output{out},
				},
				is: errors.INVALID_TX_FORMAT.Is,
			},
			{
				name: "wrong signer",
				tx: signTx(t, domain.Transaction{
					Inputs:  []domain.Input{coin},
					Outputs: []domain.Output{out},
				}, h.nodes[1].secrets.IdentityKey),
				is: errors.INVALID_PROOF.Is,
			},
			{
				name: "coin not signed by the federation",
				tx: signTx(t, domain.Transaction{
					Inputs:  []domain.Input{forged},
					Outputs: []domain.Output{out},
				}, key),
				is: errors.INVALID_PROOF.Is,
			},
			{
				name: "unknown tier",
				tx: signTx(t, domain.Transaction{
					Inputs:  []domain.Input{coin},
					Outputs: []domain.Output{bigger},
				}, key),
				is: errors.UNKNOWN_TIER.Is,
			},
			{
				name: "outputs above inputs",
				tx: signTx(t, domain.Transaction{
					Inputs:  []domain.Input{coin},
					Outputs: []domain.Output{out, out},
				}, key),
				is: errors.INSUFFICIENT_FUNDS.Is,
			},
			{
				name: "peg-out below dust",
				tx: signTx(t, domain.Transaction{
					Inputs: []domain.Input{coin},
					Outputs: []domain.Output{
						domain.PegOutOutput{Address: testAddress(t), Amount: 100},
					},
				}, key),
				is: errors.INVALID_PEGOUT.Is,
			},
			{
				name: "peg-out to another network",
				tx: signTx(t, domain.Transaction{
					Inputs: []domain.Input{coin},
					Outputs: []domain.Output{
						domain.PegOutOutput{
							Address: "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", Amount: 600,
						},
					},
				}, key),
				is: errors.INVALID_PEGOUT.Is,
			},
			{
				name: "peg-out wrapping the output sum",
				tx: signTx(t, domain.Transaction{
					Inputs: []domain.Input{coin},
					Outputs: []domain.Output{
						out,
						domain.PegOutOutput{
							Address: testAddress(t),
							Amount:  domain.Amount(math.MaxUint64) - testTier + 1,
						},
					},
				}, key),
				is: errors.INVALID_PEGOUT.Is,
			},
			{
				name: "peg-out above the bitcoin supply",
				tx: signTx(t, domain.Transaction{
					Inputs: []domain.Input{coin},
					Outputs: []domain.Output{
						domain.PegOutOutput{Address: testAddress(t), Amount: domain.MaxAmount + 1},
					},
				}, key),
				is: errors.INVALID_PEGOUT.Is,
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				_, verr := node.SubmitTransaction(ctx, tc.tx)
				require.Error(t, verr)
				require.True(t, tc.is(verr), verr.Error())
			})
		}
		require.False(t, node.HasPendingTxs(ctx))
	})

	t.Run("gateway", func(t *testing.T) {
		h := newTestHarness(t)
		node := h.nodes[0]
		node.self.Role = domain.RoleGateway

		key, coin := h.mintCoin()
		_, _, out := h.blindedCoin()
		_, verr := node.SubmitTransaction(ctx, signTx(t, domain.Transaction{
			Inputs:  []domain.Input{coin},
			Outputs: []domain.Output{out},
		}, key))
		require.Error(t, verr)
		require.True(t, errors.NOT_A_MINT_PEER.Is(verr))
	})

	t.Run("out of order", func(t *testing.T) {
		h := newTestHarness(t)
		node := h.nodes[0]
		first := h.runEpoch(0)

		cert := domain.CommitCertificate{Batch: domain.NewBatch(2, h.contributions(2))}
		_, err := node.ApplyEpoch(ctx, cert, testBeacon(2))
		require.Error(t, err)

		// an applied epoch is not applied twice
		cert = domain.CommitCertificate{Batch: domain.NewBatch(0, h.contributions(0))}
		outcome, err := node.ApplyEpoch(ctx, cert, testBeacon(0))
		require.NoError(t, err)
		require.Equal(t, first, outcome)

		next, head, err := node.EpochHead(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(1), next)
		require.Equal(t, first, head)
	})
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	key, pegIn := h.pegIn(pegInHeight, pegInAmount)

	h.observe(pegInHeight)
	h.runEpoch(0)
	h.submit(signTx(t, domain.Transaction{
		Inputs: []domain.Input{pegIn},
		Outputs: []domain.Output{
			domain.PegOutOutput{Address: testAddress(t), Amount: pegOutAmount},
		},
	}, key))
	h.runEpoch(1)

	coinKey, coin := h.mintCoin()
	_, _, out := h.blindedCoin()
	h.submit(signTx(t, domain.Transaction{
		Inputs:  []domain.Input{coin},
		Outputs: []domain.Output{out},
	}, coinKey))
	h.observe(pegInHeight + 5)
	h.runEpoch(2)
	h.runEpoch(3)
	h.runEpoch(4)

	certs, err := h.nodes[0].Certificates(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, certs, 5)

	// a peer rebuilding its state from the certificates reaches the same outcome
	replica := h.newNode(0)
	t.Cleanup(replica.repoManager.Close)
	for _, cert := range certs {
		_, err := replica.ApplyEpoch(ctx, cert, testBeacon(cert.Batch.Epoch))
		require.NoError(t, err)
	}

	for _, node := range append(h.nodes, replica) {
		next, outcome, err := node.EpochHead(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(5), next)

		_, expected, err := h.nodes[0].EpochHead(ctx)
		require.NoError(t, err)
		require.Equal(t, expected, outcome)
	}

	queue, verr := replica.ListQueuedPegOuts(ctx)
	require.NoError(t, verr)
	expected, verr := h.nodes[0].ListQueuedPegOuts(ctx)
	require.NoError(t, verr)
	require.Equal(t, expected, queue)

	round, verr := replica.GetRoundConsensus(ctx)
	require.NoError(t, verr)
	require.Equal(t, uint32(pegInHeight+5), round.Height)
}

type unavailableKVStore struct{}

func (unavailableKVStore) View(context.Context, func(ports.KVTx) error) error {
	return fmt.Errorf("store closed")
}

func (unavailableKVStore) Update(context.Context, func(ports.KVTx) error) error {
	return fmt.Errorf("store closed")
}

func (unavailableKVStore) Close() {}

func TestHasPendingTxsStoreError(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	svc := &service{kv: unavailableKVStore{}}
	require.False(t, svc.HasPendingTxs(context.Background()))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, log.WarnLevel, entry.Level)
	require.EqualError(t, entry.Data[log.ErrorKey].(error), "store closed")
}
