package application

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/errors"
	"github.com/arkade-os/fedmint/pkg/tbs"
	"github.com/stretchr/testify/require"
)

// drainRequests hands the requests queued by the applied epochs to the pipeline.
func drainRequests(t *testing.T, node *service) {
	for {
		select {
		case job := <-node.issuance.mailbox:
			require.NotEmpty(t, job.requests)
			node.issuance.handleRequests(context.Background(), job.requests)
		default:
			return
		}
	}
}

// drainMessages handles every message queued for the node and returns their kinds.
func drainMessages(node *service) []ports.MessageKind {
	kinds := make([]ports.MessageKind, 0)
	for {
		select {
		case msg := <-node.transport.Messages():
			kinds = append(kinds, msg.Kind)
			node.issuance.handleMessage(context.Background(), msg)
		default:
			return kinds
		}
	}
}

// nextMessage pops the next message received by the node from its peers.
func nextMessage(t *testing.T, node *service) ports.PeerMessage {
	select {
	case msg := <-node.transport.Messages():
		return msg
	default:
		require.FailNow(t, "no message received")
		return ports.PeerMessage{}
	}
}

func TestIssuance(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	for epoch := uint64(0); epoch < 5; epoch++ {
		h.runEpoch(epoch)
	}

	key, coin := h.mintCoin()
	msg, bk, out := h.blindedCoin()
	tx := signTx(t, domain.Transaction{
		Inputs:  []domain.Input{coin},
		Outputs: []domain.Output{out},
	}, key)
	h.submit(tx)
	h.runEpoch(5)

	txid := tx.ID()
	outpoint := domain.MintOutpoint{TxID: txid, OutIdx: 0}
	for _, node := range h.nodes {
		status, err := node.GetTransaction(ctx, txid)
		require.NoError(t, err)
		require.Equal(t, TxAccepted, status.State)
		require.Equal(t, uint64(5), status.Epoch)
	}

	// every peer signs its share and broadcasts it
	for _, node := range h.nodes {
		drainRequests(t, node)
	}

	node := h.nodes[0]
	state, verr := node.GetOutpoint(ctx, outpoint)
	require.NoError(t, verr)
	require.Equal(t, domain.IssuancePending, state.Status)
	require.Equal(t, 1, state.Shares)
	require.Equal(t, 3, state.Threshold)

	// shares of peers 1 and 2 reach the threshold
	for i, expected := range []int{2, 3} {
		msg := nextMessage(t, node)
		require.Equal(t, domain.PeerID(i+1), msg.From)
		require.Equal(t, ports.MsgIssuanceShare, msg.Kind)
		node.issuance.handleMessage(ctx, msg)

		state, verr := node.GetOutpoint(ctx, outpoint)
		require.NoError(t, verr)
		if expected < 3 {
			require.Equal(t, domain.IssuancePending, state.Status)
			require.Equal(t, expected, state.Shares)
			continue
		}
		require.Equal(t, domain.IssuanceFinalized, state.Status)
		require.NotEmpty(t, state.Signature)
	}
	require.Empty(t, node.issuance.entries)

	// the late share of peer 3 is checked and ignored
	late := nextMessage(t, node)
	require.Equal(t, domain.PeerID(3), late.From)
	node.issuance.handleMessage(ctx, late)

	state, verr = node.GetOutpoint(ctx, outpoint)
	require.NoError(t, verr)
	require.Equal(t, domain.IssuanceFinalized, state.Status)
	health, err := node.repoManager.PeerHealth().Get(ctx, 3)
	require.NoError(t, err)
	require.Zero(t, health.InvalidShares[domain.ShareIssuance])

	// the client unblinds a valid coin
	blindSig, err := tbs.BlindedSignatureFromBytes(state.Signature)
	require.NoError(t, err)
	sig := tbs.Unblind(blindSig, bk)
	require.True(t, tbs.Verify(msg, sig, h.keys.federation.Issuance[testTier].AggregatePublicKey()))

	waited, verr := node.WaitOutpoint(ctx, outpoint)
	require.NoError(t, verr)
	require.Equal(t, state, waited)

	// received shares are discarded once finalized
	err = node.kv.View(ctx, func(tx ports.KVTx) error {
		shares, err := peerShares(tx, domain.NsReceivedShare.Key(outpoint.Bytes()))
		require.Empty(t, shares)
		return err
	})
	require.NoError(t, err)

	t.Run("used coins are never spent again", func(t *testing.T) {
		_, _, out := h.blindedCoin()
		respend := signTx(t, domain.Transaction{
			Inputs:  []domain.Input{coin},
			Outputs: []domain.Output{out},
		}, key)

		_, verr := node.SubmitTransaction(ctx, respend)
		require.Error(t, verr)
		require.True(t, errors.DOUBLE_SPEND.Is(verr))

		_, verr = node.SubmitTransaction(ctx, tx)
		require.Error(t, verr)
		require.True(t, errors.ALREADY_ACCEPTED.Is(verr))
	})

	t.Run("unknown outpoint", func(t *testing.T) {
		_, verr := node.GetOutpoint(ctx, domain.MintOutpoint{TxID: txid, OutIdx: 7})
		require.Error(t, verr)
		require.True(t, errors.NOT_FOUND.Is(verr))
	})
}

func TestIssuanceInvalidShare(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	key, coin := h.mintCoin()
	_, _, out := h.blindedCoin()
	tx := signTx(t, domain.Transaction{
		Inputs:  []domain.Input{coin},
		Outputs: []domain.Output{out},
	}, key)
	h.submit(tx)
	h.runEpoch(0)

	node := h.nodes[0]
	drainRequests(t, node)
	outpoint := domain.MintOutpoint{TxID: tx.ID(), OutIdx: 0}

	// peer 2 answers with the share of another peer
	var own []byte
	require.NoError(t, node.kv.View(ctx, func(tx ports.KVTx) error {
		var err error
		own, err = tx.Get(domain.NsProposedShare.Key(outpoint.Bytes()))
		return err
	}))
	require.NotNil(t, own)

	payload, err := json.Marshal(ports.ShareMessage{Outpoint: outpoint, Share: own})
	require.NoError(t, err)
	node.issuance.handleMessage(ctx, ports.PeerMessage{
		From: 2, Kind: ports.MsgIssuanceShare, Payload: payload,
	})

	state, verr := node.GetOutpoint(ctx, outpoint)
	require.NoError(t, verr)
	require.Equal(t, 1, state.Shares)

	health, err := node.repoManager.PeerHealth().Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), health.InvalidShares[domain.ShareIssuance])
	require.False(t, health.Degraded)
}

func TestIssuanceShareRequest(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	key, coin := h.mintCoin()
	_, _, out := h.blindedCoin()
	tx := signTx(t, domain.Transaction{
		Inputs:  []domain.Input{coin},
		Outputs: []domain.Output{out},
	}, key)
	h.submit(tx)
	h.runEpoch(0)
	outpoint := domain.MintOutpoint{TxID: tx.ID(), OutIdx: 0}

	// peer 3 was offline when the shares were broadcast
	h.network.Disconnect(3)
	for _, node := range h.nodes[:3] {
		drainRequests(t, node)
	}
	h.network.Reconnect(3)
	lagging := h.nodes[3]
	drainRequests(t, lagging)
	require.Contains(t, lagging.issuance.entries, outpoint)

	// the retry is due: the lagging peer asks every silent peer
	entry := lagging.issuance.entries[outpoint]
	lagging.issuance.requestMissing(ctx, entry.nextRequest)

	for _, peer := range h.nodes[:3] {
		kinds := drainMessages(peer)
		require.Contains(t, kinds, ports.MsgShareRequest)
	}

	kinds := drainMessages(lagging)
	require.Len(t, kinds, 3)
	state, verr := lagging.GetOutpoint(ctx, outpoint)
	require.NoError(t, verr)
	require.Equal(t, domain.IssuanceFinalized, state.Status)
}

func TestIssuanceRestore(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	key, coin := h.mintCoin()
	_, _, out := h.blindedCoin()
	tx := signTx(t, domain.Transaction{
		Inputs:  []domain.Input{coin},
		Outputs: []domain.Output{out},
	}, key)
	h.submit(tx)
	h.runEpoch(0)
	outpoint := domain.MintOutpoint{TxID: tx.ID(), OutIdx: 0}

	node := h.nodes[0]
	drainRequests(t, node)
	h.sendShare(1, node, outpoint)
	node.issuance.handleMessage(ctx, nextMessage(t, node))

	// a restarted pipeline reloads the request with the stored shares
	restarted := newIssuancePipeline(
		node.self, node.fed, node.secrets, node.kv, node.transport,
	)
	require.NoError(t, restarted.restore(ctx))
	require.Contains(t, restarted.entries, outpoint)
	require.Equal(t, 2, restarted.entries[outpoint].shares.Len())
}

// sendShare makes the peer send its share of the outpoint to the node.
func (h *testHarness) sendShare(
	peer domain.PeerID, node *service, outpoint domain.MintOutpoint,
) {
	var req *domain.IssuanceRequest
	require.NoError(h.t, node.kv.View(context.Background(), func(tx ports.KVTx) error {
		var err error
		req, err = loadIssuance(tx, outpoint)
		return err
	}))
	require.NotNil(h.t, req)

	blinded, err := tbs.BlindedMessageFromBytes(req.BlindedMessage)
	require.NoError(h.t, err)
	share := tbs.SignBlindedMessage(blinded, h.keys.issuance[peer])
	msg, err := ports.NewPeerMessage(ports.MsgIssuanceShare, ports.ShareMessage{
		Outpoint: outpoint,
		Share:    share.Bytes(),
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.network.Transport(peer).Send(context.Background(), node.self.ID, msg))
}

func TestIssuanceStash(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	node := h.nodes[0]
	pipeline := node.issuance

	_, _, unknown := h.blindedCoin()
	blinded, err := tbs.BlindedMessageFromBytes(unknown.BlindedMessage)
	require.NoError(t, err)
	share := tbs.SignBlindedMessage(blinded, h.keys.issuance[3]).Bytes()

	// peer 3 sends shares of outpoints that are never accepted
	for i := 0; i < maxStashedSharesPerPeer+10; i++ {
		var txid domain.TxID
		binary.BigEndian.PutUint32(txid[:], uint32(i))
		pipeline.handleShare(ctx, 3, ports.ShareMessage{
			Outpoint: domain.MintOutpoint{TxID: txid},
			Share:    share,
		})
	}
	require.Equal(t, maxStashedSharesPerPeer, pipeline.stashed[3])

	t.Run("early shares of other peers are kept", func(t *testing.T) {
		key, coin := h.mintCoin()
		_, _, out := h.blindedCoin()
		tx := signTx(t, domain.Transaction{
			Inputs:  []domain.Input{coin},
			Outputs: []domain.Output{out},
		}, key)
		h.submit(tx)
		h.runEpoch(0)
		outpoint := domain.MintOutpoint{TxID: tx.ID(), OutIdx: 0}

		// the share of peer 1 arrives before the request is handed to the pipeline
		h.sendShare(1, node, outpoint)
		pipeline.handleMessage(ctx, nextMessage(t, node))
		require.Equal(t, 1, pipeline.stashed[1])

		drainRequests(t, node)
		require.Zero(t, pipeline.stashed[1])
		state, verr := node.GetOutpoint(ctx, outpoint)
		require.NoError(t, verr)
		require.Equal(t, 2, state.Shares)
	})

	t.Run("malformed shares are not stashed", func(t *testing.T) {
		pipeline.handleShare(ctx, 2, ports.ShareMessage{
			Outpoint: domain.MintOutpoint{TxID: domain.TxID{0xff}},
			Share:    []byte{1, 2, 3},
		})
		require.Zero(t, pipeline.stashed[2])

		health, err := node.repoManager.PeerHealth().Get(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, uint64(1), health.InvalidShares[domain.ShareIssuance])
	})

	t.Run("expired shares are dropped", func(t *testing.T) {
		pipeline.pruneStash(time.Now().Add(stashedShareTTL))
		require.Zero(t, pipeline.stashed[3])
		require.Empty(t, pipeline.stash)
	})
}
