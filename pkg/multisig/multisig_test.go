package multisig_test

import (
	"bytes"
	"testing"

	"github.com/arkade-os/fedmint/pkg/multisig"
	"github.com/arkade-os/fedmint/pkg/threshold"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func newFederation(t *testing.T, quorum, n int) (*multisig.Descriptor, []*btcec.PrivateKey) {
	t.Helper()
	privs := make([]*btcec.PrivateKey, 0, n)
	pubs := make([]*btcec.PublicKey, 0, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		privs = append(privs, priv)
		pubs = append(pubs, priv.PubKey())
	}
	desc, err := multisig.NewDescriptor(quorum, pubs)
	require.NoError(t, err)
	return desc, privs
}

func newSigningRequest(t *testing.T, desc *multisig.Descriptor) multisig.SigningRequest {
	t.Helper()
	spent := []multisig.SpentOutput{
		{
			Outpoint: wire.OutPoint{Hash: chainhash.HashH([]byte("deposit-1")), Index: 0},
			Value:    600_000,
			Tweak:    []byte("tweak-1"),
		},
		{
			Outpoint: wire.OutPoint{Hash: chainhash.HashH([]byte("deposit-2")), Index: 3},
			Value:    500_000,
			Tweak:    []byte("tweak-2"),
		},
	}
	tx := wire.NewMsgTx(2)
	for _, s := range spent {
		tx.AddTxIn(wire.NewTxIn(&s.Outpoint, nil, nil))
	}
	change, err := desc.PkScript([]byte("change"))
	require.NoError(t, err)
	tx.AddTxOut(wire.NewTxOut(1_000_000, []byte{0x00, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}))
	tx.AddTxOut(wire.NewTxOut(98_000, change))
	return multisig.SigningRequest{Tx: tx, Spent: spent}
}

func TestTweakKeys(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	tweaked := multisig.TweakPrivateKey(priv, []byte("tweak"))
	require.True(t, tweaked.PubKey().IsEqual(multisig.TweakPublicKey(priv.PubKey(), []byte("tweak"))))
	require.False(t, tweaked.PubKey().IsEqual(priv.PubKey()))

	other := multisig.TweakPublicKey(priv.PubKey(), []byte("other"))
	require.False(t, other.IsEqual(tweaked.PubKey()))
}

func TestDescriptor(t *testing.T) {
	desc, _ := newFederation(t, 3, 4)

	addr, err := desc.Address([]byte("tweak"), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.NotEmpty(t, addr.EncodeAddress())

	a, err := desc.PkScript([]byte("tweak"))
	require.NoError(t, err)
	b, err := desc.PkScript([]byte("tweak"))
	require.NoError(t, err)
	c, err := desc.PkScript([]byte("other"))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)

	_, err = multisig.NewDescriptor(5, desc.Keys())
	require.ErrorIs(t, err, multisig.ErrInvalidThreshold)
}

func TestThresholdSigning(t *testing.T) {
	const quorum, n = 3, 4
	desc, privs := newFederation(t, quorum, n)
	req := newSigningRequest(t, desc)

	shares := make(map[uint16]multisig.Share)
	for i, priv := range privs {
		share, err := desc.Sign(req, priv)
		require.NoError(t, err)
		require.Len(t, share.Sigs, len(req.Spent))
		require.True(t, desc.VerifyShare(uint16(i), req, share))
		require.False(t, desc.VerifyShare(uint16((i+1)%n), req, share))

		decoded, err := multisig.ShareFromBytes(share.Bytes())
		require.NoError(t, err)
		require.Equal(t, share, decoded)
		shares[uint16(i)] = share
	}

	t.Run("threshold shares produce a valid transaction", func(t *testing.T) {
		collection := threshold.NewCollection[multisig.SigningRequest, multisig.Share, *wire.MsgTx](desc, req)
		for _, peer := range []uint16{3, 1, 0} {
			require.NoError(t, collection.Add(peer, shares[peer]))
		}
		tx, err := collection.Combine()
		require.NoError(t, err)
		require.NoError(t, desc.VerifyTx(req, tx))
		// the unsigned transaction is left untouched
		require.Empty(t, req.Tx.TxIn[0].Witness)
	})

	t.Run("same subset gives identical bytes", func(t *testing.T) {
		first, err := desc.Finalize(req, threshold.SelectShares(shares, quorum))
		require.NoError(t, err)
		second, err := desc.Finalize(req, shares)
		require.NoError(t, err)
		require.Equal(t, first.TxHash(), second.TxHash())
		require.Equal(t, first.WitnessHash(), second.WitnessHash())
	})

	t.Run("too few shares", func(t *testing.T) {
		_, err := desc.Finalize(req, threshold.SelectShares(shares, quorum-1))
		require.Error(t, err)
	})

	t.Run("oversized share", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, wire.WriteVarInt(&buf, 0, 1<<20))
		_, err := multisig.ShareFromBytes(buf.Bytes())
		require.Error(t, err)
	})

	t.Run("share for another transaction", func(t *testing.T) {
		otherReq := newSigningRequest(t, desc)
		otherReq.Tx.TxOut[0].Value -= 1000
		require.False(t, desc.VerifyShare(0, otherReq, shares[0]))
	})
}

func TestPacket(t *testing.T) {
	desc, privs := newFederation(t, 2, 3)
	req := newSigningRequest(t, desc)

	ptx, err := desc.Packet(req)
	require.NoError(t, err)
	buf, err := multisig.EncodePacket(ptx)
	require.NoError(t, err)

	decoded, err := multisig.DecodePacket(buf)
	require.NoError(t, err)
	got, err := multisig.RequestFromPacket(decoded)
	require.NoError(t, err)
	require.Equal(t, req.Spent, got.Spent)
	require.Equal(t, req.Tx.TxHash(), got.Tx.TxHash())

	share, err := desc.Sign(got, privs[1])
	require.NoError(t, err)
	require.True(t, desc.VerifyShare(1, req, share))
}
