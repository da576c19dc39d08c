package tbs_test

import (
	"testing"

	"github.com/arkade-os/fedmint/pkg/tbs"
	"github.com/arkade-os/fedmint/pkg/threshold"
	"github.com/stretchr/testify/require"
)

func TestBlindIssuance(t *testing.T) {
	const quorum, n = 3, 4

	aggPk, pks, sks, err := tbs.Dealer(quorum, n)
	require.NoError(t, err)

	msg := tbs.MessageFromBytes([]byte("nonce-1"))
	bk, err := tbs.NewBlindingKey()
	require.NoError(t, err)
	blinded := tbs.BlindMessage(msg, bk)

	shares := make(map[uint16]tbs.BlindedSignatureShare)
	for i, sk := range sks {
		share := tbs.SignBlindedMessage(blinded, sk)
		require.True(t, tbs.VerifyBlindShare(blinded, share, pks[i]))
		// wrong key share never verifies
		require.False(t, tbs.VerifyBlindShare(blinded, share, pks[(i+1)%n]))
		shares[uint16(i)] = share
	}

	t.Run("any threshold subset combines to the same signature", func(t *testing.T) {
		var first []byte
		for skip := 0; skip < n; skip++ {
			subset := make(map[uint16]tbs.BlindedSignatureShare)
			for peer, share := range shares {
				if int(peer) != skip {
					subset[peer] = share
				}
			}
			blindSig, err := tbs.AggregateSignatureShares(subset)
			require.NoError(t, err)
			require.True(t, tbs.VerifyBlindSignature(blinded, blindSig, aggPk))

			sig := tbs.Unblind(blindSig, bk)
			require.True(t, tbs.Verify(msg, sig, aggPk))
			if first == nil {
				first = sig.Bytes()
			}
			require.Equal(t, first, sig.Bytes())
		}
	})

	t.Run("fewer than threshold shares never verify", func(t *testing.T) {
		subset := map[uint16]tbs.BlindedSignatureShare{0: shares[0], 2: shares[2]}
		blindSig, err := tbs.AggregateSignatureShares(subset)
		require.NoError(t, err)
		require.False(t, tbs.VerifyBlindSignature(blinded, blindSig, aggPk))
		require.False(t, tbs.Verify(msg, tbs.Unblind(blindSig, bk), aggPk))
	})

	t.Run("signature does not verify another message", func(t *testing.T) {
		blindSig, err := tbs.AggregateSignatureShares(threshold.SelectShares(shares, quorum))
		require.NoError(t, err)
		sig := tbs.Unblind(blindSig, bk)
		require.False(t, tbs.Verify(tbs.MessageFromBytes([]byte("nonce-2")), sig, aggPk))
	})
}

func TestSchemeCollection(t *testing.T) {
	aggPk, pks, sks, err := tbs.Dealer(3, 4)
	require.NoError(t, err)
	scheme := tbs.NewScheme(3, aggPk, pks)

	blinded := tbs.BeaconMessage(5)
	collection := threshold.NewCollection(scheme, blinded)

	require.NoError(t, collection.Add(0, tbs.SignBlindedMessage(blinded, sks[0])))
	require.ErrorIs(t, collection.Add(0, tbs.SignBlindedMessage(blinded, sks[0])), threshold.ErrDuplicateShare)
	// share computed with the key of another peer
	require.ErrorIs(t, collection.Add(1, tbs.SignBlindedMessage(blinded, sks[3])), threshold.ErrInvalidShare)
	require.NoError(t, collection.Add(3, tbs.SignBlindedMessage(blinded, sks[3])))
	require.False(t, collection.Ready())

	_, err = collection.Combine()
	require.ErrorIs(t, err, threshold.ErrNotEnoughShares)

	require.NoError(t, collection.Add(2, tbs.SignBlindedMessage(blinded, sks[2])))
	require.True(t, collection.Ready())

	sig, err := collection.Combine()
	require.NoError(t, err)
	require.True(t, scheme.Verify(blinded, sig))

	// a late share does not change the result
	require.NoError(t, collection.Add(1, tbs.SignBlindedMessage(blinded, sks[1])))
	again, err := collection.Combine()
	require.NoError(t, err)
	require.Equal(t, sig.Bytes(), again.Bytes())
	require.Equal(t, tbs.BeaconValue(sig), tbs.BeaconValue(again))
}

func TestEncoding(t *testing.T) {
	aggPk, pks, sks, err := tbs.Dealer(2, 3)
	require.NoError(t, err)

	sk, err := tbs.SecretKeyShareFromBytes(sks[1].Bytes())
	require.NoError(t, err)
	require.Equal(t, pks[1].Bytes(), sk.PublicKeyShare().Bytes())

	text, err := aggPk.MarshalText()
	require.NoError(t, err)
	var decoded tbs.AggregatePublicKey
	require.NoError(t, decoded.UnmarshalText(text))
	require.Equal(t, aggPk.Bytes(), decoded.Bytes())

	_, err = tbs.BlindedMessageFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
	_, err = tbs.BlindedMessageFromBytes(make([]byte, 48))
	require.Error(t, err)
}
