package tpke_test

import (
	"crypto/sha256"
	"testing"

	"github.com/arkade-os/fedmint/pkg/threshold"
	"github.com/arkade-os/fedmint/pkg/tpke"
	"github.com/stretchr/testify/require"
)

func TestThresholdDecryption(t *testing.T) {
	const quorum, n = 3, 4

	pk, vks, sks, err := tpke.Dealer(quorum, n)
	require.NoError(t, err)

	msg := sha256.Sum256([]byte("preimage"))
	ct, err := tpke.Encrypt(pk, msg)
	require.NoError(t, err)
	require.True(t, ct.Verify())

	shares := make(map[uint16]tpke.DecryptionShare)
	for i, sk := range sks {
		share := tpke.DecryptShare(sk, ct)
		require.True(t, tpke.VerifyShare(vks[i], ct, share))
		require.False(t, tpke.VerifyShare(vks[(i+1)%n], ct, share))
		shares[uint16(i)] = share
	}

	t.Run("any threshold subset decrypts", func(t *testing.T) {
		for skip := 0; skip < n; skip++ {
			subset := make(map[uint16]tpke.DecryptionShare)
			for peer, share := range shares {
				if int(peer) != skip {
					subset[peer] = share
				}
			}
			dec, err := tpke.Combine(ct, subset)
			require.NoError(t, err)
			require.True(t, tpke.VerifyDecryption(pk, ct, dec))
			require.Equal(t, msg, dec.Message)
		}
	})

	t.Run("fewer than threshold shares are detected", func(t *testing.T) {
		dec, err := tpke.Combine(ct, threshold.SelectShares(shares, quorum-1))
		require.NoError(t, err)
		require.False(t, tpke.VerifyDecryption(pk, ct, dec))
		require.NotEqual(t, msg, dec.Message)
	})

	t.Run("tampered ciphertext does not verify", func(t *testing.T) {
		tampered := ct
		tampered.V[0] ^= 0x01
		require.False(t, tampered.Verify())
	})
}

func TestSchemeCollection(t *testing.T) {
	pk, vks, sks, err := tpke.Dealer(2, 3)
	require.NoError(t, err)
	scheme := tpke.NewScheme(2, pk, vks)

	msg := sha256.Sum256([]byte("another preimage"))
	ct, err := tpke.Encrypt(pk, msg)
	require.NoError(t, err)

	collection := threshold.NewCollection(scheme, ct)
	require.ErrorIs(t, collection.Add(0, tpke.DecryptShare(sks[1], ct)), threshold.ErrInvalidShare)
	require.NoError(t, collection.Add(2, tpke.DecryptShare(sks[2], ct)))
	require.False(t, collection.Ready())
	require.NoError(t, collection.Add(0, tpke.DecryptShare(sks[0], ct)))

	dec, err := collection.Combine()
	require.NoError(t, err)
	require.Equal(t, msg, dec.Message)
}

func TestEncoding(t *testing.T) {
	pk, vks, sks, err := tpke.Dealer(2, 3)
	require.NoError(t, err)

	ct, err := tpke.Encrypt(pk, [32]byte{1, 2, 3})
	require.NoError(t, err)

	decoded, err := tpke.CiphertextFromBytes(ct.Bytes())
	require.NoError(t, err)
	require.True(t, decoded.Verify())
	require.Equal(t, ct.Bytes(), decoded.Bytes())

	_, err = tpke.CiphertextFromBytes(ct.Bytes()[1:])
	require.Error(t, err)

	decodedPk, err := tpke.PublicKeyFromBytes(pk.Bytes())
	require.NoError(t, err)
	require.Equal(t, pk.Bytes(), decodedPk.Bytes())

	sk, err := tpke.SecretKeyShareFromBytes(sks[0].Bytes())
	require.NoError(t, err)
	require.Equal(t, vks[0].Bytes(), sk.VerificationKey().Bytes())

	share, err := tpke.DecryptionShareFromBytes(tpke.DecryptShare(sk, ct).Bytes())
	require.NoError(t, err)
	require.True(t, tpke.VerifyShare(vks[0], ct, share))
}
