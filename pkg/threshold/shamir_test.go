package threshold_test

import (
	"testing"

	"github.com/arkade-os/fedmint/pkg/threshold"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/stretchr/testify/require"
)

func TestDealAndInterpolate(t *testing.T) {
	testCases := []struct {
		name      string
		threshold int
		n         int
	}{
		{"1 of 1", 1, 1},
		{"3 of 4", 3, 4},
		{"5 of 7", 5, 7},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			secret, shares, err := threshold.Deal(tc.threshold, tc.n)
			require.NoError(t, err)
			require.Len(t, shares, tc.n)

			// any threshold-sized subset recovers the secret
			for start := 0; start+tc.threshold <= tc.n; start++ {
				subset := make(map[uint16]fr.Element)
				for i := start; i < start+tc.threshold; i++ {
					subset[uint16(i)] = shares[i]
				}
				got, err := threshold.Interpolate(subset)
				require.NoError(t, err)
				require.True(t, got.Equal(&secret))
			}

			if tc.threshold > 1 {
				subset := make(map[uint16]fr.Element)
				for i := 0; i < tc.threshold-1; i++ {
					subset[uint16(i)] = shares[i]
				}
				got, err := threshold.Interpolate(subset)
				require.NoError(t, err)
				require.False(t, got.Equal(&secret))
			}
		})
	}
}

func TestDealInvalidThreshold(t *testing.T) {
	_, _, err := threshold.Deal(0, 4)
	require.Error(t, err)
	_, _, err = threshold.Deal(5, 4)
	require.Error(t, err)
}

func TestLagrangeDuplicatePeers(t *testing.T) {
	_, err := threshold.LagrangeCoefficients([]uint16{0, 1, 1})
	require.Error(t, err)
}

func TestScalarFromBytes(t *testing.T) {
	var s fr.Element
	_, err := s.SetRandom()
	require.NoError(t, err)

	buf := s.Bytes()
	got, err := threshold.ScalarFromBytes(buf[:])
	require.NoError(t, err)
	require.True(t, got.Equal(&s))

	_, err = threshold.ScalarFromBytes(buf[:10])
	require.Error(t, err)

	modulus := fr.Modulus().Bytes()
	_, err = threshold.ScalarFromBytes(modulus)
	require.Error(t, err)
}
