package threshold

import (
	"fmt"
	"sort"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// Polynomial is a polynomial over the BLS12-381 scalar field, lowest degree first.
type Polynomial []fr.Element

// RandomPolynomial returns a random polynomial of the given degree whose constant term
// is secret.
func RandomPolynomial(secret fr.Element, degree int) (Polynomial, error) {
	if degree < 0 {
		return nil, fmt.Errorf("invalid degree %d", degree)
	}
	p := make(Polynomial, degree+1)
	p[0] = secret
	for i := 1; i <= degree; i++ {
		if _, err := p[i].SetRandom(); err != nil {
			return nil, fmt.Errorf("failed to sample coefficient: %w", err)
		}
	}
	return p, nil
}

// Evaluate computes p(x) with Horner's rule.
func (p Polynomial) Evaluate(x fr.Element) fr.Element {
	var res fr.Element
	for i := len(p) - 1; i >= 0; i-- {
		res.Mul(&res, &x)
		res.Add(&res, &p[i])
	}
	return res
}

// EvaluationPoint maps a peer index to its share abscissa. Index i evaluates at i+1 so
// that no peer ever holds p(0).
func EvaluationPoint(peer uint16) fr.Element {
	var x fr.Element
	x.SetUint64(uint64(peer) + 1)
	return x
}

// Deal splits a fresh random secret into n shares, any threshold of which recover it.
func Deal(threshold, n int) (fr.Element, []fr.Element, error) {
	var secret fr.Element
	if threshold < 1 || threshold > n {
		return secret, nil, fmt.Errorf("invalid threshold %d of %d", threshold, n)
	}
	if n > 1<<16 {
		return secret, nil, fmt.Errorf("too many shares %d", n)
	}
	if _, err := secret.SetRandom(); err != nil {
		return secret, nil, fmt.Errorf("failed to sample secret: %w", err)
	}
	poly, err := RandomPolynomial(secret, threshold-1)
	if err != nil {
		return secret, nil, err
	}

	shares := make([]fr.Element, n)
	for i := range shares {
		shares[i] = poly.Evaluate(EvaluationPoint(uint16(i)))
	}
	return secret, shares, nil
}

// LagrangeCoefficients returns the coefficients at zero for the given distinct peer
// indices, in the same order.
func LagrangeCoefficients(peers []uint16) ([]fr.Element, error) {
	seen := make(map[uint16]struct{}, len(peers))
	xs := make([]fr.Element, len(peers))
	for i, p := range peers {
		if _, ok := seen[p]; ok {
			return nil, fmt.Errorf("duplicate peer index %d", p)
		}
		seen[p] = struct{}{}
		xs[i] = EvaluationPoint(p)
	}

	coeffs := make([]fr.Element, len(peers))
	for i := range xs {
		num := fr.One()
		den := fr.One()
		for j := range xs {
			if i == j {
				continue
			}
			var diff fr.Element
			diff.Sub(&xs[j], &xs[i])
			num.Mul(&num, &xs[j])
			den.Mul(&den, &diff)
		}
		den.Inverse(&den)
		coeffs[i].Mul(&num, &den)
	}
	return coeffs, nil
}

// Interpolate recovers p(0) from the given evaluations keyed by peer index.
func Interpolate(shares map[uint16]fr.Element) (fr.Element, error) {
	peers := SortedPeers(shares)
	coeffs, err := LagrangeCoefficients(peers)
	if err != nil {
		return fr.Element{}, err
	}
	var res fr.Element
	for i, p := range peers {
		var term fr.Element
		share := shares[p]
		term.Mul(&coeffs[i], &share)
		res.Add(&res, &term)
	}
	return res, nil
}

// SortedPeers returns the keys of a share map in ascending order.
func SortedPeers[S any](shares map[uint16]S) []uint16 {
	peers := make([]uint16, 0, len(shares))
	for p := range shares {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// ScalarFromBytes decodes a canonical big-endian scalar.
func ScalarFromBytes(buf []byte) (fr.Element, error) {
	var s fr.Element
	if len(buf) != fr.Bytes {
		return s, fmt.Errorf("invalid scalar length %d", len(buf))
	}
	s.SetBytes(buf)
	if enc := s.Bytes(); string(enc[:]) != string(buf) {
		return s, fmt.Errorf("scalar is not canonical")
	}
	return s, nil
}
