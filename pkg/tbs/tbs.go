// Package tbs implements threshold blind BLS signatures on BLS12-381.
//
// Signatures and messages live in G1, keys in G2. A client blinds the hashed message
// with a random scalar, every peer signs the blinded point with its key share, any
// threshold of verified shares is combined by Lagrange interpolation in the exponent,
// and the client removes the blinding factor to obtain an ordinary BLS signature
// under the aggregate public key.
package tbs

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/arkade-os/fedmint/pkg/threshold"
	"github.com/consensys/gnark-crypto/ecc"
	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

const hashToCurveDST = "FEDMINT-TBS-V01-CS01-with-BLS12381G1_XMD:SHA-256_SSWU_RO_"

var g2Gen bls12381.G2Affine

func init() {
	_, _, _, g2Gen = bls12381.Generators()
}

type SecretKeyShare struct {
	scalar fr.Element
}

type PublicKeyShare struct {
	point bls12381.G2Affine
}

type AggregatePublicKey struct {
	point bls12381.G2Affine
}

type BlindingKey struct {
	scalar fr.Element
}

// Message is a hashed message, ready to be blinded or verified.
type Message struct {
	point bls12381.G1Affine
}

type BlindedMessage struct {
	point bls12381.G1Affine
}

type BlindedSignatureShare struct {
	point bls12381.G1Affine
}

type BlindedSignature struct {
	point bls12381.G1Affine
}

type Signature struct {
	point bls12381.G1Affine
}

// Dealer creates a fresh key set where any threshold of the n shares can sign.
func Dealer(t, n int) (AggregatePublicKey, []PublicKeyShare, []SecretKeyShare, error) {
	secret, shares, err := threshold.Deal(t, n)
	if err != nil {
		return AggregatePublicKey{}, nil, nil, err
	}

	sks := make([]SecretKeyShare, n)
	pks := make([]PublicKeyShare, n)
	for i, s := range shares {
		sks[i] = SecretKeyShare{s}
		pks[i] = sks[i].PublicKeyShare()
	}
	return AggregatePublicKey{g2Mul(secret)}, pks, sks, nil
}

func (sk SecretKeyShare) PublicKeyShare() PublicKeyShare {
	return PublicKeyShare{g2Mul(sk.scalar)}
}

// MessageFromBytes hashes arbitrary bytes to the curve.
func MessageFromBytes(msg []byte) Message {
	p, err := bls12381.HashToG1(msg, []byte(hashToCurveDST))
	if err != nil {
		// only fails on an oversized DST
		panic(fmt.Sprintf("hash to curve: %s", err))
	}
	return Message{p}
}

func NewBlindingKey() (BlindingKey, error) {
	var bk BlindingKey
	for bk.scalar.IsZero() {
		if _, err := bk.scalar.SetRandom(); err != nil {
			return bk, err
		}
	}
	return bk, nil
}

func BlindMessage(msg Message, bk BlindingKey) BlindedMessage {
	return BlindedMessage{g1Mul(msg.point, bk.scalar)}
}

// SignBlindedMessage computes the share of one peer. It is deterministic.
func SignBlindedMessage(msg BlindedMessage, sk SecretKeyShare) BlindedSignatureShare {
	return BlindedSignatureShare{g1Mul(msg.point, sk.scalar)}
}

// VerifyBlindShare checks e(share, g2) == e(msg, pk_i).
func VerifyBlindShare(
	msg BlindedMessage, share BlindedSignatureShare, pk PublicKeyShare,
) bool {
	return pairingEq(share.point, msg.point, pk.point)
}

// AggregateSignatureShares interpolates the shares keyed by peer index. It does not
// verify them: callers pass only shares that passed VerifyBlindShare.
func AggregateSignatureShares(
	shares map[uint16]BlindedSignatureShare,
) (BlindedSignature, error) {
	if len(shares) == 0 {
		return BlindedSignature{}, threshold.ErrNotEnoughShares
	}
	peers := threshold.SortedPeers(shares)
	coeffs, err := threshold.LagrangeCoefficients(peers)
	if err != nil {
		return BlindedSignature{}, err
	}
	points := make([]bls12381.G1Affine, len(peers))
	for i, p := range peers {
		points[i] = shares[p].point
	}
	var res bls12381.G1Affine
	if _, err := res.MultiExp(points, coeffs, ecc.MultiExpConfig{}); err != nil {
		return BlindedSignature{}, err
	}
	return BlindedSignature{res}, nil
}

// VerifyBlindSignature checks a combined blinded signature against the aggregate key.
func VerifyBlindSignature(
	msg BlindedMessage, sig BlindedSignature, pk AggregatePublicKey,
) bool {
	return pairingEq(sig.point, msg.point, pk.point)
}

func Unblind(sig BlindedSignature, bk BlindingKey) Signature {
	var inv fr.Element
	inv.Inverse(&bk.scalar)
	return Signature{g1Mul(sig.point, inv)}
}

// Verify checks e(sig, g2) == e(H(m), PK).
func Verify(msg Message, sig Signature, pk AggregatePublicKey) bool {
	return pairingEq(sig.point, msg.point, pk.point)
}

func pairingEq(sig, msg bls12381.G1Affine, pk bls12381.G2Affine) bool {
	if sig.IsInfinity() || msg.IsInfinity() {
		return false
	}
	var negMsg bls12381.G1Affine
	negMsg.Neg(&msg)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{sig, negMsg},
		[]bls12381.G2Affine{g2Gen, pk},
	)
	return err == nil && ok
}

func g1Mul(p bls12381.G1Affine, s fr.Element) bls12381.G1Affine {
	var res bls12381.G1Affine
	res.ScalarMultiplication(&p, s.BigInt(new(big.Int)))
	return res
}

func g2Mul(s fr.Element) bls12381.G2Affine {
	var res bls12381.G2Affine
	res.ScalarMultiplication(&g2Gen, s.BigInt(new(big.Int)))
	return res
}

// Encoding. Points use the compressed form, scalars big-endian.

func (sk SecretKeyShare) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

func SecretKeyShareFromBytes(buf []byte) (SecretKeyShare, error) {
	s, err := threshold.ScalarFromBytes(buf)
	return SecretKeyShare{s}, err
}

func (pk PublicKeyShare) Bytes() []byte { return g2Bytes(pk.point) }
func (pk AggregatePublicKey) Bytes() []byte { return g2Bytes(pk.point) }
func (m Message) Bytes() []byte { return g1Bytes(m.point) }
func (m BlindedMessage) Bytes() []byte { return g1Bytes(m.point) }
func (s BlindedSignatureShare) Bytes() []byte { return g1Bytes(s.point) }
func (s BlindedSignature) Bytes() []byte { return g1Bytes(s.point) }
func (s Signature) Bytes() []byte { return g1Bytes(s.point) }

func PublicKeyShareFromBytes(buf []byte) (PublicKeyShare, error) {
	p, err := g2FromBytes(buf)
	return PublicKeyShare{p}, err
}

func AggregatePublicKeyFromBytes(buf []byte) (AggregatePublicKey, error) {
	p, err := g2FromBytes(buf)
	return AggregatePublicKey{p}, err
}

func BlindedMessageFromBytes(buf []byte) (BlindedMessage, error) {
	p, err := g1FromBytes(buf)
	return BlindedMessage{p}, err
}

func BlindedSignatureShareFromBytes(buf []byte) (BlindedSignatureShare, error) {
	p, err := g1FromBytes(buf)
	return BlindedSignatureShare{p}, err
}

func BlindedSignatureFromBytes(buf []byte) (BlindedSignature, error) {
	p, err := g1FromBytes(buf)
	return BlindedSignature{p}, err
}

func SignatureFromBytes(buf []byte) (Signature, error) {
	p, err := g1FromBytes(buf)
	return Signature{p}, err
}

func (pk PublicKeyShare) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(pk.Bytes())), nil
}

func (pk *PublicKeyShare) UnmarshalText(text []byte) error {
	buf, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*pk, err = PublicKeyShareFromBytes(buf)
	return err
}

func (pk AggregatePublicKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(pk.Bytes())), nil
}

func (pk *AggregatePublicKey) UnmarshalText(text []byte) error {
	buf, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*pk, err = AggregatePublicKeyFromBytes(buf)
	return err
}

func (sk SecretKeyShare) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(sk.Bytes())), nil
}

func (sk *SecretKeyShare) UnmarshalText(text []byte) error {
	buf, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*sk, err = SecretKeyShareFromBytes(buf)
	return err
}

func g1Bytes(p bls12381.G1Affine) []byte {
	b := p.Bytes()
	return b[:]
}

func g2Bytes(p bls12381.G2Affine) []byte {
	b := p.Bytes()
	return b[:]
}

func g1FromBytes(buf []byte) (bls12381.G1Affine, error) {
	var p bls12381.G1Affine
	if len(buf) != bls12381.SizeOfG1AffineCompressed {
		return p, fmt.Errorf("invalid G1 point length %d", len(buf))
	}
	if _, err := p.SetBytes(buf); err != nil {
		return p, fmt.Errorf("invalid G1 point: %w", err)
	}
	if p.IsInfinity() {
		return p, fmt.Errorf("invalid G1 point: infinity")
	}
	return p, nil
}

func g2FromBytes(buf []byte) (bls12381.G2Affine, error) {
	var p bls12381.G2Affine
	if len(buf) != bls12381.SizeOfG2AffineCompressed {
		return p, fmt.Errorf("invalid G2 point length %d", len(buf))
	}
	if _, err := p.SetBytes(buf); err != nil {
		return p, fmt.Errorf("invalid G2 point: %w", err)
	}
	if p.IsInfinity() {
		return p, fmt.Errorf("invalid G2 point: infinity")
	}
	return p, nil
}
