// Package tpke implements threshold public key encryption of short secrets on
// BLS12-381, in the style of Baek and Zheng.
//
// The master key x is shared among the peers. Encryption under X = x·g1 yields
// (U = r·g1, V = m ⊕ H(r·X), W = r·H2(U, V)); W makes the ciphertext publicly
// verifiable. Each peer answers with x_i·U, which anyone can check against its
// verification key x_i·g2, and any threshold of shares interpolates to x·U.
package tpke

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/arkade-os/fedmint/pkg/threshold"
	"github.com/consensys/gnark-crypto/ecc"
	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// MessageSize is the size of the encrypted secrets, e.g. Lightning preimages.
const MessageSize = 32

const hashToG2DST = "FEDMINT-TPKE-V01-CS01-with-BLS12381G2_XMD:SHA-256_SSWU_RO_"

var (
	g1Gen bls12381.G1Affine
	g2Gen bls12381.G2Affine
)

func init() {
	_, _, g1Gen, g2Gen = bls12381.Generators()
}

type PublicKey struct {
	// used to encrypt
	enc bls12381.G1Affine
	// used to check combined decryptions
	check bls12381.G2Affine
}

type SecretKeyShare struct {
	scalar fr.Element
}

type VerificationKey struct {
	point bls12381.G2Affine
}

type Ciphertext struct {
	U bls12381.G1Affine
	V [MessageSize]byte
	W bls12381.G2Affine
}

type DecryptionShare struct {
	point bls12381.G1Affine
}

// Decryption is a combined decryption: the shared point and the recovered message.
type Decryption struct {
	Key     bls12381.G1Affine
	Message [MessageSize]byte
}

// Dealer creates a fresh threshold key set.
func Dealer(t, n int) (PublicKey, []VerificationKey, []SecretKeyShare, error) {
	secret, shares, err := threshold.Deal(t, n)
	if err != nil {
		return PublicKey{}, nil, nil, err
	}
	sks := make([]SecretKeyShare, n)
	vks := make([]VerificationKey, n)
	for i, s := range shares {
		sks[i] = SecretKeyShare{s}
		vks[i] = sks[i].VerificationKey()
	}
	pk := PublicKey{
		enc:   mulG1(g1Gen, secret),
		check: mulG2(g2Gen, secret),
	}
	return pk, vks, sks, nil
}

func (sk SecretKeyShare) VerificationKey() VerificationKey {
	return VerificationKey{mulG2(g2Gen, sk.scalar)}
}

// Encrypt encrypts a 32 byte message to the federation.
func Encrypt(pk PublicKey, msg [MessageSize]byte) (Ciphertext, error) {
	var r fr.Element
	for r.IsZero() {
		if _, err := r.SetRandom(); err != nil {
			return Ciphertext{}, err
		}
	}
	return encryptWithNonce(pk, msg, r)
}

func encryptWithNonce(pk PublicKey, msg [MessageSize]byte, r fr.Element) (Ciphertext, error) {
	ct := Ciphertext{U: mulG1(g1Gen, r)}
	mask := keyMask(mulG1(pk.enc, r))
	for i := range msg {
		ct.V[i] = msg[i] ^ mask[i]
	}
	h, err := hashUV(ct.U, ct.V)
	if err != nil {
		return Ciphertext{}, err
	}
	ct.W = mulG2(h, r)
	return ct, nil
}

// Verify checks e(g1, W) == e(U, H2(U, V)).
func (ct Ciphertext) Verify() bool {
	if ct.U.IsInfinity() || ct.W.IsInfinity() {
		return false
	}
	h, err := hashUV(ct.U, ct.V)
	if err != nil {
		return false
	}
	var negU bls12381.G1Affine
	negU.Neg(&ct.U)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{g1Gen, negU},
		[]bls12381.G2Affine{ct.W, h},
	)
	return err == nil && ok
}

// DecryptShare computes the decryption share of a peer. The ciphertext must have been
// verified.
func DecryptShare(sk SecretKeyShare, ct Ciphertext) DecryptionShare {
	return DecryptionShare{mulG1(ct.U, sk.scalar)}
}

// VerifyShare checks e(share, g2) == e(U, vk_i).
func VerifyShare(vk VerificationKey, ct Ciphertext, share DecryptionShare) bool {
	if share.point.IsInfinity() {
		return false
	}
	var negU bls12381.G1Affine
	negU.Neg(&ct.U)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{share.point, negU},
		[]bls12381.G2Affine{g2Gen, vk.point},
	)
	return err == nil && ok
}

// Combine interpolates verified shares and recovers the message.
func Combine(ct Ciphertext, shares map[uint16]DecryptionShare) (Decryption, error) {
	if len(shares) == 0 {
		return Decryption{}, threshold.ErrNotEnoughShares
	}
	peers := threshold.SortedPeers(shares)
	coeffs, err := threshold.LagrangeCoefficients(peers)
	if err != nil {
		return Decryption{}, err
	}
	points := make([]bls12381.G1Affine, len(peers))
	for i, p := range peers {
		points[i] = shares[p].point
	}
	var key bls12381.G1Affine
	if _, err := key.MultiExp(points, coeffs, ecc.MultiExpConfig{}); err != nil {
		return Decryption{}, err
	}

	dec := Decryption{Key: key}
	mask := keyMask(key)
	for i := range ct.V {
		dec.Message[i] = ct.V[i] ^ mask[i]
	}
	return dec, nil
}

// VerifyDecryption checks e(K, g2) == e(U, X) so that a combination of too few
// shares is detected.
func VerifyDecryption(pk PublicKey, ct Ciphertext, dec Decryption) bool {
	if dec.Key.IsInfinity() {
		return false
	}
	var negU bls12381.G1Affine
	negU.Neg(&ct.U)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{dec.Key, negU},
		[]bls12381.G2Affine{g2Gen, pk.check},
	)
	return err == nil && ok
}

func hashUV(u bls12381.G1Affine, v [MessageSize]byte) (bls12381.G2Affine, error) {
	ub := u.Bytes()
	buf := make([]byte, 0, len(ub)+len(v))
	buf = append(buf, ub[:]...)
	buf = append(buf, v[:]...)
	return bls12381.HashToG2(buf, []byte(hashToG2DST))
}

func keyMask(p bls12381.G1Affine) [32]byte {
	b := p.Bytes()
	return sha256.Sum256(append([]byte("fedmint-tpke-mask"), b[:]...))
}

func mulG1(p bls12381.G1Affine, s fr.Element) bls12381.G1Affine {
	var res bls12381.G1Affine
	res.ScalarMultiplication(&p, s.BigInt(new(big.Int)))
	return res
}

func mulG2(p bls12381.G2Affine, s fr.Element) bls12381.G2Affine {
	var res bls12381.G2Affine
	res.ScalarMultiplication(&p, s.BigInt(new(big.Int)))
	return res
}

// Encoding.

const CiphertextSize = bls12381.SizeOfG1AffineCompressed + MessageSize +
	bls12381.SizeOfG2AffineCompressed

func (ct Ciphertext) Bytes() []byte {
	u := ct.U.Bytes()
	w := ct.W.Bytes()
	buf := make([]byte, 0, CiphertextSize)
	buf = append(buf, u[:]...)
	buf = append(buf, ct.V[:]...)
	buf = append(buf, w[:]...)
	return buf
}

func CiphertextFromBytes(buf []byte) (Ciphertext, error) {
	var ct Ciphertext
	if len(buf) != CiphertextSize {
		return ct, fmt.Errorf("invalid ciphertext length %d", len(buf))
	}
	r := bytes.NewReader(buf)
	u := make([]byte, bls12381.SizeOfG1AffineCompressed)
	w := make([]byte, bls12381.SizeOfG2AffineCompressed)
	// reads from a sized buffer cannot fail
	_, _ = r.Read(u)
	_, _ = r.Read(ct.V[:])
	_, _ = r.Read(w)
	if _, err := ct.U.SetBytes(u); err != nil {
		return ct, fmt.Errorf("invalid ciphertext U: %w", err)
	}
	if _, err := ct.W.SetBytes(w); err != nil {
		return ct, fmt.Errorf("invalid ciphertext W: %w", err)
	}
	return ct, nil
}

func (s DecryptionShare) Bytes() []byte {
	b := s.point.Bytes()
	return b[:]
}

func DecryptionShareFromBytes(buf []byte) (DecryptionShare, error) {
	var s DecryptionShare
	if len(buf) != bls12381.SizeOfG1AffineCompressed {
		return s, fmt.Errorf("invalid decryption share length %d", len(buf))
	}
	if _, err := s.point.SetBytes(buf); err != nil {
		return s, fmt.Errorf("invalid decryption share: %w", err)
	}
	return s, nil
}

func (pk PublicKey) Bytes() []byte {
	e := pk.enc.Bytes()
	c := pk.check.Bytes()
	return append(e[:], c[:]...)
}

func PublicKeyFromBytes(buf []byte) (PublicKey, error) {
	var pk PublicKey
	if len(buf) != bls12381.SizeOfG1AffineCompressed+bls12381.SizeOfG2AffineCompressed {
		return pk, fmt.Errorf("invalid public key length %d", len(buf))
	}
	if _, err := pk.enc.SetBytes(buf[:bls12381.SizeOfG1AffineCompressed]); err != nil {
		return pk, fmt.Errorf("invalid public key: %w", err)
	}
	if _, err := pk.check.SetBytes(buf[bls12381.SizeOfG1AffineCompressed:]); err != nil {
		return pk, fmt.Errorf("invalid public key: %w", err)
	}
	return pk, nil
}

func (vk VerificationKey) Bytes() []byte {
	b := vk.point.Bytes()
	return b[:]
}

func VerificationKeyFromBytes(buf []byte) (VerificationKey, error) {
	var vk VerificationKey
	if len(buf) != bls12381.SizeOfG2AffineCompressed {
		return vk, fmt.Errorf("invalid verification key length %d", len(buf))
	}
	if _, err := vk.point.SetBytes(buf); err != nil {
		return vk, fmt.Errorf("invalid verification key: %w", err)
	}
	return vk, nil
}

func (sk SecretKeyShare) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

func SecretKeyShareFromBytes(buf []byte) (SecretKeyShare, error) {
	s, err := threshold.ScalarFromBytes(buf)
	return SecretKeyShare{s}, err
}
