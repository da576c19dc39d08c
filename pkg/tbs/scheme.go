package tbs

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/arkade-os/fedmint/pkg/threshold"
)

const beaconTag = "fedmint-beacon"

// Scheme binds a key set to the threshold.Scheme contract.
type Scheme struct {
	threshold int
	aggregate AggregatePublicKey
	shares    []PublicKeyShare
}

var _ threshold.Scheme[BlindedMessage, BlindedSignatureShare, BlindedSignature] = (*Scheme)(nil)

func NewScheme(t int, aggregate AggregatePublicKey, shares []PublicKeyShare) *Scheme {
	return &Scheme{
		threshold: t,
		aggregate: aggregate,
		shares:    shares,
	}
}

func (s *Scheme) Threshold() int {
	return s.threshold
}

func (s *Scheme) AggregatePublicKey() AggregatePublicKey {
	return s.aggregate
}

func (s *Scheme) VerifyShare(
	peer uint16, msg BlindedMessage, share BlindedSignatureShare,
) bool {
	if int(peer) >= len(s.shares) {
		return false
	}
	return VerifyBlindShare(msg, share, s.shares[peer])
}

func (s *Scheme) Combine(
	_ BlindedMessage, shares map[uint16]BlindedSignatureShare,
) (BlindedSignature, error) {
	return AggregateSignatureShares(shares)
}

func (s *Scheme) Verify(msg BlindedMessage, sig BlindedSignature) bool {
	return VerifyBlindSignature(msg, sig, s.aggregate)
}

// BeaconMessage is the message signed by every peer to derive the randomness beacon of
// an epoch. It is never blinded.
func BeaconMessage(epoch uint64) BlindedMessage {
	buf := make([]byte, len(beaconTag)+8)
	copy(buf, beaconTag)
	binary.BigEndian.PutUint64(buf[len(beaconTag):], epoch)
	return BlindedMessage(MessageFromBytes(buf))
}

// BeaconValue derives the 32 byte beacon from the combined signature.
func BeaconValue(sig BlindedSignature) [32]byte {
	return sha256.Sum256(sig.Bytes())
}
