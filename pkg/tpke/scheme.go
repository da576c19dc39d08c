package tpke

import "github.com/arkade-os/fedmint/pkg/threshold"

// Scheme binds a key set to the threshold.Scheme contract.
type Scheme struct {
	threshold int
	pk        PublicKey
	vks       []VerificationKey
}

var _ threshold.Scheme[Ciphertext, DecryptionShare, Decryption] = (*Scheme)(nil)

func NewScheme(t int, pk PublicKey, vks []VerificationKey) *Scheme {
	return &Scheme{
		threshold: t,
		pk:        pk,
		vks:       vks,
	}
}

func (s *Scheme) Threshold() int {
	return s.threshold
}

func (s *Scheme) PublicKey() PublicKey {
	return s.pk
}

func (s *Scheme) VerifyShare(peer uint16, ct Ciphertext, share DecryptionShare) bool {
	if int(peer) >= len(s.vks) {
		return false
	}
	return VerifyShare(s.vks[peer], ct, share)
}

func (s *Scheme) Combine(
	ct Ciphertext, shares map[uint16]DecryptionShare,
) (Decryption, error) {
	return Combine(ct, shares)
}

func (s *Scheme) Verify(ct Ciphertext, dec Decryption) bool {
	return VerifyDecryption(s.pk, ct, dec)
}
