package domain

import (
	"fmt"
	"sort"

	"github.com/arkade-os/fedmint/pkg/multisig"
	"github.com/arkade-os/fedmint/pkg/tbs"
	"github.com/arkade-os/fedmint/pkg/tpke"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
)

type Peer struct {
	ID          PeerID
	Name        string
	Role        Role
	PeerURL     string
	APIURL      string
	IdentityKey *btcec.PublicKey
}

// Federation is the public configuration shared by every peer. Mint peers come first
// so that their ids are also their share indexes.
type Federation struct {
	Peers         []Peer
	Network       *chaincfg.Params
	FinalityDelay uint32
	Issuance      map[Tier]*tbs.Scheme
	Beacon        *tbs.Scheme
	Decryption    *tpke.Scheme
	Wallet        *multisig.Descriptor
}

func (f *Federation) Validate() error {
	if len(f.Peers) == 0 {
		return fmt.Errorf("federation has no peers")
	}
	gateways := false
	for i, p := range f.Peers {
		if p.ID != PeerID(i) {
			return fmt.Errorf("peer %d has id %d", i, p.ID)
		}
		if p.IdentityKey == nil {
			return fmt.Errorf("missing identity key for %s", p.ID)
		}
		if p.Role.Can(CapPropose) && gateways {
			return fmt.Errorf("mint peers must be listed before gateways")
		}
		if !p.Role.Can(CapPropose) {
			gateways = true
		}
	}
	if len(f.MintPeers()) == 0 {
		return fmt.Errorf("federation has no mint peers")
	}
	if len(f.Issuance) == 0 {
		return fmt.Errorf("missing issuance keys")
	}
	for tier := range f.Issuance {
		if !IsValidTier(tier) {
			return fmt.Errorf("tier %d is not a power of two", tier)
		}
	}
	if f.Beacon == nil || f.Decryption == nil || f.Wallet == nil {
		return fmt.Errorf("missing beacon, decryption or wallet keys")
	}
	if f.Beacon.Threshold() > f.Quorum().Threshold() {
		return fmt.Errorf("beacon threshold above consensus quorum")
	}
	if len(f.Wallet.Keys()) != len(f.MintPeers()) {
		return fmt.Errorf(
			"got %d wallet keys for %d mint peers", len(f.Wallet.Keys()), len(f.MintPeers()),
		)
	}
	return nil
}

// MintPeers returns the ids of the peers taking part in consensus.
func (f *Federation) MintPeers() []PeerID {
	ids := make([]PeerID, 0, len(f.Peers))
	for _, p := range f.Peers {
		if p.Role.Can(CapPropose) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (f *Federation) Quorum() Quorum {
	return Quorum{N: len(f.MintPeers())}
}

func (f *Federation) Peer(id PeerID) (Peer, bool) {
	if int(id) >= len(f.Peers) {
		return Peer{}, false
	}
	return f.Peers[id], true
}

// Tiers returns the configured tiers in ascending order.
func (f *Federation) Tiers() []Tier {
	tiers := make([]Tier, 0, len(f.Issuance))
	for t := range f.Issuance {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

// VerifySignature checks a schnorr signature of the peer identity key over the hash.
func (f *Federation) VerifySignature(peer PeerID, hash Hash32, sig []byte) error {
	p, ok := f.Peer(peer)
	if !ok {
		return fmt.Errorf("unknown peer %s", peer)
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("invalid signature from %s: %w", peer, err)
	}
	if !parsed.Verify(hash[:], p.IdentityKey) {
		return fmt.Errorf("signature of %s does not verify", peer)
	}
	return nil
}

func SignHash(key *btcec.PrivateKey, hash Hash32) ([]byte, error) {
	sig, err := schnorr.Sign(key, hash[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// PeerSecrets are the private keys of the local peer.
type PeerSecrets struct {
	IdentityKey *btcec.PrivateKey
	Issuance    map[Tier]tbs.SecretKeyShare
	Beacon      tbs.SecretKeyShare
	Decryption  tpke.SecretKeyShare
	WalletKey   *btcec.PrivateKey
}
