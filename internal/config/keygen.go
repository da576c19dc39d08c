package config

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/pkg/tbs"
	"github.com/arkade-os/fedmint/pkg/tpke"
	"github.com/btcsuite/btcd/btcec/v2"
)

// DefaultTiers are the denominations from 1 sat to 2^20 sats.
var DefaultTiers = func() []domain.Tier {
	tiers := make([]domain.Tier, 0, 21)
	for i := 0; i <= 20; i++ {
		tiers = append(tiers, domain.Tier(1)<<i)
	}
	return tiers
}()

type KeygenOptions struct {
	Mints         int
	Gateways      int
	Tiers         []domain.Tier
	Network       string
	FinalityDelay uint32
	// peer i serves the client api on APIPort+i and the peer endpoint on PeerPort+i
	Host     string
	APIPort  int
	PeerPort int
}

// GenerateKeys deals the keys of a new federation. Every threshold key is split among
// the mint peers with the consensus threshold.
func GenerateKeys(opts KeygenOptions) (*FederationFile, []SecretFile, error) {
	if opts.Mints < 1 {
		return nil, nil, fmt.Errorf("federation needs at least one mint peer")
	}
	if opts.Gateways < 0 {
		return nil, nil, fmt.Errorf("invalid number of gateways")
	}
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultTiers
	}
	if _, ok := networks[opts.Network]; !ok {
		return nil, nil, fmt.Errorf("unknown network %s", opts.Network)
	}

	n := opts.Mints
	threshold := domain.Quorum{N: n}.Threshold()

	fed := &FederationFile{
		Network:       opts.Network,
		FinalityDelay: opts.FinalityDelay,
		Issuance:      make(map[string]BlsKeysFile, len(opts.Tiers)),
	}
	secrets := make([]SecretFile, n+opts.Gateways)
	for i := range secrets {
		secrets[i].Peer = uint16(i)
	}
	for i := 0; i < n; i++ {
		secrets[i].Issuance = make(map[string]string, len(opts.Tiers))
	}

	for _, tier := range opts.Tiers {
		if !domain.IsValidTier(tier) {
			return nil, nil, fmt.Errorf("tier %d is not a power of two", tier)
		}
		key := strconv.FormatUint(uint64(tier), 10)
		if _, ok := fed.Issuance[key]; ok {
			return nil, nil, fmt.Errorf("duplicated tier %d", tier)
		}
		keys, shares, err := dealBls(threshold, n)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to deal issuance keys: %s", err)
		}
		fed.Issuance[key] = keys
		for i, share := range shares {
			secrets[i].Issuance[key] = share
		}
	}

	beacon, beaconShares, err := dealBls(threshold, n)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to deal beacon keys: %s", err)
	}
	fed.Beacon = beacon
	for i, share := range beaconShares {
		secrets[i].Beacon = share
	}

	pk, vks, decryptionShares, err := tpke.Dealer(threshold, n)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to deal decryption keys: %s", err)
	}
	fed.Decryption = DecryptionKeysFile{
		Threshold: threshold,
		PublicKey: hex.EncodeToString(pk.Bytes()),
	}
	for i, vk := range vks {
		fed.Decryption.VerificationKeys = append(
			fed.Decryption.VerificationKeys, hex.EncodeToString(vk.Bytes()),
		)
		secrets[i].Decryption = hex.EncodeToString(decryptionShares[i].Bytes())
	}

	fed.Wallet.Threshold = threshold
	for i := range secrets {
		identity, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, nil, err
		}
		secrets[i].IdentityKey = hex.EncodeToString(identity.Serialize())

		role := domain.RoleMint
		name := fmt.Sprintf("mint-%d", i)
		if i >= n {
			role = domain.RoleGateway
			name = fmt.Sprintf("gateway-%d", i-n)
		}
		fed.Peers = append(fed.Peers, PeerFile{
			ID:          uint16(i),
			Name:        name,
			Role:        role.String(),
			PeerURL:     fmt.Sprintf("http://%s:%d", opts.Host, opts.PeerPort+i),
			APIURL:      fmt.Sprintf("http://%s:%d", opts.Host, opts.APIPort+i),
			IdentityKey: hex.EncodeToString(identity.PubKey().SerializeCompressed()),
		})

		if i >= n {
			continue
		}
		walletKey, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, nil, err
		}
		secrets[i].WalletKey = hex.EncodeToString(walletKey.Serialize())
		fed.Wallet.Keys = append(
			fed.Wallet.Keys, hex.EncodeToString(walletKey.PubKey().SerializeCompressed()),
		)
	}

	return fed, secrets, nil
}

// WriteKeys stores the federation config and one secret config per peer in dir.
func WriteKeys(dir string, fed *FederationFile, secrets []SecretFile) error {
	if err := writeJSONFile(filepath.Join(dir, FederationFileName), fed, 0o644); err != nil {
		return fmt.Errorf("failed to write federation config: %s", err)
	}
	for _, s := range secrets {
		path := filepath.Join(dir, SecretFileName(domain.PeerID(s.Peer)))
		if err := writeJSONFile(path, s, 0o600); err != nil {
			return fmt.Errorf("failed to write secret config of peer %d: %s", s.Peer, err)
		}
	}
	return nil
}

func SecretFileName(peer domain.PeerID) string {
	return fmt.Sprintf(secretFileFormat, peer)
}

func dealBls(threshold, n int) (BlsKeysFile, []string, error) {
	aggregate, pubShares, secShares, err := tbs.Dealer(threshold, n)
	if err != nil {
		return BlsKeysFile{}, nil, err
	}
	keys := BlsKeysFile{
		Threshold:    threshold,
		AggregateKey: hex.EncodeToString(aggregate.Bytes()),
		KeyShares:    make([]string, 0, n),
	}
	shares := make([]string, 0, n)
	for i := range pubShares {
		keys.KeyShares = append(keys.KeyShares, hex.EncodeToString(pubShares[i].Bytes()))
		shares = append(shares, hex.EncodeToString(secShares[i].Bytes()))
	}
	return keys, shares, nil
}
