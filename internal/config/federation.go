package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/pkg/multisig"
	"github.com/arkade-os/fedmint/pkg/tbs"
	"github.com/arkade-os/fedmint/pkg/tpke"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"
)

const (
	FederationFileName = "federation.json"
	secretFileFormat   = "secrets-%d.json"
)

var networks = map[string]*chaincfg.Params{
	"mainnet":  &chaincfg.MainNetParams,
	"bitcoin":  &chaincfg.MainNetParams,
	"testnet":  &chaincfg.TestNet3Params,
	"testnet3": &chaincfg.TestNet3Params,
	"signet":   &chaincfg.SigNetParams,
	"regtest":  &chaincfg.RegressionNetParams,
}

// FederationFile is the public config shared by every peer, all keys hex encoded.
type FederationFile struct {
	Network       string                    `json:"network" mapstructure:"network"`
	FinalityDelay uint32                    `json:"finality_delay" mapstructure:"finality_delay"`
	Peers         []PeerFile                `json:"peers" mapstructure:"peers"`
	Issuance      map[string]BlsKeysFile    `json:"issuance" mapstructure:"issuance"`
	Beacon        BlsKeysFile               `json:"beacon" mapstructure:"beacon"`
	Decryption    DecryptionKeysFile        `json:"decryption" mapstructure:"decryption"`
	Wallet        WalletKeysFile            `json:"wallet" mapstructure:"wallet"`
}

type PeerFile struct {
	ID          uint16 `json:"id" mapstructure:"id"`
	Name        string `json:"name" mapstructure:"name"`
	Role        string `json:"role" mapstructure:"role"`
	PeerURL     string `json:"peer_url" mapstructure:"peer_url"`
	APIURL      string `json:"api_url" mapstructure:"api_url"`
	IdentityKey string `json:"identity_key" mapstructure:"identity_key"`
}

type BlsKeysFile struct {
	Threshold    int      `json:"threshold" mapstructure:"threshold"`
	AggregateKey string   `json:"aggregate_key" mapstructure:"aggregate_key"`
	KeyShares    []string `json:"key_shares" mapstructure:"key_shares"`
}

type DecryptionKeysFile struct {
	Threshold        int      `json:"threshold" mapstructure:"threshold"`
	PublicKey        string   `json:"public_key" mapstructure:"public_key"`
	VerificationKeys []string `json:"verification_keys" mapstructure:"verification_keys"`
}

type WalletKeysFile struct {
	Threshold int      `json:"threshold" mapstructure:"threshold"`
	Keys      []string `json:"keys" mapstructure:"keys"`
}

// SecretFile holds the private keys of one peer. Gateways only have an identity key.
type SecretFile struct {
	Peer        uint16            `json:"peer" mapstructure:"peer"`
	IdentityKey string            `json:"identity_key" mapstructure:"identity_key"`
	Issuance    map[string]string `json:"issuance,omitempty" mapstructure:"issuance"`
	Beacon      string            `json:"beacon,omitempty" mapstructure:"beacon"`
	Decryption  string            `json:"decryption,omitempty" mapstructure:"decryption"`
	WalletKey   string            `json:"wallet_key,omitempty" mapstructure:"wallet_key"`
}

func readJSONFile(path string, out any) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSONFile(path string, in any, perm os.FileMode) error {
	buf, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return err
	}
	if err := makeDirectoryIfNotExists(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, buf, perm)
}

func LoadFederation(path string) (*domain.Federation, error) {
	var file FederationFile
	if err := readJSONFile(path, &file); err != nil {
		return nil, err
	}
	fed, err := file.toDomain()
	if err != nil {
		return nil, fmt.Errorf("invalid federation config: %w", err)
	}
	if err := fed.Validate(); err != nil {
		return nil, fmt.Errorf("invalid federation config: %w", err)
	}
	return fed, nil
}

func LoadSecrets(path string) (domain.PeerID, *domain.PeerSecrets, error) {
	var file SecretFile
	if err := readJSONFile(path, &file); err != nil {
		return 0, nil, err
	}
	secrets, err := file.toDomain()
	if err != nil {
		return 0, nil, fmt.Errorf("invalid secret config: %w", err)
	}
	return domain.PeerID(file.Peer), secrets, nil
}

func (f FederationFile) toDomain() (*domain.Federation, error) {
	network, ok := networks[f.Network]
	if !ok {
		return nil, fmt.Errorf("unknown network %s", f.Network)
	}

	fed := &domain.Federation{
		Network:       network,
		FinalityDelay: f.FinalityDelay,
		Issuance:      make(map[domain.Tier]*tbs.Scheme, len(f.Issuance)),
	}
	for _, p := range f.Peers {
		role, err := domain.ParseRole(p.Role)
		if err != nil {
			return nil, err
		}
		identity, err := parsePubKey(p.IdentityKey)
		if err != nil {
			return nil, fmt.Errorf("peer %d: invalid identity key: %w", p.ID, err)
		}
		fed.Peers = append(fed.Peers, domain.Peer{
			ID:          domain.PeerID(p.ID),
			Name:        p.Name,
			Role:        role,
			PeerURL:     p.PeerURL,
			APIURL:      p.APIURL,
			IdentityKey: identity,
		})
	}
	sort.Slice(fed.Peers, func(i, j int) bool { return fed.Peers[i].ID < fed.Peers[j].ID })

	for tierStr, keys := range f.Issuance {
		tier, err := parseTier(tierStr)
		if err != nil {
			return nil, err
		}
		scheme, err := keys.toScheme()
		if err != nil {
			return nil, fmt.Errorf("issuance keys of tier %d: %w", tier, err)
		}
		fed.Issuance[tier] = scheme
	}

	beacon, err := f.Beacon.toScheme()
	if err != nil {
		return nil, fmt.Errorf("beacon keys: %w", err)
	}
	fed.Beacon = beacon

	decryption, err := f.Decryption.toScheme()
	if err != nil {
		return nil, fmt.Errorf("decryption keys: %w", err)
	}
	fed.Decryption = decryption

	walletKeys := make([]*btcec.PublicKey, 0, len(f.Wallet.Keys))
	for i, k := range f.Wallet.Keys {
		key, err := parsePubKey(k)
		if err != nil {
			return nil, fmt.Errorf("wallet key %d: %w", i, err)
		}
		walletKeys = append(walletKeys, key)
	}
	wallet, err := multisig.NewDescriptor(f.Wallet.Threshold, walletKeys)
	if err != nil {
		return nil, fmt.Errorf("wallet keys: %w", err)
	}
	fed.Wallet = wallet
	return fed, nil
}

func (k BlsKeysFile) toScheme() (*tbs.Scheme, error) {
	buf, err := hex.DecodeString(k.AggregateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid aggregate key format")
	}
	aggregate, err := tbs.AggregatePublicKeyFromBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("invalid aggregate key: %w", err)
	}
	shares := make([]tbs.PublicKeyShare, 0, len(k.KeyShares))
	for i, s := range k.KeyShares {
		buf, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid key share %d format", i)
		}
		share, err := tbs.PublicKeyShareFromBytes(buf)
		if err != nil {
			return nil, fmt.Errorf("invalid key share %d: %w", i, err)
		}
		shares = append(shares, share)
	}
	if k.Threshold <= 0 || k.Threshold > len(shares) {
		return nil, fmt.Errorf("threshold %d out of range", k.Threshold)
	}
	return tbs.NewScheme(k.Threshold, aggregate, shares), nil
}

func (k DecryptionKeysFile) toScheme() (*tpke.Scheme, error) {
	buf, err := hex.DecodeString(k.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key format")
	}
	pk, err := tpke.PublicKeyFromBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	vks := make([]tpke.VerificationKey, 0, len(k.VerificationKeys))
	for i, s := range k.VerificationKeys {
		buf, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid verification key %d format", i)
		}
		vk, err := tpke.VerificationKeyFromBytes(buf)
		if err != nil {
			return nil, fmt.Errorf("invalid verification key %d: %w", i, err)
		}
		vks = append(vks, vk)
	}
	if k.Threshold <= 0 || k.Threshold > len(vks) {
		return nil, fmt.Errorf("threshold %d out of range", k.Threshold)
	}
	return tpke.NewScheme(k.Threshold, pk, vks), nil
}

func (f SecretFile) toDomain() (*domain.PeerSecrets, error) {
	identity, err := parsePrivKey(f.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("invalid identity key: %w", err)
	}
	secrets := &domain.PeerSecrets{
		IdentityKey: identity,
		Issuance:    make(map[domain.Tier]tbs.SecretKeyShare, len(f.Issuance)),
	}
	for tierStr, s := range f.Issuance {
		tier, err := parseTier(tierStr)
		if err != nil {
			return nil, err
		}
		buf, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid issuance key of tier %d format", tier)
		}
		share, err := tbs.SecretKeyShareFromBytes(buf)
		if err != nil {
			return nil, fmt.Errorf("invalid issuance key of tier %d: %w", tier, err)
		}
		secrets.Issuance[tier] = share
	}

	// gateways hold no key share
	if f.Beacon == "" {
		return secrets, nil
	}

	buf, err := hex.DecodeString(f.Beacon)
	if err != nil {
		return nil, fmt.Errorf("invalid beacon key format")
	}
	if secrets.Beacon, err = tbs.SecretKeyShareFromBytes(buf); err != nil {
		return nil, fmt.Errorf("invalid beacon key: %w", err)
	}
	if buf, err = hex.DecodeString(f.Decryption); err != nil {
		return nil, fmt.Errorf("invalid decryption key format")
	}
	if secrets.Decryption, err = tpke.SecretKeyShareFromBytes(buf); err != nil {
		return nil, fmt.Errorf("invalid decryption key: %w", err)
	}
	if secrets.WalletKey, err = parsePrivKey(f.WalletKey); err != nil {
		return nil, fmt.Errorf("invalid wallet key: %w", err)
	}
	return secrets, nil
}

func parseTier(s string) (domain.Tier, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || !domain.IsValidTier(domain.Amount(v)) {
		return 0, fmt.Errorf("invalid tier %s, must be a power of two", s)
	}
	return domain.Tier(v), nil
}

func parsePubKey(s string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid format")
	}
	return btcec.ParsePubKey(buf)
}

func parsePrivKey(s string) (*btcec.PrivateKey, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid format")
	}
	if len(buf) != 32 {
		return nil, fmt.Errorf("invalid length %d", len(buf))
	}
	key, _ := btcec.PrivKeyFromBytes(buf)
	return key, nil
}
