package application

import (
	"fmt"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/arkade-os/fedmint/pkg/threshold"
	"github.com/arkade-os/fedmint/pkg/tpke"
	log "github.com/sirupsen/logrus"
)

// fundContract credits a contract account, creating it on first funding. Funding an
// incoming contract consumes the offer and starts the decryption of the preimage.
func fundContract(tx ports.KVTx, out domain.ContractOutput) error {
	id := domain.ContractIDOf(out.Contract)
	account, err := loadAccount(tx, id)
	if err != nil {
		return err
	}
	if account == nil {
		account = &domain.ContractAccount{ID: id, Contract: out.Contract}
	}
	account.Amount += out.Amount

	if incoming, ok := out.Contract.(domain.IncomingContract); ok {
		if account.Decryption == domain.DecryptionNone {
			account.Decryption = domain.DecryptionPending
		}
		if err := tx.Delete(domain.NsOffer.Key(incoming.Hash[:])); err != nil {
			return err
		}
	}
	return putAccount(tx, account)
}

// pruneOffers drops the offers whose expiry epoch has passed.
func pruneOffers(tx ports.KVTx, epoch uint64) error {
	expired := make([][]byte, 0)
	if err := tx.Iterate(domain.NsOffer.Prefix(), func(k, v []byte) error {
		offer, err := domain.DeserializeOffer(v)
		if err != nil {
			return err
		}
		if offer.ExpiryEpoch != 0 && offer.ExpiryEpoch < epoch {
			expired = append(expired, k)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range expired {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// decryptionShares returns the local shares for the incoming contracts still waiting
// for their preimage.
func (s *service) decryptionShares(tx ports.KVTx) ([]domain.DecryptionShareItem, error) {
	pending := make([]*domain.ContractAccount, 0)
	if err := tx.Iterate(domain.NsAccount.Prefix(), func(_, v []byte) error {
		account, err := domain.DeserializeContractAccount(v)
		if err != nil {
			return err
		}
		if account.Decryption == domain.DecryptionPending {
			pending = append(pending, account)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	items := make([]domain.DecryptionShareItem, 0, len(pending))
	for _, account := range pending {
		ours, err := exists(
			tx, domain.NsDecryptionShare.Key(account.ID[:], domain.PeerKey(s.cfg.Self)),
		)
		if err != nil {
			return nil, err
		}
		if ours {
			continue
		}
		incoming, ok := account.Contract.(domain.IncomingContract)
		if !ok {
			continue
		}
		ct, err := tpke.CiphertextFromBytes(incoming.EncryptedPreimage)
		if err != nil {
			log.WithError(err).WithField("contract", account.ID).Warn("invalid ciphertext")
			continue
		}
		share := tpke.DecryptShare(s.secrets.Decryption, ct)
		items = append(items, domain.DecryptionShareItem{
			ContractID: account.ID,
			Share:      share.Bytes(),
		})
	}
	return items, nil
}

// applyDecryptionShare stores a verified share and decrypts the preimage once enough
// shares are there.
func (s *service) applyDecryptionShare(
	tx ports.KVTx, result *epochResult, peer domain.PeerID, item domain.DecryptionShareItem,
) error {
	account, err := loadAccount(tx, item.ContractID)
	if err != nil {
		return err
	}
	// late share, the preimage is already known
	if account == nil || account.Decryption != domain.DecryptionPending {
		return nil
	}
	key := domain.NsDecryptionShare.Key(item.ContractID[:], domain.PeerKey(peer))
	stored, err := exists(tx, key)
	if err != nil || stored {
		return err
	}

	incoming, ok := account.Contract.(domain.IncomingContract)
	if !ok {
		return fmt.Errorf("contract %s awaiting decryption is not incoming", account.ID)
	}
	ct, err := tpke.CiphertextFromBytes(incoming.EncryptedPreimage)
	if err != nil {
		return fmt.Errorf("invalid ciphertext for contract %s: %w", account.ID, err)
	}
	share, err := tpke.DecryptionShareFromBytes(item.Share)
	if err != nil || !s.fed.Decryption.VerifyShare(uint16(peer), ct, share) {
		result.invalidShare(peer, domain.ShareDecryption, item.ContractID.String())
		return nil
	}
	if err := tx.Put(key, item.Share); err != nil {
		return err
	}

	prefix := domain.NsDecryptionShare.Key(item.ContractID[:])
	shares, err := peerShares(tx, prefix)
	if err != nil {
		return err
	}
	if len(shares) < s.fed.Decryption.Threshold() {
		return nil
	}

	collection := threshold.NewCollection[
		tpke.Ciphertext, tpke.DecryptionShare, tpke.Decryption,
	](s.fed.Decryption, ct)
	for p, buf := range shares {
		share, err := tpke.DecryptionShareFromBytes(buf)
		if err != nil {
			return err
		}
		collection.Restore(p, share)
	}
	dec, err := collection.Combine()
	if err != nil {
		return fmt.Errorf("failed to decrypt preimage of %s: %w", account.ID, err)
	}

	preimage := dec.Message[:]
	if err := domain.ValidatePreimage(incoming.Hash, preimage); err != nil {
		account.Decryption = domain.DecryptionInvalid
		log.WithError(err).WithField("contract", account.ID).Info("decrypted invalid preimage")
	} else {
		account.Decryption = domain.Decrypted
		account.Preimage = append([]byte{}, preimage...)
	}
	if err := putAccount(tx, account); err != nil {
		return err
	}
	if err := deletePrefix(tx, prefix); err != nil {
		return err
	}

	result.events = append(result.events, domain.PreimageDecrypted{
		ContractID: account.ID,
		Valid:      account.Decryption == domain.Decrypted,
		Preimage:   account.Preimage,
	})
	return nil
}
