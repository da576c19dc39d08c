package application

import (
	"encoding/json"
	"fmt"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// epochHead is the singleton pointing at the next epoch to apply.
type epochHead struct {
	Next    uint64        `json:"next"`
	Outcome domain.Hash32 `json:"outcome"`
}

func getJSON(tx ports.KVTx, key []byte, v any) (bool, error) {
	buf, err := tx.Get(key)
	if err != nil {
		return false, err
	}
	if buf == nil {
		return false, nil
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return false, fmt.Errorf("failed to decode %s entry: %w", domain.Namespace(key[0]), err)
	}
	return true, nil
}

func putJSON(tx ports.KVTx, key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(key, buf)
}

func exists(tx ports.KVTx, key []byte) (bool, error) {
	buf, err := tx.Get(key)
	return buf != nil, err
}

// collectKeys returns the keys under the prefix so that they can be changed after the
// scan.
func collectKeys(tx ports.KVTx, prefix []byte) ([][]byte, error) {
	keys := make([][]byte, 0)
	err := tx.Iterate(prefix, func(k, _ []byte) error {
		keys = append(keys, k)
		return nil
	})
	return keys, err
}

func deletePrefix(tx ports.KVTx, prefix []byte) error {
	keys, err := collectKeys(tx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// peerShares loads the shares stored as prefix || peer.
func peerShares(tx ports.KVTx, prefix []byte) (map[uint16][]byte, error) {
	shares := make(map[uint16][]byte)
	err := tx.Iterate(prefix, func(k, v []byte) error {
		if len(k) != len(prefix)+2 {
			return nil
		}
		peer, _ := domain.PeerFromKey(k)
		shares[uint16(peer)] = v
		return nil
	})
	return shares, err
}

func loadHead(tx ports.KVTx) (epochHead, error) {
	var head epochHead
	_, err := getJSON(tx, domain.NsEpochHead.Key(), &head)
	return head, err
}

func loadRoundConsensus(tx ports.KVTx) (*domain.RoundConsensus, error) {
	buf, err := tx.Get(domain.NsRoundConsensus.Key())
	if err != nil || buf == nil {
		return nil, err
	}
	return domain.DeserializeRoundConsensus(buf)
}

// consensusHeight is the height agreed in the last wallet round, 0 before the first.
func consensusHeight(tx ports.KVTx) (uint32, error) {
	round, err := loadRoundConsensus(tx)
	if err != nil || round == nil {
		return 0, err
	}
	return round.Height, nil
}

func loadAccount(tx ports.KVTx, id domain.ContractID) (*domain.ContractAccount, error) {
	buf, err := tx.Get(domain.NsAccount.Key(id[:]))
	if err != nil || buf == nil {
		return nil, err
	}
	return domain.DeserializeContractAccount(buf)
}

func putAccount(tx ports.KVTx, account *domain.ContractAccount) error {
	buf, err := account.Serialize()
	if err != nil {
		return err
	}
	return tx.Put(domain.NsAccount.Key(account.ID[:]), buf)
}

func loadOffer(tx ports.KVTx, hash [32]byte) (*domain.Offer, error) {
	buf, err := tx.Get(domain.NsOffer.Key(hash[:]))
	if err != nil || buf == nil {
		return nil, err
	}
	return domain.DeserializeOffer(buf)
}

func loadPegOutTx(tx ports.KVTx, ns domain.Namespace, txid chainhash.Hash) (*domain.PegOutTx, error) {
	var ptx domain.PegOutTx
	ok, err := getJSON(tx, ns.Key(txid[:]), &ptx)
	if err != nil || !ok {
		return nil, err
	}
	return &ptx, nil
}

func loadPegOutTxs(tx ports.KVTx, ns domain.Namespace) ([]*domain.PegOutTx, error) {
	txs := make([]*domain.PegOutTx, 0)
	err := tx.Iterate(ns.Prefix(), func(_, v []byte) error {
		var ptx domain.PegOutTx
		if err := json.Unmarshal(v, &ptx); err != nil {
			return err
		}
		txs = append(txs, &ptx)
		return nil
	})
	return txs, err
}

func loadUTXO(tx ports.KVTx, key []byte) (*domain.UTXO, error) {
	var utxo domain.UTXO
	ok, err := getJSON(tx, domain.NsUTXO.Key(key), &utxo)
	if err != nil || !ok {
		return nil, err
	}
	return &utxo, nil
}

func loadIssuance(tx ports.KVTx, outpoint domain.MintOutpoint) (*domain.IssuanceRequest, error) {
	var req domain.IssuanceRequest
	ok, err := getJSON(tx, domain.NsIssuance.Key(outpoint.Bytes()), &req)
	if err != nil || !ok {
		return nil, err
	}
	return &req, nil
}
