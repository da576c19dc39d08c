package application

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/pkg/errors"
	"github.com/arkade-os/fedmint/pkg/tpke"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

const offerAmount = domain.Amount(512)

type testInvoice struct {
	// the preimage is the x-only key that claims the incoming contract
	key      *btcec.PrivateKey
	preimage [32]byte
	hash     lntypes.Hash
	offer    domain.Offer
}

// newInvoice prepares an offer for a payment. The encrypted payload is the preimage
// unless a different one is given.
func (h *testHarness) newInvoice(payload *[32]byte) testInvoice {
	key, err := btcec.NewPrivateKey()
	require.NoError(h.t, err)

	inv := testInvoice{key: key}
	copy(inv.preimage[:], schnorr.SerializePubKey(key.PubKey()))
	inv.hash = lntypes.Hash(sha256.Sum256(inv.preimage[:]))

	plaintext := inv.preimage
	if payload != nil {
		plaintext = *payload
	}
	ct, err := tpke.Encrypt(h.keys.federation.Decryption.PublicKey(), plaintext)
	require.NoError(h.t, err)

	inv.offer = domain.Offer{
		Amount:            offerAmount,
		Hash:              inv.hash,
		EncryptedPreimage: ct.Bytes(),
		ExpiryEpoch:       100,
	}
	return inv
}

// fundIncoming publishes the offer and lets a gateway fund the incoming contract.
func (h *testHarness) fundIncoming(inv testInvoice) (*btcec.PrivateKey, domain.ContractID) {
	ctx := context.Background()

	key, coin := h.mintCoin()
	_, _, change := h.blindedCoin()
	h.submit(signTx(h.t, domain.Transaction{
		Inputs:  []domain.Input{coin},
		Outputs: []domain.Output{change, domain.OfferOutput{Offer: inv.offer}},
	}, key))
	h.runEpoch(0)

	offer, verr := h.nodes[0].GetOffer(ctx, inv.hash)
	require.NoError(h.t, verr)
	require.Equal(h.t, inv.offer, *offer)

	gateway, err := btcec.NewPrivateKey()
	require.NoError(h.t, err)
	contract := domain.IncomingContract{
		Hash:              inv.hash,
		EncryptedPreimage: inv.offer.EncryptedPreimage,
	}
	copy(contract.GatewayKey[:], schnorr.SerializePubKey(gateway.PubKey()))

	key, coin = h.mintCoin()
	h.submit(signTx(h.t, domain.Transaction{
		Inputs: []domain.Input{coin},
		Outputs: []domain.Output{domain.ContractOutput{
			Amount: domain.Amount(testTier), Contract: contract,
		}},
	}, key))
	h.runEpoch(1)

	_, verr = h.nodes[0].GetOffer(ctx, inv.hash)
	require.Error(h.t, verr)
	require.True(h.t, errors.NOT_FOUND.Is(verr))

	return gateway, domain.ContractIDOf(contract)
}

func TestIncomingContract(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	inv := h.newInvoice(nil)
	_, id := h.fundIncoming(inv)

	claim := func() domain.Transaction {
		_, _, out := h.blindedCoin()
		return signTx(t, domain.Transaction{
			Inputs: []domain.Input{domain.ContractInput{
				ContractID: id, Amount: domain.Amount(testTier),
			}},
			Outputs: []domain.Output{out},
		}, inv.key)
	}

	account, verr := h.nodes[0].GetContract(ctx, id)
	require.NoError(t, verr)
	require.Equal(t, domain.DecryptionPending, account.Decryption)
	require.Equal(t, domain.Amount(testTier), account.Amount)

	_, verr = h.nodes[0].SubmitTransaction(ctx, claim())
	require.Error(t, verr)
	require.True(t, errors.CONTRACT_NOT_READY.Is(verr))

	// every peer contributes its decryption share
	h.runEpoch(2)
	for _, node := range h.nodes {
		account, verr := node.GetContract(ctx, id)
		require.NoError(t, verr)
		require.Equal(t, domain.Decrypted, account.Decryption)
		require.Equal(t, inv.preimage[:], account.Preimage)
	}

	tx := claim()
	h.submit(tx)
	h.runEpoch(3)

	account, verr = h.nodes[0].GetContract(ctx, id)
	require.NoError(t, verr)
	require.Zero(t, account.Amount)
	status, verr := h.nodes[0].GetTransaction(ctx, tx.ID())
	require.NoError(t, verr)
	require.Equal(t, TxAccepted, status.State)
}

func TestIncomingContractInvalidPreimage(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	garbage := sha256.Sum256([]byte("not the preimage"))
	inv := h.newInvoice(&garbage)
	gateway, id := h.fundIncoming(inv)

	h.runEpoch(2)
	account, verr := h.nodes[0].GetContract(ctx, id)
	require.NoError(t, verr)
	require.Equal(t, domain.DecryptionInvalid, account.Decryption)
	require.Empty(t, account.Preimage)

	// the gateway takes its funds back
	_, _, out := h.blindedCoin()
	refund := domain.Transaction{
		Inputs: []domain.Input{domain.ContractInput{
			ContractID: id, Amount: domain.Amount(testTier),
		}},
		Outputs: []domain.Output{out},
	}
	_, verr = h.nodes[0].SubmitTransaction(ctx, signTx(t, refund, inv.key))
	require.Error(t, verr)
	require.True(t, errors.INVALID_PROOF.Is(verr))

	h.submit(signTx(t, refund, gateway))
	h.runEpoch(3)
	account, verr = h.nodes[0].GetContract(ctx, id)
	require.NoError(t, verr)
	require.Zero(t, account.Amount)
}

func TestContractOutputValidation(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	published := h.newInvoice(nil)
	unpublished := h.newInvoice(nil)

	key, coin := h.mintCoin()
	_, _, change := h.blindedCoin()
	h.submit(signTx(t, domain.Transaction{
		Inputs:  []domain.Input{coin},
		Outputs: []domain.Output{change, domain.OfferOutput{Offer: published.offer}},
	}, key))
	h.runEpoch(0)

	testCases := []struct {
		name     string
		contract domain.IncomingContract
		amount   domain.Amount
		is       func(error) bool
	}{
		{
			name: "no offer",
			contract: domain.IncomingContract{
				Hash: unpublished.hash, EncryptedPreimage: unpublished.offer.EncryptedPreimage,
			},
			amount: domain.Amount(testTier),
			is:     errors.NO_OFFER.Is,
		},
		{
			name: "underfunded",
			contract: domain.IncomingContract{
				Hash: published.hash, EncryptedPreimage: published.offer.EncryptedPreimage,
			},
			amount: offerAmount - 1,
			is:     errors.INSUFFICIENT_INCOMING_FUNDING.Is,
		},
		{
			name: "ciphertext of another offer",
			contract: domain.IncomingContract{
				Hash: published.hash, EncryptedPreimage: unpublished.offer.EncryptedPreimage,
			},
			amount: domain.Amount(testTier),
			is:     errors.INVALID_TX_FORMAT.Is,
		},
		{
			name: "zero amount",
			contract: domain.IncomingContract{
				Hash: published.hash, EncryptedPreimage: published.offer.EncryptedPreimage,
			},
			is: errors.ZERO_OUTPUT.Is,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key, coin := h.mintCoin()
			tx := signTx(t, domain.Transaction{
				Inputs: []domain.Input{coin},
				Outputs: []domain.Output{
					domain.ContractOutput{Amount: tc.amount, Contract: tc.contract},
				},
			}, key)
			_, verr := h.nodes[0].SubmitTransaction(ctx, tx)
			require.Error(t, verr)
			require.True(t, tc.is(verr), verr.Error())
		})
	}

	t.Run("unknown contract", func(t *testing.T) {
		_, verr := h.nodes[0].GetContract(ctx, domain.ContractID{1})
		require.Error(t, verr)
		require.True(t, errors.UNKNOWN_CONTRACT.Is(verr))
	})
}
