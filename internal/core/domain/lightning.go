package domain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"
)

const contractTag = "fedmint/contract"

var (
	ErrContractNotReady = errors.New("contract can not be spent yet")
	ErrInvalidPreimage  = errors.New("invalid preimage")
)

type ContractID = Hash32

type ContractKind uint8

const (
	ContractIncoming ContractKind = iota + 1
	ContractOutgoing
)

func (k ContractKind) String() string {
	switch k {
	case ContractIncoming:
		return "incoming"
	case ContractOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

type Contract interface {
	Kind() ContractKind
	PaymentHash() lntypes.Hash
	encode(e *encoder)
}

// ContractIDOf is the tagged hash of the contract encoding.
func ContractIDOf(c Contract) ContractID {
	buf := encodeAll(func(e *encoder) { encodeContract(e, c) })
	return ContractID(*chainhash.TaggedHash([]byte(contractTag), buf))
}

// IncomingContract is funded by a gateway buying the preimage of an offer. Once the
// federation decrypts the preimage the funds belong to the key equal to it.
type IncomingContract struct {
	Hash              lntypes.Hash
	EncryptedPreimage []byte
	GatewayKey        Hash32
}

func (c IncomingContract) Kind() ContractKind        { return ContractIncoming }
func (c IncomingContract) PaymentHash() lntypes.Hash { return c.Hash }

func (c IncomingContract) encode(e *encoder) {
	e.fixed(c.Hash[:])
	e.bytes(c.EncryptedPreimage)
	e.fixed(c.GatewayKey[:])
}

// OutgoingContract locks user funds for a gateway paying an invoice. The gateway
// claims them with the preimage, the user takes them back after the timelock.
type OutgoingContract struct {
	Hash       lntypes.Hash
	GatewayKey Hash32
	UserKey    Hash32
	Timelock   uint32
}

func (c OutgoingContract) Kind() ContractKind        { return ContractOutgoing }
func (c OutgoingContract) PaymentHash() lntypes.Hash { return c.Hash }

func (c OutgoingContract) encode(e *encoder) {
	e.fixed(c.Hash[:])
	e.fixed(c.GatewayKey[:])
	e.fixed(c.UserKey[:])
	e.uint(uint64(c.Timelock))
}

func encodeContract(e *encoder, c Contract) {
	if c == nil {
		if e.err == nil {
			e.err = fmt.Errorf("missing contract")
		}
		return
	}
	e.uint(uint64(c.Kind()))
	c.encode(e)
}

func decodeContract(d *decoder) Contract {
	switch kind := ContractKind(d.uint()); kind {
	case ContractIncoming:
		var c IncomingContract
		d.fixed(c.Hash[:])
		c.EncryptedPreimage = d.bytes("encrypted preimage")
		d.fixed(c.GatewayKey[:])
		return c
	case ContractOutgoing:
		var c OutgoingContract
		d.fixed(c.Hash[:])
		d.fixed(c.GatewayKey[:])
		d.fixed(c.UserKey[:])
		c.Timelock = d.uint32()
		return c
	default:
		if d.err == nil {
			d.err = fmt.Errorf("unknown contract kind %d", kind)
		}
		return nil
	}
}

// Offer announces that the preimage of Hash, encrypted to the federation, is for
// sale for at least Amount.
type Offer struct {
	Amount            Amount
	Hash              lntypes.Hash
	EncryptedPreimage []byte
	// epoch after which the offer is pruned, 0 means never
	ExpiryEpoch uint64
}

func (o Offer) encode(e *encoder) {
	e.uint(uint64(o.Amount))
	e.fixed(o.Hash[:])
	e.bytes(o.EncryptedPreimage)
	e.uint(o.ExpiryEpoch)
}

func decodeOffer(d *decoder) Offer {
	var o Offer
	o.Amount = Amount(d.uint())
	d.fixed(o.Hash[:])
	o.EncryptedPreimage = d.bytes("encrypted preimage")
	o.ExpiryEpoch = d.uint()
	return o
}

func (o Offer) Serialize() []byte {
	return encodeAll(o.encode)
}

func DeserializeOffer(buf []byte) (*Offer, error) {
	var o Offer
	if err := decodeAll(buf, func(d *decoder) { o = decodeOffer(d) }); err != nil {
		return nil, err
	}
	return &o, nil
}

type DecryptionState uint8

const (
	DecryptionNone DecryptionState = iota
	DecryptionPending
	Decrypted
	DecryptionInvalid
)

func (s DecryptionState) String() string {
	switch s {
	case DecryptionPending:
		return "pending"
	case Decrypted:
		return "decrypted"
	case DecryptionInvalid:
		return "invalid"
	default:
		return "none"
	}
}

// ContractAccount holds the funds locked in a contract.
type ContractAccount struct {
	ID       ContractID
	Amount   Amount
	Contract Contract
	// incoming contracts only
	Decryption DecryptionState
	Preimage   []byte
}

func (a ContractAccount) Serialize() ([]byte, error) {
	var err error
	buf := encodeAll(func(e *encoder) {
		e.fixed(a.ID[:])
		e.uint(uint64(a.Amount))
		encodeContract(e, a.Contract)
		e.uint(uint64(a.Decryption))
		e.bytes(a.Preimage)
		err = e.err
	})
	return buf, err
}

func DeserializeContractAccount(buf []byte) (*ContractAccount, error) {
	a := &ContractAccount{}
	err := decodeAll(buf, func(d *decoder) {
		d.fixed(a.ID[:])
		a.Amount = Amount(d.uint())
		a.Contract = decodeContract(d)
		a.Decryption = DecryptionState(d.uint())
		a.Preimage = d.bytes("preimage")
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// SpendKey returns the x-only key allowed to spend from the account at the given
// consensus height.
func (a ContractAccount) SpendKey(height uint32, witness []byte) (Hash32, error) {
	switch c := a.Contract.(type) {
	case OutgoingContract:
		if len(witness) > 0 {
			preimage, err := lntypes.MakePreimage(witness)
			if err != nil || !preimage.Matches(c.Hash) {
				return Hash32{}, ErrInvalidPreimage
			}
			return c.GatewayKey, nil
		}
		if height < c.Timelock {
			return Hash32{}, ErrContractNotReady
		}
		return c.UserKey, nil
	case IncomingContract:
		switch a.Decryption {
		case Decrypted:
			var key Hash32
			copy(key[:], a.Preimage)
			return key, nil
		case DecryptionInvalid:
			return c.GatewayKey, nil
		default:
			return Hash32{}, ErrContractNotReady
		}
	default:
		return Hash32{}, fmt.Errorf("unknown contract type %T", a.Contract)
	}
}

// ValidatePreimage checks a decrypted preimage: 32 bytes hashing to the payment hash
// that also encode a valid x-only public key.
func ValidatePreimage(hash lntypes.Hash, buf []byte) error {
	preimage, err := lntypes.MakePreimage(buf)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPreimage, err)
	}
	if !preimage.Matches(hash) {
		return fmt.Errorf("%w: hash mismatch", ErrInvalidPreimage)
	}
	if _, err := schnorr.ParsePubKey(buf); err != nil {
		return fmt.Errorf("%w: not a valid key: %s", ErrInvalidPreimage, err)
	}
	return nil
}
