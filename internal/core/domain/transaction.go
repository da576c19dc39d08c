package domain

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	txTag = "fedmint/tx"

	maxTxInputs  = 1000
	maxTxOutputs = 1000
	maxBranchLen = 64
)

type TxID = Hash32

// MintOutpoint identifies an output of an accepted mint transaction.
type MintOutpoint struct {
	TxID   TxID
	OutIdx uint32
}

func (o MintOutpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.OutIdx)
}

// Bytes is the fixed size key form: txid || big endian index.
func (o MintOutpoint) Bytes() []byte {
	buf := make([]byte, 36)
	copy(buf, o.TxID[:])
	binary.BigEndian.PutUint32(buf[32:], o.OutIdx)
	return buf
}

func MintOutpointFromBytes(buf []byte) (MintOutpoint, error) {
	var o MintOutpoint
	if len(buf) != 36 {
		return o, fmt.Errorf("invalid outpoint length %d", len(buf))
	}
	copy(o.TxID[:], buf[:32])
	o.OutIdx = binary.BigEndian.Uint32(buf[32:])
	return o, nil
}

func ParseMintOutpoint(s string) (MintOutpoint, error) {
	var o MintOutpoint
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return o, fmt.Errorf("invalid outpoint string: %s", s)
	}
	txid, err := ParseHash32(parts[0])
	if err != nil {
		return o, fmt.Errorf("invalid outpoint txid: %w", err)
	}
	idx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return o, fmt.Errorf("invalid outpoint index: %s", parts[1])
	}
	return MintOutpoint{txid, uint32(idx)}, nil
}

type InputKind uint8

const (
	InputCoin InputKind = iota + 1
	InputPegIn
	InputContract
)

func (k InputKind) String() string {
	switch k {
	case InputCoin:
		return "coin"
	case InputPegIn:
		return "pegin"
	case InputContract:
		return "contract"
	default:
		return "unknown"
	}
}

type Input interface {
	Kind() InputKind
	Value() Amount
	// ConflictKey identifies what the input consumes. Two inputs with the same key
	// never both make it into an epoch.
	ConflictKey() string
	encode(e *encoder)
}

// CoinInput spends a coin. The nonce is the x-only key that signs the transaction
// and the signature is the unblinded mint signature over the nonce.
type CoinInput struct {
	Tier      Tier
	Nonce     Hash32
	Signature []byte
}

func (i CoinInput) Kind() InputKind     { return InputCoin }
func (i CoinInput) Value() Amount       { return i.Tier }
func (i CoinInput) ConflictKey() string { return "coin:" + i.Nonce.String() }

func (i CoinInput) encode(e *encoder) {
	e.uint(uint64(i.Tier))
	e.fixed(i.Nonce[:])
	e.bytes(i.Signature)
}

// PegInProof shows that a federation output was confirmed in a known block.
type PegInProof struct {
	Header       wire.BlockHeader
	MerkleBranch []chainhash.Hash
	// position of the tx in the block
	TxIndex     uint32
	Tx          *wire.MsgTx
	OutputIndex uint32
	// x-only key that tweaks the federation descriptor and spends the input
	TweakKey Hash32
}

func (p PegInProof) Outpoint() wire.OutPoint {
	if p.Tx == nil {
		return wire.OutPoint{}
	}
	return wire.OutPoint{Hash: p.Tx.TxHash(), Index: p.OutputIndex}
}

func (p PegInProof) Output() (*wire.TxOut, error) {
	if p.Tx == nil || int(p.OutputIndex) >= len(p.Tx.TxOut) {
		return nil, fmt.Errorf("peg-in output %d not found", p.OutputIndex)
	}
	return p.Tx.TxOut[p.OutputIndex], nil
}

// VerifyInclusion checks the merkle branch of the tx against the header.
func (p PegInProof) VerifyInclusion() bool {
	if p.Tx == nil {
		return false
	}
	hash := p.Tx.TxHash()
	idx := p.TxIndex
	for _, sibling := range p.MerkleBranch {
		if idx&1 == 0 {
			hash = chainhash.DoubleHashH(append(hash[:], sibling[:]...))
		} else {
			hash = chainhash.DoubleHashH(append(sibling[:], hash[:]...))
		}
		idx >>= 1
	}
	return idx == 0 && hash == p.Header.MerkleRoot
}

func (p PegInProof) encode(e *encoder) {
	var buf bytes.Buffer
	if err := p.Header.Serialize(&buf); err != nil && e.err == nil {
		e.err = err
	}
	e.bytes(buf.Bytes())
	e.uint(uint64(len(p.MerkleBranch)))
	for _, h := range p.MerkleBranch {
		e.fixed(h[:])
	}
	e.uint(uint64(p.TxIndex))
	buf.Reset()
	if p.Tx == nil {
		if e.err == nil {
			e.err = fmt.Errorf("missing peg-in tx")
		}
	} else if err := p.Tx.Serialize(&buf); err != nil && e.err == nil {
		e.err = err
	}
	e.bytes(buf.Bytes())
	e.uint(uint64(p.OutputIndex))
	e.fixed(p.TweakKey[:])
}

func decodePegInProof(d *decoder) PegInProof {
	var p PegInProof
	if header := d.bytes("header"); d.err == nil {
		d.err = p.Header.Deserialize(bytes.NewReader(header))
	}
	n := d.count("merkle branch", maxBranchLen)
	for i := 0; i < n && d.err == nil; i++ {
		var h chainhash.Hash
		d.fixed(h[:])
		p.MerkleBranch = append(p.MerkleBranch, h)
	}
	p.TxIndex = d.uint32()
	if raw := d.bytes("tx"); d.err == nil {
		p.Tx = wire.NewMsgTx(wire.TxVersion)
		d.err = p.Tx.Deserialize(bytes.NewReader(raw))
	}
	p.OutputIndex = d.uint32()
	d.fixed(p.TweakKey[:])
	return p
}

// Serialize returns the proof in the encoding embedded in peg-in inputs.
func (p PegInProof) Serialize() ([]byte, error) {
	var err error
	buf := encodeAll(func(e *encoder) {
		p.encode(e)
		err = e.err
	})
	return buf, err
}

func DeserializePegInProof(buf []byte) (*PegInProof, error) {
	var p PegInProof
	if err := decodeAll(buf, func(d *decoder) { p = decodePegInProof(d) }); err != nil {
		return nil, err
	}
	return &p, nil
}

type PegInInput struct {
	Proof PegInProof
}

func (i PegInInput) Kind() InputKind { return InputPegIn }

func (i PegInInput) Value() Amount {
	out, err := i.Proof.Output()
	if err != nil || out.Value < 0 {
		return 0
	}
	return Amount(out.Value)
}

func (i PegInInput) ConflictKey() string {
	return "pegin:" + i.Proof.Outpoint().String()
}

func (i PegInInput) encode(e *encoder) {
	i.Proof.encode(e)
}

// ContractInput spends funds locked in a Lightning contract account. Witness holds
// the preimage when a gateway claims an outgoing contract.
type ContractInput struct {
	ContractID ContractID
	Amount     Amount
	Witness    []byte
}

func (i ContractInput) Kind() InputKind     { return InputContract }
func (i ContractInput) Value() Amount       { return i.Amount }
func (i ContractInput) ConflictKey() string { return "contract:" + i.ContractID.String() }

func (i ContractInput) encode(e *encoder) {
	e.fixed(i.ContractID[:])
	e.uint(uint64(i.Amount))
	e.bytes(i.Witness)
}

type OutputKind uint8

const (
	OutputCoin OutputKind = iota + 1
	OutputPegOut
	OutputContract
	OutputOffer
)

func (k OutputKind) String() string {
	switch k {
	case OutputCoin:
		return "coin"
	case OutputPegOut:
		return "pegout"
	case OutputContract:
		return "contract"
	case OutputOffer:
		return "offer"
	default:
		return "unknown"
	}
}

type Output interface {
	Kind() OutputKind
	Value() Amount
	encode(e *encoder)
}

// CoinOutput requests the blind signature of a coin.
type CoinOutput struct {
	Tier           Tier
	BlindedMessage []byte
}

func (o CoinOutput) Kind() OutputKind { return OutputCoin }
func (o CoinOutput) Value() Amount    { return o.Tier }

func (o CoinOutput) encode(e *encoder) {
	e.uint(uint64(o.Tier))
	e.bytes(o.BlindedMessage)
}

type PegOutOutput struct {
	Address string
	Amount  Amount
}

func (o PegOutOutput) Kind() OutputKind { return OutputPegOut }
func (o PegOutOutput) Value() Amount    { return o.Amount }

func (o PegOutOutput) encode(e *encoder) {
	e.string(o.Address)
	e.uint(uint64(o.Amount))
}

// ParseAddress decodes the destination for the given network.
func (o PegOutOutput) ParseAddress(params *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(o.Address, params)
	if err != nil {
		return nil, err
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not for %s", o.Address, params.Name)
	}
	return addr, nil
}

// ContractOutput funds a Lightning contract.
type ContractOutput struct {
	Amount   Amount
	Contract Contract
}

func (o ContractOutput) Kind() OutputKind { return OutputContract }
func (o ContractOutput) Value() Amount    { return o.Amount }

func (o ContractOutput) encode(e *encoder) {
	e.uint(uint64(o.Amount))
	encodeContract(e, o.Contract)
}

// OfferOutput registers an offer. It carries no value.
type OfferOutput struct {
	Offer Offer
}

func (o OfferOutput) Kind() OutputKind { return OutputOffer }
func (o OfferOutput) Value() Amount    { return 0 }

func (o OfferOutput) encode(e *encoder) {
	o.Offer.encode(e)
}

// Transaction is immutable once submitted.
type Transaction struct {
	Inputs  []Input
	Outputs []Output
	// one schnorr signature per input over the transaction id
	Signatures [][]byte
}

// ID commits to inputs and outputs, not to the signatures.
func (tx Transaction) ID() TxID {
	body := encodeAll(tx.encodeBody)
	return TxID(*chainhash.TaggedHash([]byte(txTag), body))
}

func (tx Transaction) InputTotal() (Amount, error) {
	var total Amount
	for _, in := range tx.Inputs {
		var err error
		if total, err = total.Add(in.Value()); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (tx Transaction) OutputTotal() (Amount, error) {
	var total Amount
	for _, out := range tx.Outputs {
		var err error
		if total, err = total.Add(out.Value()); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (tx Transaction) PegOuts() []PegOutOutput {
	pegouts := make([]PegOutOutput, 0)
	for _, out := range tx.Outputs {
		if p, ok := out.(PegOutOutput); ok {
			pegouts = append(pegouts, p)
		}
	}
	return pegouts
}

func (tx Transaction) encodeBody(e *encoder) {
	e.uint(uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		e.uint(uint64(in.Kind()))
		in.encode(e)
	}
	e.uint(uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		e.uint(uint64(out.Kind()))
		out.encode(e)
	}
}

func (tx Transaction) Serialize() ([]byte, error) {
	var err error
	buf := encodeAll(func(e *encoder) {
		tx.encodeBody(e)
		e.uint(uint64(len(tx.Signatures)))
		for _, sig := range tx.Signatures {
			e.bytes(sig)
		}
		err = e.err
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func DeserializeTransaction(buf []byte) (*Transaction, error) {
	tx := &Transaction{}
	err := decodeAll(buf, func(d *decoder) {
		numIn := d.count("inputs", maxTxInputs)
		for i := 0; i < numIn && d.err == nil; i++ {
			switch kind := InputKind(d.uint()); kind {
			case InputCoin:
				in := CoinInput{Tier: Amount(d.uint())}
				d.fixed(in.Nonce[:])
				in.Signature = d.bytes("coin signature")
				tx.Inputs = append(tx.Inputs, in)
			case InputPegIn:
				tx.Inputs = append(tx.Inputs, PegInInput{decodePegInProof(d)})
			case InputContract:
				in := ContractInput{}
				d.fixed(in.ContractID[:])
				in.Amount = Amount(d.uint())
				in.Witness = d.bytes("witness")
				tx.Inputs = append(tx.Inputs, in)
			default:
				if d.err == nil {
					d.err = fmt.Errorf("unknown input kind %d", kind)
				}
			}
		}
		numOut := d.count("outputs", maxTxOutputs)
		for i := 0; i < numOut && d.err == nil; i++ {
			switch kind := OutputKind(d.uint()); kind {
			case OutputCoin:
				out := CoinOutput{Tier: Amount(d.uint())}
				out.BlindedMessage = d.bytes("blinded message")
				tx.Outputs = append(tx.Outputs, out)
			case OutputPegOut:
				out := PegOutOutput{Address: d.string("address")}
				out.Amount = Amount(d.uint())
				tx.Outputs = append(tx.Outputs, out)
			case OutputContract:
				out := ContractOutput{Amount: Amount(d.uint())}
				out.Contract = decodeContract(d)
				tx.Outputs = append(tx.Outputs, out)
			case OutputOffer:
				tx.Outputs = append(tx.Outputs, OfferOutput{decodeOffer(d)})
			default:
				if d.err == nil {
					d.err = fmt.Errorf("unknown output kind %d", kind)
				}
			}
		}
		numSigs := d.count("signatures", maxTxInputs)
		for i := 0; i < numSigs && d.err == nil; i++ {
			tx.Signatures = append(tx.Signatures, d.bytes("signature"))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid transaction encoding: %w", err)
	}
	return tx, nil
}

func (tx Transaction) MarshalJSON() ([]byte, error) {
	buf, err := tx.Serialize()
	if err != nil {
		return nil, err
	}
	return json.Marshal(hex.EncodeToString(buf))
}

func (tx *Transaction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	decoded, err := DeserializeTransaction(buf)
	if err != nil {
		return err
	}
	*tx = *decoded
	return nil
}
