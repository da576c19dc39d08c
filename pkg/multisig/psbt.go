package multisig

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

const psbtFieldKeyType = 222

// psbtFieldTweak attaches the federation key tweak to a psbt input.
var psbtFieldTweak = []byte("tweak")

// Packet serializes a signing request as a psbt carrying, for every input, the spent
// output, the witness script and the tweak.
func (d *Descriptor) Packet(req SigningRequest) (*psbt.Packet, error) {
	ptx, err := psbt.NewFromUnsignedTx(req.Tx.Copy())
	if err != nil {
		return nil, err
	}
	ctx, err := d.newSighashContext(req)
	if err != nil {
		return nil, err
	}
	for i, spent := range req.Spent {
		ptx.Inputs[i].WitnessUtxo = ctx.fetcher.FetchPrevOutput(spent.Outpoint)
		ptx.Inputs[i].WitnessScript = ctx.scripts[i]
		ptx.Inputs[i].SighashType = txscript.SigHashAll
		ptx.Inputs[i].Unknowns = append(ptx.Inputs[i].Unknowns, &psbt.Unknown{
			Key:   psbtKey(psbtFieldTweak),
			Value: append([]byte{}, spent.Tweak...),
		})
	}
	return ptx, nil
}

// RequestFromPacket is the inverse of Packet.
func RequestFromPacket(ptx *psbt.Packet) (SigningRequest, error) {
	tx := ptx.UnsignedTx.Copy()
	spent := make([]SpentOutput, 0, len(tx.TxIn))
	for i, in := range ptx.Inputs {
		if in.WitnessUtxo == nil {
			return SigningRequest{}, fmt.Errorf("%w: input %d", ErrMissingInput, i)
		}
		var tweak []byte
		for _, unknown := range in.Unknowns {
			if bytes.Equal(unknown.Key, psbtKey(psbtFieldTweak)) {
				tweak = unknown.Value
			}
		}
		if tweak == nil {
			return SigningRequest{}, fmt.Errorf("missing tweak for input %d", i)
		}
		spent = append(spent, SpentOutput{
			Outpoint: tx.TxIn[i].PreviousOutPoint,
			Value:    in.WitnessUtxo.Value,
			Tweak:    tweak,
		})
	}
	return SigningRequest{Tx: tx, Spent: spent}, nil
}

// EncodePacket and DecodePacket use the binary psbt serialization.
func EncodePacket(ptx *psbt.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := ptx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodePacket(buf []byte) (*psbt.Packet, error) {
	return psbt.NewFromRawBytes(bytes.NewReader(buf), false)
}

func psbtKey(field []byte) []byte {
	return append([]byte{psbtFieldKeyType}, field...)
}
