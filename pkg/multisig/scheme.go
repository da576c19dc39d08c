package multisig

import (
	"github.com/arkade-os/fedmint/pkg/threshold"
	"github.com/btcsuite/btcd/wire"
)

var _ threshold.Scheme[SigningRequest, Share, *wire.MsgTx] = (*Descriptor)(nil)

func (d *Descriptor) Combine(req SigningRequest, shares map[uint16]Share) (*wire.MsgTx, error) {
	return d.Finalize(req, shares)
}

func (d *Descriptor) Verify(req SigningRequest, tx *wire.MsgTx) bool {
	return d.VerifyTx(req, tx) == nil
}
