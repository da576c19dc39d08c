package domain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

const maxFieldSize = 1 << 20

// encoder writes the canonical binary form of domain types. The first error sticks.
type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) uint(v uint64) {
	if e.err == nil {
		e.err = wire.WriteVarInt(e.w, 0, v)
	}
}

func (e *encoder) bytes(b []byte) {
	if e.err == nil {
		e.err = wire.WriteVarBytes(e.w, 0, b)
	}
}

func (e *encoder) string(s string) {
	e.bytes([]byte(s))
}

func (e *encoder) fixed(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *encoder) bool(b bool) {
	if b {
		e.uint(1)
		return
	}
	e.uint(0)
}

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) uint() uint64 {
	if d.err != nil {
		return 0
	}
	var v uint64
	v, d.err = wire.ReadVarInt(d.r, 0)
	return v
}

func (d *decoder) uint32() uint32 {
	v := d.uint()
	if v > 0xffffffff && d.err == nil {
		d.err = fmt.Errorf("value %d overflows uint32", v)
	}
	return uint32(v)
}

func (d *decoder) bytes(field string) []byte {
	if d.err != nil {
		return nil
	}
	var b []byte
	b, d.err = wire.ReadVarBytes(d.r, 0, maxFieldSize, field)
	return b
}

func (d *decoder) string(field string) string {
	return string(d.bytes(field))
}

func (d *decoder) fixed(b []byte) {
	if d.err == nil {
		_, d.err = io.ReadFull(d.r, b)
	}
}

func (d *decoder) bool() bool {
	switch v := d.uint(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		if d.err == nil {
			d.err = fmt.Errorf("invalid bool %d", v)
		}
		return false
	}
}

// count reads a list length, bounded to avoid huge allocations.
func (d *decoder) count(field string, max uint64) int {
	n := d.uint()
	if n > max && d.err == nil {
		d.err = fmt.Errorf("too many %s: %d", field, n)
	}
	return int(n)
}

func decodeAll(buf []byte, fn func(d *decoder)) error {
	r := bytes.NewReader(buf)
	d := &decoder{r: r}
	fn(d)
	if d.err != nil {
		return d.err
	}
	if r.Len() > 0 {
		return fmt.Errorf("%d trailing bytes", r.Len())
	}
	return nil
}

func encodeAll(fn func(e *encoder)) []byte {
	var buf bytes.Buffer
	fn(&encoder{w: &buf})
	// writes to a bytes.Buffer never fail
	return buf.Bytes()
}

// Hash32 is a 32 byte identifier rendered as plain hex.
type Hash32 [32]byte

func (h Hash32) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash32) IsZero() bool {
	return h == Hash32{}
}

func (h Hash32) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash32) UnmarshalText(text []byte) error {
	parsed, err := ParseHash32(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func ParseHash32(s string) (Hash32, error) {
	var h Hash32
	buf, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(buf) != len(h) {
		return h, fmt.Errorf("invalid hash length %d", len(buf))
	}
	copy(h[:], buf)
	return h, nil
}
