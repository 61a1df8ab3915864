package family

import (
	"encoding/binary"
	"fmt"

	"github.com/matst80/oscarwire/internal/tlv"
)

// reader walks a big-endian SNAC body. The first short read sticks in err
// and turns every later read into a zero value.
type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.b)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBody, n, r.off, len(r.b)-r.off)
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.b[r.off:])
	r.off += n
	return v
}

// str8 reads a string with a u8 length prefix.
func (r *reader) str8() string { return string(r.bytes(int(r.u8()))) }

// tlvs reads count TLVs.
func (r *reader) tlvs(count int) tlv.Chain {
	if r.err != nil {
		return nil
	}
	c, n, err := tlv.DecodeChainN(r.b[r.off:], count)
	if err == nil && len(c) < count {
		err = fmt.Errorf("%w: %d of %d tlvs", ErrShortBody, len(c), count)
	}
	if err != nil {
		r.err = err
		return nil
	}
	r.off += n
	return c
}

// rest decodes the remaining bytes as a TLV chain.
func (r *reader) rest() tlv.Chain {
	if r.err != nil {
		return nil
	}
	c, err := tlv.DecodeChain(r.b[r.off:])
	if err != nil {
		r.err = err
		return nil
	}
	r.off = len(r.b)
	return c
}
