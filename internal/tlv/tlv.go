// Package tlv encodes and decodes the Type-Length-Value chains carried inside
// most SNAC bodies.
package tlv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the type + length prefix of every TLV.
const HeaderSize = 4

var (
	ErrTruncated    = errors.New("truncated tlv")
	ErrTypeMismatch = errors.New("tlv value too short for requested type")
)

// DecodeError reports where in the input a chain stopped making sense.
type DecodeError struct {
	Offset int
	Type   uint16
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("tlv 0x%04x at offset %d: %v", e.Type, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TLV is one Type-Length-Value triple. The length is implied by Value.
type TLV struct {
	Type  uint16
	Value []byte
}

func New(typ uint16, value []byte) TLV { return TLV{Type: typ, Value: value} }

func NewEmpty(typ uint16) TLV { return TLV{Type: typ} }

func NewUint8(typ uint16, v uint8) TLV { return TLV{Type: typ, Value: []byte{v}} }

func NewUint16(typ uint16, v uint16) TLV {
	return TLV{Type: typ, Value: binary.BigEndian.AppendUint16(nil, v)}
}

func NewUint32(typ uint16, v uint32) TLV {
	return TLV{Type: typ, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func NewString(typ uint16, s string) TLV { return TLV{Type: typ, Value: []byte(s)} }

// Len is the value length as written on the wire.
func (t TLV) Len() int { return len(t.Value) }

func (t TLV) Uint8() (uint8, error) {
	if len(t.Value) < 1 {
		return 0, t.mismatch()
	}
	return t.Value[0], nil
}

func (t TLV) Uint16() (uint16, error) {
	if len(t.Value) < 2 {
		return 0, t.mismatch()
	}
	return binary.BigEndian.Uint16(t.Value), nil
}

func (t TLV) Uint32() (uint32, error) {
	if len(t.Value) < 4 {
		return 0, t.mismatch()
	}
	return binary.BigEndian.Uint32(t.Value), nil
}

// String returns the value as text. Screen names and URLs are not NUL
// terminated on the wire, so no trimming happens here.
func (t TLV) String() string { return string(t.Value) }

func (t TLV) mismatch() error {
	return fmt.Errorf("tlv 0x%04x (%d bytes): %w", t.Type, len(t.Value), ErrTypeMismatch)
}

// Chain is an ordered list of TLVs. A type may repeat.
type Chain []TLV

// DecodeChain reads TLVs until b is exhausted.
func DecodeChain(b []byte) (Chain, error) {
	c, _, err := decode(b, -1)
	return c, err
}

// DecodeChainN reads at most n TLVs from the front of b and reports how many
// bytes they used. Bytes after the nth TLV are left alone.
func DecodeChainN(b []byte, n int) (Chain, int, error) {
	return decode(b, n)
}

// DecodeChainLen reads a TLV block occupying exactly the first n bytes of b.
func DecodeChainLen(b []byte, n int) (Chain, error) {
	if n < 0 || n > len(b) {
		return nil, &DecodeError{Offset: 0, Err: ErrTruncated}
	}
	c, _, err := decode(b[:n], -1)
	return c, err
}

func decode(b []byte, limit int) (Chain, int, error) {
	var c Chain
	off := 0
	for off < len(b) && (limit < 0 || len(c) < limit) {
		if len(b)-off < HeaderSize {
			return c, off, &DecodeError{Offset: off, Err: ErrTruncated}
		}
		typ := binary.BigEndian.Uint16(b[off:])
		ln := int(binary.BigEndian.Uint16(b[off+2:]))
		if len(b)-off-HeaderSize < ln {
			return c, off, &DecodeError{Offset: off, Type: typ, Err: ErrTruncated}
		}
		// copy so the chain never aliases the connection's read buffer
		v := make([]byte, ln)
		copy(v, b[off+HeaderSize:off+HeaderSize+ln])
		c = append(c, TLV{Type: typ, Value: v})
		off += HeaderSize + ln
	}
	return c, off, nil
}

// Find returns the occurrence-th (1-based) TLV of type typ.
func (c Chain) Find(typ uint16, occurrence int) (TLV, bool) {
	if occurrence < 1 {
		return TLV{}, false
	}
	n := 0
	for _, t := range c {
		if t.Type != typ {
			continue
		}
		n++
		if n == occurrence {
			return t, true
		}
	}
	return TLV{}, false
}

// Has reports whether any TLV of type typ is present.
func (c Chain) Has(typ uint16) bool {
	_, ok := c.Find(typ, 1)
	return ok
}

// Count returns the number of TLVs of type typ.
func (c Chain) Count(typ uint16) int {
	n := 0
	for _, t := range c {
		if t.Type == typ {
			n++
		}
	}
	return n
}

func (c Chain) Uint16(typ uint16) (uint16, error) {
	t, ok := c.Find(typ, 1)
	if !ok {
		return 0, fmt.Errorf("tlv 0x%04x: not present", typ)
	}
	return t.Uint16()
}

func (c Chain) Uint32(typ uint16) (uint32, error) {
	t, ok := c.Find(typ, 1)
	if !ok {
		return 0, fmt.Errorf("tlv 0x%04x: not present", typ)
	}
	return t.Uint32()
}

// String returns the first TLV of type typ as text, or "" when absent.
func (c Chain) String(typ uint16) string {
	t, ok := c.Find(typ, 1)
	if !ok {
		return ""
	}
	return t.String()
}

// Size is the encoded length of the chain.
func (c Chain) Size() int {
	n := 0
	for _, t := range c {
		n += HeaderSize + len(t.Value)
	}
	return n
}

// Encode serializes the chain in insertion order.
func (c Chain) Encode() []byte {
	return c.AppendTo(make([]byte, 0, c.Size()))
}

// AppendTo appends the encoded chain to dst.
func (c Chain) AppendTo(dst []byte) []byte {
	for _, t := range c {
		dst = binary.BigEndian.AppendUint16(dst, t.Type)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(t.Value)))
		dst = append(dst, t.Value...)
	}
	return dst
}

func (c *Chain) Add(t TLV)                      { *c = append(*c, t) }
func (c *Chain) AddUint8(typ uint16, v uint8)   { c.Add(NewUint8(typ, v)) }
func (c *Chain) AddUint16(typ uint16, v uint16) { c.Add(NewUint16(typ, v)) }
func (c *Chain) AddUint32(typ uint16, v uint32) { c.Add(NewUint32(typ, v)) }
func (c *Chain) AddString(typ uint16, s string) { c.Add(NewString(typ, s)) }
func (c *Chain) AddRaw(typ uint16, v []byte)    { c.Add(New(typ, v)) }
func (c *Chain) AddEmpty(typ uint16)            { c.Add(NewEmpty(typ)) }

// Remove drops every TLV of type typ and returns how many were removed.
func (c *Chain) Remove(typ uint16) int {
	kept := (*c)[:0]
	removed := 0
	for _, t := range *c {
		if t.Type == typ {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	*c = kept
	return removed
}

// Equal compares two chains entry by entry, order included.
func (c Chain) Equal(o Chain) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if c[i].Type != o[i].Type || !bytes.Equal(c[i].Value, o[i].Value) {
			return false
		}
	}
	return true
}
