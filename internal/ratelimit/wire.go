package ratelimit

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	classSize         = 30
	extendedClassSize = 35
)

// Rate change codes carried by OService 0x000a.
const (
	ChangeParams  uint16 = 1
	ChangeWarning uint16 = 2
	ChangeLimit   uint16 = 3
	ChangeClear   uint16 = 4
)

var ErrMalformed = errors.New("malformed rate parameters")

// Params is the body of an OService rate info reply.
type Params struct {
	Classes []Class
	Groups  map[uint16][]Pair
}

// ParseParams decodes a rate info reply. Newer servers append five bytes
// of state to every class; both layouts are accepted.
func ParseParams(body []byte) (Params, error) {
	if p, err := parseParams(body, classSize); err == nil {
		return p, nil
	}
	p, err := parseParams(body, extendedClassSize)
	if err != nil {
		return Params{}, err
	}
	return p, nil
}

func parseParams(b []byte, size int) (Params, error) {
	if len(b) < 2 {
		return Params{}, fmt.Errorf("%w: missing class count", ErrMalformed)
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n*size {
		return Params{}, fmt.Errorf("%w: %d classes need %d bytes, have %d", ErrMalformed, n, n*size, len(b))
	}
	p := Params{Classes: make([]Class, 0, n), Groups: make(map[uint16][]Pair, n)}
	for i := 0; i < n; i++ {
		p.Classes = append(p.Classes, decodeClass(b[:size]))
		b = b[size:]
	}
	for len(b) > 0 {
		if len(b) < 4 {
			return Params{}, fmt.Errorf("%w: short group header", ErrMalformed)
		}
		id := binary.BigEndian.Uint16(b)
		cnt := int(binary.BigEndian.Uint16(b[2:]))
		b = b[4:]
		if len(b) < cnt*4 {
			return Params{}, fmt.Errorf("%w: group %d truncated", ErrMalformed, id)
		}
		pairs := make([]Pair, cnt)
		for j := range pairs {
			pairs[j] = Pair{
				Family:  binary.BigEndian.Uint16(b[j*4:]),
				Subtype: binary.BigEndian.Uint16(b[j*4+2:]),
			}
		}
		p.Groups[id] = pairs
		b = b[cnt*4:]
	}
	return p, nil
}

func decodeClass(b []byte) Class {
	return Class{
		ID:         binary.BigEndian.Uint16(b[0:]),
		Window:     binary.BigEndian.Uint32(b[2:]),
		Clear:      binary.BigEndian.Uint32(b[6:]),
		Alert:      binary.BigEndian.Uint32(b[10:]),
		Limit:      binary.BigEndian.Uint32(b[14:]),
		Disconnect: binary.BigEndian.Uint32(b[18:]),
		Current:    binary.BigEndian.Uint32(b[22:]),
		Max:        binary.BigEndian.Uint32(b[26:]),
	}
}

func appendClass(dst []byte, c Class) []byte {
	dst = binary.BigEndian.AppendUint16(dst, c.ID)
	for _, v := range []uint32{c.Window, c.Clear, c.Alert, c.Limit, c.Disconnect, c.Current, c.Max} {
		dst = binary.BigEndian.AppendUint32(dst, v)
	}
	return dst
}

// Encode renders p in the short class layout. Groups are written in class
// order.
func (p Params) Encode() []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(p.Classes)))
	for _, c := range p.Classes {
		out = appendClass(out, c)
	}
	for _, c := range p.Classes {
		pairs := p.Groups[c.ID]
		out = binary.BigEndian.AppendUint16(out, c.ID)
		out = binary.BigEndian.AppendUint16(out, uint16(len(pairs)))
		for _, pr := range pairs {
			out = binary.BigEndian.AppendUint16(out, pr.Family)
			out = binary.BigEndian.AppendUint16(out, pr.Subtype)
		}
	}
	return out
}

// ParseChange decodes a rate change notice: a code followed by one class.
func ParseChange(body []byte) (uint16, Class, error) {
	if len(body) < 2+classSize {
		return 0, Class{}, fmt.Errorf("%w: rate change is %d bytes", ErrMalformed, len(body))
	}
	return binary.BigEndian.Uint16(body), decodeClass(body[2:]), nil
}

// EncodeChange renders a rate change notice.
func EncodeChange(code uint16, c Class) []byte {
	return appendClass(binary.BigEndian.AppendUint16(nil, code), c)
}
