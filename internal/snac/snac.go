// Package snac reads and writes the 10-byte SNAC header that opens every
// FLAP channel-2 payload.
package snac

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/matst80/oscarwire/internal/tlv"
)

const HeaderSize = 10

// Families.
const (
	FamilyOService  uint16 = 0x0001
	FamilyLocate    uint16 = 0x0002
	FamilyBuddy     uint16 = 0x0003
	FamilyICBM      uint16 = 0x0004
	FamilyAdverts   uint16 = 0x0005
	FamilyInvite    uint16 = 0x0006
	FamilyAdmin     uint16 = 0x0007
	FamilyPopup     uint16 = 0x0008
	FamilyBOS       uint16 = 0x0009
	FamilyLookup    uint16 = 0x000A
	FamilyStats     uint16 = 0x000B
	FamilyTranslate uint16 = 0x000C
	FamilyChatNav   uint16 = 0x000D
	FamilyChat      uint16 = 0x000E
	FamilyODir      uint16 = 0x000F
	FamilyBART      uint16 = 0x0010
	FamilyFeedbag   uint16 = 0x0013
	FamilyICQ       uint16 = 0x0015
	FamilyAuth      uint16 = 0x0017
)

// SubtypeError is the error reply subtype shared by every family.
const SubtypeError uint16 = 0x0001

// Header flags.
const (
	// FlagMoreReplies marks a reply that will be followed by more replies
	// carrying the same request id.
	FlagMoreReplies uint16 = 0x0001
	// FlagOptionalTLV marks a body prefixed with a length and a TLV block.
	FlagOptionalTLV uint16 = 0x8000
)

var ErrShortHeader = errors.New("snac header shorter than 10 bytes")

type Header struct {
	Family    uint16
	Subtype   uint16
	Flags     uint16
	RequestID uint32
}

func (h Header) String() string {
	return fmt.Sprintf("0x%04x/0x%04x flags=0x%04x id=%d", h.Family, h.Subtype, h.Flags, h.RequestID)
}

// MoreReplies reports whether another reply with the same id will follow.
func (h Header) MoreReplies() bool { return h.Flags&FlagMoreReplies != 0 }

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Family:    binary.BigEndian.Uint16(b[0:2]),
		Subtype:   binary.BigEndian.Uint16(b[2:4]),
		Flags:     binary.BigEndian.Uint16(b[4:6]),
		RequestID: binary.BigEndian.Uint32(b[6:10]),
	}, nil
}

func (h Header) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], h.Family)
	binary.BigEndian.PutUint16(b[2:4], h.Subtype)
	binary.BigEndian.PutUint16(b[4:6], h.Flags)
	binary.BigEndian.PutUint32(b[6:10], h.RequestID)
	return b
}

func (h Header) AppendTo(dst []byte) []byte {
	b := h.Encode()
	return append(dst, b[:]...)
}

// Split separates a channel-2 payload into its header and body. When
// FlagOptionalTLV is set the length-prefixed TLV block is checked and
// dropped; SplitOptional hands it back instead.
func Split(payload []byte) (Header, []byte, error) {
	h, _, body, err := SplitOptional(payload)
	return h, body, err
}

// SplitOptional is Split that also returns the optional TLV block, which is
// nil when FlagOptionalTLV is clear.
func SplitOptional(payload []byte) (Header, tlv.Chain, []byte, error) {
	h, err := DecodeHeader(payload)
	if err != nil {
		return Header{}, nil, nil, err
	}
	body := payload[HeaderSize:]
	if h.Flags&FlagOptionalTLV == 0 {
		return h, nil, body, nil
	}
	if len(body) < 2 {
		return h, nil, nil, fmt.Errorf("snac %s: optional tlv length: %w", h, tlv.ErrTruncated)
	}
	n := int(binary.BigEndian.Uint16(body))
	opt, err := tlv.DecodeChainLen(body[2:], n)
	if err != nil {
		return h, nil, nil, fmt.Errorf("snac %s: optional tlv block: %w", h, err)
	}
	return h, opt, body[2+n:], nil
}

// Build encodes a header followed by body.
func Build(h Header, body []byte) []byte {
	return append(h.AppendTo(make([]byte, 0, HeaderSize+len(body))), body...)
}

// Error is the body of a family error reply (subtype 0x0001).
type Error struct {
	Code uint16
	TLVs tlv.Chain
}

// ParseError decodes a family error body: a u16 code, then optional TLVs
// (0x0008 carries a more specific subcode).
func ParseError(body []byte) (Error, error) {
	if len(body) < 2 {
		return Error{}, fmt.Errorf("snac error body: %w", tlv.ErrTruncated)
	}
	e := Error{Code: binary.BigEndian.Uint16(body)}
	if len(body) > 2 {
		c, err := tlv.DecodeChain(body[2:])
		if err != nil {
			return e, err
		}
		e.TLVs = c
	}
	return e, nil
}
