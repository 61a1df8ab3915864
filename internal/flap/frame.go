// Package flap frames commands on an OSCAR connection: the 6-byte FLAP
// envelope used toward the servers and the 8-byte rendezvous (OFT/ODC)
// header used between peers.
package flap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Marker = 0x2A

	HeaderSize           = 6
	RendezvousHeaderSize = 8

	// MaxPayload is bounded by the u16 length field.
	MaxPayload = 0xFFFF
)

// FLAP channels.
const (
	ChannelLogin     uint8 = 0x01
	ChannelSNAC      uint8 = 0x02
	ChannelError     uint8 = 0x03
	ChannelLogoff    uint8 = 0x04
	ChannelKeepAlive uint8 = 0x05
)

var (
	// HelloPayload is the FLAP version word opening channel 1.
	HelloPayload = []byte{0x00, 0x00, 0x00, 0x01}

	MagicOFT2 = [4]byte{'O', 'F', 'T', '2'}
	MagicODC2 = [4]byte{'O', 'D', 'C', '2'}
)

var (
	ErrBadMarker       = errors.New("bad flap marker")
	ErrBadHeaderLength = errors.New("rendezvous header length below minimum")
	ErrPayloadTooLarge = errors.New("payload exceeds frame length field")
)

// FramingError is fatal to the connection that produced it.
type FramingError struct {
	Got byte
	Err error
}

func (e *FramingError) Error() string {
	if errors.Is(e.Err, ErrBadMarker) {
		return fmt.Sprintf("%v: got 0x%02x", e.Err, e.Got)
	}
	return e.Err.Error()
}

func (e *FramingError) Unwrap() error { return e.Err }

// Frame is one decoded command. Channel and Sequence are set for FLAP
// frames, Magic and Type for rendezvous frames.
type Frame struct {
	Channel  uint8
	Sequence uint16
	Magic    [4]byte
	Type     uint16
	Payload  []byte
}

// Encode writes the 6-byte FLAP header followed by the payload.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	b := make([]byte, HeaderSize, HeaderSize+len(f.Payload))
	b[0] = Marker
	b[1] = f.Channel
	binary.BigEndian.PutUint16(b[2:4], f.Sequence)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(f.Payload)))
	return append(b, f.Payload...), nil
}

// EncodeRendezvous writes the 8-byte peer header followed by the payload.
func EncodeRendezvous(f Frame) ([]byte, error) {
	if len(f.Payload)+RendezvousHeaderSize > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	b := make([]byte, RendezvousHeaderSize, RendezvousHeaderSize+len(f.Payload))
	copy(b[0:4], f.Magic[:])
	binary.BigEndian.PutUint16(b[4:6], uint16(RendezvousHeaderSize+len(f.Payload)))
	binary.BigEndian.PutUint16(b[6:8], f.Type)
	return append(b, f.Payload...), nil
}

// Decode parses one FLAP frame from the front of raw.
// If the frame is incomplete it returns (Frame{}, 0, nil).
func Decode(raw []byte) (Frame, int, error) {
	if len(raw) < 1 {
		return Frame{}, 0, nil
	}
	if raw[0] != Marker {
		return Frame{}, 0, &FramingError{Got: raw[0], Err: ErrBadMarker}
	}
	if len(raw) < HeaderSize {
		return Frame{}, 0, nil
	}
	ln := int(binary.BigEndian.Uint16(raw[4:6]))
	if len(raw) < HeaderSize+ln {
		return Frame{}, 0, nil
	}
	f := Frame{
		Channel:  raw[1],
		Sequence: binary.BigEndian.Uint16(raw[2:4]),
		Payload:  make([]byte, ln),
	}
	copy(f.Payload, raw[HeaderSize:HeaderSize+ln])
	return f, HeaderSize + ln, nil
}

// ReadFrame reads exactly one FLAP frame from r, blocking until it arrives.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if hdr[0] != Marker {
		return Frame{}, &FramingError{Got: hdr[0], Err: ErrBadMarker}
	}
	f := Frame{
		Channel:  hdr[1],
		Sequence: binary.BigEndian.Uint16(hdr[2:4]),
		Payload:  make([]byte, binary.BigEndian.Uint16(hdr[4:6])),
	}
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// WriteFrame encodes f and writes it to w in one call.
func WriteFrame(w io.Writer, f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
