package flap

import (
	"encoding/binary"
)

// Mode selects the header shape a Framer parses.
type Mode uint8

const (
	ModeFLAP Mode = iota
	ModeRendezvous
)

func (m Mode) headerSize() int {
	if m == ModeRendezvous {
		return RendezvousHeaderSize
	}
	return HeaderSize
}

// State is the framer's position within the current frame.
type State uint8

const (
	AwaitingHeader State = iota
	AwaitingPayload
	FrameReady
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting-header"
	case AwaitingPayload:
		return "awaiting-payload"
	case FrameReady:
		return "frame-ready"
	}
	return "unknown"
}

// Framer reassembles frames from arbitrarily split reads. It never blocks;
// bytes that do not yet complete a frame stay buffered until the next Feed.
// A Framer is owned by a single connection and is not safe for concurrent use.
type Framer struct {
	state State
	mode  Mode

	hdr  [RendezvousHeaderSize]byte
	nhdr int

	cur  Frame
	want int
	have int

	broken error
}

func NewFramer(m Mode) *Framer {
	return &Framer{mode: m}
}

func (f *Framer) Mode() Mode { return f.mode }

func (f *Framer) State() State { return f.state }

// Buffered reports how many bytes of the current frame have been received.
func (f *Framer) Buffered() int {
	if f.state == AwaitingPayload {
		return f.mode.headerSize() + f.have
	}
	return f.nhdr
}

// Feed consumes p and returns every frame it completed. After a framing
// error the Framer is unusable and keeps returning that error.
func (f *Framer) Feed(p []byte) ([]Frame, error) {
	if f.broken != nil {
		return nil, f.broken
	}
	var out []Frame
	for len(p) > 0 {
		switch f.state {
		case AwaitingHeader:
			n := copy(f.hdr[f.nhdr:f.mode.headerSize()], p)
			p = p[n:]
			if f.nhdr == 0 && f.mode == ModeFLAP && f.hdr[0] != Marker {
				f.broken = &FramingError{Got: f.hdr[0], Err: ErrBadMarker}
				return out, f.broken
			}
			f.nhdr += n
			if f.nhdr < f.mode.headerSize() {
				continue
			}
			if err := f.parseHeader(); err != nil {
				f.broken = err
				return out, err
			}
			f.state = AwaitingPayload
			if f.want == 0 {
				f.state = FrameReady
			}
		case AwaitingPayload:
			n := copy(f.cur.Payload[f.have:], p)
			p = p[n:]
			f.have += n
			if f.have == f.want {
				f.state = FrameReady
			}
		}
		if f.state == FrameReady {
			out = append(out, f.cur)
			f.reset()
		}
	}
	return out, nil
}

func (f *Framer) parseHeader() error {
	switch f.mode {
	case ModeRendezvous:
		hlen := int(binary.BigEndian.Uint16(f.hdr[4:6]))
		if hlen < RendezvousHeaderSize {
			return &FramingError{Err: ErrBadHeaderLength}
		}
		copy(f.cur.Magic[:], f.hdr[0:4])
		f.cur.Type = binary.BigEndian.Uint16(f.hdr[6:8])
		f.want = hlen - RendezvousHeaderSize
	default:
		f.cur.Channel = f.hdr[1]
		f.cur.Sequence = binary.BigEndian.Uint16(f.hdr[2:4])
		f.want = int(binary.BigEndian.Uint16(f.hdr[4:6]))
	}
	f.cur.Payload = make([]byte, f.want)
	f.have = 0
	return nil
}

func (f *Framer) reset() {
	f.state = AwaitingHeader
	f.nhdr = 0
	f.cur = Frame{}
	f.want = 0
	f.have = 0
}
