package family

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/matst80/oscarwire/internal/cookie"
	"github.com/matst80/oscarwire/internal/dispatch"
	"github.com/matst80/oscarwire/internal/obs"
	"github.com/matst80/oscarwire/internal/tlv"
)

const (
	ICBMChannelMsgToHost   uint16 = 0x0006
	ICBMChannelMsgToClient uint16 = 0x0007

	ICBMChannelIM         uint16 = 0x0001
	ICBMChannelRendezvous uint16 = 0x0002

	ICBMTLVScreenName uint16 = 0x0001
	ICBMTLVData       uint16 = 0x0005
)

// Rendezvous status words.
const (
	RendezvousPropose uint16 = 0
	RendezvousCancel  uint16 = 1
	RendezvousAccept  uint16 = 2
)

// Rendezvous block TLVs.
const (
	RendezvousTLVRendezvousIP uint16 = 0x0002
	RendezvousTLVRequesterIP  uint16 = 0x0003
	RendezvousTLVVerifiedIP   uint16 = 0x0004
	RendezvousTLVPort         uint16 = 0x0005
	RendezvousTLVSeq          uint16 = 0x000A
	RendezvousTLVInvitation   uint16 = 0x000C
	RendezvousTLVServiceData  uint16 = 0x2711
)

// Rendezvous is the block carried in TLV 0x0005 of a channel 2 ICBM.
type Rendezvous struct {
	Status     uint16
	Cookie     cookie.Cookie
	Capability uuid.UUID
	TLVs       tlv.Chain
}

func ParseRendezvous(b []byte) (Rendezvous, error) {
	r := newReader(b)
	rv := Rendezvous{Status: r.u16()}
	ck := r.bytes(len(rv.Cookie))
	capBytes := r.bytes(16)
	rv.TLVs = r.rest()
	if r.err != nil {
		return Rendezvous{}, fmt.Errorf("rendezvous block: %w", r.err)
	}
	copy(rv.Cookie[:], ck)
	copy(rv.Capability[:], capBytes)
	return rv, nil
}

func (rv Rendezvous) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, rv.Status)
	dst = append(dst, rv.Cookie[:]...)
	dst = append(dst, rv.Capability[:]...)
	return rv.TLVs.AppendTo(dst)
}

// IP returns the address a proposal asks the peer to connect to, preferring
// the server-verified one.
func (rv Rendezvous) IP() net.IP {
	for _, typ := range []uint16{RendezvousTLVVerifiedIP, RendezvousTLVRendezvousIP, RendezvousTLVRequesterIP} {
		if t, ok := rv.TLVs.Find(typ, 1); ok && len(t.Value) == net.IPv4len {
			return net.IP(append([]byte(nil), t.Value...))
		}
	}
	return nil
}

// BuildChannel2 encodes an outgoing channel 2 ICBM body addressed to
// screen name to. The message cookie is the rendezvous cookie.
func BuildChannel2(to string, rv Rendezvous) []byte {
	out := append([]byte(nil), rv.Cookie[:]...)
	out = binary.BigEndian.AppendUint16(out, ICBMChannelRendezvous)
	out = append(out, uint8(len(to)))
	out = append(out, to...)
	return tlv.Chain{tlv.New(ICBMTLVData, rv.AppendTo(nil))}.AppendTo(out)
}

// Propose starts an outgoing rendezvous. It registers a fresh cookie under
// the capability's cookie type, so the peer's accept or cancel can be
// matched, and returns the body to send as ICBM 0x0006.
func (d Deps) Propose(ctx context.Context, to string, capability uuid.UUID, tlvs tlv.Chain, data any) (cookie.Cookie, []byte, error) {
	ck, err := cookie.NewCookie()
	if err != nil {
		return cookie.Cookie{}, nil, err
	}
	if err := d.Cookies.Register(ctx, ck, cookie.TypeForCapability(capability), data); err != nil {
		return cookie.Cookie{}, nil, err
	}
	rv := Rendezvous{Status: RendezvousPropose, Cookie: ck, Capability: capability, TLVs: tlvs}
	return ck, BuildChannel2(to, rv), nil
}

// ICBM tracks rendezvous cookies carried in channel 2 messages. Channel 1
// text is left to other handlers.
func ICBM(d Deps) *dispatch.SubtypeMux {
	return newMux(d).Handle(ICBMChannelMsgToClient, d.channelMsg)
}

func (d Deps) channelMsg(ctx context.Context, m dispatch.Message) (dispatch.Result, error) {
	r := newReader(m.Payload)
	r.bytes(8)
	ch := r.u16()
	from := r.userInfo()
	tlvs := r.rest()
	if r.err != nil {
		return dispatch.ResultFailed, r.err
	}
	if ch != ICBMChannelRendezvous {
		return dispatch.ResultNoAction, nil
	}
	data, ok := tlvs.Find(ICBMTLVData, 1)
	if !ok {
		return dispatch.ResultFailed, fmt.Errorf("%w: channel 2 without rendezvous data", ErrShortBody)
	}
	rv, err := ParseRendezvous(data.Value)
	if err != nil {
		return dispatch.ResultFailed, err
	}
	typ := cookie.TypeForCapability(rv.Capability)
	fields := obs.Fields{"conn": m.ConnID, "from": from.ScreenName, "cookie": rv.Cookie.String(), "type": typ.String()}

	switch rv.Status {
	case RendezvousPropose:
		p := RendezvousProposal{
			ConnID:     m.ConnID,
			From:       from.ScreenName,
			Cookie:     rv.Cookie,
			Capability: rv.Capability,
			Type:       typ,
			IP:         rv.IP(),
		}
		p.Port, _ = rv.TLVs.Uint16(RendezvousTLVPort)
		p.Seq, _ = rv.TLVs.Uint16(RendezvousTLVSeq)
		if err := d.Cookies.Register(ctx, rv.Cookie, typ, p); err != nil {
			return dispatch.ResultFailed, err
		}
		d.Log.Debug("family.rendezvous.proposed", fields)
		d.emit(p)
		return dispatch.ResultHandled, nil

	case RendezvousAccept, RendezvousCancel:
		v, ok, err := d.Cookies.Take(ctx, rv.Cookie, typ)
		if err != nil {
			return dispatch.ResultFailed, err
		}
		if !ok {
			d.Log.Debug("family.rendezvous.unmatched", fields)
			return dispatch.ResultNoAction, nil
		}
		d.emit(RendezvousMatched{
			ConnID:     m.ConnID,
			From:       from.ScreenName,
			Status:     rv.Status,
			Cookie:     rv.Cookie,
			Capability: rv.Capability,
			Type:       typ,
			Data:       v,
		})
		return dispatch.ResultHandled, nil
	}
	d.Log.Debug("family.rendezvous.status", obs.Fields{"conn": m.ConnID, "status": rv.Status})
	return dispatch.ResultNoAction, nil
}
