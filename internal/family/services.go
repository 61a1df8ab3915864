package family

import (
	"context"

	"github.com/matst80/oscarwire/internal/dispatch"
	"github.com/matst80/oscarwire/internal/tlv"
)

const (
	AdvertsReply uint16 = 0x0003

	AdminInfoReply   uint16 = 0x0003
	AdminChangeReply uint16 = 0x0005

	BOSRightsReply   uint16 = 0x0003
	BOSTLVMaxPermits uint16 = 0x0001
	BOSTLVMaxDenies  uint16 = 0x0002

	LookupSearchReply   uint16 = 0x0003
	LookupTLVScreenName uint16 = 0x0001

	StatsReportInterval uint16 = 0x0002
)

// Adverts accepts ad replies. The banner itself is not kept.
func Adverts(d Deps) *dispatch.SubtypeMux {
	return newMux(d).Handle(AdvertsReply, func(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
		d.request(m.Header)
		d.emit(AdReceived{ConnID: m.ConnID, Size: len(m.Payload)})
		return dispatch.ResultHandled, nil
	})
}

func Admin(d Deps) *dispatch.SubtypeMux {
	return newMux(d).
		Handle(AdminInfoReply, d.adminReply).
		Handle(AdminChangeReply, d.adminReply)
}

func (d Deps) adminReply(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
	r := newReader(m.Payload)
	perms := r.u16()
	tlvs := r.tlvs(int(r.u16()))
	if r.err != nil {
		return dispatch.ResultFailed, r.err
	}
	d.emit(AdminReply{Subtype: m.Header.Subtype, Permissions: perms, TLVs: tlvs, Request: d.request(m.Header)})
	return dispatch.ResultHandled, nil
}

func BOS(d Deps) *dispatch.SubtypeMux {
	return newMux(d).Handle(BOSRightsReply, func(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
		c, err := tlv.DecodeChain(m.Payload)
		if err != nil {
			return dispatch.ResultFailed, err
		}
		d.request(m.Header)
		permits, _ := c.Uint16(BOSTLVMaxPermits)
		denies, _ := c.Uint16(BOSTLVMaxDenies)
		d.emit(BOSRights{MaxPermit: permits, MaxDeny: denies})
		return dispatch.ResultHandled, nil
	})
}

// Lookup resolves a search-by-email reply to the request that asked.
func Lookup(d Deps) *dispatch.SubtypeMux {
	return newMux(d).Handle(LookupSearchReply, func(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
		c, err := tlv.DecodeChain(m.Payload)
		if err != nil {
			return dispatch.ResultFailed, err
		}
		names := make([]string, 0, c.Count(LookupTLVScreenName))
		for _, t := range c {
			if t.Type == LookupTLVScreenName {
				names = append(names, t.String())
			}
		}
		d.emit(LookupReply{ScreenNames: names, Request: d.request(m.Header)})
		return dispatch.ResultHandled, nil
	})
}

func Stats(d Deps) *dispatch.SubtypeMux {
	return newMux(d).Handle(StatsReportInterval, func(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
		r := newReader(m.Payload)
		secs := r.u16()
		if r.err != nil {
			return dispatch.ResultFailed, r.err
		}
		d.emit(StatsInterval{Seconds: secs})
		return dispatch.ResultHandled, nil
	})
}
