package family

import (
	"context"
	"encoding/binary"

	"github.com/matst80/oscarwire/internal/dispatch"
	"github.com/matst80/oscarwire/internal/obs"
	"github.com/matst80/oscarwire/internal/ratelimit"
)

const (
	OServiceRateInfoQuery uint16 = 0x0006
	OServiceRateInfoReply uint16 = 0x0007
	OServiceRateAck       uint16 = 0x0008
	OServiceRateChange    uint16 = 0x000A
)

// OService loads advertised rate classes into the connection's limiter and
// applies later rate change notices to it.
func OService(d Deps) *dispatch.SubtypeMux {
	return newMux(d).
		Handle(OServiceRateInfoReply, d.rateInfo).
		Handle(OServiceRateChange, d.rateChange)
}

func (d Deps) rateInfo(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
	p, err := ratelimit.ParseParams(m.Payload)
	if err != nil {
		return dispatch.ResultFailed, err
	}
	d.request(m.Header)
	if d.Limiter != nil {
		lim, err := d.Limiter(m.ConnID)
		if err != nil {
			return dispatch.ResultFailed, err
		}
		lim.Load(p)
	}
	if d.Reply != nil {
		ack := make([]byte, 0, 2*len(p.Classes))
		for _, c := range p.Classes {
			ack = binary.BigEndian.AppendUint16(ack, c.ID)
		}
		if err := d.Reply(m.ConnID, m.Header, OServiceRateAck, ack); err != nil {
			return dispatch.ResultFailed, err
		}
	}
	d.Log.Debug("family.rates.loaded", obs.Fields{"conn": m.ConnID, "classes": len(p.Classes)})
	d.emit(RatesLoaded{ConnID: m.ConnID, Classes: p.Classes})
	return dispatch.ResultHandled, nil
}

func (d Deps) rateChange(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
	code, class, err := ratelimit.ParseChange(m.Payload)
	if err != nil {
		return dispatch.ResultFailed, err
	}
	if d.Limiter != nil {
		lim, err := d.Limiter(m.ConnID)
		if err != nil {
			return dispatch.ResultFailed, err
		}
		lim.Update(class, code == ratelimit.ChangeLimit)
	}
	if code == ratelimit.ChangeWarning || code == ratelimit.ChangeLimit {
		d.Log.Warn("family.rates.change", obs.Fields{"conn": m.ConnID, "code": code, "class": class.ID, "level": class.Current})
	}
	d.emit(RateChanged{ConnID: m.ConnID, Code: code, Class: class})
	return dispatch.ResultHandled, nil
}
