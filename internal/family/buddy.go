package family

import (
	"context"

	"github.com/matst80/oscarwire/internal/dispatch"
	"github.com/matst80/oscarwire/internal/tlv"
)

const (
	BuddyRightsReply uint16 = 0x0003
	BuddyArrived     uint16 = 0x000B
	BuddyDeparted    uint16 = 0x000C

	BuddyTLVMaxBuddies  uint16 = 0x0001
	BuddyTLVMaxWatchers uint16 = 0x0002
)

func Buddy(d Deps) *dispatch.SubtypeMux {
	return newMux(d).
		Handle(BuddyRightsReply, d.buddyRights).
		Handle(BuddyArrived, d.buddyPresence(true)).
		Handle(BuddyDeparted, d.buddyPresence(false))
}

func (d Deps) buddyRights(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
	c, err := tlv.DecodeChain(m.Payload)
	if err != nil {
		return dispatch.ResultFailed, err
	}
	d.request(m.Header)
	maxBuddies, _ := c.Uint16(BuddyTLVMaxBuddies)
	maxWatchers, _ := c.Uint16(BuddyTLVMaxWatchers)
	d.emit(BuddyRights{MaxBuddies: maxBuddies, MaxWatchers: maxWatchers})
	return dispatch.ResultHandled, nil
}

func (d Deps) buddyPresence(online bool) dispatch.HandlerFunc {
	return func(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
		r := newReader(m.Payload)
		u := r.userInfo()
		if r.err != nil {
			return dispatch.ResultFailed, r.err
		}
		if online {
			d.emit(BuddyOncoming{User: u})
		} else {
			d.emit(BuddyOffgoing{User: u})
		}
		return dispatch.ResultHandled, nil
	}
}
