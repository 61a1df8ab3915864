package family

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/oscarwire/internal/cookie"
	"github.com/matst80/oscarwire/internal/dispatch"
	"github.com/matst80/oscarwire/internal/ratelimit"
	"github.com/matst80/oscarwire/internal/snac"
	"github.com/matst80/oscarwire/internal/snaccache"
	"github.com/matst80/oscarwire/internal/tlv"
)

type reply struct {
	conn    uint32
	to      snac.Header
	subtype uint16
	body    []byte
}

type harness struct {
	deps    Deps
	table   *dispatch.Table
	limiter *ratelimit.Limiter
	events  []Event
	replies []reply
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{table: dispatch.NewTable(0), limiter: ratelimit.New()}
	h.deps = Deps{
		Requests: snaccache.New(),
		Cookies:  cookie.New(),
		Limiter: func(id uint32) (*ratelimit.Limiter, error) {
			if id != 1 {
				return nil, errors.New("no such connection")
			}
			return h.limiter, nil
		},
		Reply: func(id uint32, to snac.Header, subtype uint16, body []byte) error {
			h.replies = append(h.replies, reply{id, to, subtype, body})
			return nil
		},
		Emit: func(e Event) { h.events = append(h.events, e) },
	}
	require.NoError(t, Register(h.table.Register, h.deps))
	return h
}

func (h *harness) dispatch(t *testing.T, hdr snac.Header, body []byte) dispatch.Result {
	t.Helper()
	res, err := h.table.Dispatch(context.Background(), dispatch.Message{ConnID: 1, Header: hdr, Payload: body})
	require.NoError(t, err)
	return res
}

func (h *harness) last(t *testing.T) Event {
	t.Helper()
	require.NotEmpty(t, h.events)
	return h.events[len(h.events)-1]
}

func TestRegisterCoversFamilies(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []uint16{
		snac.FamilyOService, snac.FamilyBuddy, snac.FamilyICBM, snac.FamilyAdverts,
		snac.FamilyAdmin, snac.FamilyBOS, snac.FamilyLookup, snac.FamilyStats, snac.FamilyBART,
	}, h.table.Families())
	assert.ErrorIs(t, Register(h.table.Register, h.deps), dispatch.ErrDuplicateFamily)
}

func TestRateInfoLoadsLimiterAndAcks(t *testing.T) {
	h := newHarness(t)
	p := ratelimit.Params{
		Classes: []ratelimit.Class{
			{ID: 1, Window: 80, Clear: 2500, Alert: 2000, Limit: 1500, Disconnect: 800, Current: 5000, Max: 6000},
			{ID: 2, Window: 80, Clear: 3000, Alert: 2000, Limit: 1500, Disconnect: 1000, Current: 5000, Max: 6000},
		},
		Groups: map[uint16][]ratelimit.Pair{2: {{Family: snac.FamilyICBM, Subtype: ICBMChannelMsgToHost}}},
	}
	req := h.deps.Requests.Issue(snac.FamilyOService, OServiceRateInfoQuery, 0, nil)

	res := h.dispatch(t, snac.Header{Family: snac.FamilyOService, Subtype: OServiceRateInfoReply, RequestID: req}, p.Encode())
	assert.Equal(t, dispatch.ResultHandled, res)
	assert.Zero(t, h.deps.Requests.Len())

	classes := h.limiter.Classes()
	require.Len(t, classes, 2)
	assert.Equal(t, uint32(3000), classes[1].Clear)

	require.Len(t, h.replies, 1)
	assert.Equal(t, OServiceRateAck, h.replies[0].subtype)
	assert.Equal(t, req, h.replies[0].to.RequestID)
	assert.Equal(t, []byte{0, 1, 0, 2}, h.replies[0].body)

	loaded, ok := h.last(t).(RatesLoaded)
	require.True(t, ok)
	assert.Len(t, loaded.Classes, 2)
}

func TestRateChangeMarksLimited(t *testing.T) {
	h := newHarness(t)
	h.limiter.Load(ratelimit.Params{Classes: []ratelimit.Class{{ID: 1, Window: 10, Clear: 300, Alert: 200, Limit: 100, Disconnect: 50, Current: 500, Max: 500}}})

	c := ratelimit.Class{ID: 1, Window: 10, Clear: 300, Alert: 200, Limit: 100, Disconnect: 50, Current: 90, Max: 500}
	res := h.dispatch(t, snac.Header{Family: snac.FamilyOService, Subtype: OServiceRateChange}, ratelimit.EncodeChange(ratelimit.ChangeLimit, c))
	assert.Equal(t, dispatch.ResultHandled, res)

	classes := h.limiter.Classes()
	require.Len(t, classes, 1)
	assert.True(t, classes[0].Limited)

	h.limiter.Sent(snac.FamilyICBM, ICBMChannelMsgToHost)
	assert.False(t, h.limiter.Allow(snac.FamilyICBM, ICBMChannelMsgToHost), "limited classes wait for clear")

	ev, ok := h.last(t).(RateChanged)
	require.True(t, ok)
	assert.Equal(t, ratelimit.ChangeLimit, ev.Code)
}

func TestRateInfoMalformed(t *testing.T) {
	h := newHarness(t)
	res, err := h.table.Dispatch(context.Background(), dispatch.Message{
		ConnID:  1,
		Header:  snac.Header{Family: snac.FamilyOService, Subtype: OServiceRateInfoReply},
		Payload: []byte{0, 5, 0},
	})
	assert.Error(t, err)
	assert.Equal(t, dispatch.ResultFailed, res)
	assert.Empty(t, h.replies)
}

func TestSNACErrorResolvesRequest(t *testing.T) {
	h := newHarness(t)
	req := h.deps.Requests.Issue(snac.FamilyLookup, 0x0002, 0, "who")
	body := []byte{0x00, 0x14}

	res := h.dispatch(t, snac.Header{Family: snac.FamilyLookup, Subtype: snac.SubtypeError, RequestID: req}, body)
	assert.Equal(t, dispatch.ResultHandled, res)

	ev, ok := h.last(t).(SNACError)
	require.True(t, ok)
	assert.Equal(t, uint16(0x14), ev.Code)
	require.NotNil(t, ev.Request)
	assert.Equal(t, "who", ev.Request.Data)
	assert.Zero(t, h.deps.Requests.Len())
}

func TestMoreRepliesKeepsRequest(t *testing.T) {
	h := newHarness(t)
	req := h.deps.Requests.Issue(snac.FamilyLookup, 0x0002, 0, "who")
	var c tlv.Chain
	c.AddString(LookupTLVScreenName, "alice")
	c.AddString(LookupTLVScreenName, "bob")

	hdr := snac.Header{Family: snac.FamilyLookup, Subtype: LookupSearchReply, Flags: snac.FlagMoreReplies, RequestID: req}
	h.dispatch(t, hdr, c.Encode())
	assert.Equal(t, 1, h.deps.Requests.Len())

	hdr.Flags = 0
	h.dispatch(t, hdr, c.Encode())
	assert.Zero(t, h.deps.Requests.Len())

	ev, ok := h.last(t).(LookupReply)
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, ev.ScreenNames)
	require.NotNil(t, ev.Request)
}

func TestBuddyEvents(t *testing.T) {
	h := newHarness(t)
	var rights tlv.Chain
	rights.AddUint16(BuddyTLVMaxBuddies, 220)
	rights.AddUint16(BuddyTLVMaxWatchers, 3000)
	h.dispatch(t, snac.Header{Family: snac.FamilyBuddy, Subtype: BuddyRightsReply}, rights.Encode())
	assert.Equal(t, BuddyRights{MaxBuddies: 220, MaxWatchers: 3000}, h.last(t))

	u := UserInfo{ScreenName: "alice", WarningLevel: 10, TLVs: tlv.Chain{tlv.NewUint16(UserTLVClass, 0x0010)}}
	h.dispatch(t, snac.Header{Family: snac.FamilyBuddy, Subtype: BuddyArrived}, u.AppendTo(nil))
	on, ok := h.last(t).(BuddyOncoming)
	require.True(t, ok)
	assert.Equal(t, "alice", on.User.ScreenName)
	assert.Equal(t, uint16(10), on.User.WarningLevel)
	assert.True(t, on.User.TLVs.Equal(u.TLVs))

	h.dispatch(t, snac.Header{Family: snac.FamilyBuddy, Subtype: BuddyDeparted}, UserInfo{ScreenName: "alice"}.AppendTo(nil))
	_, ok = h.last(t).(BuddyOffgoing)
	assert.True(t, ok)
}

func TestBuddyTruncatedUserInfo(t *testing.T) {
	h := newHarness(t)
	res, err := h.table.Dispatch(context.Background(), dispatch.Message{
		Header:  snac.Header{Family: snac.FamilyBuddy, Subtype: BuddyArrived},
		Payload: []byte{5, 'a', 'l'},
	})
	assert.ErrorIs(t, err, ErrShortBody)
	assert.Equal(t, dispatch.ResultFailed, res)
}

// channel2 builds an ICBM 0x0007 body as the server relays it.
func channel2(from string, rv Rendezvous) []byte {
	out := append([]byte(nil), rv.Cookie[:]...)
	out = binary.BigEndian.AppendUint16(out, ICBMChannelRendezvous)
	out = UserInfo{ScreenName: from}.AppendTo(out)
	return tlv.Chain{tlv.New(ICBMTLVData, rv.AppendTo(nil))}.AppendTo(out)
}

func TestRendezvousProposeThenAccept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ck := cookie.Cookie{1, 2, 3, 4, 5, 6, 7, 8}
	var rvTLVs tlv.Chain
	rvTLVs.AddUint16(RendezvousTLVSeq, 1)
	rvTLVs.AddRaw(RendezvousTLVRendezvousIP, []byte{10, 0, 0, 7})
	rvTLVs.AddUint16(RendezvousTLVPort, 5190)
	hdr := snac.Header{Family: snac.FamilyICBM, Subtype: ICBMChannelMsgToClient}

	res := h.dispatch(t, hdr, channel2("bob", Rendezvous{Status: RendezvousPropose, Cookie: ck, Capability: cookie.CapSendFile, TLVs: rvTLVs}))
	assert.Equal(t, dispatch.ResultHandled, res)
	p, ok := h.last(t).(RendezvousProposal)
	require.True(t, ok)
	assert.Equal(t, "bob", p.From)
	assert.Equal(t, cookie.TypeFileSend, p.Type)
	assert.Equal(t, net.IP{10, 0, 0, 7}, p.IP)
	assert.Equal(t, uint16(5190), p.Port)
	assert.Equal(t, uint16(1), p.Seq)

	_, found, err := h.deps.Cookies.Peek(ctx, ck, cookie.TypeFileSend)
	require.NoError(t, err)
	assert.True(t, found)

	res = h.dispatch(t, hdr, channel2("bob", Rendezvous{Status: RendezvousAccept, Cookie: ck, Capability: cookie.CapSendFile}))
	assert.Equal(t, dispatch.ResultHandled, res)
	m, ok := h.last(t).(RendezvousMatched)
	require.True(t, ok)
	assert.Equal(t, RendezvousAccept, m.Status)
	assert.Equal(t, p, m.Data)

	// a second accept finds nothing
	res = h.dispatch(t, hdr, channel2("bob", Rendezvous{Status: RendezvousAccept, Cookie: ck, Capability: cookie.CapSendFile}))
	assert.Equal(t, dispatch.ResultNoAction, res)
}

func TestRendezvousCookieTypesIsolated(t *testing.T) {
	h := newHarness(t)
	ck := cookie.Cookie{9}
	hdr := snac.Header{Family: snac.FamilyICBM, Subtype: ICBMChannelMsgToClient}

	h.dispatch(t, hdr, channel2("bob", Rendezvous{Status: RendezvousPropose, Cookie: ck, Capability: cookie.CapDirectIM}))
	res := h.dispatch(t, hdr, channel2("bob", Rendezvous{Status: RendezvousCancel, Cookie: ck, Capability: cookie.CapSendFile}))
	assert.Equal(t, dispatch.ResultNoAction, res)

	n, err := h.deps.Cookies.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutgoingProposalMatchesAccept(t *testing.T) {
	h := newHarness(t)
	ck, body, err := h.deps.Propose(context.Background(), "carol", cookie.CapBuddyIcon, nil, "icon-offer")
	require.NoError(t, err)
	assert.Equal(t, ck[:], body[:8])
	assert.Equal(t, ICBMChannelRendezvous, binary.BigEndian.Uint16(body[8:10]))
	assert.Equal(t, "carol", string(body[11:16]))

	h.dispatch(t, snac.Header{Family: snac.FamilyICBM, Subtype: ICBMChannelMsgToClient},
		channel2("carol", Rendezvous{Status: RendezvousAccept, Cookie: ck, Capability: cookie.CapBuddyIcon}))
	m, ok := h.last(t).(RendezvousMatched)
	require.True(t, ok)
	assert.Equal(t, cookie.TypeIcon, m.Type)
	assert.Equal(t, "icon-offer", m.Data)
}

func TestChannel1IgnoredByICBM(t *testing.T) {
	h := newHarness(t)
	body := append([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0, 1)
	body = UserInfo{ScreenName: "bob"}.AppendTo(body)
	res := h.dispatch(t, snac.Header{Family: snac.FamilyICBM, Subtype: ICBMChannelMsgToClient}, body)
	assert.Equal(t, dispatch.ResultNoAction, res)
	assert.Empty(t, h.events)
}

func TestAdminReply(t *testing.T) {
	h := newHarness(t)
	req := h.deps.Requests.Issue(snac.FamilyAdmin, 0x0002, 0, nil)
	body := []byte{0x00, 0x03, 0x00, 0x01}
	body = tlv.Chain{tlv.NewString(0x0011, "a@example.com")}.AppendTo(body)

	h.dispatch(t, snac.Header{Family: snac.FamilyAdmin, Subtype: AdminInfoReply, RequestID: req}, body)
	ev, ok := h.last(t).(AdminReply)
	require.True(t, ok)
	assert.Equal(t, uint16(3), ev.Permissions)
	assert.Equal(t, "a@example.com", ev.TLVs.String(0x0011))
	assert.NotNil(t, ev.Request)
}

func TestBOSAdvertsStats(t *testing.T) {
	h := newHarness(t)
	var c tlv.Chain
	c.AddUint16(BOSTLVMaxPermits, 200)
	c.AddUint16(BOSTLVMaxDenies, 100)
	h.dispatch(t, snac.Header{Family: snac.FamilyBOS, Subtype: BOSRightsReply}, c.Encode())
	assert.Equal(t, BOSRights{MaxPermit: 200, MaxDeny: 100}, h.last(t))

	h.dispatch(t, snac.Header{Family: snac.FamilyAdverts, Subtype: AdvertsReply}, []byte("GIF89a"))
	assert.Equal(t, AdReceived{ConnID: 1, Size: 6}, h.last(t))

	h.dispatch(t, snac.Header{Family: snac.FamilyStats, Subtype: StatsReportInterval}, []byte{0x0E, 0x10})
	assert.Equal(t, StatsInterval{Seconds: 3600}, h.last(t))
}

func TestBARTReplies(t *testing.T) {
	h := newHarness(t)
	id := BARTID{Type: BARTTypeBuddyIcon, Flags: 1, Hash: []byte{0xAA, 0xBB}}

	h.dispatch(t, snac.Header{Family: snac.FamilyBART, Subtype: BARTUploadReply}, id.AppendTo([]byte{0}))
	up, ok := h.last(t).(IconUploaded)
	require.True(t, ok)
	assert.Equal(t, id, up.Icon)
	assert.Equal(t, "1/aabb", up.Icon.String())

	body := append([]byte{3}, "bob"...)
	body = id.AppendTo(body)
	body = binary.BigEndian.AppendUint16(body, 4)
	body = append(body, "ICON"...)
	h.dispatch(t, snac.Header{Family: snac.FamilyBART, Subtype: BARTDownloadReply}, body)
	got, ok := h.last(t).(IconReceived)
	require.True(t, ok)
	assert.Equal(t, "bob", got.ScreenName)
	assert.Equal(t, []byte("ICON"), got.Data)
}

func TestUnknownSubtypeNoAction(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, dispatch.ResultNoAction, h.dispatch(t, snac.Header{Family: snac.FamilyStats, Subtype: 0x00FF}, nil))
}
