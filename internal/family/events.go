package family

import (
	"net"

	"github.com/google/uuid"

	"github.com/matst80/oscarwire/internal/cookie"
	"github.com/matst80/oscarwire/internal/ratelimit"
	"github.com/matst80/oscarwire/internal/snac"
	"github.com/matst80/oscarwire/internal/snaccache"
	"github.com/matst80/oscarwire/internal/tlv"
)

// SNACError is a family error reply, matched to the request it answers
// when that request is still outstanding.
type SNACError struct {
	ConnID  uint32
	Header  snac.Header
	Code    uint16
	Request *snaccache.Request
}

// RatesLoaded reports that a rate info reply replaced a connection's classes.
type RatesLoaded struct {
	ConnID  uint32
	Classes []ratelimit.Class
}

type RateChanged struct {
	ConnID uint32
	Code   uint16
	Class  ratelimit.Class
}

type BuddyRights struct {
	MaxBuddies  uint16
	MaxWatchers uint16
}

type BuddyOncoming struct{ User UserInfo }

type BuddyOffgoing struct{ User UserInfo }

// RendezvousProposal is an incoming channel 2 request, now cached under
// its cookie.
type RendezvousProposal struct {
	ConnID     uint32
	From       string
	Cookie     cookie.Cookie
	Capability uuid.UUID
	Type       cookie.Type
	IP         net.IP
	Port       uint16
	Seq        uint16
}

// RendezvousMatched is an accept or cancel that found its cookie. Data is
// whatever was registered for the cookie.
type RendezvousMatched struct {
	ConnID     uint32
	From       string
	Status     uint16
	Cookie     cookie.Cookie
	Capability uuid.UUID
	Type       cookie.Type
	Data       any
}

type AdReceived struct {
	ConnID uint32
	Size   int
}

type AdminReply struct {
	Subtype     uint16
	Permissions uint16
	TLVs        tlv.Chain
	Request     *snaccache.Request
}

type BOSRights struct {
	MaxPermit uint16
	MaxDeny   uint16
}

type LookupReply struct {
	ScreenNames []string
	Request     *snaccache.Request
}

type StatsInterval struct {
	Seconds uint16
}

type IconUploaded struct {
	Code uint8
	Icon BARTID
}

type IconReceived struct {
	ScreenName string
	Icon       BARTID
	Data       []byte
	Request    *snaccache.Request
}

func (SNACError) Family() uint16          { return 0 }
func (RatesLoaded) Family() uint16        { return snac.FamilyOService }
func (RateChanged) Family() uint16        { return snac.FamilyOService }
func (BuddyRights) Family() uint16        { return snac.FamilyBuddy }
func (BuddyOncoming) Family() uint16      { return snac.FamilyBuddy }
func (BuddyOffgoing) Family() uint16      { return snac.FamilyBuddy }
func (RendezvousProposal) Family() uint16 { return snac.FamilyICBM }
func (RendezvousMatched) Family() uint16  { return snac.FamilyICBM }
func (AdReceived) Family() uint16         { return snac.FamilyAdverts }
func (AdminReply) Family() uint16         { return snac.FamilyAdmin }
func (BOSRights) Family() uint16          { return snac.FamilyBOS }
func (LookupReply) Family() uint16        { return snac.FamilyLookup }
func (StatsInterval) Family() uint16      { return snac.FamilyStats }
func (IconUploaded) Family() uint16       { return snac.FamilyBART }
func (IconReceived) Family() uint16       { return snac.FamilyBART }
