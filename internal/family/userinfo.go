package family

import (
	"encoding/binary"

	"github.com/matst80/oscarwire/internal/tlv"
)

// User info TLVs.
const (
	UserTLVClass        uint16 = 0x0001
	UserTLVSignonTime   uint16 = 0x0003
	UserTLVIdleTime     uint16 = 0x0004
	UserTLVCapabilities uint16 = 0x000D
	UserTLVOnlineTime   uint16 = 0x000F
)

// UserInfo is the user block that leads buddy arrival and departure
// notices and incoming ICBMs.
type UserInfo struct {
	ScreenName   string
	WarningLevel uint16
	TLVs         tlv.Chain
}

func (r *reader) userInfo() UserInfo {
	u := UserInfo{ScreenName: r.str8(), WarningLevel: r.u16()}
	u.TLVs = r.tlvs(int(r.u16()))
	return u
}

// AppendTo encodes u in wire order.
func (u UserInfo) AppendTo(dst []byte) []byte {
	dst = append(dst, uint8(len(u.ScreenName)))
	dst = append(dst, u.ScreenName...)
	dst = binary.BigEndian.AppendUint16(dst, u.WarningLevel)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(u.TLVs)))
	return u.TLVs.AppendTo(dst)
}

// ParseUserInfo decodes one user info block from the front of b.
func ParseUserInfo(b []byte) (UserInfo, error) {
	r := newReader(b)
	u := r.userInfo()
	return u, r.err
}
