// Package cookie correlates rendezvous and message cookies with the
// operation that issued them. Entries are keyed by the 8 cookie bytes and
// the cookie type together; the same bytes may be live under two types.
package cookie

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Cookie is an opaque 8-byte correlation token.
type Cookie [8]byte

func (c Cookie) String() string { return hex.EncodeToString(c[:]) }

// FromBytes copies b into a Cookie. b must be exactly 8 bytes.
func FromBytes(b []byte) (Cookie, error) {
	var c Cookie
	if len(b) != len(c) {
		return c, fmt.Errorf("cookie must be %d bytes, got %d", len(c), len(b))
	}
	copy(c[:], b)
	return c, nil
}

// NewCookie returns a fresh message cookie: seven random ASCII digits and a
// trailing NUL, the shape clients have always put in ICBM cookies.
func NewCookie() (Cookie, error) {
	var c Cookie
	var r [7]byte
	if _, err := rand.Read(r[:]); err != nil {
		return c, err
	}
	for i, b := range r {
		c[i] = '0' + b%10
	}
	return c, nil
}

type Type uint8

const (
	TypeUnknown  Type = 0x00
	TypeICBM     Type = 0x01
	TypeAds      Type = 0x02
	TypeBOS      Type = 0x03
	TypeIM       Type = 0x04
	TypeChat     Type = 0x05
	TypeChatNav  Type = 0x06
	TypeInvite   Type = 0x07
	TypeDirectIM Type = 0x10
	TypeFileGet  Type = 0x11
	TypeFileSend Type = 0x12
	TypeVoice    Type = 0x13
	TypeImage    Type = 0x14
	TypeIcon     Type = 0x15
)

var typeNames = map[Type]string{
	TypeUnknown:  "unknown",
	TypeICBM:     "icbm",
	TypeAds:      "ads",
	TypeBOS:      "bos",
	TypeIM:       "im",
	TypeChat:     "chat",
	TypeChatNav:  "chatnav",
	TypeInvite:   "invite",
	TypeDirectIM: "direct-im",
	TypeFileGet:  "file-get",
	TypeFileSend: "file-send",
	TypeVoice:    "voice",
	TypeImage:    "image",
	TypeIcon:     "icon",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(0x%02x)", uint8(t))
}

// Rendezvous capability GUIDs as they appear in ICBM channel-2 messages.
var (
	CapVoice     = uuid.MustParse("09461341-4C7F-11D1-8222-444553540000")
	CapSendFile  = uuid.MustParse("09461343-4C7F-11D1-8222-444553540000")
	CapDirectIM  = uuid.MustParse("09461345-4C7F-11D1-8222-444553540000")
	CapBuddyIcon = uuid.MustParse("09461346-4C7F-11D1-8222-444553540000")
	CapGetFile   = uuid.MustParse("09461348-4C7F-11D1-8222-444553540000")
	CapChat      = uuid.MustParse("748F2420-6287-11D1-8222-444553540000")
)

// TypeForCapability picks the cookie type a rendezvous request for cap is
// cached under.
func TypeForCapability(cap uuid.UUID) Type {
	switch cap {
	case CapBuddyIcon:
		return TypeIcon
	case CapVoice:
		return TypeVoice
	case CapDirectIM:
		return TypeImage
	case CapChat:
		return TypeChat
	case CapGetFile:
		return TypeFileGet
	case CapSendFile:
		return TypeFileSend
	}
	return TypeUnknown
}

// Key is the cache identity of a cookie.
type Key struct {
	Cookie Cookie
	Type   Type
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.Type, k.Cookie) }
