package family

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/matst80/oscarwire/internal/dispatch"
)

const (
	BARTUploadReply   uint16 = 0x0003
	BARTDownloadReply uint16 = 0x0005

	BARTTypeBuddyIcon uint16 = 0x0001
)

// BARTID names a server-stored item such as a buddy icon by its hash.
type BARTID struct {
	Type  uint16
	Flags uint8
	Hash  []byte
}

func (b BARTID) String() string {
	return fmt.Sprintf("%d/%s", b.Type, hex.EncodeToString(b.Hash))
}

func (b BARTID) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, b.Type)
	dst = append(dst, b.Flags, uint8(len(b.Hash)))
	return append(dst, b.Hash...)
}

func (r *reader) bartID() BARTID {
	b := BARTID{Type: r.u16(), Flags: r.u8()}
	b.Hash = r.bytes(int(r.u8()))
	return b
}

func BART(d Deps) *dispatch.SubtypeMux {
	return newMux(d).
		Handle(BARTUploadReply, func(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
			r := newReader(m.Payload)
			code := r.u8()
			id := r.bartID()
			if r.err != nil {
				return dispatch.ResultFailed, r.err
			}
			d.request(m.Header)
			d.emit(IconUploaded{Code: code, Icon: id})
			return dispatch.ResultHandled, nil
		}).
		Handle(BARTDownloadReply, func(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
			r := newReader(m.Payload)
			sn := r.str8()
			id := r.bartID()
			data := r.bytes(int(r.u16()))
			if r.err != nil {
				return dispatch.ResultFailed, r.err
			}
			d.emit(IconReceived{ScreenName: sn, Icon: id, Data: data, Request: d.request(m.Header)})
			return dispatch.ResultHandled, nil
		})
}
