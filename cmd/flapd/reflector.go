package main

import (
	"encoding/hex"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"strconv"

	"github.com/matst80/oscarwire/internal/family"
	"github.com/matst80/oscarwire/internal/flap"
	"github.com/matst80/oscarwire/internal/obs"
	"github.com/matst80/oscarwire/internal/ratelimit"
	"github.com/matst80/oscarwire/internal/session"
	"github.com/matst80/oscarwire/internal/snac"
	"github.com/matst80/oscarwire/internal/tlv"
)

// reflector answers every SNAC with the next subtype of the same family,
// echoing body and request id. Rate info queries get real rate classes.
type reflector struct {
	state  *serverState
	params ratelimit.Params
}

func defaultParams(window uint32) ratelimit.Params {
	return ratelimit.Params{
		Classes: []ratelimit.Class{
			{ID: 1, Window: window, Clear: 2500, Alert: 2000, Limit: 1500, Disconnect: 800, Current: 6000, Max: 6000},
			{ID: 2, Window: window, Clear: 3000, Alert: 2000, Limit: 1500, Disconnect: 1000, Current: 6000, Max: 6000},
		},
		Groups: map[uint16][]ratelimit.Pair{
			2: {{Family: snac.FamilyICBM, Subtype: family.ICBMChannelMsgToHost}},
		},
	}
}

func (r *reflector) serve(c net.Conn) {
	defer c.Close()
	cl := r.state.register(c)
	defer r.state.remove(cl.id)
	log := obs.With(obs.Fields{"client": cl.id, "remote": cl.remote})
	log.Info("flapd.client.connected", nil)

	seq := uint16(rand.N(0x8000))
	write := func(channel uint8, payload []byte) error {
		seq++
		if err := flap.WriteFrame(c, flap.Frame{Channel: channel, Sequence: seq, Payload: payload}); err != nil {
			return err
		}
		obs.FramesSentTotal.WithLabelValues(strconv.Itoa(int(channel))).Inc()
		return nil
	}
	if err := write(flap.ChannelLogin, flap.HelloPayload); err != nil {
		log.Error("flapd.hello", obs.Fields{"err": err.Error()})
		return
	}

	for {
		f, err := flap.ReadFrame(c)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				obs.ErrorsTotal.WithLabelValues("flapd_read").Inc()
				log.Error("flapd.read", obs.Fields{"err": err.Error()})
			}
			return
		}
		r.state.touch(cl.id)
		obs.FramesReceivedTotal.WithLabelValues(strconv.Itoa(int(f.Channel))).Inc()

		switch f.Channel {
		case flap.ChannelLogin:
			if ck := helloCookie(f.Payload); ck != "" {
				r.state.setCookie(cl.id, ck)
				log.Debug("flapd.hello.cookie", obs.Fields{"cookie": ck})
			}
		case flap.ChannelSNAC:
			reply, err := r.reflect(f.Payload)
			if err != nil {
				obs.ErrorsTotal.WithLabelValues("flapd_snac").Inc()
				log.Error("flapd.snac", obs.Fields{"err": err.Error()})
				continue
			}
			if reply == nil {
				continue
			}
			if err := write(flap.ChannelSNAC, reply); err != nil {
				log.Error("flapd.write", obs.Fields{"err": err.Error()})
				return
			}
		case flap.ChannelLogoff:
			log.Info("flapd.client.logoff", nil)
			return
		}
	}
}

func (r *reflector) reflect(payload []byte) ([]byte, error) {
	h, body, err := snac.Split(payload)
	if err != nil {
		return nil, err
	}
	if h.Family == snac.FamilyOService {
		switch h.Subtype {
		case family.OServiceRateInfoQuery:
			return snac.Build(snac.Header{Family: h.Family, Subtype: family.OServiceRateInfoReply, RequestID: h.RequestID}, r.params.Encode()), nil
		case family.OServiceRateAck:
			return nil, nil
		}
	}
	return snac.Build(snac.Header{Family: h.Family, Subtype: h.Subtype + 1, RequestID: h.RequestID}, body), nil
}

// helloCookie returns the hex authorization cookie following the version
// word of a channel 1 hello, or "".
func helloCookie(payload []byte) string {
	if len(payload) <= len(flap.HelloPayload) {
		return ""
	}
	chain, err := tlv.DecodeChain(payload[len(flap.HelloPayload):])
	if err != nil {
		return ""
	}
	t, ok := chain.Find(session.TLVCookie, 1)
	if !ok {
		return ""
	}
	return hex.EncodeToString(t.Value)
}
