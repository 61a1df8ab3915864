// Package session ties the OSCAR engine together: one connection manager,
// one dispatch table, and the request and cookie caches shared by every
// connection of a signed-on user.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/matst80/oscarwire/internal/conn"
	"github.com/matst80/oscarwire/internal/cookie"
	"github.com/matst80/oscarwire/internal/dispatch"
	"github.com/matst80/oscarwire/internal/flap"
	"github.com/matst80/oscarwire/internal/hostparse"
	"github.com/matst80/oscarwire/internal/obs"
	"github.com/matst80/oscarwire/internal/snac"
	"github.com/matst80/oscarwire/internal/snaccache"
	"github.com/matst80/oscarwire/internal/tlv"
)

// TLV types seen on channels 1 and 4.
const (
	TLVScreenName       uint16 = 0x0001
	TLVErrorURL         uint16 = 0x0004
	TLVBOSAddress       uint16 = 0x0005
	TLVCookie           uint16 = 0x0006
	TLVErrorCode        uint16 = 0x0008
	TLVDisconnectReason uint16 = 0x0009
)

// Config tunes a Session. The zero value is usable.
type Config struct {
	// MaxConnections caps open connections (default 7).
	MaxConnections int
	// ReadWait bounds each read attempt inside Poll (default 1ms).
	ReadWait time.Duration
	// WriteWait bounds each write attempt (default 50ms).
	WriteWait   time.Duration
	DialTimeout time.Duration
	// KeepAlive is the send-idle period before a channel 5 frame goes out.
	// Zero disables keepalives.
	KeepAlive time.Duration
	// AcceptRate and AcceptBurst limit rendezvous peers per remote IP.
	AcceptRate  rate.Limit
	AcceptBurst int
	// CookieStore defaults to an in-memory store.
	CookieStore cookie.Store
	// UnhandledQuiet is how long an unhandled family stays quiet in the log
	// after being reported (default 1 minute).
	UnhandledQuiet time.Duration
	Clock          func() time.Time
}

type Session struct {
	id       uuid.UUID
	log      obs.Logger
	requests *snaccache.Cache
	cookies  *cookie.Cache
	table    *dispatch.Table
	conns    *conn.Manager
}

func New(cfg Config) *Session {
	id := uuid.New()
	log := obs.With(obs.Fields{"session": id.String()})

	var reqOpts []snaccache.Option
	cookieOpts := []cookie.Option{cookie.WithLogger(log)}
	if cfg.Clock != nil {
		reqOpts = append(reqOpts, snaccache.WithClock(cfg.Clock))
		cookieOpts = append(cookieOpts, cookie.WithClock(cfg.Clock))
	}
	if cfg.CookieStore != nil {
		cookieOpts = append(cookieOpts, cookie.WithStore(cfg.CookieStore))
	}

	s := &Session{
		id:       id,
		log:      log,
		requests: snaccache.New(reqOpts...),
		cookies:  cookie.New(cookieOpts...),
		table:    dispatch.NewTable(cfg.UnhandledQuiet),
	}
	s.conns = conn.NewManager(s.table, conn.Options{
		MaxConnections: cfg.MaxConnections,
		ReadWait:       cfg.ReadWait,
		WriteWait:      cfg.WriteWait,
		DialTimeout:    cfg.DialTimeout,
		KeepAlive:      cfg.KeepAlive,
		AcceptRate:     cfg.AcceptRate,
		AcceptBurst:    cfg.AcceptBurst,
		Logger:         log,
	})
	log.Info("session.created", nil)
	return s
}

func (s *Session) ID() uuid.UUID              { return s.id }
func (s *Session) Requests() *snaccache.Cache { return s.requests }
func (s *Session) Cookies() *cookie.Cache     { return s.cookies }
func (s *Session) Conns() *conn.Manager       { return s.conns }
func (s *Session) Logger() obs.Logger         { return s.log }
func (s *Session) Families() []uint16         { return s.table.Families() }
func (s *Session) Close()                     { s.conns.CloseAll() }

func (s *Session) RegisterHandler(family uint16, h dispatch.Handler) error {
	return s.table.Register(family, h)
}

func (s *Session) Connect(ctx context.Context, kind conn.Kind, host string, port int) (conn.ID, error) {
	return s.conns.Connect(ctx, kind, host, port)
}

// ConnectAddr connects to a "host[:port]" address, defaulting to port 5190.
func (s *Session) ConnectAddr(ctx context.Context, kind conn.Kind, addr string) (conn.ID, error) {
	host, port, err := hostparse.SplitHostPort(addr, hostparse.DefaultPort)
	if err != nil {
		return 0, err
	}
	return s.conns.Connect(ctx, kind, host, port)
}

func (s *Session) Listen(ctx context.Context, addr string) (conn.ID, error) {
	return s.conns.Listen(ctx, addr)
}

func (s *Session) Adopt(kind conn.Kind, nc net.Conn) (conn.ID, error) {
	return s.conns.Adopt(kind, nc)
}

// SendSNAC sends a SNAC whose body is tlvs and remembers data under the
// request id it returns.
func (s *Session) SendSNAC(id conn.ID, family, subtype, flags uint16, tlvs tlv.Chain, data any) (uint32, error) {
	return s.SendSNACRaw(id, family, subtype, flags, tlvs.Encode(), data)
}

// SendSNACRaw is SendSNAC with a pre-encoded body. A send that fails drops
// the request again.
func (s *Session) SendSNACRaw(id conn.ID, family, subtype, flags uint16, body []byte, data any) (uint32, error) {
	reqID := s.requests.Issue(family, subtype, flags, data)
	payload := snac.Build(snac.Header{Family: family, Subtype: subtype, Flags: flags, RequestID: reqID}, body)
	if err := s.conns.Send(id, flap.ChannelSNAC, payload); err != nil {
		s.requests.Resolve(reqID)
		return 0, fmt.Errorf("send snac 0x%04x/0x%04x: %w", family, subtype, err)
	}
	return reqID, nil
}

// Reply answers a server-initiated SNAC, echoing its request id instead of
// issuing a new one.
func (s *Session) Reply(id conn.ID, to snac.Header, subtype uint16, body []byte) error {
	payload := snac.Build(snac.Header{Family: to.Family, Subtype: subtype, RequestID: to.RequestID}, body)
	return s.conns.Send(id, flap.ChannelSNAC, payload)
}

// SendHello opens a FLAP connection: the version word, followed by the
// authorization cookie when connecting to a BOS or service host.
func (s *Session) SendHello(id conn.ID, authCookie []byte) error {
	payload := append([]byte(nil), flap.HelloPayload...)
	if len(authCookie) > 0 {
		payload = tlv.Chain{tlv.New(TLVCookie, authCookie)}.AppendTo(payload)
	}
	return s.conns.Send(id, flap.ChannelLogin, payload)
}

// SendLogoff says goodbye on channel 4 and closes the connection once the
// frame is flushed.
func (s *Session) SendLogoff(id conn.ID) error {
	if err := s.conns.Send(id, flap.ChannelLogoff, nil); err != nil {
		return err
	}
	return s.conns.Close(id)
}

// Event is a connection event. Channel 1 and 4 frames carry their decoded
// TLV chain.
type Event struct {
	conn.Event
	TLVs tlv.Chain
}

// Poll services every connection once. SNACs go to the registered handlers
// as they are read; everything else comes back as events.
func (s *Session) Poll(ctx context.Context) []Event {
	raw := s.conns.Poll(ctx)
	if len(raw) == 0 {
		return nil
	}
	out := make([]Event, 0, len(raw))
	for _, ev := range raw {
		e := Event{Event: ev}
		switch ev.Type {
		case conn.EventLogin:
			e.TLVs = s.decodeControl(ev, ev.Frame.Payload, len(flap.HelloPayload))
		case conn.EventLogoff:
			e.TLVs = s.decodeControl(ev, ev.Frame.Payload, 0)
		case conn.EventClosed:
			if ev.Err != nil && !errors.Is(ev.Err, context.Canceled) {
				s.log.Debug("session.conn.closed", obs.Fields{"conn": uint32(ev.Conn), "err": ev.Err})
			}
		}
		out = append(out, e)
	}
	return out
}

func (s *Session) decodeControl(ev conn.Event, payload []byte, skip int) tlv.Chain {
	if len(payload) <= skip {
		return nil
	}
	chain, err := tlv.DecodeChain(payload[skip:])
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("tlv_decode").Inc()
		s.log.Warn("session.control.decode", obs.Fields{"conn": uint32(ev.Conn), "channel": ev.Frame.Channel, "err": err})
	}
	return chain
}

// Sweep ages out requests and cookies older than maxAge.
func (s *Session) Sweep(ctx context.Context, maxAge time.Duration) (requests, cookies int, err error) {
	requests = s.requests.Sweep(maxAge)
	cookies, err = s.cookies.Sweep(ctx, maxAge)
	if requests > 0 || cookies > 0 {
		s.log.Debug("session.sweep", obs.Fields{"requests": requests, "cookies": cookies})
	}
	return requests, cookies, err
}

// Snapshot is a point-in-time view of the session for status pages.
type Snapshot struct {
	ID          string      `json:"id"`
	Connections []conn.Info `json:"connections"`
	Requests    int         `json:"outstanding_requests"`
	Cookies     int         `json:"cached_cookies"`
	Families    []uint16    `json:"families"`
}

func (s *Session) Snapshot(ctx context.Context) Snapshot {
	n, err := s.cookies.Len(ctx)
	if err != nil {
		s.log.Warn("session.snapshot.cookies", obs.Fields{"err": err})
	}
	return Snapshot{
		ID:          s.id.String(),
		Connections: s.conns.List(),
		Requests:    s.requests.Len(),
		Cookies:     n,
		Families:    s.table.Families(),
	}
}
