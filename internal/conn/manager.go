package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/time/rate"

	"github.com/matst80/oscarwire/internal/dispatch"
	"github.com/matst80/oscarwire/internal/flap"
	"github.com/matst80/oscarwire/internal/obs"
	"github.com/matst80/oscarwire/internal/ratelimit"
	"github.com/matst80/oscarwire/internal/snac"
)

const (
	DefaultMaxConnections = 7
	DefaultReadWait       = time.Millisecond
	DefaultWriteWait      = 50 * time.Millisecond
	DefaultDialTimeout    = 10 * time.Second

	readBufferSize    = 64 * 1024
	maxAcceptsPerPoll = 16
	acceptLimiterTTL  = 10 * time.Minute
)

var ErrWrongKind = errors.New("operation not supported on this connection kind")

// Dispatcher receives every SNAC read from a FLAP connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg dispatch.Message) (dispatch.Result, error)
}

type Options struct {
	// MaxConnections caps live connections of every kind, listeners included.
	MaxConnections int
	// ReadWait bounds each read attempt in Poll.
	ReadWait time.Duration
	// WriteWait bounds each write attempt; unwritten bytes stay queued.
	WriteWait   time.Duration
	DialTimeout time.Duration
	// KeepAlive sends an empty channel 5 frame after this much send
	// silence on a FLAP connection. Zero disables it.
	KeepAlive time.Duration
	// AcceptRate limits accepted peers per remote IP. Zero disables it.
	AcceptRate  rate.Limit
	AcceptBurst int
	Logger      obs.Logger
}

func (o *Options) setDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.ReadWait <= 0 {
		o.ReadWait = DefaultReadWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
}

type dialResult struct {
	nc  net.Conn
	err error
}

type connection struct {
	id      ID
	kind    Kind
	framer  *flap.Framer
	limiter *ratelimit.Limiter
	dial    chan dialResult
	cancel  context.CancelFunc
	opened  time.Time
	log     obs.Logger

	mu        sync.Mutex
	state     State
	nc        net.Conn
	ln        net.Listener
	remote    string
	seq       uint16
	sendq     *queue.Queue
	lastSend  time.Time
	err       error
	framesIn  uint64
	framesOut uint64
}

func newConnection(kind Kind) *connection {
	return &connection{
		kind:    kind,
		state:   StateConnecting,
		framer:  flap.NewFramer(kind.framerMode()),
		limiter: ratelimit.New(),
		seq:     uint16(rand.N(0x8000)),
		sendq:   queue.New(),
		opened:  time.Now(),
	}
}

// Manager multiplexes the connections of one session.
type Manager struct {
	disp Dispatcher
	opts Options
	ips  *ipLimiter
	buf  []byte

	mu    sync.Mutex
	conns map[ID]*connection
	next  ID
}

// NewManager returns a Manager handing SNACs to d. A nil d surfaces SNAC
// frames as EventFrame instead.
func NewManager(d Dispatcher, opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		disp:  d,
		opts:  opts,
		buf:   make([]byte, readBufferSize),
		conns: make(map[ID]*connection),
	}
	if opts.AcceptRate > 0 {
		m.ips = newIPLimiter(opts.AcceptRate, opts.AcceptBurst, acceptLimiterTTL)
	}
	return m
}

func (m *Manager) insert(c *connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) >= m.opts.MaxConnections {
		return fmt.Errorf("%w: %d open", ErrTooManyConnections, len(m.conns))
	}
	m.next++
	if m.next == 0 {
		m.next = 1
	}
	c.id = m.next
	c.log = m.opts.Logger.With(obs.Fields{"conn": uint32(c.id), "kind": c.kind.String()})
	m.conns[c.id] = c
	obs.OpenConnections.WithLabelValues(c.kind.String()).Inc()
	return nil
}

func (m *Manager) lookup(id ID) (*connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}
	return c, nil
}

func (m *Manager) snapshot() []*connection {
	m.mu.Lock()
	out := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Connect starts dialing host:port and returns at once. The connection is
// usable after Poll reports EventEstablished for it.
func (m *Manager) Connect(ctx context.Context, kind Kind, host string, port int) (ID, error) {
	if kind == KindListener {
		return 0, fmt.Errorf("%w: dial %s", ErrWrongKind, kind)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dctx, cancel := context.WithCancel(ctx)
	c := newConnection(kind)
	c.remote = addr
	c.cancel = cancel
	c.dial = make(chan dialResult, 1)
	if err := m.insert(c); err != nil {
		cancel()
		return 0, err
	}
	go func() {
		d := net.Dialer{Timeout: m.opts.DialTimeout}
		nc, err := d.DialContext(dctx, "tcp", addr)
		if err == nil && dctx.Err() != nil {
			_ = nc.Close()
			nc, err = nil, dctx.Err()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateClosed {
			if nc != nil {
				_ = nc.Close()
			}
			return
		}
		c.dial <- dialResult{nc: nc, err: err}
	}()
	c.log.Debug("conn.connecting", obs.Fields{"addr": addr})
	return c.id, nil
}

// Adopt takes ownership of an already connected socket.
func (m *Manager) Adopt(kind Kind, nc net.Conn) (ID, error) {
	if kind == KindListener {
		return 0, fmt.Errorf("%w: adopt %s", ErrWrongKind, kind)
	}
	c := newConnection(kind)
	c.nc = nc
	c.remote = nc.RemoteAddr().String()
	c.state = StateEstablished
	c.lastSend = time.Now()
	if err := m.insert(c); err != nil {
		return 0, err
	}
	c.log.Info("conn.adopted", obs.Fields{"remote": c.remote})
	return c.id, nil
}

// Listen opens a TCP listener whose accepted peers become rendezvous
// connections.
func (m *Manager) Listen(ctx context.Context, addr string) (ID, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("listen").Inc()
		return 0, &SocketError{Op: "listen", Err: err}
	}
	c := newConnection(KindListener)
	c.ln = ln
	c.state = StateEstablished
	if err := m.insert(c); err != nil {
		_ = ln.Close()
		return 0, err
	}
	c.log.Info("conn.listening", obs.Fields{"addr": ln.Addr().String()})
	return c.id, nil
}

// Close asks for id to be shut down. Queued output gets one last flush on
// the next Poll, which then reports EventClosed.
func (m *Manager) Close(id ID) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	wasConnecting := c.state == StateConnecting
	if c.state == StateConnecting || c.state == StateEstablished {
		c.state = StateClosing
	}
	c.mu.Unlock()
	if wasConnecting && c.cancel != nil {
		c.cancel()
	}
	return nil
}

// CloseAll drops every connection immediately without reporting events.
func (m *Manager) CloseAll() {
	for _, c := range m.snapshot() {
		m.finish(c, "shutdown", nil, nil)
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) Info(id ID) (Info, error) {
	c, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return c.info(), nil
}

// List returns every live connection ordered by id.
func (m *Manager) List() []Info {
	conns := m.snapshot()
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	return out
}

// Limiter returns the rate class limiter pacing SNACs sent on id.
func (m *Manager) Limiter(id ID) (*ratelimit.Limiter, error) {
	c, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.limiter, nil
}

func (c *connection) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	in := Info{
		ID:        c.id,
		Kind:      c.kind.String(),
		State:     c.state.String(),
		Remote:    c.remote,
		Opened:    c.opened,
		FramesIn:  c.framesIn,
		FramesOut: c.framesOut,
		Queued:    c.sendq.Length(),
	}
	switch {
	case c.ln != nil:
		in.Local = c.ln.Addr().String()
	case c.nc != nil:
		in.Local = c.nc.LocalAddr().String()
	}
	return in
}

// Poll services every connection once and returns what it observed. It is
// meant to be called from a single goroutine; Send and Close may be called
// concurrently, including from handlers running inside Poll.
func (m *Manager) Poll(ctx context.Context) []Event {
	var events []Event
	for _, c := range m.snapshot() {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		switch st {
		case StateConnecting:
			events = m.pollDial(c, events)
		case StateEstablished:
			if c.kind == KindListener {
				events = m.pollAccept(c, events)
				continue
			}
			events = m.pollRead(ctx, c, events)
			events = m.pollWrite(c, events)
		case StateClosing:
			events = m.pollClosing(c, events)
		}
	}
	return events
}

func (m *Manager) pollDial(c *connection, events []Event) []Event {
	select {
	case r := <-c.dial:
		if r.err != nil {
			obs.ErrorsTotal.WithLabelValues("dial").Inc()
			return m.finish(c, "dial", &SocketError{Conn: c.id, Op: "dial", Err: r.err}, events)
		}
		c.mu.Lock()
		if c.state != StateConnecting {
			c.mu.Unlock()
			_ = r.nc.Close()
			return events
		}
		c.nc = r.nc
		c.remote = r.nc.RemoteAddr().String()
		c.state = StateEstablished
		c.lastSend = time.Now()
		c.mu.Unlock()
		c.log.Info("conn.established", obs.Fields{"remote": c.remote})
		return append(events, Event{Type: EventEstablished, Conn: c.id, Kind: c.kind})
	default:
		return events
	}
}

func (m *Manager) pollRead(ctx context.Context, c *connection, events []Event) []Event {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	_ = nc.SetReadDeadline(time.Now().Add(m.opts.ReadWait))
	n, err := nc.Read(m.buf)
	if n > 0 {
		frames, ferr := c.framer.Feed(m.buf[:n])
		for _, f := range frames {
			events = m.deliver(ctx, c, f, events)
		}
		if ferr != nil {
			obs.ErrorsTotal.WithLabelValues("framing").Inc()
			return m.finish(c, "framing", ferr, events)
		}
	}
	if err == nil || isTimeout(err) {
		return events
	}
	if errors.Is(err, io.EOF) {
		return m.finish(c, "eof", err, events)
	}
	obs.ErrorsTotal.WithLabelValues("socket_read").Inc()
	return m.finish(c, "read", &SocketError{Conn: c.id, Op: "read", Err: err}, events)
}

func (m *Manager) deliver(ctx context.Context, c *connection, f flap.Frame, events []Event) []Event {
	c.mu.Lock()
	c.framesIn++
	c.mu.Unlock()
	if c.kind == KindRendezvous {
		obs.FramesReceivedTotal.WithLabelValues("rendezvous").Inc()
		return append(events, Event{Type: EventRendezvous, Conn: c.id, Kind: c.kind, Frame: f})
	}
	obs.FramesReceivedTotal.WithLabelValues(strconv.Itoa(int(f.Channel))).Inc()
	ev := Event{Conn: c.id, Kind: c.kind, Frame: f}
	switch f.Channel {
	case flap.ChannelSNAC:
		if m.disp == nil {
			ev.Type = EventFrame
			return append(events, ev)
		}
		h, body, err := snac.Split(f.Payload)
		if err != nil {
			obs.ErrorsTotal.WithLabelValues("snac_decode").Inc()
			c.log.Warn("conn.snac.decode", obs.Fields{"err": err, "len": len(f.Payload)})
			return events
		}
		res, err := m.disp.Dispatch(ctx, dispatch.Message{ConnID: uint32(c.id), Header: h, Payload: body})
		if err != nil && !errors.Is(err, dispatch.ErrUnhandledFamily) {
			c.log.Warn("conn.dispatch", obs.Fields{"snac": h.String(), "result": res.String(), "err": err})
		}
		return events
	case flap.ChannelLogin:
		ev.Type = EventLogin
	case flap.ChannelLogoff:
		ev.Type = EventLogoff
	default:
		ev.Type = EventFrame
	}
	return append(events, ev)
}

func (m *Manager) pollWrite(c *connection, events []Event) []Event {
	c.mu.Lock()
	if c.state != StateEstablished {
		c.mu.Unlock()
		return events
	}
	if m.opts.KeepAlive > 0 && c.kind != KindRendezvous && c.sendq.Length() == 0 && time.Since(c.lastSend) >= m.opts.KeepAlive {
		if err := c.enqueueFLAP(flap.ChannelKeepAlive, nil); err != nil {
			c.log.Warn("conn.keepalive", obs.Fields{"err": err})
		}
	}
	err := m.flushLocked(c)
	c.mu.Unlock()
	if err != nil {
		return m.finish(c, "write", err, events)
	}
	return events
}

func (m *Manager) pollAccept(c *connection, events []Event) []Event {
	tl, _ := c.ln.(*net.TCPListener)
	for i := 0; i < maxAcceptsPerPoll; i++ {
		if tl != nil {
			_ = tl.SetDeadline(time.Now().Add(m.opts.ReadWait))
		}
		nc, err := c.ln.Accept()
		if err != nil {
			if isTimeout(err) {
				return events
			}
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			return m.finish(c, "accept", &SocketError{Conn: c.id, Op: "accept", Err: err}, events)
		}
		remote := nc.RemoteAddr().String()
		if m.ips != nil {
			ip, _, _ := net.SplitHostPort(remote)
			if !m.ips.Allow(ip) {
				obs.ErrorsTotal.WithLabelValues("accept_rate_limited").Inc()
				c.log.Warn("conn.accept.limited", obs.Fields{"remote": remote})
				_ = nc.Close()
				continue
			}
		}
		id, err := m.Adopt(KindRendezvous, nc)
		if err != nil {
			c.log.Warn("conn.accept.rejected", obs.Fields{"remote": remote, "err": err})
			_ = nc.Close()
			continue
		}
		events = append(events, Event{Type: EventAccepted, Conn: c.id, Kind: c.kind, Peer: id})
	}
	return events
}

func (m *Manager) pollClosing(c *connection, events []Event) []Event {
	c.mu.Lock()
	failure := c.err
	if failure == nil && c.nc != nil {
		_ = m.flushLocked(c)
	}
	c.mu.Unlock()
	if failure != nil {
		return m.finish(c, "write", failure, events)
	}
	return m.finish(c, "local", nil, events)
}

// finish closes c's socket, forgets it and reports EventClosed.
func (m *Manager) finish(c *connection, reason string, cause error, events []Event) []Event {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return events
	}
	c.state = StateClosed
	nc, ln := c.nc, c.ln
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.drainDial()
	if nc != nil {
		_ = nc.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()

	obs.OpenConnections.WithLabelValues(c.kind.String()).Dec()
	obs.ClosedTotal.WithLabelValues(reason).Inc()
	fields := obs.Fields{"reason": reason}
	if cause != nil {
		fields["err"] = cause
	}
	c.log.Info("conn.closed", fields)
	return append(events, Event{Type: EventClosed, Conn: c.id, Kind: c.kind, Err: cause})
}

// drainDial closes a socket the dial goroutine handed over after nobody was
// left to take it. Once the state is Closed the goroutine closes its own.
func (c *connection) drainDial() {
	if c.dial == nil {
		return
	}
	select {
	case r := <-c.dial:
		if r.nc != nil {
			_ = r.nc.Close()
		}
	default:
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
