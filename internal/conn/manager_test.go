package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/oscarwire/internal/dispatch"
	"github.com/matst80/oscarwire/internal/flap"
	"github.com/matst80/oscarwire/internal/ratelimit"
	"github.com/matst80/oscarwire/internal/snac"
)

// server is a loopback peer handing accepted sockets to the test.
type server struct {
	ln       net.Listener
	host     string
	port     int
	accepted chan net.Conn
}

func newServer(t *testing.T) *server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	s := &server{ln: ln, host: host, port: p, accepted: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepted <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *server) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-s.accepted:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

// pollUntil polls m until done reports true for the events gathered so far.
func pollUntil(t *testing.T, m *Manager, done func([]Event) bool) []Event {
	t.Helper()
	var events []Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events = append(events, m.Poll(context.Background())...)
		if done(events) {
			return events
		}
	}
	t.Fatalf("condition not met, events: %+v", events)
	return nil
}

func has(typ EventType) func([]Event) bool {
	return func(evs []Event) bool {
		for _, e := range evs {
			if e.Type == typ {
				return true
			}
		}
		return false
	}
}

func find(evs []Event, typ EventType) Event {
	for _, e := range evs {
		if e.Type == typ {
			return e
		}
	}
	return Event{}
}

func establish(t *testing.T, m *Manager, s *server, kind Kind) (ID, net.Conn) {
	t.Helper()
	id, err := m.Connect(context.Background(), kind, s.host, s.port)
	require.NoError(t, err)
	evs := pollUntil(t, m, has(EventEstablished))
	assert.Equal(t, id, find(evs, EventEstablished).Conn)
	return id, s.next(t)
}

type recorder struct {
	mu   sync.Mutex
	msgs []dispatch.Message
}

func (r *recorder) HandleSNAC(_ context.Context, msg dispatch.Message) (dispatch.Result, error) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return dispatch.ResultHandled, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestConnectDispatchesSNAC(t *testing.T) {
	s := newServer(t)
	tbl := dispatch.NewTable(0)
	rec := &recorder{}
	require.NoError(t, tbl.Register(snac.FamilyBuddy, rec))
	m := NewManager(tbl, Options{})
	defer m.CloseAll()

	id, peer := establish(t, m, s, KindBOS)
	info, err := m.Info(id)
	require.NoError(t, err)
	assert.Equal(t, "established", info.State)
	assert.Equal(t, "bos", info.Kind)

	// delivered in two pieces to exercise reassembly
	wire := []byte{0x2A, 0x02, 0x00, 0x01, 0x00, 0x0A, 0x00, 0x03, 0x00, 0x04, 0x00, 0x00}
	_, err = peer.Write(wire)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = peer.Write([]byte{0x00, 0x00, 0x00, 0x2A})
	require.NoError(t, err)

	pollUntil(t, m, func([]Event) bool { return rec.count() == 1 })
	got := rec.msgs[0]
	assert.Equal(t, uint32(id), got.ConnID)
	assert.Equal(t, snac.Header{Family: 3, Subtype: 4, Flags: 0, RequestID: 42}, got.Header)
	assert.Empty(t, got.Payload)
}

func TestSendIncrementsSequence(t *testing.T) {
	s := newServer(t)
	m := NewManager(nil, Options{})
	defer m.CloseAll()
	id, peer := establish(t, m, s, KindLogin)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Send(id, flap.ChannelSNAC, snac.Build(snac.Header{Family: 1, Subtype: 2, RequestID: uint32(i + 1)}, nil)))
	}
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var seqs []uint16
	for i := 0; i < 3; i++ {
		f, err := flap.ReadFrame(peer)
		require.NoError(t, err)
		assert.Equal(t, flap.ChannelSNAC, f.Channel)
		h, _, err := snac.Split(f.Payload)
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), h.RequestID)
		seqs = append(seqs, f.Sequence)
	}
	assert.Equal(t, seqs[0]+1, seqs[1])
	assert.Equal(t, seqs[1]+1, seqs[2])

	info, err := m.Info(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.FramesOut)
	assert.Zero(t, info.Queued)
}

func TestControlChannelsSurfaceAsEvents(t *testing.T) {
	s := newServer(t)
	m := NewManager(nil, Options{})
	defer m.CloseAll()
	_, peer := establish(t, m, s, KindLogin)

	require.NoError(t, flap.WriteFrame(peer, flap.Frame{Channel: flap.ChannelLogin, Sequence: 1, Payload: flap.HelloPayload}))
	require.NoError(t, flap.WriteFrame(peer, flap.Frame{Channel: flap.ChannelSNAC, Sequence: 2, Payload: snac.Build(snac.Header{Family: 1, Subtype: 3}, nil)}))
	require.NoError(t, flap.WriteFrame(peer, flap.Frame{Channel: flap.ChannelLogoff, Sequence: 3, Payload: []byte{0, 9, 0, 0}}))

	evs := pollUntil(t, m, has(EventLogoff))
	login := find(evs, EventLogin)
	assert.Equal(t, flap.HelloPayload, login.Frame.Payload)
	assert.Equal(t, flap.ChannelSNAC, find(evs, EventFrame).Frame.Channel)
	assert.Equal(t, []byte{0, 9, 0, 0}, find(evs, EventLogoff).Frame.Payload)
}

func TestBadMarkerClosesConnection(t *testing.T) {
	s := newServer(t)
	m := NewManager(nil, Options{})
	id, peer := establish(t, m, s, KindBOS)

	_, err := peer.Write([]byte{0x00, 0x02, 0x00, 0x01, 0x00, 0x00})
	require.NoError(t, err)

	evs := pollUntil(t, m, has(EventClosed))
	closed := find(evs, EventClosed)
	assert.Equal(t, id, closed.Conn)
	assert.ErrorIs(t, closed.Err, flap.ErrBadMarker)
	assert.Zero(t, m.Len())
	_, err = m.Info(id)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestRemoteCloseReportsEOF(t *testing.T) {
	s := newServer(t)
	m := NewManager(nil, Options{})
	_, peer := establish(t, m, s, KindChatNav)
	require.NoError(t, peer.Close())

	evs := pollUntil(t, m, has(EventClosed))
	assert.ErrorIs(t, find(evs, EventClosed).Err, io.EOF)
}

func TestDialFailureReportsSocketError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())
	p, _ := strconv.Atoi(port)

	m := NewManager(nil, Options{})
	id, err := m.Connect(context.Background(), KindLogin, "127.0.0.1", p)
	require.NoError(t, err)

	evs := pollUntil(t, m, has(EventClosed))
	closed := find(evs, EventClosed)
	assert.Equal(t, id, closed.Conn)
	var se *SocketError
	require.True(t, errors.As(closed.Err, &se))
	assert.Equal(t, "dial", se.Op)
}

func TestConnectionCap(t *testing.T) {
	s := newServer(t)
	m := NewManager(nil, Options{MaxConnections: 2})
	defer m.CloseAll()

	for i := 0; i < 2; i++ {
		_, err := m.Connect(context.Background(), KindBOS, s.host, s.port)
		require.NoError(t, err)
	}
	_, err := m.Connect(context.Background(), KindBOS, s.host, s.port)
	assert.ErrorIs(t, err, ErrTooManyConnections)
	assert.Equal(t, 2, m.Len())
}

func TestCloseAllReleasesUnpolledDial(t *testing.T) {
	s := newServer(t)
	m := NewManager(nil, Options{})
	_, err := m.Connect(context.Background(), KindBOS, s.host, s.port)
	require.NoError(t, err)
	peer := s.next(t)

	// the dial finished but no Poll picked up the socket
	m.CloseAll()
	assert.Zero(t, m.Len())

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = peer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestSendBeforeEstablished(t *testing.T) {
	s := newServer(t)
	m := NewManager(nil, Options{})
	defer m.CloseAll()

	id, err := m.Connect(context.Background(), KindLogin, s.host, s.port)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Send(id, flap.ChannelLogin, flap.HelloPayload), ErrNotEstablished)
	assert.ErrorIs(t, m.Send(id+100, flap.ChannelLogin, nil), ErrUnknownConnection)
}

func TestCloseFlushesAndReports(t *testing.T) {
	s := newServer(t)
	m := NewManager(nil, Options{})
	id, peer := establish(t, m, s, KindBOS)

	require.NoError(t, m.Send(id, flap.ChannelLogoff, nil))
	require.NoError(t, m.Close(id))
	assert.ErrorIs(t, m.Send(id, flap.ChannelSNAC, nil), ErrNotEstablished)

	evs := pollUntil(t, m, has(EventClosed))
	assert.NoError(t, find(evs, EventClosed).Err)

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := flap.ReadFrame(peer)
	require.NoError(t, err)
	assert.Equal(t, flap.ChannelLogoff, f.Channel)
	_, err = flap.ReadFrame(peer)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRateClassHoldsSNAC(t *testing.T) {
	s := newServer(t)
	m := NewManager(nil, Options{})
	defer m.CloseAll()
	id, _ := establish(t, m, s, KindBOS)

	lim, err := m.Limiter(id)
	require.NoError(t, err)
	lim.Load(ratelimit.Params{Classes: []ratelimit.Class{
		{ID: 1, Window: 10, Clear: 300, Alert: 220, Limit: 100, Disconnect: 50, Current: 250, Max: 500},
	}})
	// the first send leaves the level at 225, the second would pull it under alert

	msg := snac.Build(snac.Header{Family: snac.FamilyICBM, Subtype: 6}, nil)
	require.NoError(t, m.Send(id, flap.ChannelSNAC, msg))
	require.NoError(t, m.Send(id, flap.ChannelSNAC, msg))

	info, err := m.Info(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.FramesOut)
	assert.Equal(t, 1, info.Queued)

	// non-SNAC frames queue behind the held SNAC
	require.NoError(t, m.Send(id, flap.ChannelKeepAlive, nil))
	info, _ = m.Info(id)
	assert.Equal(t, 2, info.Queued)
}

func TestKeepAlive(t *testing.T) {
	s := newServer(t)
	m := NewManager(nil, Options{KeepAlive: 20 * time.Millisecond})
	defer m.CloseAll()
	_, peer := establish(t, m, s, KindBOS)

	got := make(chan flap.Frame, 1)
	go func() {
		_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		if f, err := flap.ReadFrame(peer); err == nil {
			got <- f
		}
	}()
	var f flap.Frame
	pollUntil(t, m, func([]Event) bool {
		select {
		case f = <-got:
			return true
		default:
			return false
		}
	})
	assert.Equal(t, flap.ChannelKeepAlive, f.Channel)
	assert.Empty(t, f.Payload)
}

func TestListenAcceptsRendezvousPeers(t *testing.T) {
	m := NewManager(nil, Options{})
	defer m.CloseAll()
	lid, err := m.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	info, err := m.Info(lid)
	require.NoError(t, err)
	assert.Equal(t, "listener", info.Kind)

	peer, err := net.Dial("tcp", info.Local)
	require.NoError(t, err)
	defer peer.Close()

	evs := pollUntil(t, m, has(EventAccepted))
	accepted := find(evs, EventAccepted)
	assert.Equal(t, lid, accepted.Conn)
	pid := accepted.Peer

	b, err := flap.EncodeRendezvous(flap.Frame{Magic: flap.MagicOFT2, Type: 0x0101, Payload: []byte("hdr")})
	require.NoError(t, err)
	_, err = peer.Write(b)
	require.NoError(t, err)

	evs = pollUntil(t, m, has(EventRendezvous))
	rv := find(evs, EventRendezvous)
	assert.Equal(t, pid, rv.Conn)
	assert.Equal(t, flap.MagicOFT2, rv.Frame.Magic)
	assert.Equal(t, uint16(0x0101), rv.Frame.Type)
	assert.Equal(t, []byte("hdr"), rv.Frame.Payload)

	require.NoError(t, m.SendRendezvous(pid, flap.MagicOFT2, 0x0202, []byte("ack")))
	assert.ErrorIs(t, m.Send(pid, flap.ChannelSNAC, nil), ErrWrongKind)
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, flap.RendezvousHeaderSize+3)
	_, err = io.ReadFull(peer, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{'O', 'F', 'T', '2', 0x00, 0x0B, 0x02, 0x02, 'a', 'c', 'k'}, reply)
}

func TestAcceptRateLimitedPerIP(t *testing.T) {
	m := NewManager(nil, Options{AcceptRate: 0.001, AcceptBurst: 1})
	defer m.CloseAll()
	lid, err := m.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	info, _ := m.Info(lid)

	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", info.Local)
		require.NoError(t, err)
		defer c.Close()
	}

	accepted := 0
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, e := range m.Poll(context.Background()) {
			if e.Type == EventAccepted {
				accepted++
			}
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 2, m.Len())
}
