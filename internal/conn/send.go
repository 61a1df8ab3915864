package conn

import (
	"fmt"
	"strconv"
	"time"

	"github.com/matst80/oscarwire/internal/flap"
	"github.com/matst80/oscarwire/internal/obs"
	"github.com/matst80/oscarwire/internal/snac"
)

// outFrame is an encoded frame waiting in a connection's send queue. off
// counts bytes already written.
type outFrame struct {
	data     []byte
	off      int
	label    string
	snac     bool
	family   uint16
	subtype  uint16
	deferred bool
}

// Send frames payload on channel with the connection's next sequence number
// and writes as much as the socket takes. The rest stays queued for Poll.
func (m *Manager) Send(id ID, channel uint8, payload []byte) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEstablished {
		return fmt.Errorf("%w: conn %d is %s", ErrNotEstablished, id, c.state)
	}
	if c.kind == KindRendezvous || c.kind == KindListener {
		return fmt.Errorf("%w: flap on %s", ErrWrongKind, c.kind)
	}
	if err := c.enqueueFLAP(channel, payload); err != nil {
		return err
	}
	return m.flushOrFail(c)
}

// SendRendezvous writes a peer frame on a rendezvous connection.
func (m *Manager) SendRendezvous(id ID, magic [4]byte, typ uint16, payload []byte) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEstablished {
		return fmt.Errorf("%w: conn %d is %s", ErrNotEstablished, id, c.state)
	}
	if c.kind != KindRendezvous {
		return fmt.Errorf("%w: rendezvous on %s", ErrWrongKind, c.kind)
	}
	b, err := flap.EncodeRendezvous(flap.Frame{Magic: magic, Type: typ, Payload: payload})
	if err != nil {
		return err
	}
	c.sendq.Add(&outFrame{data: b, label: "rendezvous"})
	return m.flushOrFail(c)
}

// enqueueFLAP needs c.mu held.
func (c *connection) enqueueFLAP(channel uint8, payload []byte) error {
	b, err := flap.Encode(flap.Frame{Channel: channel, Sequence: c.seq, Payload: payload})
	if err != nil {
		return err
	}
	c.seq++
	f := &outFrame{data: b, label: strconv.Itoa(int(channel))}
	if channel == flap.ChannelSNAC {
		if h, err := snac.DecodeHeader(payload); err == nil {
			f.snac, f.family, f.subtype = true, h.Family, h.Subtype
		}
	}
	c.sendq.Add(f)
	return nil
}

// flushOrFail needs c.mu held. A write failure marks the connection for
// teardown on the next Poll.
func (m *Manager) flushOrFail(c *connection) error {
	if err := m.flushLocked(c); err != nil {
		c.err = err
		c.state = StateClosing
		return err
	}
	return nil
}

// flushLocked writes queued frames in order until the queue is empty, the
// socket stops taking bytes, or the head SNAC's rate class says wait.
// c.mu must be held.
func (m *Manager) flushLocked(c *connection) error {
	for c.sendq.Length() > 0 {
		f := c.sendq.Peek().(*outFrame)
		if f.off == 0 && f.snac && c.limiter.Delay(f.family, f.subtype) > 0 {
			f.markDeferred()
			return nil
		}
		_ = c.nc.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
		n, err := c.nc.Write(f.data[f.off:])
		f.off += n
		if err != nil {
			if isTimeout(err) {
				f.markDeferred()
				return nil
			}
			obs.ErrorsTotal.WithLabelValues("socket_write").Inc()
			return &SocketError{Conn: c.id, Op: "write", Err: err}
		}
		c.sendq.Remove()
		if f.snac {
			c.limiter.Sent(f.family, f.subtype)
		}
		c.framesOut++
		c.lastSend = time.Now()
		obs.FramesSentTotal.WithLabelValues(f.label).Inc()
	}
	return nil
}

func (f *outFrame) markDeferred() {
	if !f.deferred {
		f.deferred = true
		obs.SendDeferredTotal.Inc()
	}
}
