package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/matst80/oscarwire/internal/conn"
	"github.com/matst80/oscarwire/internal/cookie"
	"github.com/matst80/oscarwire/internal/family"
	"github.com/matst80/oscarwire/internal/obs"
	"github.com/matst80/oscarwire/internal/ratelimit"
	"github.com/matst80/oscarwire/internal/session"
	"github.com/matst80/oscarwire/internal/snac"
)

var errServerClosed = errors.New("server connection closed")

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("client.start", obs.Fields{"server": cfg.Server, "kind": cfg.Kind, "metrics": cfg.MetricsAddr, "listen": cfg.ListenAddr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("client.shutdown.complete", obs.Fields{})
}

func run(ctx context.Context, cfg Config) error {
	kind, err := parseKind(cfg.Kind)
	if err != nil {
		return err
	}
	authCookie, err := hex.DecodeString(cfg.Cookie)
	if err != nil {
		return fmt.Errorf("cookie: %w", err)
	}

	var store cookie.Store
	if cfg.RedisAddr != "" {
		rs, err := cookie.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix, cfg.CookieTTL)
		if err != nil {
			return err
		}
		defer rs.Close()
		obs.Info("cookie.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
		store = rs
	}

	s := session.New(session.Config{
		MaxConnections: cfg.MaxConnections,
		KeepAlive:      cfg.KeepAlive,
		AcceptRate:     rate.Limit(cfg.AcceptRate),
		AcceptBurst:    cfg.AcceptBurst,
		CookieStore:    store,
	})
	defer s.Close()

	st := newClientState()
	err = family.Register(s.RegisterHandler, family.Deps{
		Requests: s.Requests(),
		Cookies:  s.Cookies(),
		Limiter:  func(id uint32) (*ratelimit.Limiter, error) { return s.Conns().Limiter(conn.ID(id)) },
		Reply: func(id uint32, to snac.Header, subtype uint16, body []byte) error {
			return s.Reply(conn.ID(id), to, subtype, body)
		},
		Emit: st.record,
		Log:  s.Logger(),
	})
	if err != nil {
		return err
	}

	cl := &client{s: s, st: st, idle: cfg.PollIdle, hello: make(map[conn.ID][]byte)}
	if err := cl.connect(ctx, kind, cfg.Server, authCookie); err != nil {
		return err
	}
	if cfg.ListenAddr != "" {
		if _, err := s.Listen(ctx, cfg.ListenAddr); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cl.pollLoop(gctx) })
	g.Go(func() error { return runSweepLoop(gctx, s, cfg.SweepInterval, cfg.MaxAge) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, s, st) })
	}
	st.setReady(true)
	obs.Info("client.ready", obs.Fields{"session": s.ID().String()})
	err = g.Wait()
	st.setReady(false)
	return err
}

func parseKind(s string) (conn.Kind, error) {
	switch s {
	case "login":
		return conn.KindLogin, nil
	case "bos":
		return conn.KindBOS, nil
	}
	return 0, fmt.Errorf("unknown connection kind %q", s)
}

// client drives the session from a single goroutine.
type client struct {
	s    *session.Session
	st   *clientState
	idle time.Duration
	// hello holds the cookie each dialing connection opens with.
	hello map[conn.ID][]byte
	// server is the connection whose loss ends the run.
	server conn.ID
}

func (c *client) connect(ctx context.Context, kind conn.Kind, addr string, authCookie []byte) error {
	id, err := c.s.ConnectAddr(ctx, kind, addr)
	if err != nil {
		return err
	}
	c.hello[id] = authCookie
	c.server = id
	return nil
}

func (c *client) pollLoop(ctx context.Context) error {
	for {
		events := c.s.Poll(ctx)
		for _, ev := range events {
			if err := c.handle(ctx, ev); err != nil {
				return err
			}
		}
		if len(events) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.idle):
		}
	}
}

func (c *client) handle(ctx context.Context, ev session.Event) error {
	c.st.count(ev.Type.String())
	switch ev.Type {
	case conn.EventEstablished:
		if ck, ok := c.hello[ev.Conn]; ok {
			delete(c.hello, ev.Conn)
			return c.s.SendHello(ev.Conn, ck)
		}
	case conn.EventLogin:
		if ev.Kind == conn.KindBOS {
			if _, err := c.s.SendSNACRaw(ev.Conn, snac.FamilyOService, family.OServiceRateInfoQuery, 0, nil, "rates"); err != nil {
				return err
			}
		}
	case conn.EventLogoff:
		return c.logoff(ctx, ev)
	case conn.EventClosed:
		if ev.Conn == c.server {
			if ev.Err != nil {
				return fmt.Errorf("%w: %v", errServerClosed, ev.Err)
			}
			return errServerClosed
		}
	case conn.EventAccepted, conn.EventRendezvous:
		obs.Debug("client.rendezvous", obs.Fields{"conn": uint32(ev.Conn), "peer": uint32(ev.Peer), "type": ev.Frame.Type})
	}
	return nil
}

// logoff follows a login server's hand-off to BOS when the channel 4 frame
// carries an address and cookie.
func (c *client) logoff(ctx context.Context, ev session.Event) error {
	if code, err := ev.TLVs.Uint16(session.TLVErrorCode); err == nil {
		obs.Error("client.login.failed", obs.Fields{"code": code, "url": ev.TLVs.String(session.TLVErrorURL)})
		return nil
	}
	addr := ev.TLVs.String(session.TLVBOSAddress)
	ck, ok := ev.TLVs.Find(session.TLVCookie, 1)
	if addr == "" || !ok {
		return nil
	}
	obs.Info("client.bos.handoff", obs.Fields{"bos": addr, "screen_name": ev.TLVs.String(session.TLVScreenName)})
	return c.connect(ctx, conn.KindBOS, addr, ck.Value)
}

func runSweepLoop(ctx context.Context, s *session.Session, interval, maxAge time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, _, err := s.Sweep(ctx, maxAge); err != nil {
				obs.Error("client.sweep", obs.Fields{"err": err.Error()})
			}
		}
	}
}
