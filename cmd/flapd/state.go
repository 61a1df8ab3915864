package main

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/oscarwire/internal/obs"
)

type flapClient struct {
	id        string
	conn      net.Conn
	remote    string
	cookie    string
	connected time.Time
	lastSeen  time.Time
	frames    int64
}

type serverState struct {
	mu          sync.Mutex
	clients     map[string]*flapClient
	closing     bool
	ready       bool
	totalFrames int64
	stale       int64
	now         func() time.Time
}

func newServerState() *serverState {
	return &serverState{clients: make(map[string]*flapClient), now: time.Now}
}

func (s *serverState) register(c net.Conn) *flapClient {
	now := s.now()
	cl := &flapClient{id: uuid.NewString(), conn: c, remote: c.RemoteAddr().String(), connected: now, lastSeen: now}
	s.mu.Lock()
	s.clients[cl.id] = cl
	s.mu.Unlock()
	obs.OpenConnections.WithLabelValues("flapd").Inc()
	return cl
}

func (s *serverState) remove(id string) {
	s.mu.Lock()
	_, ok := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if ok {
		obs.OpenConnections.WithLabelValues("flapd").Dec()
	}
}

// touch records a frame from client id.
func (s *serverState) touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalFrames++
	if cl, ok := s.clients[id]; ok {
		cl.lastSeen = s.now()
		cl.frames++
	}
}

func (s *serverState) setCookie(id, cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cl, ok := s.clients[id]; ok {
		cl.cookie = cookie
	}
}

// sweepStale closes clients idle for longer than maxIdle, or every client
// once the server is closing. Their serve goroutines see the closed socket
// and remove them.
func (s *serverState) sweepStale(maxIdle time.Duration) int {
	var stale []*flapClient
	s.mu.Lock()
	cutoff := s.now().Add(-maxIdle)
	for _, cl := range s.clients {
		if s.closing || cl.lastSeen.Before(cutoff) {
			stale = append(stale, cl)
		}
	}
	s.stale += int64(len(stale))
	s.mu.Unlock()
	for _, cl := range stale {
		_ = cl.conn.Close()
		obs.ClosedTotal.WithLabelValues("idle").Inc()
	}
	return len(stale)
}

func (s *serverState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *serverState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }

func (s *serverState) isServing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closing
}

// Stats represents current server stats for the state endpoint.
type Stats struct {
	Clients     int    `json:"clients"`
	TotalFrames int64  `json:"total_frames"`
	Stale       int64  `json:"stale"`
	Now         string `json:"now"`
}

func (s *serverState) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Clients: len(s.clients), TotalFrames: s.totalFrames, Stale: s.stale, Now: s.now().UTC().Format(time.RFC3339)}
}
