package main

import (
	"fmt"
	"sync"

	"github.com/matst80/oscarwire/internal/family"
	"github.com/matst80/oscarwire/internal/obs"
)

// clientState is what the HTTP side reads while the poll loop runs.
type clientState struct {
	mu     sync.Mutex
	ready  bool
	events map[string]int
	last   string
}

func newClientState() *clientState {
	return &clientState{events: make(map[string]int)}
}

func (s *clientState) setReady(ready bool) { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }

func (s *clientState) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *clientState) count(name string) {
	s.mu.Lock()
	s.events[name]++
	s.mu.Unlock()
}

// record is the family event sink.
func (s *clientState) record(e family.Event) {
	name := fmt.Sprintf("%T", e)
	s.mu.Lock()
	s.events[name]++
	s.last = name
	s.mu.Unlock()
	switch ev := e.(type) {
	case family.RendezvousProposal:
		obs.Info("client.rendezvous.proposal", obs.Fields{"from": ev.From, "cookie": ev.Cookie.String(), "type": ev.Type.String(), "ip": ev.IP.String(), "port": ev.Port})
	case family.RateChanged:
		obs.Info("client.rates.changed", obs.Fields{"code": ev.Code, "class": ev.Class.ID})
	case family.SNACError:
		obs.Error("client.snac_error", obs.Fields{"snac": ev.Header.String(), "code": ev.Code})
	}
}

func (s *clientState) snapshot() (map[string]int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.events))
	for k, v := range s.events {
		out[k] = v
	}
	return out, s.last
}
