// Package snaccache correlates outgoing SNAC requests with their
// asynchronous replies by request id.
package snaccache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/oscarwire/internal/obs"
)

// Buckets is the shard count; ids land in bucket id % Buckets.
const Buckets = 16

// Request is an outstanding SNAC awaiting its reply. Data is whatever the
// caller attached at issue time; ownership passes back to the caller on
// Resolve.
type Request struct {
	ID       uint32
	Family   uint16
	Subtype  uint16
	Flags    uint16
	Data     any
	IssuedAt time.Time
}

type bucket struct {
	mu      sync.Mutex
	pending map[uint32]*Request
}

// Cache is safe for concurrent use: the poll loop may resolve replies while
// another goroutine issues requests.
type Cache struct {
	next    atomic.Uint32
	buckets [Buckets]bucket
	now     func() time.Time
}

type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithFirstID makes the next issued id equal id.
func WithFirstID(id uint32) Option {
	return func(c *Cache) { c.next.Store(id - 1) }
}

func New(opts ...Option) *Cache {
	c := &Cache{now: time.Now}
	for i := range c.buckets {
		c.buckets[i].pending = make(map[uint32]*Request)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) bucket(id uint32) *bucket { return &c.buckets[id%Buckets] }

// Issue allocates a fresh request id and records the request under it.
// Id 0 is never handed out since servers use it for unsolicited SNACs.
func (c *Cache) Issue(family, subtype, flags uint16, data any) uint32 {
	id := c.next.Add(1)
	if id == 0 {
		id = c.next.Add(1)
	}
	r := &Request{
		ID:       id,
		Family:   family,
		Subtype:  subtype,
		Flags:    flags,
		Data:     data,
		IssuedAt: c.now(),
	}
	b := c.bucket(id)
	b.mu.Lock()
	_, replaced := b.pending[id]
	b.pending[id] = r
	b.mu.Unlock()
	if !replaced {
		obs.OutstandingRequests.Inc()
	}
	return id
}

// Resolve removes and returns the request issued under id. A second call
// for the same id returns false.
func (c *Cache) Resolve(id uint32) (*Request, bool) {
	b := c.bucket(id)
	b.mu.Lock()
	r, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ok {
		obs.OutstandingRequests.Dec()
	}
	return r, ok
}

// Lookup returns a copy of the request issued under id without removing it,
// for replies that announce further replies with the same id.
func (c *Cache) Lookup(id uint32) (Request, bool) {
	b := c.bucket(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.pending[id]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// Sweep silently drops every request issued more than maxAge ago and returns
// how many were dropped.
func (c *Cache) Sweep(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	dropped := 0
	for i := range c.buckets {
		b := &c.buckets[i]
		b.mu.Lock()
		for id, r := range b.pending {
			if r.IssuedAt.Before(cutoff) {
				delete(b.pending, id)
				dropped++
			}
		}
		b.mu.Unlock()
	}
	if dropped > 0 {
		obs.OutstandingRequests.Sub(float64(dropped))
		obs.SweptTotal.WithLabelValues("snac").Add(float64(dropped))
	}
	return dropped
}

// Len counts outstanding requests.
func (c *Cache) Len() int {
	n := 0
	for i := range c.buckets {
		b := &c.buckets[i]
		b.mu.Lock()
		n += len(b.pending)
		b.mu.Unlock()
	}
	return n
}
