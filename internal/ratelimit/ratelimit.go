// Package ratelimit implements OSCAR server-advertised rate classes. Each
// class tracks a moving average of the gap between SNACs; the client holds a
// SNAC back while sending it would pull the average under the alert level.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Class is one rate class as advertised in the OService rate info reply.
// Levels are moving averages of inter-SNAC time in milliseconds.
type Class struct {
	ID         uint16
	Window     uint32
	Clear      uint32
	Alert      uint32
	Limit      uint32
	Disconnect uint32
	Current    uint32
	Max        uint32

	// Last is when Current was last known: the last SNAC sent in the class,
	// or the rate info reply or change notice that reported it.
	Last time.Time
	// Limited is set while the server says the class is limited; sending
	// resumes once the level climbs back to Clear.
	Limited bool
}

// levelAt returns the level the class would have if a SNAC went out at now.
func (c *Class) levelAt(now time.Time) uint32 {
	if c.Window == 0 {
		return c.Max
	}
	elapsed := uint64(c.elapsed(now).Milliseconds())
	lvl := (uint64(c.Current)*uint64(c.Window-1) + elapsed) / uint64(c.Window)
	if c.Max > 0 && lvl > uint64(c.Max) {
		lvl = uint64(c.Max)
	}
	return uint32(lvl)
}

// elapsed is the gap since Last. A class with no Last counts as just reported.
func (c *Class) elapsed(now time.Time) time.Duration {
	if c.Last.IsZero() || now.Before(c.Last) {
		return 0
	}
	return now.Sub(c.Last)
}

func (c *Class) threshold() uint32 {
	if c.Limited {
		return c.Clear
	}
	return c.Alert
}

// Pair is a (family, subtype) a rate class governs.
type Pair struct {
	Family  uint16
	Subtype uint16
}

// Limiter maps SNACs to rate classes. A Limiter with no classes loaded allows
// everything.
type Limiter struct {
	mu      sync.Mutex
	classes map[uint16]*Class
	members map[Pair]uint16
	// fallback is the class used for SNACs no group names: the lowest id.
	fallback uint16
	now      func() time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		classes: make(map[uint16]*Class),
		members: make(map[Pair]uint16),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load replaces every class and group with params.
func (l *Limiter) Load(p Params) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.classes = make(map[uint16]*Class, len(p.Classes))
	l.members = make(map[Pair]uint16)
	l.fallback = 0
	now := l.now()
	for i := range p.Classes {
		c := p.Classes[i]
		c.Last = now
		l.classes[c.ID] = &c
		if l.fallback == 0 || c.ID < l.fallback {
			l.fallback = c.ID
		}
	}
	for id, pairs := range p.Groups {
		for _, pr := range pairs {
			l.members[pr] = id
		}
	}
}

// Update applies a rate change notice to the class it names. The notice's
// level counts as measured now. Unknown classes are added.
func (l *Limiter) Update(c Class, limited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c.Last = l.now()
	c.Limited = limited
	cur, ok := l.classes[c.ID]
	if !ok {
		l.classes[c.ID] = &c
		if l.fallback == 0 || c.ID < l.fallback {
			l.fallback = c.ID
		}
		return
	}
	*cur = c
}

func (l *Limiter) classFor(family, subtype uint16) *Class {
	id, ok := l.members[Pair{family, subtype}]
	if !ok {
		id = l.fallback
	}
	return l.classes[id]
}

// Allow reports whether a SNAC of (family, subtype) may be sent now.
func (l *Limiter) Allow(family, subtype uint16) bool {
	return l.Delay(family, subtype) == 0
}

// Delay returns how long to hold a SNAC of (family, subtype) back.
func (l *Limiter) Delay(family, subtype uint16) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.classFor(family, subtype)
	if c == nil || c.Window == 0 {
		return 0
	}
	now := l.now()
	if c.levelAt(now) >= c.threshold() {
		return 0
	}
	// smallest gap e with (cur*(w-1)+e)/w >= threshold
	need := int64(c.threshold())*int64(c.Window) - int64(c.Current)*int64(c.Window-1)
	wait := time.Duration(need)*time.Millisecond - c.elapsed(now)
	if wait <= 0 {
		return time.Millisecond
	}
	return wait
}

// Sent records that a SNAC of (family, subtype) went out.
func (l *Limiter) Sent(family, subtype uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.classFor(family, subtype)
	if c == nil {
		return
	}
	now := l.now()
	c.Current = c.levelAt(now)
	c.Last = now
	if c.Limited && c.Current >= c.Clear {
		c.Limited = false
	}
}

// Classes returns a snapshot of the loaded classes ordered by id.
func (l *Limiter) Classes() []Class {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Class, 0, len(l.classes))
	for _, c := range l.classes {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
