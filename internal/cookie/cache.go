package cookie

import (
	"context"
	"time"

	"github.com/matst80/oscarwire/internal/obs"
)

// Cache records cookies from creation until they are matched or aged out.
type Cache struct {
	store Store
	now   func() time.Time
	log   obs.Logger
}

type Option func(*Cache)

func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l obs.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New returns a Cache backed by a MemoryStore unless WithStore says otherwise.
func New(opts ...Option) *Cache {
	c := &Cache{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	return c
}

// Register caches data under (ck, typ). An exact collision refreshes the
// issue time and replaces the previous data, which is dropped without
// notice to whoever registered it.
func (c *Cache) Register(ctx context.Context, ck Cookie, typ Type, data any) error {
	key := Key{Cookie: ck, Type: typ}
	res, err := c.store.Put(ctx, key, Entry{Data: data, IssuedAt: c.now()})
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("cookie_store").Inc()
		return err
	}
	switch res {
	case PutReplaced:
		obs.CookieCollisionTotal.Inc()
		c.log.Warn("cookie.collision", obs.Fields{"cookie": ck.String(), "type": typ.String()})
	case PutAdded:
		obs.CachedCookies.Inc()
	}
	return nil
}

// Take removes the exact (ck, typ) match and hands its data to the caller.
func (c *Cache) Take(ctx context.Context, ck Cookie, typ Type) (any, bool, error) {
	e, ok, err := c.store.Take(ctx, Key{Cookie: ck, Type: typ})
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("cookie_store").Inc()
		return nil, false, err
	}
	if ok {
		obs.CachedCookies.Dec()
	}
	return e.Data, ok, nil
}

// Peek returns the data cached under (ck, typ) without consuming it.
func (c *Cache) Peek(ctx context.Context, ck Cookie, typ Type) (any, bool, error) {
	e, ok, err := c.store.Peek(ctx, Key{Cookie: ck, Type: typ})
	if err != nil {
		return nil, false, err
	}
	return e.Data, ok, nil
}

// Sweep drops every cookie issued more than maxAge ago.
func (c *Cache) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := c.store.Sweep(ctx, c.now().Add(-maxAge))
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("cookie_store").Inc()
		return 0, err
	}
	if n > 0 {
		obs.CachedCookies.Sub(float64(n))
		obs.SweptTotal.WithLabelValues("cookie").Add(float64(n))
	}
	return n, nil
}

func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.store.Len(ctx)
}
