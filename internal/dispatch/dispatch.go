// Package dispatch routes decoded SNACs to the handler registered for their
// family. A family has exactly one handler; a missing handler is reported
// and the SNAC is dropped without disturbing the connection.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/matst80/oscarwire/internal/obs"
	"github.com/matst80/oscarwire/internal/snac"
)

var (
	ErrDuplicateFamily = errors.New("family already has a handler")
	ErrUnhandledFamily = errors.New("no handler for family")
)

// Result is a handler's verdict on a SNAC.
type Result int

const (
	// ResultHandled means the handler consumed the SNAC.
	ResultHandled Result = iota
	// ResultNoAction means the handler recognized the SNAC and chose to ignore it.
	ResultNoAction
	ResultUnhandled
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultHandled:
		return "handled"
	case ResultNoAction:
		return "no_action"
	case ResultUnhandled:
		return "unhandled"
	case ResultFailed:
		return "failed"
	}
	return "result(" + strconv.Itoa(int(r)) + ")"
}

// Message is one SNAC as delivered to a handler. Payload is the body after
// the SNAC header (and after any optional TLV block the flags announce).
type Message struct {
	ConnID  uint32
	Header  snac.Header
	Payload []byte
}

type Handler interface {
	HandleSNAC(ctx context.Context, msg Message) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) (Result, error)

func (f HandlerFunc) HandleSNAC(ctx context.Context, msg Message) (Result, error) {
	return f(ctx, msg)
}

// Table maps SNAC families to handlers.
type Table struct {
	mu       sync.RWMutex
	handlers map[uint16]Handler
	reported *cache.Cache
}

// NewTable returns an empty Table. Unhandled families are logged at most
// once per quiet period; pass 0 for the default of one minute.
func NewTable(quiet time.Duration) *Table {
	if quiet <= 0 {
		quiet = time.Minute
	}
	return &Table{
		handlers: make(map[uint16]Handler),
		reported: cache.New(quiet, 2*quiet),
	}
}

func (t *Table) Register(family uint16, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[family]; ok {
		return fmt.Errorf("%w: 0x%04x", ErrDuplicateFamily, family)
	}
	t.handlers[family] = h
	return nil
}

// Families lists registered families in ascending order.
func (t *Table) Families() []uint16 {
	t.mu.RLock()
	out := make([]uint16, 0, len(t.handlers))
	for f := range t.handlers {
		out = append(out, f)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch hands msg to its family's handler. Handler errors and panics
// come back as ResultFailed.
func (t *Table) Dispatch(ctx context.Context, msg Message) (res Result, err error) {
	t.mu.RLock()
	h, ok := t.handlers[msg.Header.Family]
	t.mu.RUnlock()
	if !ok {
		t.reportUnhandled(msg)
		obs.DispatchTotal.WithLabelValues(ResultUnhandled.String()).Inc()
		return ResultUnhandled, fmt.Errorf("%w: %s", ErrUnhandledFamily, msg.Header)
	}

	defer func() {
		if r := recover(); r != nil {
			obs.Error("dispatch.panic", obs.Fields{
				"conn":  msg.ConnID,
				"snac":  msg.Header.String(),
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			res, err = ResultFailed, fmt.Errorf("handler panic for %s: %v", msg.Header, r)
		}
		obs.DispatchTotal.WithLabelValues(res.String()).Inc()
	}()

	res, err = h.HandleSNAC(ctx, msg)
	if err != nil {
		obs.Debug("dispatch.failed", obs.Fields{"conn": msg.ConnID, "snac": msg.Header.String(), "err": err})
		return ResultFailed, err
	}
	return res, nil
}

func (t *Table) reportUnhandled(msg Message) {
	key := strconv.Itoa(int(msg.Header.Family))
	if err := t.reported.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		return
	}
	obs.Warn("dispatch.unhandled", obs.Fields{
		"conn":    msg.ConnID,
		"family":  fmt.Sprintf("0x%04x", msg.Header.Family),
		"subtype": fmt.Sprintf("0x%04x", msg.Header.Subtype),
	})
}
