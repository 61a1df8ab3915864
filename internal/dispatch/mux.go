package dispatch

import (
	"context"
	"sync"
)

// SubtypeMux routes one family's SNACs by subtype. Subtypes with no route
// go to the default handler, or come back as ResultNoAction when there is
// none.
type SubtypeMux struct {
	mu     sync.RWMutex
	routes map[uint16]HandlerFunc
	def    HandlerFunc
}

func NewSubtypeMux() *SubtypeMux {
	return &SubtypeMux{routes: make(map[uint16]HandlerFunc)}
}

// Handle routes subtype to fn, replacing any earlier route.
func (m *SubtypeMux) Handle(subtype uint16, fn HandlerFunc) *SubtypeMux {
	m.mu.Lock()
	m.routes[subtype] = fn
	m.mu.Unlock()
	return m
}

func (m *SubtypeMux) Default(fn HandlerFunc) *SubtypeMux {
	m.mu.Lock()
	m.def = fn
	m.mu.Unlock()
	return m
}

func (m *SubtypeMux) HandleSNAC(ctx context.Context, msg Message) (Result, error) {
	m.mu.RLock()
	fn, ok := m.routes[msg.Header.Subtype]
	if !ok {
		fn = m.def
	}
	m.mu.RUnlock()
	if fn == nil {
		return ResultNoAction, nil
	}
	return fn(ctx, msg)
}
