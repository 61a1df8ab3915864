// Package family holds SNAC handlers for the families a client session
// needs to keep its engine state straight: rate classes, request
// correlation, and rendezvous cookie matching. Decoded results are handed
// to an Emit sink; nothing here renders or stores user-facing state.
package family

import (
	"context"
	"errors"

	"github.com/matst80/oscarwire/internal/cookie"
	"github.com/matst80/oscarwire/internal/dispatch"
	"github.com/matst80/oscarwire/internal/obs"
	"github.com/matst80/oscarwire/internal/ratelimit"
	"github.com/matst80/oscarwire/internal/snac"
	"github.com/matst80/oscarwire/internal/snaccache"
)

var ErrShortBody = errors.New("snac body too short")

// Event is anything a handler decoded. Concrete types live in events.go.
type Event interface {
	Family() uint16
}

// Deps is what the handlers read and mutate.
type Deps struct {
	Requests *snaccache.Cache
	Cookies  *cookie.Cache
	// Limiter returns the rate limiter of a connection. Optional.
	Limiter func(connID uint32) (*ratelimit.Limiter, error)
	// Reply sends a SNAC echoing a server request id. Optional; used to
	// acknowledge rate classes.
	Reply func(connID uint32, to snac.Header, subtype uint16, body []byte) error
	// Emit receives decoded events. Optional.
	Emit func(Event)
	Log  obs.Logger
}

func (d Deps) emit(e Event) {
	if d.Emit != nil {
		d.Emit(e)
	}
}

// request finds the outstanding request a reply answers. Replies flagged
// with more to come leave the request in place.
func (d Deps) request(h snac.Header) *snaccache.Request {
	if d.Requests == nil || h.RequestID == 0 {
		return nil
	}
	if h.MoreReplies() {
		r, ok := d.Requests.Lookup(h.RequestID)
		if !ok {
			return nil
		}
		return &r
	}
	r, _ := d.Requests.Resolve(h.RequestID)
	return r
}

// Register installs every handler in this package through register, which
// is normally Session.RegisterHandler.
func Register(register func(uint16, dispatch.Handler) error, d Deps) error {
	handlers := map[uint16]*dispatch.SubtypeMux{
		snac.FamilyOService: OService(d),
		snac.FamilyBuddy:    Buddy(d),
		snac.FamilyICBM:     ICBM(d),
		snac.FamilyAdverts:  Adverts(d),
		snac.FamilyAdmin:    Admin(d),
		snac.FamilyBOS:      BOS(d),
		snac.FamilyLookup:   Lookup(d),
		snac.FamilyStats:    Stats(d),
		snac.FamilyBART:     BART(d),
	}
	for fam, h := range handlers {
		if err := register(fam, h); err != nil {
			return err
		}
	}
	return nil
}

// newMux returns a SubtypeMux that already answers the generic error
// subtype every family shares.
func newMux(d Deps) *dispatch.SubtypeMux {
	return dispatch.NewSubtypeMux().Handle(snac.SubtypeError, d.snacError)
}

func (d Deps) snacError(_ context.Context, m dispatch.Message) (dispatch.Result, error) {
	e, err := snac.ParseError(m.Payload)
	if err != nil {
		return dispatch.ResultFailed, err
	}
	ev := SNACError{ConnID: m.ConnID, Header: m.Header, Code: e.Code, Request: d.request(m.Header)}
	d.Log.Debug("family.snac_error", obs.Fields{"snac": m.Header.String(), "code": e.Code})
	d.emit(ev)
	return dispatch.ResultHandled, nil
}
