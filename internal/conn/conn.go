// Package conn owns the sockets of one OSCAR session. Everything is driven
// from Poll: dials complete, bytes are read and framed, SNACs are handed to
// the dispatcher and queued output is flushed, all without blocking the
// caller for longer than the configured read and write waits.
package conn

import (
	"errors"
	"fmt"
	"time"

	"github.com/matst80/oscarwire/internal/flap"
)

var (
	ErrTooManyConnections = errors.New("connection limit reached")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrNotEstablished     = errors.New("connection not established")
)

// ID names a connection within its Manager. Zero is never issued.
type ID uint32

// Kind is the role a connection plays in the session.
type Kind uint8

const (
	KindLogin Kind = iota
	KindBOS
	KindChatNav
	KindChatRoom
	KindRendezvous
	KindListener
)

func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindBOS:
		return "bos"
	case KindChatNav:
		return "chatnav"
	case KindChatRoom:
		return "chat-room"
	case KindRendezvous:
		return "rendezvous"
	case KindListener:
		return "listener"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) framerMode() flap.Mode {
	if k == KindRendezvous {
		return flap.ModeRendezvous
	}
	return flap.ModeFLAP
}

type State uint8

const (
	StateConnecting State = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// EventType says what a Poll event reports.
type EventType uint8

const (
	// EventEstablished: an asynchronous dial completed.
	EventEstablished EventType = iota
	// EventClosed: the connection is gone; Err says why when it was not
	// closed locally.
	EventClosed
	// EventLogin: a channel 1 frame arrived.
	EventLogin
	// EventLogoff: a channel 4 frame arrived.
	EventLogoff
	// EventFrame: a frame on any other channel that is not dispatched.
	EventFrame
	// EventRendezvous: a peer frame on a rendezvous connection.
	EventRendezvous
	// EventAccepted: a listener accepted Peer.
	EventAccepted
)

func (t EventType) String() string {
	switch t {
	case EventEstablished:
		return "established"
	case EventClosed:
		return "closed"
	case EventLogin:
		return "login"
	case EventLogoff:
		return "logoff"
	case EventFrame:
		return "frame"
	case EventRendezvous:
		return "rendezvous"
	case EventAccepted:
		return "accepted"
	}
	return fmt.Sprintf("event(%d)", uint8(t))
}

// Event is something Poll observed on a connection.
type Event struct {
	Type  EventType
	Conn  ID
	Kind  Kind
	Frame flap.Frame
	Peer  ID
	Err   error
}

// SocketError is fatal to the connection it names.
type SocketError struct {
	Conn ID
	Op   string
	Err  error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("conn %d: %s: %v", e.Conn, e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// Info is a snapshot of one connection.
type Info struct {
	ID        ID        `json:"id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Local     string    `json:"local,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Opened    time.Time `json:"opened"`
	FramesIn  uint64    `json:"frames_in"`
	FramesOut uint64    `json:"frames_out"`
	Queued    int       `json:"queued"`
}
