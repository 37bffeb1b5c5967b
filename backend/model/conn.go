package model

import "sync/atomic"

type ConnState int32

const (
	ConnOpen ConnState = iota
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one participant's channel to the relay.
//
// TX carries encoded outbound frames to the transport writer. It is written
// and eventually closed by the switch only.
type Conn struct {
	ID string
	TX chan []byte

	// Room and Username record the last successful join. They are owned by
	// the switch loop and used for cleanup and provenance only.
	Room     string
	Username string

	state atomic.Int32
}

func NewConn(id string, sendBuffer int) *Conn {
	return &Conn{
		ID: id,
		TX: make(chan []byte, sendBuffer),
	}
}

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) IsOpen() bool {
	return c.State() == ConnOpen
}

// MarkClosing is called by the transport once it stops reading.
func (c *Conn) MarkClosing() {
	c.state.CompareAndSwap(int32(ConnOpen), int32(ConnClosing))
}

func (c *Conn) MarkClosed() {
	c.state.Store(int32(ConnClosed))
}
