// Package transport defines the capability the diagnostics core consumes
// to exchange raw framed messages with an ECU over a PassThru-style
// driver. The core never implements a bus itself; it is handed a
// Transport and drives it from a polling receive loop.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Frame is the wire-level unit exchanged with the transport. It carries
// no notion of CANopen or UDS semantics, only what the underlying driver
// actually puts on the bus.
type Frame struct {
	ID        uint32
	Extended  bool // 29-bit identifier when true, 11-bit otherwise
	RTR       bool
	DLC       uint8
	Data      [8]byte
	Timestamp time.Time // set on received frames, zero on outgoing ones
}

// ErrClosed is returned by Send/Recv once Close has been called.
var ErrClosed = errors.New("transport: closed")

// Error wraps a failure reported by the underlying transport capability.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport is the external contract the core relies on. Implementations
// are supplied by the caller (a PassThru wrapper, SocketCAN, an in-memory
// loopback for tests, ...); none of it is implemented here.
//
// Send must not block for the whole caller-visible request timeout; it
// may block briefly to hand the frame to the driver. Recv drains 0..=N
// inbound frames, waiting at most timeout; it returns an empty slice
// without error on a timeout. Close is idempotent.
type Transport interface {
	Send(frame Frame) error
	Recv(timeout time.Duration) ([]Frame, error)
	Close() error
}
