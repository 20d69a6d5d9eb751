// Package virtual provides an in-memory loopback Transport, used by tests
// and examples in place of a real PassThru driver. Two endpoints created
// with NewPair deliver frames sent on one to the other's Recv.
package virtual

import (
	"sync"
	"time"

	"github.com/samsamfire/vdiag/pkg/transport"
)

// Bus is a single endpoint of an in-memory loopback CAN bus.
type Bus struct {
	mu     sync.Mutex
	peer   *Bus
	inbox  chan transport.Frame
	closed bool
}

// NewPair returns two endpoints wired to each other: frames sent on a are
// delivered to b.Recv and vice versa.
func NewPair(bufSize int) (a, b *Bus) {
	if bufSize <= 0 {
		bufSize = 64
	}
	a = &Bus{inbox: make(chan transport.Frame, bufSize)}
	b = &Bus{inbox: make(chan transport.Frame, bufSize)}
	a.peer = b
	b.peer = a
	return a, b
}

// Send hands the frame to the peer endpoint, stamping its receive time.
func (bus *Bus) Send(frame transport.Frame) error {
	bus.mu.Lock()
	closed := bus.closed
	peer := bus.peer
	bus.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	frame.Timestamp = time.Now()
	select {
	case peer.inbox <- frame:
		return nil
	default:
		return &transport.Error{Op: "send", Err: errFull}
	}
}

// Recv drains whatever frames are queued, waiting up to timeout for the
// first one to arrive.
func (bus *Bus) Recv(timeout time.Duration) ([]transport.Frame, error) {
	bus.mu.Lock()
	closed := bus.closed
	bus.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	var frames []transport.Frame
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-bus.inbox:
		frames = append(frames, f)
	case <-timer.C:
		return nil, nil
	}

	for {
		select {
		case f := <-bus.inbox:
			frames = append(frames, f)
		default:
			return frames, nil
		}
	}
}

// Close is idempotent; it marks the endpoint closed without touching the
// peer (matching the real transport contract of independent teardown).
func (bus *Bus) Close() error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.closed = true
	return nil
}

var errFull = fullError{}

type fullError struct{}

func (fullError) Error() string { return "inbox full" }

var _ transport.Transport = (*Bus)(nil)
