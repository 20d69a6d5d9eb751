// Package socketcan adapts github.com/brutella/can's SocketCAN bindings to
// the transport.Transport contract. It is not part of the diagnostics
// core; cmd/diag and tests wire it in explicitly.
package socketcan

import (
	"sync"
	"time"

	brutella "github.com/brutella/can"
	"github.com/samsamfire/vdiag/pkg/transport"
)

// Bus is a SocketCAN-backed Transport for a single Linux CAN interface
// (e.g. "can0", "vcan0").
type Bus struct {
	bus *brutella.Bus

	mu     sync.Mutex
	queue  []transport.Frame
	closed bool
}

// Open connects to the named SocketCAN interface and starts receiving.
func Open(ifname string) (*Bus, error) {
	brutellaBus, err := brutella.NewBusForInterfaceWithName(ifname)
	if err != nil {
		return nil, &transport.Error{Op: "open", Err: err}
	}
	b := &Bus{bus: brutellaBus}
	brutellaBus.Subscribe(frameHandler{b})
	go brutellaBus.ConnectAndPublish()
	return b, nil
}

// frameHandler adapts *Bus to brutella/can's Handle(Frame) subscriber
// interface without exposing it on Bus itself.
type frameHandler struct{ bus *Bus }

func (h frameHandler) Handle(frame brutella.Frame) { h.bus.enqueue(frame) }

func (b *Bus) enqueue(frame brutella.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, transport.Frame{
		ID:        frame.ID,
		Extended:  frame.ID > 0x7FF,
		DLC:       frame.Length,
		Data:      frame.Data,
		Timestamp: time.Now(),
	})
}

// Send transmits the frame on the bus.
func (b *Bus) Send(frame transport.Frame) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	out := brutella.Frame{ID: frame.ID, Length: frame.DLC, Data: frame.Data}
	if err := b.bus.Publish(out); err != nil {
		return &transport.Error{Op: "send", Err: err}
	}
	return nil
}

// Recv drains whatever has been received by the background subscription,
// waiting up to timeout for at least one frame.
func (b *Bus) Recv(timeout time.Duration) ([]transport.Frame, error) {
	deadline := time.Now().Add(timeout)
	poll := 2 * time.Millisecond
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, transport.ErrClosed
		}
		if len(b.queue) > 0 {
			frames := b.queue
			b.queue = nil
			b.mu.Unlock()
			return frames, nil
		}
		b.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(poll)
	}
}

// Close disconnects from the bus. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.bus.Disconnect()
}

var _ transport.Transport = (*Bus)(nil)
