package can

import (
	"fmt"
	"time"
)

// FrameID is either an 11-bit or 29-bit CAN identifier. The two are
// distinct types on purpose: a request encoded for one kind is never
// silently accepted as the other.
type FrameID interface {
	Value() uint32
	Extended() bool
}

// ID11 is a standard 11-bit CAN identifier, range [0, 0x7FF].
type ID11 uint16

func (id ID11) Value() uint32  { return uint32(id) }
func (id ID11) Extended() bool { return false }

// NewID11 validates and constructs a standard identifier.
func NewID11(v uint32) (ID11, error) {
	if v > 0x7FF {
		return 0, fmt.Errorf("can: id x%X out of range for 11-bit identifier", v)
	}
	return ID11(v), nil
}

// ID29 is an extended 29-bit CAN identifier, range [0, 0x1FFFFFFF].
type ID29 uint32

func (id ID29) Value() uint32  { return uint32(id) }
func (id ID29) Extended() bool { return true }

// NewID29 validates and constructs an extended identifier.
func NewID29(v uint32) (ID29, error) {
	if v > 0x1FFFFFFF {
		return 0, fmt.Errorf("can: id x%X out of range for 29-bit identifier", v)
	}
	return ID29(v), nil
}

// Frame is a validated CAN frame flowing through the framing layer.
// Invariant: len(Payload) <= 8; frames that would violate it are
// rejected at construction, never built.
type Frame struct {
	ID        FrameID
	Payload   []byte
	RTR       bool
	Timestamp time.Time // zero value on outgoing frames
}

// ErrPayloadTooLong is returned by NewFrame when payload exceeds 8 bytes.
var ErrPayloadTooLong = fmt.Errorf("can: payload exceeds 8 bytes")

// NewFrame validates and builds an outgoing frame (no timestamp).
func NewFrame(id FrameID, payload []byte, rtr bool) (Frame, error) {
	if len(payload) > 8 {
		return Frame{}, ErrPayloadTooLong
	}
	return Frame{ID: id, Payload: payload, RTR: rtr}, nil
}
