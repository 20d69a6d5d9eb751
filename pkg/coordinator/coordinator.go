// Package coordinator implements the request/response engine (component
// C): for each request it publishes an awaiter keyed by the expected
// response id, sends the request through the CAN framing layer, and
// blocks the caller until a matching frame arrives or a deadline elapses.
//
// It also absorbs UDS's NRC 0x78 (response pending) handling, since the
// retry-on-pending behavior is shared by every UDS service and belongs
// one layer below the service surface, per the design notes.
package coordinator

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/vdiag/pkg/can"
)

// ExchangeError distinguishes the three ways an exchange can fail
// without producing a response.
var (
	ErrTimeout          = errors.New("coordinator: timeout")
	ErrTransportFailure = errors.New("coordinator: transport failure")
	ErrCancelled        = errors.New("coordinator: cancelled")
)

const (
	DefaultP2Star         = 5 * time.Second
	DefaultOverallTimeout = 30 * time.Second
)

type pending struct {
	ch chan []byte
}

// Coordinator exchanges request/response pairs over a fixed request id,
// matching inbound frames by their id against registered awaiters.
type Coordinator struct {
	canProto  *can.Protocol
	requestID can.FrameID
	sinkID    uint64

	p2Star  time.Duration
	overall time.Duration

	mu       sync.Mutex
	awaiters map[uint32]*pending
	idLocks  map[uint32]*sync.Mutex

	closed   bool
	closedCh chan struct{}
}

// New creates a coordinator that sends requests under requestID and
// subscribes to canProto for matching responses.
func New(canProto *can.Protocol, requestID can.FrameID) *Coordinator {
	c := &Coordinator{
		canProto:  canProto,
		requestID: requestID,
		p2Star:    DefaultP2Star,
		overall:   DefaultOverallTimeout,
		awaiters:  make(map[uint32]*pending),
		idLocks:   make(map[uint32]*sync.Mutex),
		closedCh:  make(chan struct{}),
	}
	c.sinkID = canProto.Subscribe(c)
	return c
}

// SetP2Star overrides the extended deadline applied after a UDS
// pending-response (NRC 0x78). Default 5s.
func (c *Coordinator) SetP2Star(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.p2Star = d
}

// SetOverallDeadline overrides the caller-visible upper bound across all
// pending-response retries of a single exchange. Default 30s.
func (c *Coordinator) SetOverallDeadline(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overall = d
}

// Handle implements can.Sink. Every inbound frame that matches a
// registered awaiter by id is handed to it; others are ignored (they
// belong to a monitoring subscriber, not an outstanding exchange).
func (c *Coordinator) Handle(frame can.Frame) {
	c.mu.Lock()
	p, ok := c.awaiters[frame.ID.Value()]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.ch <- frame.Payload:
	default:
		// Awaiter already satisfied or not yet reading; drop rather than block
		// the dispatch thread (sinks must be non-blocking).
		log.Warnf("[coordinator] dropped frame for response id x%X: awaiter buffer full", frame.ID.Value())
	}
}

// lockID serializes exchanges sharing the same expected response id: at
// most one outstanding exchange per id at a time.
func (c *Coordinator) lockID(id uint32) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.idLocks[id]
	if !ok {
		l = &sync.Mutex{}
		c.idLocks[id] = l
	}
	return l
}

// isPendingResponse reports whether payload is a UDS "response pending"
// negative response: 7F <sid> 78.
func isPendingResponse(payload []byte) bool {
	return len(payload) >= 3 && payload[0] == 0x7F && payload[2] == 0x78
}

// Exchange sends requestBytes under the coordinator's request id and
// waits for a frame matching expectedResponseID. timeout bounds each
// individual wait; if a UDS pending-response (7F SID 78) is received,
// the deadline is reset to p2Star and waiting continues, up to the
// coordinator's overall deadline.
func (c *Coordinator) Exchange(requestBytes []byte, expectedResponseID can.FrameID, timeout time.Duration) ([]byte, error) {
	respKey := expectedResponseID.Value()
	lock := c.lockID(respKey)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCancelled
	}
	// Buffered generously: an ECU may emit several pending (7F SID 78)
	// responses in a burst before Handle (the CAN sink) is drained by
	// Exchange's wait loop, and Handle must never block.
	p := &pending{ch: make(chan []byte, 32)}
	c.awaiters[respKey] = p
	overall := c.overall
	p2Star := c.p2Star
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.awaiters, respKey)
		c.mu.Unlock()
	}()

	frame, err := can.NewFrame(c.requestID, requestBytes, false)
	if err != nil {
		return nil, err
	}
	if ok := c.canProto.Send(frame); !ok {
		return nil, ErrTransportFailure
	}

	overallDeadline := time.Now().Add(overall)
	currentTimeout := timeout

	for {
		remaining := time.Until(overallDeadline)
		if remaining <= 0 {
			log.Warnf("[coordinator] exchange for response id x%X exceeded its overall deadline of %v", respKey, overall)
			return nil, ErrTimeout
		}
		waitFor := currentTimeout
		if waitFor > remaining {
			waitFor = remaining
		}

		timer := time.NewTimer(waitFor)
		select {
		case payload := <-p.ch:
			timer.Stop()
			if isPendingResponse(payload) {
				log.Debugf("[coordinator] response pending (NRC 0x78) for id x%X, extending deadline to %v", respKey, p2Star)
				currentTimeout = p2Star
				continue
			}
			return payload, nil
		case <-timer.C:
			log.Warnf("[coordinator] timed out waiting %v for response id x%X", waitFor, respKey)
			return nil, ErrTimeout
		case <-c.closedCh:
			timer.Stop()
			log.Debugf("[coordinator] exchange for response id x%X cancelled by shutdown", respKey)
			return nil, ErrCancelled
		}
	}
}

// Shutdown unsubscribes from the CAN layer and resolves any in-flight
// exchange with ErrCancelled.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closedCh)
	c.canProto.Unsubscribe(c.sinkID)
}
