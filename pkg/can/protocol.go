// Package can implements the CAN framing and dispatch layer (component B):
// validated 11/29-bit frames, a filter set, and a background dispatch
// thread that delivers received frames to subscribers. It owns nothing
// about UDS or OBD-II semantics; those are built on top.
package can

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/vdiag/pkg/transport"
)

const pollInterval = 10 * time.Millisecond
const maxConsecutiveErrors = 3
const defaultCooldown = 500 * time.Millisecond

// Sink receives frames that passed the filter set. Handle must not block;
// the dispatch thread makes no fairness guarantee across slow sinks.
type Sink interface {
	Handle(Frame)
}

type sinkEntry struct {
	id   uint64
	sink Sink
}

// Protocol is the CanProtocol handle (construct -> Initialize -> use ->
// Shutdown lifecycle, per §5).
type Protocol struct {
	mu       sync.Mutex
	tp       transport.Transport
	config   Config
	filters  filterSet
	sinks    []sinkEntry
	nextID   uint64
	watchers int // explicit statistics consumers keeping dispatch alive with no sink
	stats    Stats

	dispatchRunning bool
	stopCh          chan struct{}
	doneCh          chan struct{}
	cooldown        time.Duration
}

// NewProtocol constructs a handle bound to the given transport. Call
// Initialize before using it.
func NewProtocol(tp transport.Transport) *Protocol {
	return &Protocol{tp: tp, cooldown: defaultCooldown}
}

// Initialize validates the configuration. Baud rates outside the fixed
// set {10k,20k,50k,100k,125k,250k,500k,800k,1M} are rejected.
func (p *Protocol) Initialize(config Config) error {
	if err := config.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.config = config
	p.stats = Stats{}
	p.mu.Unlock()
	return nil
}

// Send validates and forwards a frame to the transport, counting it.
func (p *Protocol) Send(frame Frame) bool {
	if len(frame.Payload) > 8 {
		return false
	}
	out := transport.Frame{
		ID:       frame.ID.Value(),
		Extended: frame.ID.Extended(),
		RTR:      frame.RTR,
		DLC:      uint8(len(frame.Payload)),
	}
	copy(out.Data[:], frame.Payload)

	p.mu.Lock()
	tp := p.tp
	p.mu.Unlock()
	if tp == nil {
		return false
	}
	if err := tp.Send(out); err != nil {
		log.Warnf("[CAN] send failed: %v", err)
		return false
	}
	p.mu.Lock()
	p.stats.Sent++
	p.mu.Unlock()
	return true
}

// InstallFilter appends a filter to the set.
func (p *Protocol) InstallFilter(f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters.install(f)
}

// RemoveFilter removes the first filter equal to f. Reports whether one
// was found.
func (p *Protocol) RemoveFilter(f Filter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filters.remove(f)
}

// ClearFilters empties the filter set (listen-all).
func (p *Protocol) ClearFilters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters.clear()
}

// Subscribe registers sink and starts the dispatch thread if it is not
// already running. Returns a sink id for Unsubscribe.
func (p *Protocol) Subscribe(sink Sink) uint64 {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.sinks = append(p.sinks, sinkEntry{id: id, sink: sink})
	needStart := !p.dispatchRunning
	p.mu.Unlock()

	if needStart {
		p.startDispatch()
	}
	return id
}

// Unsubscribe removes the sink. If it was the last sink and no
// statistics consumer remains (see AddStatsWatcher), dispatch pauses.
func (p *Protocol) Unsubscribe(sinkID uint64) {
	p.mu.Lock()
	for i, e := range p.sinks {
		if e.id == sinkID {
			p.sinks = append(p.sinks[:i], p.sinks[i+1:]...)
			break
		}
	}
	shouldStop := len(p.sinks) == 0 && p.watchers == 0
	p.mu.Unlock()

	if shouldStop {
		p.stopDispatch()
	}
}

// AddStatsWatcher keeps the dispatch thread alive on its own, even with
// zero sinks, for a caller that only wants Stats() to stay current.
// Returns a release func.
func (p *Protocol) AddStatsWatcher() (release func()) {
	p.mu.Lock()
	p.watchers++
	needStart := !p.dispatchRunning
	p.mu.Unlock()
	if needStart {
		p.startDispatch()
	}
	return func() {
		p.mu.Lock()
		p.watchers--
		shouldStop := len(p.sinks) == 0 && p.watchers <= 0
		p.mu.Unlock()
		if shouldStop {
			p.stopDispatch()
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *Protocol) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Protocol) startDispatch() {
	p.mu.Lock()
	if p.dispatchRunning {
		p.mu.Unlock()
		return
	}
	p.dispatchRunning = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stop := p.stopCh
	done := p.doneCh
	p.mu.Unlock()

	go p.dispatchLoop(stop, done)
}

func (p *Protocol) stopDispatch() {
	p.mu.Lock()
	if !p.dispatchRunning {
		p.mu.Unlock()
		return
	}
	p.dispatchRunning = false
	stop := p.stopCh
	done := p.doneCh
	p.mu.Unlock()

	close(stop)
	<-done
}

// dispatchLoop is the single background thread from §4.2: recv(10ms),
// apply filters, deliver to sinks, synchronously, in subscription order.
func (p *Protocol) dispatchLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	consecutiveErrors := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		p.mu.Lock()
		tp := p.tp
		cooldown := p.cooldown
		p.mu.Unlock()
		if tp == nil {
			return
		}

		frames, err := tp.Recv(pollInterval)
		if err != nil {
			p.mu.Lock()
			p.stats.Errors++
			p.mu.Unlock()
			log.Warnf("[CAN] recv error: %v", err)
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				select {
				case <-stop:
					return
				case <-time.After(cooldown):
				}
				consecutiveErrors = 0
			}
			continue
		}
		consecutiveErrors = 0

		for _, raw := range frames {
			p.handleReceived(raw)
		}
	}
}

func (p *Protocol) handleReceived(raw transport.Frame) {
	var id FrameID
	if raw.Extended {
		v, err := NewID29(raw.ID)
		if err != nil {
			return // invalid frames are rejected at the boundary
		}
		id = v
	} else {
		v, err := NewID11(raw.ID)
		if err != nil {
			return
		}
		id = v
	}
	if raw.DLC > 8 {
		return // invalid frames are rejected at the boundary, never enqueued
	}
	frame := Frame{ID: id, Payload: append([]byte(nil), raw.Data[:raw.DLC]...), RTR: raw.RTR, Timestamp: raw.Timestamp}

	p.mu.Lock()
	action := p.filters.evaluate(id)
	if action == Drop {
		p.stats.FilterRejected++
		p.mu.Unlock()
		return
	}
	p.stats.Received++
	sinks := make([]Sink, len(p.sinks))
	for i, e := range p.sinks {
		sinks[i] = e.sink
	}
	p.mu.Unlock()

	for _, s := range sinks {
		s.Handle(frame)
	}
}

// Shutdown stops the dispatch thread (idempotent) and releases the
// transport handle.
func (p *Protocol) Shutdown() {
	p.stopDispatch()
	p.mu.Lock()
	tp := p.tp
	p.tp = nil
	p.mu.Unlock()
	if tp != nil {
		tp.Close()
	}
}
