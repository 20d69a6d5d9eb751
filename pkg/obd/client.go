// Package obd implements the OBD-II client (component E): mode+PID
// encoding, supported-PID bit-map discovery, fixed-formula value
// decoding, DTC readout and VIN assembly, and a periodic monitoring
// worker. It sits on the same request/response coordinator as UDS, but
// uses the broadcast functional request id (0x7DF) by default and may
// accept responses from more than one ECU id.
package obd

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/vdiag/pkg/can"
	"github.com/samsamfire/vdiag/pkg/coordinator"
)

// OBD-II modes (services), §4.5 / GLOSSARY.
const (
	ModeCurrentData         byte = 0x01
	ModeFreezeFrameData     byte = 0x02
	ModeStoredDTCs          byte = 0x03
	ModeClearDTCs           byte = 0x04
	ModeO2MonitorTestResults byte = 0x05
	ModeOnboardMonitorResults byte = 0x06
	ModePendingDTCs         byte = 0x07
	ModeControlOperations   byte = 0x08
	ModeVehicleInformation  byte = 0x09
	ModePermanentDTCs       byte = 0x0A
)

const (
	DefaultRequestID  = 0x7DF
	DefaultResponseID = 0x7E8
)

// Config is the ObdConfig configuration surface (§6).
type Config struct {
	RequestID  uint32
	ResponseID uint32
	// ECUIDs, when non-empty, lists additional response ids to accept
	// responses from (multi-ECU broadcast scenarios); ResponseID is
	// always included.
	ECUIDs    []uint32
	TimeoutMs uint32
}

// DefaultConfig returns the broadcast-functional §6 defaults.
func DefaultConfig() Config {
	return Config{RequestID: DefaultRequestID, ResponseID: DefaultResponseID, TimeoutMs: 1000}
}

func (c Config) timeout() time.Duration {
	if c.TimeoutMs == 0 {
		return 1000 * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Parameter is a decoded OBD PID reading.
type Parameter struct {
	PID   byte
	Raw   []byte
	Value float64
	Unit  string
}

// MonitorSink receives the parameter list built on each monitoring
// cycle.
type MonitorSink func([]Parameter)

// Client is the ObdClient handle (construct -> Initialize -> use ->
// Shutdown lifecycle, per §5).
type Client struct {
	canProto *can.Protocol
	coord    *coordinator.Coordinator
	config   Config

	mu            sync.Mutex
	supportedPIDs map[byte]bool // cached until Shutdown

	monMu   sync.Mutex
	monStop chan struct{}
	monDone chan struct{}
}

// NewClient constructs a client bound to canProto. Call Initialize
// before issuing requests.
func NewClient(canProto *can.Protocol) *Client {
	return &Client{canProto: canProto}
}

// Initialize validates config and wires the request/response coordinator.
func (c *Client) Initialize(config Config) error {
	if config.RequestID == 0 {
		config.RequestID = DefaultRequestID
	}
	if config.ResponseID == 0 {
		config.ResponseID = DefaultResponseID
	}
	c.config = config
	reqID, err := frameIDFor(config.RequestID)
	if err != nil {
		return err
	}
	c.coord = coordinator.New(c.canProto, reqID)
	return nil
}

func frameIDFor(id uint32) (can.FrameID, error) {
	if id <= 0x7FF {
		return can.NewID11(id)
	}
	return can.NewID29(id)
}

// responseIDs returns every id the client will accept a response on:
// the configured ResponseID plus any additional ECUIDs (§9 Open
// Question: the source's dispatch only matched a single response_id;
// here every configured id is tried in order, first match wins, so a
// multi-ECU bus works without the caller picking one in advance).
func (c *Client) responseIDs() []uint32 {
	ids := []uint32{c.config.ResponseID}
	ids = append(ids, c.config.ECUIDs...)
	return ids
}

// request sends mode+pid and returns the first matching response body
// (mode+0x40 and pid echo stripped), trying each configured response
// id in turn.
func (c *Client) request(mode byte, pid byte, withPID bool) ([]byte, error) {
	if c.coord == nil {
		return nil, fmt.Errorf("obd: client not initialized")
	}
	var body []byte
	if withPID {
		body = []byte{mode, pid}
	} else {
		body = []byte{mode}
	}

	var lastErr error
	for _, id := range c.responseIDs() {
		respID, err := frameIDFor(id)
		if err != nil {
			return nil, err
		}
		resp, err := c.coord.Exchange(body, respID, c.config.timeout())
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp) < 1 || resp[0] != mode+0x40 {
			lastErr = fmt.Errorf("obd: unexpected response mode x%02X", firstByte(resp))
			continue
		}
		if withPID {
			if len(resp) < 2 || resp[1] != pid {
				lastErr = fmt.Errorf("obd: pid echo mismatch")
				continue
			}
			return resp[2:], nil
		}
		return resp[1:], nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("obd: no configured ECU responded")
	}
	return nil, lastErr
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// DiscoverSupportedPIDs enumerates supported mode-0x01 PIDs by chaining
// the bit-map buckets 0x00, 0x20, 0x40, ... 0xC0, stopping at the first
// empty chain. The result is cached until Shutdown.
func (c *Client) DiscoverSupportedPIDs() (map[byte]bool, error) {
	c.mu.Lock()
	if c.supportedPIDs != nil {
		cached := c.supportedPIDs
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	supported := make(map[byte]bool)
	base := byte(0x00)
	for {
		resp, err := c.request(ModeCurrentData, base, true)
		if err != nil {
			return nil, err
		}
		if len(resp) < 4 {
			return nil, fmt.Errorf("obd: short supported-PIDs response for bucket x%02X", base)
		}
		bitmap := uint32(resp[0])<<24 | uint32(resp[1])<<16 | uint32(resp[2])<<8 | uint32(resp[3])
		if bitmap == 0 {
			break
		}
		for i := 0; i < 32; i++ {
			if bitmap&(1<<(31-i)) != 0 {
				supported[base+byte(i)+1] = true
			}
		}
		next := base + 0x20
		if !supported[next] || next < base {
			break
		}
		base = next
	}

	c.mu.Lock()
	c.supportedPIDs = supported
	c.mu.Unlock()
	return supported, nil
}

// ReadPID issues a mode-0x01 request for pid and decodes it per §4.5's
// fixed formula table. Unknown PIDs decode to the first byte with unit
// "raw".
func (c *Client) ReadPID(pid byte) (Parameter, error) {
	raw, err := c.request(ModeCurrentData, pid, true)
	if err != nil {
		return Parameter{}, err
	}
	value, unit := decodePID(pid, raw)
	return Parameter{PID: pid, Raw: raw, Value: value, Unit: unit}, nil
}

// decodePID applies the fixed per-PID formula table (§4.5).
func decodePID(pid byte, raw []byte) (value float64, unit string) {
	a := func() float64 {
		if len(raw) > 0 {
			return float64(raw[0])
		}
		return 0
	}
	b := func() float64 {
		if len(raw) > 1 {
			return float64(raw[1])
		}
		return 0
	}

	switch pid {
	case 0x04:
		return a() * 100 / 255, "%"
	case 0x05:
		return a() - 40, "°C"
	case 0x0A:
		return a() * 3, "kPa"
	case 0x0B:
		return a(), "kPa"
	case 0x0C:
		return (256*a() + b()) / 4, "RPM"
	case 0x0D:
		return a(), "km/h"
	case 0x0E:
		return a()/2 - 64, "°"
	case 0x0F:
		return a() - 40, "°C"
	case 0x10:
		return (256*a() + b()) / 100, "g/s"
	case 0x11:
		return a() * 100 / 255, "%"
	case 0x1F:
		return 256*a() + b(), "s"
	case 0x21:
		return 256*a() + b(), "km"
	case 0x2F:
		return a() * 100 / 255, "%"
	case 0x31:
		return 256*a() + b(), "km"
	case 0x33:
		return a(), "kPa"
	default:
		return a(), "raw"
	}
}

var dtcCategories = [4]byte{'P', 'C', 'B', 'U'}

// dtcBytesToString decodes a 2-byte OBD DTC pair into a 5-character
// canonical code, e.g. {0x01,0x23} -> "P0123": bits [15:14] select the
// category letter, bits [13:0] render as four hex digits (the first of
// which is necessarily 0-3, being only 2 bits wide).
func dtcBytesToString(hi, lo byte) string {
	word := uint16(hi)<<8 | uint16(lo)
	category := dtcCategories[word>>14]
	digits := word & 0x3FFF
	return fmt.Sprintf("%c%04X", category, digits)
}

// dtcStringToBytes is the reverse of dtcBytesToString: it encodes a
// canonical DTC string like "P0123" or "C0A1B" back into its 2-byte wire
// form. dtcBytesToString(dtcStringToBytes(s)) == s for any well-formed s
// (§8 invariant 6).
func dtcStringToBytes(s string) (hi, lo byte, err error) {
	if len(s) != 5 {
		return 0, 0, fmt.Errorf("obd: malformed DTC %q: expected 5 characters", s)
	}
	var category uint16
	switch s[0] {
	case 'P':
		category = 0
	case 'C':
		category = 1
	case 'B':
		category = 2
	case 'U':
		category = 3
	default:
		return 0, 0, fmt.Errorf("obd: malformed DTC %q: unknown category %q", s, s[0])
	}
	digits, err := strconv.ParseUint(s[1:], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("obd: malformed DTC %q: %w", s, err)
	}
	if digits > 0x3FFF {
		return 0, 0, fmt.Errorf("obd: malformed DTC %q: digits out of range", s)
	}
	word := category<<14 | uint16(digits)
	return byte(word >> 8), byte(word), nil
}

// ReadDTCs issues mode 03 (stored), 07 (pending) or 0A (permanent) and
// decodes the DTC-pair stream, dropping zero-valued padding pairs.
func (c *Client) ReadDTCs(mode byte) ([]string, error) {
	switch mode {
	case ModeStoredDTCs, ModePendingDTCs, ModePermanentDTCs:
	default:
		return nil, fmt.Errorf("obd: %w: mode x%02X is not a DTC mode", errInvalidArgument, mode)
	}
	resp, err := c.request(mode, 0, false)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, fmt.Errorf("obd: short DTC response")
	}
	pairs := resp[1:] // drop the reported count byte; decode what's actually present
	var codes []string
	for len(pairs) >= 2 {
		hi, lo := pairs[0], pairs[1]
		pairs = pairs[2:]
		if hi == 0 && lo == 0 {
			continue // padding
		}
		codes = append(codes, dtcBytesToString(hi, lo))
	}
	return codes, nil
}

// ReadVIN issues mode 09 InfoType 02 and assembles the 17-character VIN
// from however many response frames the coordinator collects it from.
// Only the coordinator's first matching frame is consulted per
// exchange; a short first response is retried until 17 ASCII
// characters have accumulated or the timeout elapses.
func (c *Client) ReadVIN() (string, error) {
	var vin []byte
	deadline := time.Now().Add(5 * c.config.timeout())
	for len(vin) < 17 {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("obd: VIN assembly timed out with %d of 17 characters", len(vin))
		}
		resp, err := c.request(ModeVehicleInformation, 0x02, true)
		if err != nil {
			return "", err
		}
		body := resp
		if len(body) > 0 {
			body = body[1:] // drop the number-of-data-items byte present on the first frame
		}
		for _, b := range body {
			if b >= 0x20 && b < 0x7F {
				vin = append(vin, b)
			}
		}
	}
	return string(vin[:17]), nil
}

// StartMonitoring runs a single background worker that reads every PID
// in pids each interval, builds a Parameter list, and invokes sink.
// Cancellation is cooperative: the in-flight cycle is allowed to
// finish.
func (c *Client) StartMonitoring(pids []byte, interval time.Duration, sink MonitorSink) {
	c.monMu.Lock()
	defer c.monMu.Unlock()
	if c.monStop != nil {
		return
	}
	c.monStop = make(chan struct{})
	c.monDone = make(chan struct{})
	stop := c.monStop
	done := c.monDone

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			select {
			case <-stop:
				return
			default:
			}
			params := make([]Parameter, 0, len(pids))
			for _, pid := range pids {
				p, err := c.ReadPID(pid)
				if err != nil {
					log.Warnf("[OBD] monitoring read of PID x%02X failed: %v", pid, err)
					continue
				}
				params = append(params, p)
			}
			sink(params)
		}
	}()
}

// StopMonitoring stops the background worker, if running, letting its
// current cycle finish first.
func (c *Client) StopMonitoring() {
	c.monMu.Lock()
	stop := c.monStop
	done := c.monDone
	c.monStop = nil
	c.monDone = nil
	c.monMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Shutdown stops monitoring and the request/response coordinator, and
// drops the cached supported-PID set.
func (c *Client) Shutdown() {
	c.StopMonitoring()
	if c.coord != nil {
		c.coord.Shutdown()
	}
	c.mu.Lock()
	c.supportedPIDs = nil
	c.mu.Unlock()
}

var errInvalidArgument = fmt.Errorf("invalid argument")
