// Package uds implements the Unified Diagnostic Services client
// (component D): session control, security access, DID read/write, DTC
// readout, routine control, and the data-transfer services the flash
// manager drives for programming. It owns the session and unlock state;
// NRC 0x78 (response pending) retries are handled one layer down, in
// the request/response coordinator.
package uds

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/vdiag/pkg/can"
	"github.com/samsamfire/vdiag/pkg/coordinator"
)

// Service identifiers (§4.4 / §6).
const (
	sidDiagnosticSessionControl = 0x10
	sidECUReset                 = 0x11
	sidSecurityAccess           = 0x27
	sidReadDataByIdentifier     = 0x22
	sidWriteDataByIdentifier    = 0x2E
	sidReadDTCInformation       = 0x19
	sidRoutineControl           = 0x31
	sidRequestDownload          = 0x34
	sidTransferData             = 0x36
	sidRequestTransferExit      = 0x37
	sidReadMemoryByAddress      = 0x23
	sidTesterPresent            = 0x3E
)

// Routine control sub-functions.
const (
	RoutineStart          byte = 0x01
	RoutineStop           byte = 0x02
	RoutineRequestResults byte = 0x03
)

// SeedToKey computes a security-access key from the ECU-supplied seed.
// Manufacturer-specific derivation is entirely external to the core.
type SeedToKey func(seed []byte, level uint8) []byte

// Client is the UdsClient handle (construct -> Initialize -> use ->
// Shutdown lifecycle, per §5/§6).
type Client struct {
	canProto  *can.Protocol
	coord     *coordinator.Coordinator
	config    Config
	seedToKey SeedToKey

	session atomic.Int32 // holds Session

	mu       sync.Mutex
	unlocked map[uint8]bool

	testerMu   sync.Mutex
	testerStop chan struct{}
	testerDone chan struct{}
}

// NewClient constructs a client bound to canProto. Call Initialize
// before issuing any service.
func NewClient(canProto *can.Protocol, seedToKey SeedToKey) *Client {
	c := &Client{canProto: canProto, seedToKey: seedToKey, unlocked: make(map[uint8]bool)}
	c.session.Store(int32(SessionDefault))
	return c
}

// Initialize validates config and wires the request/response coordinator.
func (c *Client) Initialize(config Config) error {
	if config.RequestID == 0 && config.ResponseID == 0 {
		return fmt.Errorf("uds: RequestID/ResponseID must be set")
	}
	c.config = config
	reqID, err := frameIDFor(config.RequestID)
	if err != nil {
		return err
	}
	c.coord = coordinator.New(c.canProto, reqID)
	c.coord.SetP2Star(config.p2Star())
	c.coord.SetOverallDeadline(coordinator.DefaultOverallTimeout)
	return nil
}

func frameIDFor(id uint32) (can.FrameID, error) {
	if id <= 0x7FF {
		return can.NewID11(id)
	}
	return can.NewID29(id)
}

// Session returns the current cached session state.
func (c *Client) Session() Session {
	return Session(c.session.Load())
}

// IsUnlocked reports whether level is currently unlocked.
func (c *Client) IsUnlocked(level uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlocked[level]
}

// invalidateSecurity clears every cached security unlock, e.g. on a
// session transition or ECU reset (§3 Session state, §8 invariant 8).
func (c *Client) invalidateSecurity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlocked = make(map[uint8]bool)
}

func (c *Client) setSession(s Session) {
	if Session(c.session.Load()) != s {
		c.invalidateSecurity()
	}
	c.session.Store(int32(s))
}

// request sends sid+body, waits for a matching response, and returns its
// body with the response service id stripped; any DID or sub-function
// echo is stripped by the specific caller.
// NRC 0x78 never reaches here; the coordinator retries transparently.
func (c *Client) request(sid byte, body []byte) ([]byte, error) {
	if c.coord == nil {
		return nil, fmt.Errorf("uds: client not initialized")
	}
	req := make([]byte, 0, len(body)+2)
	if c.config.ExtendedAddressing {
		req = append(req, c.config.TargetAddr)
	}
	req = append(req, sid)
	req = append(req, body...)

	respID, err := frameIDFor(c.config.ResponseID)
	if err != nil {
		return nil, err
	}

	resp, err := c.coord.Exchange(req, respID, c.config.timeout())
	if err != nil {
		if err == coordinator.ErrTimeout {
			log.Warnf("[UDS] request x%02X timed out, reverting session to default", sid)
			c.setSession(SessionDefault)
		}
		return nil, err
	}
	if c.config.ExtendedAddressing {
		if len(resp) == 0 {
			return nil, &ProtocolError{"empty response"}
		}
		resp = resp[1:] // drop source-address echo
	}
	if len(resp) == 0 {
		return nil, &ProtocolError{"empty response"}
	}
	if resp[0] == 0x7F {
		if len(resp) < 3 {
			return nil, &ProtocolError{"malformed negative response"}
		}
		return nil, &NegativeResponseError{ServiceID: resp[1], NRC: NRC(resp[2])}
	}
	if resp[0] != sid+0x40 {
		return nil, &ProtocolError{fmt.Sprintf("unexpected response service id x%02X for request x%02X", resp[0], sid)}
	}
	return resp[1:], nil
}

// DiagnosticSessionControl requests session (service 0x10). A positive
// response updates the cached session; a negative response leaves it
// unchanged.
func (c *Client) DiagnosticSessionControl(session Session) error {
	_, err := c.request(sidDiagnosticSessionControl, []byte{byte(session)})
	if err != nil {
		return err
	}
	c.setSession(session)
	return nil
}

// ECUReset issues service 0x11. Any positive response invalidates the
// cached session back to Default and clears security unlocks.
func (c *Client) ECUReset(resetType byte) error {
	_, err := c.request(sidECUReset, []byte{resetType})
	if err != nil {
		return err
	}
	c.setSession(SessionDefault)
	return nil
}

// RequestSeed starts security access for level: service 0x27, odd
// sub-function. Returns the raw seed bytes.
func (c *Client) RequestSeed(level uint8) ([]byte, error) {
	subFunc := 2*level - 1
	resp, err := c.request(sidSecurityAccess, []byte{subFunc})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, &ProtocolError{"empty security access response"}
	}
	return resp[1:], nil // strip sub-function echo
}

// SendKey completes security access for level: service 0x27, even
// sub-function, with the key computed by the caller's SeedToKey. On
// success level is recorded as unlocked until the next session
// transition or ECU reset.
func (c *Client) SendKey(level uint8, key []byte) error {
	subFunc := 2 * level
	body := append([]byte{subFunc}, key...)
	_, err := c.request(sidSecurityAccess, body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.unlocked[level] = true
	c.mu.Unlock()
	return nil
}

// Unlock runs the full seed/key handshake for level using the client's
// configured SeedToKey callback.
func (c *Client) Unlock(level uint8) error {
	if c.seedToKey == nil {
		return fmt.Errorf("uds: no SeedToKey callback configured")
	}
	seed, err := c.RequestSeed(level)
	if err != nil {
		return err
	}
	key := c.seedToKey(seed, level)
	return c.SendKey(level, key)
}

// ReadDataByIdentifier issues service 0x22. The DID echo is stripped
// before returning.
func (c *Client) ReadDataByIdentifier(did uint16) ([]byte, error) {
	body := []byte{byte(did >> 8), byte(did)}
	resp, err := c.request(sidReadDataByIdentifier, body)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, &ProtocolError{"short ReadDataByIdentifier response"}
	}
	return resp[2:], nil
}

// WriteDataByIdentifier issues service 0x2E.
func (c *Client) WriteDataByIdentifier(did uint16, data []byte) error {
	body := append([]byte{byte(did >> 8), byte(did)}, data...)
	_, err := c.request(sidWriteDataByIdentifier, body)
	return err
}

// DTCRecord is one (DTC, status) pair from a ReadDTCInformation response.
type DTCRecord struct {
	Code   uint32 // 24-bit UDS DTC
	Status byte
}

// ReadDTCInformation issues service 0x19 with the given sub-function
// (e.g. 0x02 = by status mask) and decodes the resulting 4-byte-record
// stream (3-byte DTC + status) until the body is exhausted.
func (c *Client) ReadDTCInformation(subFunction byte, statusMask byte) ([]DTCRecord, error) {
	resp, err := c.request(sidReadDTCInformation, []byte{subFunction, statusMask})
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, &ProtocolError{"short ReadDTCInformation response"}
	}
	records := resp[2:] // sub-function echo + status availability mask
	var out []DTCRecord
	for len(records) >= 4 {
		code := uint32(records[0])<<16 | uint32(records[1])<<8 | uint32(records[2])
		out = append(out, DTCRecord{Code: code, Status: records[3]})
		records = records[4:]
	}
	return out, nil
}

// RoutineControl issues service 0x31. The 2-byte routine identifier
// echoes back in the response; remaining bytes (if any) are returned.
func (c *Client) RoutineControl(subFunction byte, routineID uint16, data []byte) ([]byte, error) {
	body := make([]byte, 0, 3+len(data))
	body = append(body, subFunction, byte(routineID>>8), byte(routineID))
	body = append(body, data...)
	resp, err := c.request(sidRoutineControl, body)
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, &ProtocolError{"short RoutineControl response"}
	}
	return resp[3:], nil
}

// RequestDownload issues service 0x34 with dataFormatIdentifier=0x00 and
// addressAndLengthFormatIdentifier=0x44 (4 address bytes, 4 length
// bytes, big-endian). Returns the ECU's maximum block length.
func (c *Client) RequestDownload(address uint32, length uint32) (uint32, error) {
	body := make([]byte, 10)
	body[0] = 0x00
	body[1] = 0x44
	binary.BigEndian.PutUint32(body[2:6], address)
	binary.BigEndian.PutUint32(body[6:10], length)
	resp, err := c.request(sidRequestDownload, body)
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, &ProtocolError{"short RequestDownload response"}
	}
	lengthFormatID := resp[0]
	numBytes := int(lengthFormatID >> 4)
	if numBytes == 0 || len(resp) < 1+numBytes {
		return 0, &ProtocolError{"malformed RequestDownload maxNumberOfBlockLength"}
	}
	var maxLen uint64
	for _, b := range resp[1 : 1+numBytes] {
		maxLen = maxLen<<8 | uint64(b)
	}
	return uint32(maxLen), nil
}

// TransferData issues service 0x36 for one chunk, sequence wrapping
// 1..=0xFF as used by the flash manager.
func (c *Client) TransferData(sequence uint8, data []byte) ([]byte, error) {
	body := append([]byte{sequence}, data...)
	resp, err := c.request(sidTransferData, body)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 || resp[0] != sequence {
		return nil, &ProtocolError{"TransferData sequence mismatch"}
	}
	return resp[1:], nil
}

// RequestTransferExit issues service 0x37.
func (c *Client) RequestTransferExit() ([]byte, error) {
	return c.request(sidRequestTransferExit, nil)
}

// ReadMemoryByAddress issues service 0x23 with the same 0x44 address and
// length format as RequestDownload, used by the flash manager's verify
// step.
func (c *Client) ReadMemoryByAddress(address uint32, length uint32) ([]byte, error) {
	body := make([]byte, 9)
	body[0] = 0x44
	binary.BigEndian.PutUint32(body[1:5], address)
	binary.BigEndian.PutUint32(body[5:9], length)
	return c.request(sidReadMemoryByAddress, body)
}

// TesterPresent issues service 0x3E. suppressResponse sets the
// suppress-positive-response bit (0x80); when set, no response is
// awaited.
func (c *Client) TesterPresent(suppressResponse bool) error {
	subFunc := byte(0x00)
	if suppressResponse {
		subFunc |= 0x80
		return c.sendNoWait(sidTesterPresent, []byte{subFunc})
	}
	_, err := c.request(sidTesterPresent, []byte{subFunc})
	return err
}

// sendNoWait sends a request without waiting for (or expecting) a
// response, used only for suppress-positive-response tester present.
func (c *Client) sendNoWait(sid byte, body []byte) error {
	req := make([]byte, 0, len(body)+2)
	if c.config.ExtendedAddressing {
		req = append(req, c.config.TargetAddr)
	}
	req = append(req, sid)
	req = append(req, body...)
	reqID, err := frameIDFor(c.config.RequestID)
	if err != nil {
		return err
	}
	frame, err := can.NewFrame(reqID, req, false)
	if err != nil {
		return err
	}
	if !c.canProto.Send(frame) {
		return fmt.Errorf("uds: send failed")
	}
	return nil
}

// StartTesterPresentTicker runs a background periodic sender of
// suppress-positive-response tester-present requests, keeping a
// non-default session alive. interval should be less than the
// session's own timeout (default 2s).
func (c *Client) StartTesterPresentTicker(interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	c.testerMu.Lock()
	defer c.testerMu.Unlock()
	if c.testerStop != nil {
		return
	}
	c.testerStop = make(chan struct{})
	c.testerDone = make(chan struct{})
	stop := c.testerStop
	done := c.testerDone
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.TesterPresent(true); err != nil {
					log.Warnf("[UDS] tester present failed: %v", err)
				}
			}
		}
	}()
}

// StopTesterPresentTicker stops the background ticker if running.
func (c *Client) StopTesterPresentTicker() {
	c.testerMu.Lock()
	stop := c.testerStop
	done := c.testerDone
	c.testerStop = nil
	c.testerDone = nil
	c.testerMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Shutdown stops the tester-present ticker (if any) and the request/
// response coordinator.
func (c *Client) Shutdown() {
	c.StopTesterPresentTicker()
	if c.coord != nil {
		c.coord.Shutdown()
	}
}
