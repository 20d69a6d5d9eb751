package uds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/vdiag/pkg/can"
	"github.com/samsamfire/vdiag/pkg/transport/virtual"
)

func setup(t *testing.T) (tester *can.Protocol, ecu *can.Protocol) {
	t.Helper()
	a, b := virtual.NewPair(16)
	tester = can.NewProtocol(a)
	ecu = can.NewProtocol(b)
	require.NoError(t, tester.Initialize(can.Config{BaudRate: 500_000}))
	require.NoError(t, ecu.Initialize(can.Config{BaudRate: 500_000}))
	return tester, ecu
}

// scriptedECU answers one request at a time according to a handler func,
// so a test can script multi-request scenarios (session control, then
// a read, etc.) rather than a single canned burst.
type scriptedECU struct {
	bus        *can.Protocol
	responseID can.FrameID
	onRequest  func(req []byte) [][]byte
}

func (s *scriptedECU) Handle(frame can.Frame) {
	for _, payload := range s.onRequest(frame.Payload) {
		resp, _ := can.NewFrame(s.responseID, payload, false)
		s.bus.Send(resp)
	}
}

func newClient(t *testing.T, tester *can.Protocol) *Client {
	t.Helper()
	c := NewClient(tester, nil)
	require.NoError(t, c.Initialize(Config{
		RequestID:  0x7E0,
		ResponseID: 0x7E8,
		TimeoutMs:  50,
		P2StarMs:   200,
	}))
	return c
}

func TestReadDataByIdentifierRoundTrip(t *testing.T) {
	tester, ecu := setup(t)
	respID, _ := can.NewID11(0x7E8)

	ecu.Subscribe(&scriptedECU{
		bus:        ecu,
		responseID: respID,
		onRequest: func(req []byte) [][]byte {
			require.Equal(t, []byte{0x22, 0xF1, 0x90}, req)
			return [][]byte{{0x62, 0xF1, 0x90, 0x31, 0x48, 0x47}}
		},
	})

	c := newClient(t, tester)
	defer c.Shutdown()

	data, err := c.ReadDataByIdentifier(0xF190)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x31, 0x48, 0x47}, data)
}

// TestRequestPendingThenPositive covers the "NRC busy then positive"
// scenario: the ECU emits 0x78 a few times before its real answer, and
// the exchange must transparently absorb it and return the positive
// response.
func TestRequestPendingThenPositive(t *testing.T) {
	tester, ecu := setup(t)
	respID, _ := can.NewID11(0x7E8)

	calls := 0
	ecu.Subscribe(&scriptedECU{
		bus:        ecu,
		responseID: respID,
		onRequest: func(req []byte) [][]byte {
			calls++
			if calls == 1 {
				return [][]byte{{0x7F, 0x31, 0x78}, {0x7F, 0x31, 0x78}, {0x71, 0x01, 0x12, 0x34}}
			}
			return nil
		},
	})

	c := newClient(t, tester)
	c.coord.SetP2Star(30 * time.Millisecond)
	defer c.Shutdown()

	resp, err := c.RoutineControl(RoutineStart, 0x1234, nil)
	require.NoError(t, err)
	assert.Empty(t, resp)
}

// TestSessionTransitionInvalidatesSecurityUnlock covers the "session
// invalidates unlock" scenario: a security level unlocked in one
// session must require re-unlocking after a session transition.
func TestSessionTransitionInvalidatesSecurityUnlock(t *testing.T) {
	tester, ecu := setup(t)
	respID, _ := can.NewID11(0x7E8)

	ecu.Subscribe(&scriptedECU{
		bus:        ecu,
		responseID: respID,
		onRequest: func(req []byte) [][]byte {
			switch {
			case len(req) == 2 && req[0] == 0x10:
				return [][]byte{{0x50, req[1]}}
			case len(req) == 2 && req[0] == 0x27 && req[1] == 0x01:
				return [][]byte{{0x67, 0x01, 0xAA, 0xBB}}
			case len(req) >= 2 && req[0] == 0x27 && req[1] == 0x02:
				return [][]byte{{0x67, 0x02}}
			}
			return nil
		},
	})

	c := newClient(t, tester)
	defer c.Shutdown()

	require.NoError(t, c.DiagnosticSessionControl(SessionExtendedDiagnostic))

	seed, err := c.RequestSeed(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, seed)

	require.NoError(t, c.SendKey(1, []byte{0x01, 0x02}))
	assert.True(t, c.IsUnlocked(1))

	require.NoError(t, c.DiagnosticSessionControl(SessionDefault))
	assert.False(t, c.IsUnlocked(1), "security unlock must not survive a session transition")
}

func TestNegativeResponseSurfacesNRC(t *testing.T) {
	tester, ecu := setup(t)
	respID, _ := can.NewID11(0x7E8)

	ecu.Subscribe(&scriptedECU{
		bus:        ecu,
		responseID: respID,
		onRequest: func(req []byte) [][]byte {
			return [][]byte{{0x7F, 0x22, byte(NRCRequestOutOfRange)}}
		},
	})

	c := newClient(t, tester)
	defer c.Shutdown()

	_, err := c.ReadDataByIdentifier(0xF190)
	require.Error(t, err)
	var nrErr *NegativeResponseError
	require.ErrorAs(t, err, &nrErr)
	assert.Equal(t, NRCRequestOutOfRange, nrErr.NRC)
}

func TestExchangeTimeoutRevertsSessionToDefault(t *testing.T) {
	tester, _ := setup(t)

	c := newClient(t, tester)
	defer c.Shutdown()
	c.setSession(SessionProgramming)

	_, err := c.ReadDataByIdentifier(0xF190)
	require.Error(t, err)
	assert.Equal(t, SessionDefault, c.Session())
}
