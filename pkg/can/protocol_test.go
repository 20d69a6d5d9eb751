package can

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/vdiag/pkg/transport/virtual"
)

func TestInitializeRejectsBadBaudRate(t *testing.T) {
	a, _ := virtual.NewPair(8)
	p := NewProtocol(a)
	err := p.Initialize(Config{BaudRate: 123456})
	assert.Error(t, err)
}

func TestInitializeAcceptsKnownBaudRate(t *testing.T) {
	a, _ := virtual.NewPair(8)
	p := NewProtocol(a)
	require.NoError(t, p.Initialize(Config{BaudRate: 500_000}))
}

type recordingSink struct {
	frames []Frame
}

func (s *recordingSink) Handle(f Frame) {
	s.frames = append(s.frames, f)
}

func TestSubscribeDeliversMatchingFrames(t *testing.T) {
	a, b := virtual.NewPair(8)
	pa := NewProtocol(a)
	pb := NewProtocol(b)
	require.NoError(t, pa.Initialize(Config{BaudRate: 500_000}))
	require.NoError(t, pb.Initialize(Config{BaudRate: 500_000}))

	sink := &recordingSink{}
	pb.Subscribe(sink)
	defer pb.Shutdown()

	id, err := NewID11(0x123)
	require.NoError(t, err)
	frame, err := NewFrame(id, []byte{1, 2, 3}, false)
	require.NoError(t, err)

	ok := pa.Send(frame)
	assert.True(t, ok)

	require.Eventually(t, func() bool { return len(sink.frames) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{1, 2, 3}, sink.frames[0].Payload)
	assert.EqualValues(t, 0x123, sink.frames[0].ID.Value())

	stats := pa.Stats()
	assert.EqualValues(t, 1, stats.Sent)
}

func TestFilterDropsNonMatchingFrames(t *testing.T) {
	a, b := virtual.NewPair(8)
	pa := NewProtocol(a)
	pb := NewProtocol(b)
	require.NoError(t, pa.Initialize(Config{BaudRate: 500_000}))
	require.NoError(t, pb.Initialize(Config{BaudRate: 500_000}))

	pb.InstallFilter(Filter{Pattern: 0x100, Mask: 0x7FF, Action: Accept})
	pb.InstallFilter(Filter{Pattern: 0, Mask: 0, Action: Drop})

	sink := &recordingSink{}
	pb.Subscribe(sink)
	defer pb.Shutdown()

	idAccepted, _ := NewID11(0x100)
	idRejected, _ := NewID11(0x200)
	fAccepted, _ := NewFrame(idAccepted, []byte{9}, false)
	fRejected, _ := NewFrame(idRejected, []byte{9}, false)

	pa.Send(fAccepted)
	pa.Send(fRejected)

	require.Eventually(t, func() bool { return len(sink.frames) == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0x100, sink.frames[0].ID.Value())

	stats := pb.Stats()
	assert.EqualValues(t, 1, stats.FilterRejected)
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	id, _ := NewID11(1)
	_, err := NewFrame(id, make([]byte, 9), false)
	assert.ErrorIs(t, err, ErrPayloadTooLong)
}

func TestID11RangeValidation(t *testing.T) {
	_, err := NewID11(0x800)
	assert.Error(t, err)
	_, err = NewID11(0x7FF)
	assert.NoError(t, err)
}

func TestID29RangeValidation(t *testing.T) {
	_, err := NewID29(0x20000000)
	assert.Error(t, err)
	_, err = NewID29(0x1FFFFFFF)
	assert.NoError(t, err)
}
