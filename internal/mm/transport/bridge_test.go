package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mmdriver/internal/mm/mmerr"
	"mmdriver/internal/mm/protocol"
)

// fakeEndpoint answers every bridge sub-operation frame with a canned
// response, recording what was written so tests can assert on it.
type fakeEndpoint struct {
	written [][]byte
	replies [][]byte
	idx     int
}

func (f *fakeEndpoint) Write(_ context.Context, p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.written = append(f.written, cp)
	return len(p), nil
}

func (f *fakeEndpoint) Read(_ context.Context, p []byte) (int, error) {
	if f.idx >= len(f.replies) {
		return 0, context.DeadlineExceeded
	}
	r := f.replies[f.idx]
	f.idx++
	copy(p, r)
	return len(r), nil
}

func (f *fakeEndpoint) Close() error { return nil }

// frame builds a canned bridge response: just the header plus payload, the
// way a real USB bulk read only returns as many bytes as the device sent,
// not a full aucFrameSize buffer.
func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = uint8(len(out))
	copy(out[4:], payload)
	return out
}

func TestNewBridgeSessionRunsBringUpSequence(t *testing.T) {
	ep := &fakeEndpoint{
		replies: [][]byte{
			frame(nil),                        // RESET
			frame(nil),                        // DEINIT
			frame([]byte("AUC-20230101")), // INIT, aucVersionLen=12
		},
	}
	b, err := NewBridgeSession(context.Background(), ep, 400000, 9600)
	require.NoError(t, err)
	require.Len(t, ep.written, 3)
	require.Equal(t, uint8(protocol.BridgeReset), ep.written[0][3])
	require.Equal(t, uint8(protocol.BridgeDeinit), ep.written[1][3])
	require.Equal(t, uint8(protocol.BridgeInit), ep.written[2][3])
	require.NoError(t, b.Close())
}

func TestBridgeXferBuildsXferSubOpFrame(t *testing.T) {
	ep := &fakeEndpoint{
		replies: [][]byte{frame(nil), frame(nil), frame([]byte("AUC-20230101")), frame([]byte{0xAA, 0xBB})},
	}
	b, err := NewBridgeSession(context.Background(), ep, 400000, 9600)
	require.NoError(t, err)

	resp, err := b.Xfer(context.Background(), 3, []byte{0x01, 0x02}, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB}, resp)

	last := ep.written[len(ep.written)-1]
	require.Equal(t, uint8(protocol.BridgeXfer), last[3])
	require.Equal(t, uint8(3), last[4+3]) // addr lands at payload offset 3
}

func TestBridgeXferRetriesOnceOnEmptyFrame(t *testing.T) {
	ep := &fakeEndpoint{
		replies: [][]byte{
			frame(nil), frame(nil), frame([]byte("AUC-20230101")),
			frame(nil),                 // header-only: empty read
			frame([]byte{0xAA, 0xBB}), // retry succeeds
		},
	}
	b, err := NewBridgeSession(context.Background(), ep, 400000, 9600)
	require.NoError(t, err)

	resp, err := b.Xfer(context.Background(), 3, []byte{0x01}, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB}, resp)
	require.Len(t, ep.written, 5, "the empty frame costs exactly one retry")
}

func TestBridgeInfoConvertsRawADC(t *testing.T) {
	ep := &fakeEndpoint{
		replies: [][]byte{frame(nil), frame(nil), frame([]byte("AUC-20230101")), frame([]byte{0x00, 0x02, 0, 0, 0, 0, 0})},
	}
	b, err := NewBridgeSession(context.Background(), ep, 400000, 9600)
	require.NoError(t, err)

	mv, err := b.BridgeInfo(context.Background())
	require.NoError(t, err)
	require.Greater(t, mv, uint32(0))
}

func TestNTCCelsiusOutOfRangeReturnsSentinel(t *testing.T) {
	require.Equal(t, -273, NTCCelsius(0))
	require.Equal(t, -273, NTCCelsius(33000))
	require.Equal(t, -273, NTCCelsius(40000))
}

func TestNTCCelsiusMidRangeReturnsPlausibleTemp(t *testing.T) {
	c := NTCCelsius(15000)
	require.Greater(t, c, -100)
	require.Less(t, c, 200)
}

func TestNewBridgeSessionFailsWhenEndpointNeverResponds(t *testing.T) {
	ep := &fakeEndpoint{}
	_, err := NewBridgeSession(context.Background(), ep, 400000, 9600)
	require.Error(t, err)
}

// failingEndpoint answers the bring-up sequence once, then fails every Read
// forever, simulating a bus that has gone silent: 100 consecutive failures
// should trigger a pause-and-reinit, and a reinit that itself fails should
// mark the bridge permanently Gone.
type failingEndpoint struct {
	bringUpReplies [][]byte
	idx            int
}

func (f *failingEndpoint) Write(context.Context, []byte) (int, error) { return 0, nil }

func (f *failingEndpoint) Read(_ context.Context, p []byte) (int, error) {
	if f.idx < len(f.bringUpReplies) {
		r := f.bringUpReplies[f.idx]
		f.idx++
		copy(p, r)
		return len(r), nil
	}
	return 0, context.DeadlineExceeded
}

func (f *failingEndpoint) Close() error { return nil }

func TestBridgeXferMarksGoneAfterFailedReinit(t *testing.T) {
	ep := &failingEndpoint{bringUpReplies: [][]byte{
		frame(nil), frame(nil), frame([]byte("AUC-20230101")),
	}}
	b, err := NewBridgeSession(context.Background(), ep, 400000, 9600)
	require.NoError(t, err)
	b.failurePause = time.Millisecond

	var lastErr error
	for i := 0; i < xferFailureLimit; i++ {
		_, lastErr = b.Xfer(context.Background(), 3, []byte{0x01}, 2)
		require.Error(t, lastErr)
	}

	require.True(t, b.Gone())

	_, err = b.Xfer(context.Background(), 3, []byte{0x01}, 2)
	require.ErrorIs(t, err, mmerr.ErrDeviceGone)
}
