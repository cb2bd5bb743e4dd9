package jobpusher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"mmdriver/internal/mm/generation"
	"mmdriver/internal/mm/mmerr"
	"mmdriver/internal/mm/protocol"
	"mmdriver/internal/mm/registry"
)

// recordingTransport accepts every broadcast immediately and remembers the
// decoded packets in send order.
type recordingTransport struct {
	sent []protocol.Packet
}

func (r *recordingTransport) Xfer(_ context.Context, _ uint8, write []byte, readLen int) ([]byte, error) {
	if len(write) > 0 {
		pkt, err := protocol.Decode(write)
		if err == nil {
			r.sent = append(r.sent, pkt)
		}
	}
	if readLen == 0 {
		return nil, nil
	}
	return make([]byte, readLen), nil
}

func (r *recordingTransport) Close() error { return nil }

func sampleJob() *Job {
	j := &Job{
		JobID:        "abc",
		PoolNo:       0,
		Coinbase:     make([]byte, 96), // prehash 64 + 32 posthash
		Nonce2Offset: 64,
		Nonce2Size:   4,
		MerkleBranches: [][]byte{
			make([]byte, 32),
			make([]byte, 32),
		},
		Diff: 100,
	}
	for i := range j.Coinbase {
		j.Coinbase[i] = byte(i)
	}
	return j
}

func TestPushEmitsSequenceInOrder(t *testing.T) {
	reg := registry.New()
	xport := &recordingTransport{}
	ring := NewRing()
	gen, _ := generation.For(generation.Gen9)
	pusher := NewPusher(gen, 0, 1)

	require.NoError(t, pusher.Push(context.Background(), reg, xport, ring, sampleJob()))

	require.NotEmpty(t, xport.sent)
	require.Equal(t, protocol.OpStatic, xport.sent[0].Type)
	require.Equal(t, protocol.OpTarget, xport.sent[1].Type)
	require.Equal(t, protocol.OpJobID, xport.sent[2].Type)

	// Last packet must be JOB_FIN, and at least one COINBASE, MERKLES (x2)
	// and HEADER (x4) packet must appear somewhere in between.
	last := xport.sent[len(xport.sent)-1]
	require.Equal(t, protocol.OpJobFin, last.Type)

	var coinbase, merkles, headers int
	for _, p := range xport.sent {
		switch p.Type {
		case protocol.OpCoinbase:
			coinbase++
		case protocol.OpMerkles:
			merkles++
		case protocol.OpHeader:
			headers++
		}
	}
	require.Equal(t, 2, coinbase, "midstate packet + one 32-byte posthash slice")
	require.Equal(t, 2, merkles)
	require.Equal(t, 4, headers)
}

func TestPushSkipsRedundantJobIDPacket(t *testing.T) {
	reg := registry.New()
	xport := &recordingTransport{}
	ring := NewRing()
	gen, _ := generation.For(generation.Gen9)
	pusher := NewPusher(gen, 0, 1)

	job := sampleJob()
	require.NoError(t, pusher.Push(context.Background(), reg, xport, ring, job))

	firstCount := 0
	for _, p := range xport.sent {
		if p.Type == protocol.OpJobID {
			firstCount++
		}
	}
	require.Equal(t, 1, firstCount)

	xport.sent = nil
	job2 := sampleJob() // same JobID/PoolNo
	require.NoError(t, pusher.Push(context.Background(), reg, xport, ring, job2))

	secondCount := 0
	for _, p := range xport.sent {
		if p.Type == protocol.OpJobID {
			secondCount++
		}
	}
	require.Equal(t, 0, secondCount, "same job id/pool must not resend JOB_ID")
}

func TestPushRejectsOversizeCoinbase(t *testing.T) {
	reg := registry.New()
	xport := &recordingTransport{}
	ring := NewRing()
	gen, _ := generation.For(generation.Gen9)
	pusher := NewPusher(gen, 0, 1)

	job := sampleJob()
	job.Coinbase = make([]byte, 64+6208) // posthash alone sits at the bound; the total exceeds it

	err := pusher.Push(context.Background(), reg, xport, ring, job)
	require.ErrorIs(t, err, mmerr.ErrPoolPreconditionViolated)
	require.Empty(t, xport.sent)
}

func TestPushRejectsTooManyMerkles(t *testing.T) {
	reg := registry.New()
	xport := &recordingTransport{}
	ring := NewRing()
	gen, _ := generation.For(generation.Gen9)
	pusher := NewPusher(gen, 0, 1)

	job := sampleJob()
	job.MerkleBranches = make([][]byte, 31)
	for i := range job.MerkleBranches {
		job.MerkleBranches[i] = make([]byte, 32)
	}

	err := pusher.Push(context.Background(), reg, xport, ring, job)
	require.ErrorIs(t, err, mmerr.ErrPoolPreconditionViolated)
}

func TestPushRejectsSmallNonce2(t *testing.T) {
	reg := registry.New()
	xport := &recordingTransport{}
	ring := NewRing()
	gen, _ := generation.For(generation.Gen9)
	pusher := NewPusher(gen, 0, 1)

	job := sampleJob()
	job.Nonce2Size = 2

	err := pusher.Push(context.Background(), reg, xport, ring, job)
	require.ErrorIs(t, err, mmerr.ErrPoolPreconditionViolated)
}

func TestTargetBytesCapsAtGenerationMax(t *testing.T) {
	gen9, _ := generation.For(generation.Gen9)
	capped := targetBytes(999999, gen9.DiffMax())
	uncapped := targetBytes(float64(gen9.DiffMax()), gen9.DiffMax())
	require.Equal(t, uncapped, capped, "diff above the generation max must clamp to the max")
}
