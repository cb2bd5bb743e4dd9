package jobpusher

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log"
	"math/big"
	"sync"

	"mmdriver/internal/mm/generation"
	"mmdriver/internal/mm/mmerr"
	"mmdriver/internal/mm/protocol"
	"mmdriver/internal/mm/registry"
	"mmdriver/internal/mm/transport"
)

// Payload offsets within the job-push packets this package emits.
const (
	staticCoinbaseLenOffset = 0
	staticNonce2OffOffset   = 4
	staticNonce2SizeOffset  = 8
	staticMerkleOffOffset   = 12
	staticMerkleCntOffset   = 16
	staticStartOffset       = 20
	staticRangeOffset       = 24
	staticWorkRestartOffset = 28

	staticMerkleOffsetConst = 36

	maxCoinbasePosthash = 6208
	maxMerkleBranches   = 30
	minNonce2Size       = 3
)

// diff1Target is the 256-bit "difficulty 1" target bitcoin mining shares are
// scaled against: target = floor(diff1Target / diff).
var diff1Target, _ = new(big.Int).SetString(
	"00000000FFFF0000000000000000000000000000000000000000000000000000", 16)

// lastSent tracks the (crc16(job_id)<<16)|pool_no key of the last JOB_ID
// packet actually sent, so repeated pushes of the same job/pool pair skip
// re-sending it. Guarded by a dedicated lock since it is orthogonal to the
// ring's rotation lock.
type lastSent struct {
	mu    sync.Mutex
	key   uint32
	valid bool
}

func (l *lastSent) needs(job *Job) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := jobIDKey(job)
	return !l.valid || key != l.key
}

func (l *lastSent) mark(job *Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.key = jobIDKey(job)
	l.valid = true
}

func jobIDKey(job *Job) uint32 {
	return uint32(protocol.CRC16([]byte(job.JobID)))<<16 | uint32(uint16(job.PoolNo))
}

// Pusher drives one device's job-push sequence and remembers the last JOB_ID
// it actually sent.
type Pusher struct {
	Gen          generation.Generation
	DeviceID     int
	TotalDevices int
	last         lastSent
}

// NewPusher builds a Pusher for one device slice of the nonce2 space.
func NewPusher(gen generation.Generation, deviceID, totalDevices int) *Pusher {
	return &Pusher{Gen: gen, DeviceID: deviceID, TotalDevices: totalDevices}
}

// Push validates job against the wire protocol's bounds, rotates it into
// ring, and emits the full STATIC/TARGET/JOB_ID/COINBASE/MERKLES/HEADER/
// JOB_FIN sequence, all under the registry's write lock so configuration
// and polling never interleave with a half-pushed job.
func (p *Pusher) Push(ctx context.Context, reg *registry.Registry, xport transport.Transport, ring *Ring, job *Job) error {
	prehashLen := job.PrehashLen()
	posthashLen := len(job.Coinbase) - prehashLen
	if posthashLen+64 > maxCoinbasePosthash {
		return fmt.Errorf("%w: coinbase length %d exceeds %d bytes after prehash",
			mmerr.ErrPoolPreconditionViolated, posthashLen, maxCoinbasePosthash)
	}
	if len(job.MerkleBranches) > maxMerkleBranches {
		return fmt.Errorf("%w: %d merkle branches exceeds max %d",
			mmerr.ErrPoolPreconditionViolated, len(job.MerkleBranches), maxMerkleBranches)
	}
	if job.Nonce2Size < minNonce2Size {
		return fmt.Errorf("%w: nonce2 size %d below minimum %d",
			mmerr.ErrPoolPreconditionViolated, job.Nonce2Size, minNonce2Size)
	}

	reg.Lock()
	defer reg.Unlock()

	ring.Push(job)

	if err := p.sendStatic(ctx, xport, job); err != nil {
		return err
	}
	if err := p.sendTarget(ctx, xport, job); err != nil {
		return err
	}
	if p.last.needs(job) {
		if err := p.sendJobID(ctx, xport, job); err != nil {
			return err
		}
		p.last.mark(job)
	}
	if err := p.sendCoinbase(ctx, xport, job, prehashLen); err != nil {
		return err
	}
	if err := p.sendMerkles(ctx, xport, job); err != nil {
		return err
	}
	if err := p.sendHeader(ctx, xport, job); err != nil {
		return err
	}

	// A bridge-backed transport gets its enclosure sensor probed once per
	// push, the way the original driver reads the AUC temperature after a
	// stratum send.
	if bridge, ok := xport.(interface {
		Temperature(ctx context.Context) (int, error)
	}); ok {
		if _, err := bridge.Temperature(ctx); err != nil {
			log.Printf("jobpusher: bridge sensor probe: %v", err)
		}
	}

	return p.sendJobFin(ctx, xport)
}

func (p *Pusher) sendStatic(ctx context.Context, xport transport.Transport, job *Job) error {
	clamped := job.Nonce2Size
	if clamped > 4 {
		clamped = 4
	}

	var space uint64
	if job.Nonce2Size >= 4 {
		space = 1 << 32
	} else {
		space = 1 << 24
	}
	rng := space
	if p.TotalDevices > 0 {
		rng = space / uint64(p.TotalDevices)
	}
	start := rng * uint64(p.DeviceID)

	pkt := protocol.New(protocol.OpStatic, 0, 0, 0, nil)
	pkt.PutBE32(staticCoinbaseLenOffset, uint32(len(job.Coinbase)))
	pkt.PutBE32(staticNonce2OffOffset, job.Nonce2Offset)
	pkt.PutBE32(staticNonce2SizeOffset, clamped)
	pkt.PutBE32(staticMerkleOffOffset, staticMerkleOffsetConst)
	pkt.PutBE32(staticMerkleCntOffset, uint32(len(job.MerkleBranches)))
	pkt.PutBE32(staticStartOffset, uint32(start))
	pkt.PutBE32(staticRangeOffset, uint32(rng))
	if job.WorkRestart {
		pkt.PutBE32(staticWorkRestartOffset, 1)
		job.WorkRestart = false
	}
	return broadcast(ctx, xport, pkt)
}

// targetBytes scales diff against the driver-specific maximum and converts
// it to the 32-byte big-endian target a module compares hashes against.
func targetBytes(diff float64, max uint32) [32]byte {
	if diff <= 0 {
		diff = 1
	}
	if max > 0 && diff > float64(max) {
		diff = float64(max)
	}

	d, _ := big.NewFloat(diff).Int(nil)
	if d.Sign() <= 0 {
		d = big.NewInt(1)
	}
	t := new(big.Int).Quo(diff1Target, d)

	var out [32]byte
	b := t.Bytes()
	if len(b) > len(out) {
		b = b[len(b)-len(out):]
	}
	copy(out[len(out)-len(b):], b)
	return out
}

func (p *Pusher) sendTarget(ctx context.Context, xport transport.Transport, job *Job) error {
	target := targetBytes(job.Diff, p.Gen.DiffMax())
	pkt := protocol.New(protocol.OpTarget, 0, 0, 0, target[:])
	return broadcast(ctx, xport, pkt)
}

func (p *Pusher) sendJobID(ctx context.Context, xport transport.Transport, job *Job) error {
	pkt := protocol.New(protocol.OpJobID, 0, 0, 0, nil)
	binary.BigEndian.PutUint16(pkt.Data[0:2], protocol.CRC16([]byte(job.JobID)))
	binary.BigEndian.PutUint16(pkt.Data[2:4], uint16(job.PoolNo))
	return broadcast(ctx, xport, pkt)
}

// sendCoinbase computes the SHA-256 midstate over the prehash prefix and
// sends it as the first COINBASE packet, then the posthash remainder in
// 32-byte slices, numbered 1-based the way the modules count them. This
// uses a full SHA-256 digest as the "midstate" rather than exposing the
// compressor's raw chaining state — see DESIGN.md.
func (p *Pusher) sendCoinbase(ctx context.Context, xport transport.Transport, job *Job, prehashLen int) error {
	h := sha256.New()
	h.Write(job.Coinbase[:prehashLen])
	midstate := h.Sum(nil)

	remainder := job.Coinbase[prehashLen:]
	numSlices := (len(remainder) + protocol.DataLen - 1) / protocol.DataLen
	total := uint8(1 + numSlices)

	first := protocol.New(protocol.OpCoinbase, 0, 1, total, midstate)
	if err := broadcast(ctx, xport, first); err != nil {
		return err
	}

	for i := 0; i < numSlices; i++ {
		start := i * protocol.DataLen
		end := start + protocol.DataLen
		if end > len(remainder) {
			end = len(remainder)
		}
		pkt := protocol.New(protocol.OpCoinbase, 0, uint8(i+2), total, remainder[start:end])
		if err := broadcast(ctx, xport, pkt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) sendMerkles(ctx context.Context, xport transport.Transport, job *Job) error {
	cnt := uint8(len(job.MerkleBranches))
	for i, branch := range job.MerkleBranches {
		pkt := protocol.New(protocol.OpMerkles, 0, uint8(i+1), cnt, branch)
		if err := broadcast(ctx, xport, pkt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) sendHeader(ctx context.Context, xport transport.Transport, job *Job) error {
	const slices = 4
	for i := 0; i < slices; i++ {
		start := i * protocol.DataLen
		pkt := protocol.New(protocol.OpHeader, 0, uint8(i+1), slices, job.HeaderTemplate[start:start+protocol.DataLen])
		if err := broadcast(ctx, xport, pkt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) sendJobFin(ctx context.Context, xport transport.Transport) error {
	pkt := protocol.New(protocol.OpJobFin, 0, 0, 0, nil)
	return broadcast(ctx, xport, pkt)
}

// broadcast retries a broadcast send until the transport reports success,
// since broadcasts never expect a reply to match against.
func broadcast(ctx context.Context, xport transport.Transport, pkt protocol.Packet) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := xport.Xfer(ctx, protocol.ModuleBroadcast, pkt.Encode(), 0); err == nil {
			return nil
		}
	}
}
