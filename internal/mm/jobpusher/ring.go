package jobpusher

import (
	"sync"

	"mmdriver/internal/mm/protocol"
)

// PoolSnapshot is one deep-copied slot of the recent-job ring: everything
// needed to reconstruct and submit a share against a job the module may
// still be working when a newer one has already been pushed. Guarded by
// its own lock so the copier only has to hold the destination slot's lock
// for the duration of one deep copy, not the whole ring.
type PoolSnapshot struct {
	mu sync.Mutex

	JobID  string
	PoolNo int

	Coinbase     []byte
	Nonce2Offset uint32
	Nonce2Size   uint32
	Nonce1       string
	NTime        string

	MerkleBranches [][]byte
	HeaderTemplate [protocol.DataLen * 4]byte

	Diff float64
}

func (p *PoolSnapshot) copyFrom(j *Job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.JobID = j.JobID
	p.PoolNo = j.PoolNo
	p.Coinbase = append([]byte(nil), j.Coinbase...)
	p.Nonce2Offset = j.Nonce2Offset
	p.Nonce2Size = j.Nonce2Size
	p.Nonce1 = j.Nonce1
	p.NTime = j.NTime
	p.MerkleBranches = make([][]byte, len(j.MerkleBranches))
	for i, b := range j.MerkleBranches {
		p.MerkleBranches[i] = append([]byte(nil), b...)
	}
	p.HeaderTemplate = j.HeaderTemplate
	p.Diff = j.Diff
}

// idCRC returns crc16(JobID) under the snapshot's own lock, 0 for a never
// populated slot (JobID == "").
func (p *PoolSnapshot) idCRC() (uint16, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.JobID == "" {
		return 0, false
	}
	return protocol.CRC16([]byte(p.JobID)), true
}

// Ring is the exactly-three-deep recent-job cache: pool0 (newest) through
// pool2 (oldest). Nonce matching scans them in that fixed order.
type Ring struct {
	mu    sync.RWMutex
	pools [3]*PoolSnapshot
}

// NewRing builds an empty three-slot ring.
func NewRing() *Ring {
	return &Ring{pools: [3]*PoolSnapshot{{}, {}, {}}}
}

// Push rotates the ring and deep-copies job into the new pool0, unless
// job's id collides by CRC-16 with the current pool0 (the idempotence
// guard) — in which case nothing rotates and Push reports false. Rotation
// happens before the new contents are stored.
func (r *Ring) Push(job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if crc, ok := r.pools[0].idCRC(); ok && crc == protocol.CRC16([]byte(job.JobID)) {
		return false
	}

	r.pools[2], r.pools[1], r.pools[0] = r.pools[1], r.pools[0], r.pools[2]
	r.pools[0].copyFrom(job)
	return true
}

// JobView is a lock-free point-in-time copy of one ring slot, safe to hand
// to a submitter outside any ring or snapshot lock.
type JobView struct {
	JobID  string
	PoolNo int

	Coinbase     []byte
	Nonce2Offset uint32
	Nonce2Size   uint32
	Nonce1       string
	NTime        string

	MerkleBranches [][]byte
	HeaderTemplate [protocol.DataLen * 4]byte

	Diff float64
}

// Match scans pool0, pool1, pool2 in that order for the first slot whose
// job-id CRC-16 equals crc, returning a copy of the matching slot's
// coordinates safe to read without holding any lock.
func (r *Ring) Match(crc uint16) (JobView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.pools {
		id, ok := p.idCRC()
		if !ok || id != crc {
			continue
		}
		p.mu.Lock()
		out := JobView{
			JobID:          p.JobID,
			PoolNo:         p.PoolNo,
			Coinbase:       append([]byte(nil), p.Coinbase...),
			Nonce2Offset:   p.Nonce2Offset,
			Nonce2Size:     p.Nonce2Size,
			Nonce1:         p.Nonce1,
			NTime:          p.NTime,
			MerkleBranches: p.MerkleBranches,
			HeaderTemplate: p.HeaderTemplate,
			Diff:           p.Diff,
		}
		p.mu.Unlock()
		return out, true
	}
	return JobView{}, false
}

// Newest returns a copy of pool0's current job id and pool number.
func (r *Ring) Newest() (string, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.pools[0]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.JobID, p.PoolNo
}
