// Package jobpusher translates a stratum pool job into the bounded
// multi-packet broadcast sequence MM modules expect, and keeps the
// three-deep ring of recently pushed jobs late nonces are matched against.
//
// Job is this package's view of the embedding framework's work unit: just
// the fields the wire protocol needs, not a full stratum client.
package jobpusher

import "mmdriver/internal/mm/protocol"

// Job is one stratum job as handed to the driver by the embedding pool
// client.
type Job struct {
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

	// WorkRestart is a one-shot flag consumed by the STATIC packet of the
	// next push and never re-sent automatically.
	WorkRestart bool
}

// PrehashLen is the SHA256_BLOCK_SIZE-aligned prefix of Coinbase the
// midstate is computed over: nonce2Offset rounded down to the nearest
// 64-byte boundary, mirroring
// `pool->nonce2_offset - (pool->nonce2_offset % SHA256_BLOCK_SIZE)`.
func (j *Job) PrehashLen() int {
	const blockSize = 64
	return int(j.Nonce2Offset) - int(j.Nonce2Offset)%blockSize
}
