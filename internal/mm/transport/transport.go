// Package transport abstracts the two ways a host can reach an MM-series
// module bus: a direct I2C connection, or a USB-attached AUC bridge that
// speaks its own framed protocol and relays I2C transactions underneath.
package transport

import (
	"context"
	"time"
)

// Transport is the façade every backend implements: a single half-duplex
// exchange addressed at an I2C slave, optionally writing then reading.
type Transport interface {
	// Xfer writes write to addr then, if readLen > 0, reads back readLen
	// bytes. Either side may be empty/zero for a write-only or read-only
	// transaction.
	Xfer(ctx context.Context, addr uint8, write []byte, readLen int) ([]byte, error)

	// Close releases the underlying device handle.
	Close() error
}

// Stats is a lock-free snapshot of a transport's error counters, safe to
// read without holding the transport's own lock.
type Stats struct {
	XferErrCount int
	LastXferTime time.Time
	LastXferOK   bool
}
