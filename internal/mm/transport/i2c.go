package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"mmdriver/internal/mm/mmerr"
	"mmdriver/internal/mm/trace"
)

// i2cSlave is the standard Linux I2C_SLAVE ioctl that binds a /dev/i2c-N
// handle to a 7-bit slave address.
const i2cSlave = 0x0703

// i2cFailureLimit is the consecutive-failure count that triggers the bus
// cooldown: a direct bus has no bridge to re-init, so a failure storm just
// pauses five seconds before trying again.
const (
	i2cFailureLimit = 100
	i2cFailurePause = 5 * time.Second
)

// I2CTransport talks to module slaves directly over a Linux I2C bus
// character device, one open file descriptor shared across addresses
// (re-bound per transaction via I2C_SLAVE), mirroring the original
// driver's per-slave i2c_ctx write_raw/read_raw pair.
type I2CTransport struct {
	mu          sync.Mutex
	file        *os.File
	stats       Stats
	consecFails int
	tracer      *trace.Tracer
}

// SetTracer attaches an eBPF-backed latency tracer that observes every
// subsequent Xfer call. Passing nil detaches it.
func (t *I2CTransport) SetTracer(tr *trace.Tracer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracer = tr
}

// OpenI2C opens the given bus device (e.g. "/dev/i2c-1").
func OpenI2C(busPath string) (*I2CTransport, error) {
	f, err := os.OpenFile(busPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", mmerr.ErrTransportFailure, busPath, err)
	}
	return &I2CTransport{file: f}, nil
}

func (t *I2CTransport) bindSlave(addr uint8) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, t.file.Fd(), i2cSlave, uintptr(addr))
	if errno != 0 {
		return fmt.Errorf("%w: bind slave %#02x: %v", mmerr.ErrTransportFailure, addr, errno)
	}
	return nil
}

// Xfer writes then, if requested, reads, with the original driver's 5ms
// settle delay between the two halves of the transaction.
func (t *I2CTransport) Xfer(ctx context.Context, addr uint8, write []byte, readLen int) ([]byte, error) {
	t.mu.Lock()

	start := time.Now()
	buf, err := t.xferLocked(ctx, addr, write, readLen)
	if t.tracer != nil {
		t.tracer.Observe(addr, time.Since(start), errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
	}

	pause := false
	if err != nil {
		t.consecFails++
		if t.consecFails >= i2cFailureLimit {
			t.consecFails = 0
			pause = true
		}
	} else {
		t.consecFails = 0
	}
	t.mu.Unlock()

	if pause {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(i2cFailurePause):
		}
	}
	return buf, err
}

func (t *I2CTransport) xferLocked(ctx context.Context, addr uint8, write []byte, readLen int) ([]byte, error) {
	if err := t.bindSlave(addr); err != nil {
		t.recordErr()
		return nil, err
	}

	if len(write) > 0 {
		if _, err := t.file.Write(write); err != nil {
			t.recordErr()
			return nil, fmt.Errorf("%w: i2c write: %v", mmerr.ErrTransportFailure, err)
		}
	}

	if readLen == 0 {
		t.recordOK()
		return nil, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}

	buf := make([]byte, readLen)
	if _, err := t.file.Read(buf); err != nil {
		t.recordErr()
		return nil, fmt.Errorf("%w: i2c read: %v", mmerr.ErrTransportFailure, err)
	}
	t.recordOK()
	return buf, nil
}

func (t *I2CTransport) recordErr() {
	t.stats.XferErrCount++
	t.stats.LastXferTime = time.Now()
	t.stats.LastXferOK = false
}

func (t *I2CTransport) recordOK() {
	t.stats.LastXferTime = time.Now()
	t.stats.LastXferOK = true
}

// StatsSnapshot returns a lock-free copy of the transport's error counters.
func (t *I2CTransport) StatsSnapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *I2CTransport) Close() error {
	return t.file.Close()
}
