package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"mmdriver/internal/mm/mmerr"
	"mmdriver/internal/mm/protocol"
	"mmdriver/internal/mm/trace"
)

// aucFrameSize is the fixed USB bulk frame size the bridge speaks on both
// directions (AVA9_AUC_P_SIZE in the original driver).
const aucFrameSize = 64

// aucVersionLen is the length of the bridge's firmware version string
// returned by the INIT sub-operation (AUC-YYYYMMDD).
const aucVersionLen = 12

// rawEndpoint is the minimal bulk-pipe interface a BridgeSession needs; the
// USB backend satisfies it with gousb's OutEndpoint/InEndpoint, and tests
// satisfy it with an in-memory fake.
type rawEndpoint interface {
	Write(ctx context.Context, p []byte) (int, error)
	Read(ctx context.Context, p []byte) (int, error)
	Close() error
}

// xferFailureLimit is the number of consecutive Xfer failures that trigger
// a 5-second pause and a full bridge re-init; a re-init that itself fails
// marks the bridge gone.
const xferFailureLimit = 100

// xferFailurePause is the cooldown before the re-init attempt.
const xferFailurePause = 5 * time.Second

// BridgeSession drives the AUC (USB-to-I2C) bridge's own small framed
// protocol: RESET/DEINIT/INIT/INFO operate on the bridge itself, XFER
// relays one I2C transaction to the module bus. Grounded in the original
// driver's avalon9_auc_init_pkg/avalon9_auc_xfer/avalon9_auc_init sequence.
type BridgeSession struct {
	ep      rawEndpoint
	speed   uint32
	xdelay  uint32
	version string

	errCount int
	gone     bool
	tracer   *trace.Tracer

	// failurePause overrides xferFailurePause in tests; zero means "use the
	// real default".
	failurePause time.Duration
}

// SetTracer attaches an eBPF-backed latency tracer that observes every
// subsequent Xfer call. Passing nil detaches it.
func (b *BridgeSession) SetTracer(tr *trace.Tracer) { b.tracer = tr }

// NewBridgeSession wraps ep and runs the RESET, DEINIT, INIT bring-up
// sequence the original driver performs once at device-open time.
func NewBridgeSession(ctx context.Context, ep rawEndpoint, speed, xdelay uint32) (*BridgeSession, error) {
	b := &BridgeSession{ep: ep, speed: speed, xdelay: xdelay}
	if err := b.bringUp(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// bringUp runs the RESET/DEINIT/INIT sequence, used both by
// NewBridgeSession and by the re-init path a failure storm triggers.
func (b *BridgeSession) bringUp(ctx context.Context) error {
	if _, err := b.rawSub(ctx, protocol.BridgeReset, nil, 0); err != nil {
		return fmt.Errorf("%w: bridge reset: %v", mmerr.ErrTransportFailure, err)
	}
	if _, err := b.rawSub(ctx, protocol.BridgeDeinit, nil, 0); err != nil {
		return fmt.Errorf("%w: bridge deinit: %v", mmerr.ErrTransportFailure, err)
	}

	initPayload := make([]byte, 8)
	binary.LittleEndian.PutUint32(initPayload[0:4], b.speed)
	binary.LittleEndian.PutUint32(initPayload[4:8], b.xdelay)
	resp, err := b.rawSub(ctx, protocol.BridgeInit, initPayload, aucVersionLen)
	if err != nil {
		return fmt.Errorf("%w: bridge init: %v", mmerr.ErrTransportFailure, err)
	}
	b.version = string(resp)
	return nil
}

// SetParams updates the bridge's clock/xdelay and re-runs the bring-up
// sequence with the new values, the live equivalent of the AUC clock/xdelay
// operator knob otherwise only applied at process start.
func (b *BridgeSession) SetParams(ctx context.Context, speed, xdelay uint32) error {
	b.speed = speed
	b.xdelay = xdelay
	return b.bringUp(ctx)
}

// Gone reports whether a failure storm's re-init attempt itself failed.
// Once true, the bridge is unusable and the driver main loop should treat
// it as fatal.
func (b *BridgeSession) Gone() bool { return b.gone }

// Version returns the bridge's reported firmware version string.
func (b *BridgeSession) Version() string { return b.version }

// Close releases the underlying USB endpoint pair.
func (b *BridgeSession) Close() error { return b.ep.Close() }

// BridgeInfo reads the bridge's own ADC temperature sensor and queue
// depths (AVA9_IIC_INFO), converting the raw ADC reading the same way
// avalon9_auc_getinfo does: 3.3V reference, 10-bit ADC, scaled by 10000.
func (b *BridgeSession) BridgeInfo(ctx context.Context) (sensorMicroVolts uint32, err error) {
	resp, err := b.rawSub(ctx, protocol.BridgeInfo, nil, 7)
	if err != nil {
		return 0, fmt.Errorf("%w: bridge info: %v", mmerr.ErrTransportFailure, err)
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("%w: bridge info: short response", mmerr.ErrPacketInvalid)
	}
	adc := uint32(resp[1])<<8 | uint32(resp[0])
	return 3_300_000 * adc / 1023 * 10, nil
}

// Temperature reads the same raw ADC sensor as BridgeInfo but converts it
// through the bridge's NTC thermistor curve instead, giving a degrees-
// Celsius reading of the bridge enclosure rather than a raw voltage.
func (b *BridgeSession) Temperature(ctx context.Context) (int, error) {
	resp, err := b.rawSub(ctx, protocol.BridgeInfo, nil, 7)
	if err != nil {
		return 0, fmt.Errorf("%w: bridge temperature: %v", mmerr.ErrTransportFailure, err)
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("%w: bridge temperature: short response", mmerr.ErrPacketInvalid)
	}
	adc := uint32(resp[1])<<8 | uint32(resp[0])
	return NTCCelsius(adc), nil
}

// NTCCelsius converts a raw 10-bit ADC reading off the bridge's NTC
// thermistor to degrees Celsius via the Steinhart-Hart-derived curve the
// original driver's auc_get_temperature uses: R = 10000/(3.3*10000/raw-1),
// T = 1/(ln(R/10000)/3500 + 1/298.15) - 273.15. Readings outside the sensor's
// valid range (raw in (0, 33000)) report -273, the "no sensor" sentinel.
func NTCCelsius(raw uint32) int {
	if raw == 0 || raw >= 33000 {
		return -273
	}
	r := 10000.0 / (3.3*10000.0/float64(raw) - 1)
	if r <= 0 {
		return -273
	}
	t := 1/(math.Log(r/10000.0)/3500.0+1/298.15) - 273.15
	return int(t)
}

// Xfer relays one I2C transaction addressed at addr through the bridge's
// XFER sub-operation: one retry on a read that comes back empty when data
// was expected, and, once xferFailureLimit consecutive failures accrue, a
// 5-second pause followed by a full bridge re-init (marking the bridge
// Gone if that re-init itself fails).
func (b *BridgeSession) Xfer(ctx context.Context, addr uint8, write []byte, readLen int) ([]byte, error) {
	if b.gone {
		return nil, fmt.Errorf("%w: bridge unavailable after failed re-init", mmerr.ErrDeviceGone)
	}

	payload := make([]byte, 4+len(write))
	payload[0] = uint8(len(write))
	payload[1] = uint8(readLen)
	payload[3] = addr
	copy(payload[4:], write)

	start := time.Now()
	resp, err := b.rawSub(ctx, protocol.BridgeXfer, payload, readLen)
	if err == nil && readLen > 0 && len(resp) == 0 {
		// Read-empty-but-expected: one retry before counting a failure.
		resp, err = b.rawSub(ctx, protocol.BridgeXfer, payload, readLen)
	}
	if b.tracer != nil {
		b.tracer.Observe(addr, time.Since(start), err != nil)
	}
	if err == nil {
		b.errCount = 0
		return resp, nil
	}

	b.errCount++
	if b.errCount < xferFailureLimit {
		return nil, err
	}

	b.errCount = 0
	pause := b.failurePause
	if pause == 0 {
		pause = xferFailurePause
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(pause):
	}
	if reinitErr := b.bringUp(ctx); reinitErr != nil {
		b.gone = true
		return nil, fmt.Errorf("%w: bridge re-init failed after failure storm: %v", mmerr.ErrDeviceGone, reinitErr)
	}
	return nil, err
}

// rawSub sends one bridge-level sub-operation frame and returns the payload
// portion of the response (the 4-byte IIC header stripped), mirroring
// avalon9_auc_init_pkg + avalon9_auc_xfer. Unlike Xfer, it does not apply
// the failure-storm policy, so bringUp's own sub-operations can't recurse
// into it.
func (b *BridgeSession) rawSub(ctx context.Context, op protocol.Op, payload []byte, readLen int) ([]byte, error) {
	frame := make([]byte, aucFrameSize)
	frame[0] = uint8(4 + len(payload))
	frame[3] = uint8(op)
	copy(frame[4:], payload)

	if _, err := b.ep.Write(ctx, frame); err != nil {
		return nil, fmt.Errorf("bridge write: %w", err)
	}

	// Settle delay proportional to the configured transfer clock, as the
	// original driver sleeps opt_avalon9_aucxdelay/4800+1 ms between the
	// write and the read half of a bridge transaction.
	delay := time.Duration(b.xdelay/4800+1) * time.Millisecond
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}

	want := readLen + 4
	resp := make([]byte, aucFrameSize)
	n, err := b.ep.Read(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("bridge read: %w", err)
	}
	if n == 4 && int(resp[0]) == 4 && want > 4 {
		// The bridge answered with a bare header: the module had nothing
		// queued yet. Reported as an empty read so Xfer can retry once.
		return nil, nil
	}
	if n != want || int(resp[0]) != want {
		return nil, fmt.Errorf("%w: bridge frame mismatch: got %d bytes (hdr %d), want %d",
			mmerr.ErrPacketInvalid, n, resp[0], want)
	}
	return resp[4:want], nil
}
