// Package driver wires the registry, transport, discovery, configuration
// scheduler, telemetry ingester, and fan PID controller into the periodic
// main loop and its polling sweep.
package driver

import (
	"context"
	"fmt"
	"log"
	"time"

	"mmdriver/internal/mm/discovery"
	"mmdriver/internal/mm/jobpusher"
	"mmdriver/internal/mm/mmerr"
	"mmdriver/internal/mm/protocol"
	"mmdriver/internal/mm/registry"
	"mmdriver/internal/mm/scheduler"
	"mmdriver/internal/mm/telemetry"
	"mmdriver/internal/mm/thermal"
	"mmdriver/internal/mm/transport"
)

// SilentPoolTimeout is how long the pool can go without pushing a job
// before the main loop detaches every module.
const SilentPoolTimeout = 180 * time.Second

// PollingFailureLimit is the number of consecutive polling failures a slot
// tolerates before the main loop detaches it.
const PollingFailureLimit = 10

// fanAdjustInterval gates the fan PID tick and the PWM field of the
// POLLING packet to at most once per two seconds.
const fanAdjustInterval = 2 * time.Second

// fanPWMUpdateFlag marks the POLLING packet's PWM word as carrying a fresh
// fan setting; polls between fan ticks leave the word zero.
const fanPWMUpdateFlag = 1 << 31

// Loop drives one tick of the driver's main loop. It is not safe for
// concurrent use by more than one goroutine; the embedding binary is
// expected to call Tick from a single timer-driven goroutine.
type Loop struct {
	Reg    *registry.Registry
	Xport  transport.Transport
	Ring   *jobpusher.Ring
	Submit telemetry.SubmitFunc

	// Overrides seed every module discovery installs; PollingDelay spaces
	// the polling sweep's per-module sends (zero means no sleep).
	Overrides    discovery.Overrides
	PollingDelay time.Duration

	failures map[uint8]int

	lastDiff1 uint64
	pending   uint64
	startTime time.Time
}

// NewLoop builds a Loop ready to tick against reg/xport/ring.
func NewLoop(reg *registry.Registry, xport transport.Transport, ring *jobpusher.Ring, submit telemetry.SubmitFunc) *Loop {
	return &Loop{
		Reg:      reg,
		Xport:    xport,
		Ring:     ring,
		Submit:   submit,
		failures: make(map[uint8]int),
	}
}

// Tick runs one full pass: the silent-pool and device-gone checks,
// discovery gating, the per-module configuration scheduler, the polling
// sweep, and the difficulty-accounting roll-up. It returns
// the number of hashes the accumulated difficulty-1 share credit
// represents since the last pass that actually reported a positive
// amount, or 0 if nothing new settled this tick. It returns
// mmerr.ErrDeviceGone only when the transport reports itself gone — a
// condition the embedding binary should treat as fatal and stop ticking
// on. An empty registry is not fatal: the next discovery sweep re-probes
// the bus and re-attaches whatever answers.
func (l *Loop) Tick(ctx context.Context, now time.Time) (uint64, error) {
	if gone, ok := l.Xport.(interface{ Gone() bool }); ok && gone.Gone() {
		return 0, mmerr.ErrDeviceGone
	}

	l.Reg.RLock()
	lastStratum := l.Reg.LastStratum()
	lastDetect := l.Reg.LastDetect()
	count := l.Reg.Count()
	l.Reg.RUnlock()

	if !lastStratum.IsZero() && now.Sub(lastStratum) > SilentPoolTimeout {
		l.Reg.Lock()
		l.Reg.DetachAll()
		l.Reg.Unlock()
		log.Printf("driver: pool silent for %s, detached all modules", now.Sub(lastStratum))
		l.lastDiff1, l.pending = 0, 0
		return 0, nil
	}

	if count == 0 || lastDetect.IsZero() || now.Sub(lastDetect) >= discovery.Interval {
		discovery.Scan(ctx, l.Reg, l.Xport, l.Overrides, now)
	}

	l.Reg.Lock()
	l.Reg.RecountEnabled()
	for _, addr := range l.Reg.Enabled() {
		m := l.Reg.At(addr)
		if m == nil {
			continue
		}
		if err := scheduler.Run(ctx, m.Gen, m, l.Xport); err != nil {
			log.Printf("driver: module %d: scheduler: %v", addr, err)
		}
	}
	l.Reg.Unlock()

	if err := l.pollingSweep(ctx, now); err != nil {
		return 0, err
	}

	// The sweep may have detached slots; keep the count current before
	// accounting runs.
	l.Reg.Lock()
	l.Reg.RecountEnabled()
	l.Reg.Unlock()

	return l.settleHashAccounting(now), nil
}

// settleHashAccounting accumulates the rise in total accepted
// difficulty-1 credit since the last settlement into pending, and reports
// pending*2^32 (resetting pending to 0) the first time it goes positive. A share accepted hook only ever increases Diff1,
// but a module detach removes it from SnapshotAll's sum, so a drop is
// treated as "nothing new" rather than underflowing pending.
func (l *Loop) settleHashAccounting(now time.Time) uint64 {
	var total uint64
	for _, s := range l.Reg.SnapshotAll() {
		total += s.Diff1
	}

	if total > l.lastDiff1 {
		l.pending += total - l.lastDiff1
	}
	l.lastDiff1 = total

	if l.pending == 0 {
		return 0
	}
	if l.startTime.IsZero() {
		l.startTime = now
	}
	hashes := l.pending << 32
	l.pending = 0
	return hashes
}

// StartTime returns the timestamp of the first tick that settled a
// positive amount of hash-accounting credit, the zero Time if none has
// yet.
func (l *Loop) StartTime() time.Time { return l.startTime }

// pollingSweep sends one combined LED/fan-PWM/reboot POLLING packet to
// every enabled module, sleeping PollingDelay before each send, detaching
// any slot that fails PollingFailureLimit times in a row and treating a
// STATUS reply whose echoed opt byte doesn't match the slot's DNA as an
// address collision. The fan PID only ticks, and the PWM word is only carried,
// when the two-second fan gate has elapsed.
func (l *Loop) pollingSweep(ctx context.Context, now time.Time) error {
	l.Reg.Lock()
	adjustFan := l.Reg.LastFanAdj().IsZero() || now.Sub(l.Reg.LastFanAdj()) >= fanAdjustInterval
	if adjustFan {
		l.Reg.SetLastFanAdj(now)
	}
	addrs := l.Reg.Enabled()
	l.Reg.Unlock()

	for _, addr := range addrs {
		if l.PollingDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.PollingDelay):
			}
		}

		l.Reg.Lock()
		m := l.Reg.At(addr)
		if m == nil || !m.Enabled {
			l.Reg.Unlock()
			continue
		}

		pkt := protocol.New(protocol.OpPolling, 0, 1, 1, nil)
		pkt.PutBE32(0, uint32(m.LEDIndicator))
		if adjustFan {
			pwm := thermal.Update(m.Gen, m)
			pkt.PutBE32(4, fanPWMUpdateFlag|uint32(pwm))
		}
		if m.Reboot {
			m.Reboot = false
			pkt.Data[8] = 1
		}
		dnaLow := m.DNA[7]
		l.Reg.Unlock()

		resp, err := l.Xport.Xfer(ctx, addr, pkt.Encode(), protocol.Size)
		if err != nil {
			l.failPoll(ctx, addr, m)
			continue
		}

		reply, err := protocol.Decode(resp)
		if err != nil {
			l.failPoll(ctx, addr, m)
			continue
		}

		l.failures[addr] = 0

		// Only a STATUS reply echoes the DNA low byte in opt; other
		// status opcodes use the field for their own flags, so checking
		// them here would detach a healthy module.
		if reply.Type == protocol.OpStatus && reply.Opt != dnaLow {
			l.Reg.Lock()
			l.Reg.Detach(addr)
			l.Reg.Unlock()
			log.Printf("driver: module %d: address collision (opt %#02x != dna low byte %#02x), detached",
				addr, reply.Opt, dnaLow)
			continue
		}

		l.Reg.Lock()
		telemetry.Ingest(m, reply, l.Ring, l.Submit)
		l.Reg.Unlock()
	}
	return nil
}

// failPoll handles one failed poll: a transport failure or decode error
// increments the slot's consecutive-failure counter, broadcasts RSTMMTX
// carrying the module's DNA, and detaches the slot once the counter reaches
// PollingFailureLimit.
func (l *Loop) failPoll(ctx context.Context, addr uint8, m *registry.Module) {
	if err := l.broadcastResetAddressing(ctx, m.DNA); err != nil {
		log.Printf("driver: RSTMMTX broadcast failed: %v", err)
	}
	l.recordFailure(addr)
}

func (l *Loop) recordFailure(addr uint8) {
	l.failures[addr]++
	if l.failures[addr] < PollingFailureLimit {
		return
	}
	l.Reg.Lock()
	l.Reg.Detach(addr)
	l.Reg.Unlock()
	l.failures[addr] = 0
	log.Printf("driver: module %d: detached after %d consecutive polling failures", addr, PollingFailureLimit)
}

// broadcastResetAddressing sends RSTMMTX carrying the failing module's
// DNA, the original driver's per-failure nudge to a module that stopped
// answering polls.
func (l *Loop) broadcastResetAddressing(ctx context.Context, dna [8]byte) error {
	pkt := protocol.New(protocol.OpRstMMTx, 0, 0, 0, nil)
	copy(pkt.Data[0:8], dna[:])
	if _, err := l.Xport.Xfer(ctx, protocol.ModuleBroadcast, pkt.Encode(), 0); err != nil {
		return fmt.Errorf("%w: rstmmtx: %v", mmerr.ErrTransportFailure, err)
	}
	return nil
}

// TotalHashes estimates the pool's total accepted hash count from the
// accumulated difficulty-1 share credit across every module: each
// difficulty-1 share represents 2^32 hashes on average.
func TotalHashes(reg *registry.Registry) uint64 {
	var pending uint64
	for _, s := range reg.SnapshotAll() {
		pending += s.Diff1
	}
	return pending * (1 << 32)
}
