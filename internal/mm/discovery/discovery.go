// Package discovery implements the periodic scan that finds unassigned MM
// modules on the bus, installs them into the registry, and otherwise leaves
// lifecycle transitions (detach) to the driver's polling sweep.
package discovery

import (
	"bytes"
	"context"
	"time"

	"mmdriver/internal/mm/generation"
	"mmdriver/internal/mm/protocol"
	"mmdriver/internal/mm/registry"
	"mmdriver/internal/mm/transport"
)

// Interval is the minimum spacing between discovery sweeps; the driver
// main loop also runs one unconditionally at process start.
const Interval = 30 * time.Second

// Payload offsets within DETECT/ACKDETECT/SYNC packets.
const (
	detectSlotOffset = 28

	ackDNAOffset     = 0
	ackVersionOffset = 8
	ackVersionLen    = 15
	ackASICOffset    = ackVersionOffset + ackVersionLen

	syncDNAOffset = 0
)

// Overrides are the operator knobs applied to every module a sweep newly
// installs, on top of the device-model table's defaults. Zero values mean
// "use the table/generation default"; SmartSpeed is an absolute setting,
// not an override.
type Overrides struct {
	VoltageLevel int
	FanMin       int
	FanMax       int

	// PLLFreqs replaces the table's default frequency for any entry that
	// is nonzero, clamped to the generation's maximum.
	PLLFreqs []uint32

	SmartSpeed bool

	// OTPReadASIC selects the ASIC index OTP-capable modules report their
	// lot-id from; negative keeps the firmware default of ASIC 0.
	OTPReadASIC int
}

// Scan probes every currently-unassigned slot in address order. It mirrors
// detect_modules: the first probe that fails to return a clean ACKDETECT
// stops the sweep instead of skipping ahead to later addresses, so a bus
// that only has modules at low addresses never wastes time walking the rest
// of the table only to find silence.
func Scan(ctx context.Context, reg *registry.Registry, xport transport.Transport, ov Overrides, now time.Time) {
	for i := uint8(1); i < registry.DefaultModulars; i++ {
		reg.RLock()
		slot := reg.At(i)
		reg.RUnlock()
		if slot != nil && slot.Enabled {
			continue
		}

		ack, ok := probe(ctx, xport, i)
		if !ok {
			return
		}

		dna, version, totalASICs := parseAckDetect(ack)

		model, known := registry.LookupModel(version)
		if !known {
			return
		}

		if i == registry.DefaultModulars-1 {
			reg.Lock()
			reg.SetConnOverloaded(true)
			reg.Unlock()
			return
		}

		reg.RLock()
		dup := reg.HasDNA(dna)
		reg.RUnlock()
		if dup {
			continue
		}

		gen, ok := generation.For(model.Generation)
		if !ok {
			return
		}

		m := registry.NewModule(i, version, model, gen, now)
		m.DNA = dna
		m.TotalASICs = totalASICs
		m.SmartSpeed = ov.SmartSpeed
		if ov.VoltageLevel != 0 {
			for idx := range m.VoltageLevel {
				m.VoltageLevel[idx] = ov.VoltageLevel
			}
		}
		if ov.FanMin != 0 {
			m.FanMin = ov.FanMin
		}
		if ov.FanMax != 0 {
			m.FanMax = ov.FanMax
		}
		if ov.OTPReadASIC >= 0 && gen.HasASICOTPSelect() {
			for idx := range m.OTPReadASIC {
				m.OTPReadASIC[idx] = ov.OTPReadASIC
			}
		}
		applyPLLOverrides(m, gen, ov.PLLFreqs)

		reg.Lock()
		reg.Put(m)
		reg.SetLastDetect(now)
		reg.Unlock()

		sync(ctx, xport, i, dna)
	}
}

// applyPLLOverrides overlays the operator frequency table onto every
// miner's commanded PLL table, clamping to the generation's ceiling.
func applyPLLOverrides(m *registry.Module, gen generation.Generation, freqs []uint32) {
	if len(freqs) == 0 {
		return
	}
	for miner := range m.PLLTable {
		for k := range m.PLLTable[miner] {
			if k >= len(freqs) || freqs[k] == 0 {
				continue
			}
			f := freqs[k]
			if f > gen.FreqMax() {
				f = gen.FreqMax()
			}
			m.PLLTable[miner][k] = f
		}
	}
}

// probe sends one broadcast DETECT carrying slot and waits for an
// ACKDETECT. Any transport failure or unexpected reply type is reported as
// "stop the sweep", never as a hard error: the failure ends this pass early,
// and discovery runs again every 30s.
func probe(ctx context.Context, xport transport.Transport, slot uint8) (protocol.Packet, bool) {
	pkt := protocol.New(protocol.OpDetect, 0, 0, 0, nil)
	pkt.PutBE32(detectSlotOffset, uint32(slot))

	resp, err := xport.Xfer(ctx, protocol.ModuleBroadcast, pkt.Encode(), protocol.Size)
	if err != nil {
		return protocol.Packet{}, false
	}
	ack, err := protocol.Decode(resp)
	if err != nil || ack.Type != protocol.OpAckDetect {
		return protocol.Packet{}, false
	}
	return ack, true
}

func parseAckDetect(ack protocol.Packet) (dna [8]byte, version string, totalASICs int) {
	copy(dna[:], ack.Data[ackDNAOffset:ackDNAOffset+8])

	raw := ack.Data[ackVersionOffset : ackVersionOffset+ackVersionLen]
	if nul := bytes.IndexByte(raw, 0); nul >= 0 {
		raw = raw[:nul]
	}
	version = string(raw)
	totalASICs = int(ack.BE32(ackASICOffset))
	return dna, version, totalASICs
}

// sync echoes the module's DNA back on its newly assigned address, the
// handshake that lets the module latch the address detect_modules offered
// it. The original driver follows SYNC with a throwaway read to drain any
// bytes left over from the handshake on the USB pipe; callers using the AUC
// bridge get that for free because Xfer always reads back a full frame.
func sync(ctx context.Context, xport transport.Transport, slot uint8, dna [8]byte) {
	pkt := protocol.New(protocol.OpSync, 0, 0, 0, nil)
	copy(pkt.Data[syncDNAOffset:syncDNAOffset+8], dna[:])
	xport.Xfer(ctx, slot, pkt.Encode(), 0)
}
