// Package scheduler drives each module's configuration state machine: the
// overheat cutoff hysteresis, the one-time INIT configuration sequence, and
// the steady-state PLL-ADJUST mode.
package scheduler

import (
	"context"
	"fmt"

	"mmdriver/internal/mm/generation"
	"mmdriver/internal/mm/mmerr"
	"mmdriver/internal/mm/protocol"
	"mmdriver/internal/mm/registry"
	"mmdriver/internal/mm/transport"
)

// cutoffHysteresis is the number of degrees below overheat_max the module
// must cool to before the cutoff clears.
const cutoffHysteresis = 10

// Smart-speed threshold defaults carried in SET_SS.
const (
	thPass    = 8
	thFail    = 1000
	thInit    = 32767
	thAdd     = 0
	thMS      = 2
	thMSSel   = 0
	thTimeout = 1550000
)

// Per-level smart-speed thresholds for levels 2 through 7, packed two
// levels per SET_SS word; the stock configuration leaves every level's
// ms count and add bit zero until tuned.
var (
	lvThMS  [6]uint32
	lvThAdd [6]uint32
)

// Adjust-voltage option defaults carried in SET_ADJUST_VOLT (Gen9 only).
const (
	adjVoltUpInit        = 5380
	adjVoltUpFactor      = 6
	adjVoltUpThreshold   = 5180
	adjVoltDownInit      = 5100
	adjVoltDownFactor    = 4
	adjVoltDownThreshold = 5210
	adjVoltTime          = 600
	adjVoltEnable        = 1
)

// Run advances m's configuration state machine by one pass: it updates the
// cutoff flag, then either drives the INIT sequence (once) or the
// PLL-ADJUST steady state, addressed at m's own slot. The cutoff only
// suppresses work acceptance, not configuration, so the INIT round still
// goes out on a module that attached hot.
func Run(ctx context.Context, gen generation.Generation, m *registry.Module, xport transport.Transport) error {
	updateCutoff(m)

	switch m.FreqMode {
	case protocol.FreqInitMode:
		return runInit(ctx, gen, m, xport)
	case protocol.FreqPLLAdjMode:
		// The module adjusts its own PLLs (smart-speed) or holds the
		// configured table; either way the host only observes here.
		return nil
	default:
		return nil
	}
}

// updateCutoff applies the overheat hysteresis: cutoff engages once any
// reported temperature reaches temp_overheat, and only clears once it has
// fallen cutoffHysteresis degrees below that, so the module doesn't
// chatter in and out of cutoff right at the threshold.
func updateCutoff(m *registry.Module) {
	hot := m.MaxTemp()
	if !m.Cutoff && hot >= m.TempOverheat {
		m.Cutoff = true
		return
	}
	if m.Cutoff && hot <= m.TempOverheat-cutoffHysteresis {
		m.Cutoff = false
	}
}

// runInit drives the one-time SET/SET_VOLT/[SET_ASIC_OTP]/SET_PLL/
// [SET_ADJUST_VOLT]/SET_FAC/SET_OC/[SET_SS]/SET_FIN sequence, then
// advances the module to PLL-ADJUST mode.
func runInit(ctx context.Context, gen generation.Generation, m *registry.Module, xport transport.Transport) error {
	if err := sendSet(ctx, gen, m, xport); err != nil {
		return err
	}
	if err := sendSetVolt(ctx, gen, m, xport); err != nil {
		return err
	}
	if gen.HasASICOTPSelect() {
		if err := sendSetASICOTP(ctx, m, xport); err != nil {
			return err
		}
	}
	if err := sendSetPLL(ctx, gen, m, xport); err != nil {
		return err
	}
	if gen.HasAdjustVoltOption() {
		if err := sendSetAdjustVolt(ctx, m, xport); err != nil {
			return err
		}
	}
	if err := sendSetFac(ctx, m, xport); err != nil {
		return err
	}
	if err := sendSetOC(ctx, m, xport); err != nil {
		return err
	}
	if m.SmartSpeed {
		if err := sendSetSS(ctx, m, xport); err != nil {
			return err
		}
	}
	if err := sendSetFin(ctx, m, xport); err != nil {
		return err
	}
	m.FreqMode = protocol.FreqPLLAdjMode
	return nil
}

// sendSet emits the SET packet: frequency selector, the smart-speed/
// nonce-check/roll flags, nonce mask, L2H/H2L mux settings, the spdlow/
// spdhigh thresholds (spdlow preferring the model-specific default), and
// the time base.
func sendSet(ctx context.Context, gen generation.Generation, m *registry.Module, xport transport.Transport) error {
	s := gen.Settings()
	if m.SpeedLow != 0 {
		s.SpeedLow = m.SpeedLow
	}

	pkt := protocol.New(protocol.OpSet, 0, 1, 1, nil)
	pkt.PutBE32(4, s.FreqSel)

	// flags bit 0: smart-speed switch, bit 1: nonce check, bit 2: roll.
	var flags uint8
	if m.SmartSpeed {
		flags |= 1 << 0
	}
	flags |= 1 << 1
	flags |= 1 << 2
	pkt.Data[8] = flags
	pkt.Data[9] = s.NonceMask

	pkt.PutBE32(10, s.MuxL2H)
	pkt.PutBE32(14, s.MuxH2L)
	pkt.PutBE32(18, s.H2LTime0Spd)
	pkt.PutBE32(22, s.SpeedLow)
	pkt.PutBE32(26, s.SpeedHigh)
	pkt.Data[30] = s.TBase

	return addressed(ctx, xport, m.Addr, pkt)
}

// sendSetASICOTP packs every miner's OTP-read ASIC selection into one
// SET_ASIC_OTP packet, one word per miner clamped to the miner's ASIC
// range. The module reports the selected ASIC's lot-id back through the
// staged STATUS_OTP reads.
func sendSetASICOTP(ctx context.Context, m *registry.Module, xport transport.Transport) error {
	pkt := protocol.New(protocol.OpSetASICOTP, 0, 1, 1, nil)
	for miner, asic := range m.OTPReadASIC {
		off := miner * 4
		if off+4 > protocol.DataLen {
			break
		}
		if asic < 0 {
			asic = 0
		} else if asic > m.ASICCount-1 {
			asic = m.ASICCount - 1
		}
		pkt.PutBE32(off, uint32(asic))
	}
	return addressed(ctx, xport, m.Addr, pkt)
}

// sendSetVolt packs every miner's encoded voltage level (plus the global
// offset) into one SET_VOLT packet, one register word per miner.
func sendSetVolt(ctx context.Context, gen generation.Generation, m *registry.Module, xport transport.Transport) error {
	pkt := protocol.New(protocol.OpSetVolt, 0, 1, 1, nil)
	for miner, level := range m.VoltageLevel {
		off := miner * 4
		if off+4 > protocol.DataLen {
			break
		}
		pkt.PutBE32(off, gen.EncodeVoltage(level+m.VoltageLevelOffset))
	}
	return addressed(ctx, xport, m.Addr, pkt)
}

// sendSetPLL pushes one SET_PLL packet per miner: the PLL table encoded
// through the generation's frequency-to-register lookup, followed by the
// per-ASIC timeout word derived from the table's highest frequency.
func sendSetPLL(ctx context.Context, gen generation.Generation, m *registry.Module, xport transport.Transport) error {
	for miner, row := range m.PLLTable {
		pkt := protocol.New(protocol.OpSetPLL, 0, uint8((miner&0x07)<<5), uint8(m.MinerCount), nil)

		fMax := uint32(1)
		for i, f := range row {
			off := i * 4
			if off+4 > protocol.DataLen {
				break
			}
			pkt.PutBE32(off, gen.FreqToRegister(f))
			if f > fMax {
				fMax = f
			}
		}
		pkt.PutBE32(gen.PLLCount()*4, asicTimeout(gen, fMax))

		if err := addressed(ctx, xport, m.Addr, pkt); err != nil {
			return err
		}
	}
	return nil
}

// asicTimeout computes ASIC_TIMEOUT_CONST/f_max*0.83, the per-ASIC settle
// window the module budgets for a PLL change to take effect, carried in
// the SET_PLL packet after the register table.
func asicTimeout(gen generation.Generation, fMax uint32) uint32 {
	if fMax == 0 {
		fMax = 1
	}
	return uint32(gen.ASICTimeoutConst() / uint64(fMax) * 83 / 100)
}

func sendSetAdjustVolt(ctx context.Context, m *registry.Module, xport transport.Transport) error {
	pkt := protocol.New(protocol.OpSetAdjustVolt, 0, 1, 1, nil)
	pkt.PutBE32(0, adjVoltUpInit)
	pkt.PutBE32(4, adjVoltUpFactor)
	pkt.PutBE32(8, adjVoltUpThreshold)
	pkt.PutBE32(12, adjVoltDownInit)
	pkt.PutBE32(16, adjVoltDownFactor)
	pkt.PutBE32(20, adjVoltDownThreshold)
	pkt.PutBE32(24, adjVoltTime)
	pkt.PutBE32(28, adjVoltEnable)
	return addressed(ctx, xport, m.Addr, pkt)
}

// sendSetFac pushes the module's factory calibration blob back down as
// SET_FAC, round-tripping the bytes STATUS_FAC last reported (or a
// zero-filled payload on a module that hasn't reported one yet).
func sendSetFac(ctx context.Context, m *registry.Module, xport transport.Transport) error {
	pkt := protocol.New(protocol.OpSetFac, 0, 1, 1, int8sToBytes(m.FactoryInfo))
	return addressed(ctx, xport, m.Addr, pkt)
}

// sendSetOC pushes the module's overclocking-info blob back down as
// SET_OC, the overclocking-toggle counterpart of sendSetFac.
func sendSetOC(ctx context.Context, m *registry.Module, xport transport.Transport) error {
	pkt := protocol.New(protocol.OpSetOC, 0, 1, 1, int8sToBytes(m.OverclockingInfo))
	return addressed(ctx, xport, m.Addr, pkt)
}

// int8sToBytes reinterprets a signed-byte blob as the raw bytes protocol.New
// copies into a packet's payload, matching registry.Module's []int8 storage
// for the STATUS_FAC/STATUS_OC blobs.
func int8sToBytes(s []int8) []byte {
	if len(s) == 0 {
		return nil
	}
	b := make([]byte, len(s))
	for i, v := range s {
		b[i] = byte(v)
	}
	return b
}

// sendSetSS carries the smart-speed thresholds: pass/fail counts, the
// add/mssel/ms/init word, the threshold timeout, and the three packed
// per-level words for levels 2 through 7.
func sendSetSS(ctx context.Context, m *registry.Module, xport transport.Transport) error {
	pkt := protocol.New(protocol.OpSetSS, 0, 1, 1, nil)
	pkt.PutBE32(0, thPass<<16|thFail)
	pkt.PutBE32(4, (thAdd&0x1)<<31|(thMSSel&0x1)<<30|(thMS&0x3fff)<<16|(thInit&0xffff))
	pkt.PutBE32(8, thTimeout)
	pkt.PutBE32(12, ssLevelWord(lvThAdd[1], lvThMS[1], lvThAdd[0], lvThMS[0])) // lv3 | lv2
	pkt.PutBE32(16, ssLevelWord(lvThAdd[3], lvThMS[3], lvThAdd[2], lvThMS[2])) // lv5 | lv4
	pkt.PutBE32(20, ssLevelWord(lvThAdd[5], lvThMS[5], lvThAdd[4], lvThMS[4])) // lv7 | lv6
	return addressed(ctx, xport, m.Addr, pkt)
}

// ssLevelWord packs one SET_SS per-level threshold word: the higher
// level's add bit and ms count ride the top half, the lower level's the
// bottom.
func ssLevelWord(hiAdd, hiMS, loAdd, loMS uint32) uint32 {
	return (hiAdd&0x1)<<31 | (hiMS&0x7fff)<<16 | (loAdd&0x1)<<15 | (loMS & 0x7fff)
}

func sendSetFin(ctx context.Context, m *registry.Module, xport transport.Transport) error {
	pkt := protocol.New(protocol.OpSetFin, 0, 1, 1, nil)
	return addressed(ctx, xport, m.Addr, pkt)
}

func addressed(ctx context.Context, xport transport.Transport, addr uint8, pkt protocol.Packet) error {
	if _, err := xport.Xfer(ctx, addr, pkt.Encode(), 0); err != nil {
		return fmt.Errorf("%w: addr %d op %#02x: %v", mmerr.ErrTransportFailure, addr, pkt.Type, err)
	}
	return nil
}
