// Package telemetry decodes module-to-host status and share packets into a
// Module's live state.
package telemetry

import (
	"log"

	"mmdriver/internal/mm/generation"
	"mmdriver/internal/mm/jobpusher"
	"mmdriver/internal/mm/protocol"
	"mmdriver/internal/mm/registry"
)

// SubmitFunc hands an accepted-looking share up to the embedding pool
// client for final submission. job is a copy of the ring slot the share
// matched against; nonce2/ntime/nonce are the values reported in the NONCE
// packet.
type SubmitFunc func(job jobpusher.JobView, nonce2, ntime, nonce uint32) (accepted bool, err error)

// Ingest dispatches one module-to-host packet to the handler for its opcode
// and mutates m in place. The caller must hold the registry's write lock
// (the polling sweep takes it around each call). Packets with miner/asic indices the module's own MinerCount/
// ASICCount can't support are dropped and logged rather than panicking —
// a malformed or adversarial packet must never crash the driver.
func Ingest(m *registry.Module, pkt protocol.Packet, ring *jobpusher.Ring, submit SubmitFunc) {
	switch pkt.Type {
	case protocol.OpNonce:
		ingestNonce(m, pkt, ring, submit)
	case protocol.OpStatus:
		ingestStatus(m, pkt)
	case protocol.OpStatusVolt:
		ingestStatusVolt(m, pkt)
	case protocol.OpStatusPMU:
		ingestStatusPMU(m, pkt)
	case protocol.OpStatusPLL:
		ingestStatusPLL(m, pkt)
	case protocol.OpStatusPvt:
		ingestStatusPvt(m, pkt)
	case protocol.OpStatusAsic:
		ingestStatusAsic(m, pkt)
	case protocol.OpStatusAsicPLL:
		ingestStatusAsicPLL(m, pkt)
	case protocol.OpStatusPvtRO: // == OpStatusOTP; the 0x4f slot's meaning
		// is per generation, not per packet.
		if m.Gen != nil && m.Gen.Kind() == generation.GenLC3 {
			ingestStatusOTP(m, pkt)
		} else {
			ingestStatusPvtRO(m, pkt)
		}
	case protocol.OpStatusFac:
		ingestStatusFac(m, pkt)
	case protocol.OpStatusOC:
		ingestStatusOC(m, pkt)
	case protocol.OpStatusSSPara:
		ingestStatusSSPara(m, pkt)
	default:
		log.Printf("telemetry: module %d: unhandled opcode %#02x", m.Addr, pkt.Type)
	}
}

func validMiner(m *registry.Module, miner int) bool {
	return miner >= 0 && miner < m.MinerCount
}

func validAsic(m *registry.Module, asic int) bool {
	return asic >= 0 && asic < m.ASICCount
}

// Payload offsets within the NONCE packet. The first word packs the chip
// id in its high half and the miner in its low half.
const (
	nonceChipOffset   = 0
	nonceMinerOffset  = 2
	nonceNonce2Offset = 4
	nonceNTimeOffset  = 8
	nonceNonceOffset  = 12
	nonceJobCRCOffset = 16
	noncePoolOffset   = 18
)

func ingestNonce(m *registry.Module, pkt protocol.Packet, ring *jobpusher.Ring, submit SubmitFunc) {
	chip := int(pkt.BE16(nonceChipOffset))
	miner := int(pkt.BE16(nonceMinerOffset))
	if !validMiner(m, miner) || !validAsic(m, chip) {
		log.Printf("telemetry: module %d: NONCE out of range miner=%d chip=%d", m.Addr, miner, chip)
		return
	}

	nonce2 := pkt.BE32(nonceNonce2Offset)
	ntime := pkt.BE32(nonceNTimeOffset)
	nonce := pkt.BE32(nonceNonceOffset)
	jobCRC := pkt.BE16(nonceJobCRCOffset)
	poolNo := int(pkt.BE16(noncePoolOffset))

	snap, ok := ring.Match(jobCRC)
	if !ok {
		// No job in the three-deep ring matches: counted as a hardware
		// error, the same as a rejected share.
		creditHWError(m, miner)
		return
	}
	if poolNo != snap.PoolNo {
		log.Printf("telemetry: module %d: NONCE pool index %d does not match job %q (pool %d)",
			m.Addr, poolNo, snap.JobID, snap.PoolNo)
		creditHWError(m, miner)
		return
	}

	accepted := false
	var err error
	if submit != nil {
		accepted, err = submit(snap, nonce2, ntime, nonce)
	}
	if err != nil || !accepted {
		creditHWError(m, miner)
		return
	}

	m.Diff1 += uint64(snap.Diff)
	m.LocalWorksI[miner]++
	m.LocalWorks++
	m.ChipMatchingWork[miner][chip]++
}

func creditHWError(m *registry.Module, miner int) {
	m.HWWorksI[miner]++
	m.HWWorks++
}

// Payload offsets within the STATUS packet. Idx selects the reporting
// miner; Cnt names the error-code slot the aggregate word at offset 20
// lands in (the one past the last miner).
const (
	statusTempOffset       = 0
	statusFanOffset        = 4
	statusLocalWorkOffset  = 8
	statusHWWorkOffset     = 12
	statusErrCodeOffset    = 16
	statusAggErrCodeOffset = 20
	statusCRCErrOffset     = 24
)

func ingestStatus(m *registry.Module, pkt protocol.Packet) {
	miner := int(pkt.Idx)

	m.TempMM = float64(int32(pkt.BE32(statusTempOffset)))
	m.FanCPM = int(pkt.BE32(statusFanOffset))
	if agg := int(pkt.Cnt); agg >= 0 && agg < len(m.ErrorCode) {
		m.ErrorCode[agg] = pkt.BE32(statusAggErrCodeOffset)
	}

	if !validMiner(m, miner) {
		log.Printf("telemetry: module %d: STATUS out of range miner=%d", m.Addr, miner)
		return
	}
	m.LocalWorksI[miner] += uint64(pkt.BE32(statusLocalWorkOffset))
	m.LocalWorks += uint64(pkt.BE32(statusLocalWorkOffset))
	m.HWWorksI[miner] += uint64(pkt.BE32(statusHWWorkOffset))
	m.HWWorks += uint64(pkt.BE32(statusHWWorkOffset))
	m.ErrorCode[miner] = pkt.BE32(statusErrCodeOffset)
	m.ErrorCRC[miner] += pkt.BE32(statusCRCErrOffset)
}

// STATUS_VOLT: every miner's output voltage in one packet, one raw ADC
// word per miner, converting via raw*vout_adc_ratio/asic_count/100.
func ingestStatusVolt(m *registry.Module, pkt protocol.Packet) {
	if m.ASICCount == 0 {
		return
	}
	for miner := 0; miner < m.MinerCount && miner < len(m.OutputMilliVolt); miner++ {
		off := miner * 4
		if off+4 > protocol.DataLen {
			break
		}
		raw := pkt.BE32(off)
		m.OutputMilliVolt[miner] = uint32(uint64(raw) * uint64(m.VoutADCRatio) / uint64(m.ASICCount) / 100)
	}
}

// STATUS_PMU: power-good byte, one 16-bit big-endian input-voltage reading
// per miner, and the two PMU firmware version words. The original's get_vin
// path widened the per-miner field to 32 bits through a 2-byte memcpy; the
// wire value is 16 bits, so it is read as such here.
const (
	pmuVinOffset       = 8
	pmuPowerGoodOffset = 16
	pmuVersionOffset   = 24
)

func ingestStatusPMU(m *registry.Module, pkt protocol.Packet) {
	m.PowerGood = pkt.Data[pmuPowerGoodOffset] != 0
	for i := 0; i < len(m.PMUVersion); i++ {
		off := pmuVersionOffset + i*4
		if off+4 > protocol.DataLen {
			break
		}
		m.PMUVersion[i] = pkt.BE32(off)
	}

	for miner := 0; miner < m.MinerCount && miner < len(m.InputMilliVolt); miner++ {
		raw := pkt.BE16(pmuVinOffset + miner*2)
		m.InputMilliVolt[miner] = uint32(raw) * uint32(m.VinADCRatio) / 1000
	}
}

// STATUS_PLL: commanded (opt clear) or observed (opt set) per-miner PLL
// frequency table, one BE32 word per configured PLL starting at offset 0.
func ingestStatusPLL(m *registry.Module, pkt protocol.Packet) {
	miner := int(pkt.Idx)
	if !validMiner(m, miner) {
		log.Printf("telemetry: module %d: STATUS_PLL out of range miner=%d", m.Addr, miner)
		return
	}
	target := m.PLLTable
	if pkt.Opt != 0 {
		target = m.GetPLL
	}
	n := len(target[miner])
	for i := 0; i < n && (i*4+4) <= protocol.DataLen; i++ {
		target[miner][i] = pkt.BE32(i * 4)
	}
}

// STATUS_PVT: one ASIC column's temperature and core-voltage codes, the
// ASIC selected by Idx and one (temp, volt) 16-bit pair per miner in the
// payload (Mode-2 sensor, decoded the way the original decode_pvt_temp/
// decode_pvt_volt do).
func ingestStatusPvt(m *registry.Module, pkt protocol.Packet) {
	asic := int(pkt.Idx)
	if !validAsic(m, asic) {
		log.Printf("telemetry: module %d: STATUS_PVT out of range asic=%d", m.Addr, asic)
		return
	}
	for miner := 0; miner < m.MinerCount; miner++ {
		off := miner * 4
		if off+4 > protocol.DataLen {
			break
		}
		m.TempMatrix[miner][asic] = decodePvtTemp(pkt.BE16(off))
		m.CoreVolt[miner][asic] = decodePvtVolt(pkt.BE16(off + 2))
	}
}

// decodePvtTemp implements the Mode-2 PVT temperature sensor conversion:
// 60 + 200*(code/4094 - 0.5) - 0.625. The trailing constant is the only
// contribution the sensor clock makes, so no fclkm parameter is threaded
// through.
func decodePvtTemp(code uint16) int {
	f := 60 + 200*(float64(code)/4094-0.5) - 0.625
	return int(f)
}

// decodePvtVolt implements the PVT core-voltage sensor conversion:
// max(0, 1.2/5*(6*(raw-0.5)/16384-1))*1000, in millivolts.
func decodePvtVolt(raw uint16) uint32 {
	v := 1.2 / 5 * (6*(float64(raw)-0.5)/16384 - 1)
	if v < 0 {
		v = 0
	}
	return uint32(v * 1000)
}

// asicCoords splits the flat Idx byte STATUS_ASIC and STATUS_ASIC_PLL
// carry into the (miner, asic) pair: idx = miner*asic_count + asic.
func asicCoords(m *registry.Module, pkt protocol.Packet) (miner, asic int, ok bool) {
	if m.ASICCount == 0 {
		return 0, 0, false
	}
	miner = int(pkt.Idx) / m.ASICCount
	asic = int(pkt.Idx) % m.ASICCount
	if !validMiner(m, miner) {
		log.Printf("telemetry: module %d: %#02x out of range idx=%d", m.Addr, pkt.Type, pkt.Idx)
		return 0, 0, false
	}
	return miner, asic, true
}

// STATUS_ASIC: per (miner, asic) self-test pass/fail counters followed by
// the per-PLL smart-speed hit counts. Zero counter words leave the stored
// value alone, matching the module's "no new result" convention.
const (
	asicPassOffset    = 0
	asicFailOffset    = 4
	asicPLLHitsOffset = 8
)

func ingestStatusAsic(m *registry.Module, pkt protocol.Packet) {
	miner, asic, ok := asicCoords(m, pkt)
	if !ok {
		return
	}
	if v := pkt.BE32(asicPassOffset); v != 0 {
		m.AsicPass[miner][asic] = v
	}
	if v := pkt.BE32(asicFailOffset); v != 0 {
		m.AsicFail[miner][asic] = v
	}
	n := len(m.AsicPLLHits[miner][asic])
	for i := 0; i < n; i++ {
		off := asicPLLHitsOffset + i*2
		if off+2 > protocol.DataLen {
			break
		}
		m.AsicPLLHits[miner][asic][i] = uint32(pkt.BE16(off))
	}
}

// STATUS_ASIC_PLL: per (miner, asic) actual frequency for every configured
// PLL, one BE16 word per PLL from offset 0.
func ingestStatusAsicPLL(m *registry.Module, pkt protocol.Packet) {
	miner, asic, ok := asicCoords(m, pkt)
	if !ok {
		return
	}
	n := len(m.ActualFreq[miner][asic])
	for i := 0; i < n; i++ {
		off := i * 2
		if off+2 > protocol.DataLen {
			break
		}
		m.ActualFreq[miner][asic][i] = uint32(pkt.BE16(off))
	}
}

// STATUS_PVT_RO (Gen9): one read-only PVT word at the (miner, asic,
// channel) coordinates carried in the payload header, gated by the
// validity byte.
const (
	pvtROValueOffset   = 0
	pvtROMinerOffset   = 4
	pvtROAsicOffset    = 5
	pvtROChannelOffset = 6
	pvtROValidOffset   = 7
)

func ingestStatusPvtRO(m *registry.Module, pkt protocol.Packet) {
	if pkt.Data[pvtROValidOffset] == 0 {
		return
	}
	miner := int(pkt.Data[pvtROMinerOffset])
	asic := int(pkt.Data[pvtROAsicOffset])
	channel := int(pkt.Data[pvtROChannelOffset])
	if !validMiner(m, miner) || !validAsic(m, asic) || channel < 0 || channel >= registry.PvtROChannels {
		log.Printf("telemetry: module %d: STATUS_PVT_RO out of range miner=%d asic=%d channel=%d",
			m.Addr, miner, asic, channel)
		return
	}
	m.PvtRO[miner][asic][channel] = pkt.BE32(pvtROValueOffset)
}

// STATUS_OTP (LC3): staged lot-id/CRC assembly. Each packet carries one
// read step's slice at the same payload offsets the assembled blob uses;
// a set cycle-hit byte means the module has exhausted its OTP read budget
// and stops all further assembly.
const (
	otpLotIDCRCOffset = 0
	otpLotIDOffset    = 6
	otpReadStepOffset = 27
	otpCycleHitOffset = 29
)

func ingestStatusOTP(m *registry.Module, pkt protocol.Packet) {
	if m.OTPCycleHit {
		return
	}
	if pkt.Data[otpCycleHitOffset] != 0 {
		m.OTPCycleHit = true
		return
	}

	miner := int(pkt.Idx)
	if !validMiner(m, miner) {
		log.Printf("telemetry: module %d: STATUS_OTP out of range miner=%d", m.Addr, miner)
		return
	}
	dst := m.OTPInfo[miner]

	// Reading step on the module side: 0 and 1 cover the lot-id CRC
	// bytes, 2 through 6 the lot id proper, four bytes per step.
	switch pkt.Data[otpReadStepOffset] {
	case 0:
		copy(dst[otpLotIDCRCOffset:otpLotIDCRCOffset+4], pkt.Data[otpLotIDCRCOffset:otpLotIDCRCOffset+4])
	case 1:
		copy(dst[otpLotIDCRCOffset+4:otpLotIDCRCOffset+6], pkt.Data[otpLotIDCRCOffset+4:otpLotIDCRCOffset+6])
	case 2:
		copy(dst[otpLotIDOffset:otpLotIDOffset+4], pkt.Data[otpLotIDOffset:otpLotIDOffset+4])
	case 3:
		copy(dst[otpLotIDOffset+4:otpLotIDOffset+8], pkt.Data[otpLotIDOffset+4:otpLotIDOffset+8])
	case 4:
		copy(dst[otpLotIDOffset+8:otpLotIDOffset+12], pkt.Data[otpLotIDOffset+8:otpLotIDOffset+12])
	case 5:
		copy(dst[otpLotIDOffset+12:otpLotIDOffset+16], pkt.Data[otpLotIDOffset+12:otpLotIDOffset+16])
	case 6:
		copy(dst[otpLotIDOffset+16:otpLotIDOffset+20], pkt.Data[otpLotIDOffset+16:otpLotIDOffset+20])
	}

	// The step echo and its trailing bytes ride along for diagnostics.
	copy(dst[otpReadStepOffset:otpReadStepOffset+4], pkt.Data[otpReadStepOffset:otpReadStepOffset+4])
}

// STATUS_FAC: one factory calibration byte per miner.
func ingestStatusFac(m *registry.Module, pkt protocol.Packet) {
	blob := make([]int8, m.MinerCount)
	for i := 0; i < m.MinerCount && i < protocol.DataLen; i++ {
		blob[i] = int8(pkt.Data[i])
	}
	m.FactoryInfo = blob
}

// STATUS_OC: the module's single overclocking-state byte.
func ingestStatusOC(m *registry.Module, pkt protocol.Packet) {
	m.OverclockingInfo = []int8{int8(pkt.Data[0])}
}

// STATUS_SS_PARA: module-reported smart-speed enable and target
// temperature; when enabled the host's fan PID adopts the module's
// target rather than its own configured one.
func ingestStatusSSPara(m *registry.Module, pkt protocol.Packet) {
	m.SSParaEn = pkt.Data[0] != 0
	if m.SSParaEn {
		m.SSParaTargetTemp = int(pkt.Data[1])
		m.TempTarget = m.SSParaTargetTemp
	}
}
