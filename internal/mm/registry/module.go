// Package registry holds the fixed-size module slot table and the
// device-model lookup used to size a newly discovered module.
package registry

import (
	"time"

	"mmdriver/internal/mm/generation"
	"mmdriver/internal/mm/protocol"
)

// DefaultModulars is the number of addressable slots on the bus, including
// the reserved broadcast address 0; index AVA9_DEFAULT_MODULARS-1 is kept
// empty as the sentinel that marks the bus as overloaded.
const DefaultModulars = 7

// Latest, OneReadingAgo, TwoReadingsAgo index the PID error history, kept
// named rather than bare 0/1/2 at the call sites that shift it.
const (
	Latest         = 0
	OneReadingAgo  = 1
	TwoReadingsAgo = 2
)

// PID carries one module's incremental fan-PID controller state.
type PID struct {
	P, I, D int
	U       float64
	E       [3]int
	Seeded  bool
}

// Module is one slot's worth of live state: identity, configuration, and
// the telemetry the Telemetry Ingester keeps current. It is always accessed
// through Registry's lock, never copied out live — callers that need a
// point-in-time view call Registry.SnapshotAll.
type Module struct {
	Addr    uint8
	Enabled bool

	DNA        [8]byte
	Version    string
	Gen        generation.Generation
	MinerCount int
	ASICCount  int
	TotalASICs int // as reported in ACKDETECT, informational

	VinADCRatio  uint16
	VoutADCRatio uint16

	Joined time.Time

	FreqMode        protocol.FreqMode
	TempOverheat    int
	TempTarget      int
	Cutoff          bool
	TempMM          float64
	TempMatrix      [][]int    // [miner][asic], -273 = unknown
	CoreVolt        [][]uint32 // [miner][asic], millivolts, from STATUS_PVT
	OutputMilliVolt []uint32   // [miner], from STATUS_VOLT

	FanPct   int
	FanCPM   int
	FanMin   int // operator-adjustable, seeded from the generation's default
	FanMax   int
	PIDState PID

	VoltageLevel       []int
	VoltageLevelOffset int
	PLLTable           [][]uint32 // [miner][pllIdx], commanded
	GetPLL             [][]uint32 // [miner][pllIdx], observed

	// SmartSpeed is the operator's smart-speed switch, carried in the SET
	// packet's flags and gating SET_SS; distinct from SSParaEn, the
	// module's own reported smart-speed state.
	SmartSpeed bool
	SpeedLow   uint32 // model-specific spdlow, from the device-model table

	LocalWorks       uint64
	LocalWorksI      []uint64
	HWWorks          uint64
	HWWorksI         []uint64
	ChipMatchingWork [][]uint64 // [miner][asic]

	// Per-chip self-test counters (STATUS_ASIC) and per-PLL hit counts /
	// actual-frequency vector (STATUS_ASIC_PLL), both [miner][asic]-shaped
	// (the PLL-indexed ones add a third dimension).
	AsicPass    [][]uint32
	AsicFail    [][]uint32
	AsicPLLHits [][][]uint32 // [miner][asic][pll]
	ActualFreq  [][][]uint32 // [miner][asic][pll]

	ErrorCode       []uint32 // len MinerCount+1
	ErrorCRC        []uint32
	ErrorPollingCnt uint8

	PowerGood      bool
	PMUVersion     []uint32
	InputMilliVolt []uint32 // [miner], from STATUS_PMU

	Diff1 uint64

	LEDIndicator int
	Reboot       bool

	FactoryInfo      []int8
	OverclockingInfo []int8

	SSParaEn         bool
	SSParaTargetTemp int

	// Gen9's read-only PVT words, keyed [miner][asic][channel].
	PvtRO [][][]uint32

	// LC3's per-miner OTP blob, assembled across the module's staged
	// reads; OTPCycleHit latches once the module reports its read-cycle
	// limit, stopping further assembly. OTPReadASIC selects, per miner,
	// which ASIC the module reads its OTP lot-id from (carried down in
	// SET_ASIC_OTP during configuration).
	OTPInfo     [][]byte
	OTPCycleHit bool
	OTPReadASIC []int
}

// PvtROChannels is the per-(miner,asic) read-only PVT channel count.
const PvtROChannels = 12

// OTPInfoLen is the assembled per-miner OTP blob size: the 32 OTP bytes
// plus the trailing read-step echo byte.
const OTPInfoLen = 33

// MaxTemp returns the module's observed maximum temperature: the board
// sensor (TempMM) or any per-(miner,ASIC) PVT reading, whichever is
// hottest. This is the "t" the fan PID and the overheat cutoff both key
// off, as distinct from TempMM alone.
func (m *Module) MaxTemp() int {
	hot := int(m.TempMM)
	for _, row := range m.TempMatrix {
		for _, t := range row {
			if t > hot {
				hot = t
			}
		}
	}
	return hot
}

// NewModule builds a freshly discovered module's slot state, mirroring the
// full reset detect_modules performs on a newly-enabled slot.
func NewModule(addr uint8, version string, model ModelDescriptor, gen generation.Generation, now time.Time) *Module {
	m := &Module{
		Addr:         addr,
		Enabled:      true,
		Version:      version,
		Gen:          gen,
		MinerCount:   model.MinerCount,
		ASICCount:    model.ASICCount,
		VinADCRatio:  model.VinADCRatio,
		VoutADCRatio: model.VoutADCRatio,
		Joined:       now,
		SpeedLow:     model.SpeedLow,
		FreqMode:     protocol.FreqInitMode,
		TempOverheat: 105,
		TempTarget:   93,
		FanPct:       gen.FanMin(),
		FanMin:       gen.FanMin(),
		FanMax:       gen.FanMax(),
		ErrorCode:    make([]uint32, model.MinerCount+1),
		ErrorCRC:     make([]uint32, model.MinerCount),
		PMUVersion:   make([]uint32, 2),
		LocalWorksI:  make([]uint64, model.MinerCount),
		HWWorksI:     make([]uint64, model.MinerCount),
	}
	m.InputMilliVolt = make([]uint32, model.MinerCount)
	m.PIDState = PID{P: func() int { p, _, _ := gen.PIDDefaults(); return p }(),
		I: func() int { _, i, _ := gen.PIDDefaults(); return i }(),
		D: func() int { _, _, d := gen.PIDDefaults(); return d }(),
		U: float64(gen.FanMin()),
	}

	m.TempMatrix = make([][]int, model.MinerCount)
	m.CoreVolt = make([][]uint32, model.MinerCount)
	m.ChipMatchingWork = make([][]uint64, model.MinerCount)
	m.PLLTable = make([][]uint32, model.MinerCount)
	m.GetPLL = make([][]uint32, model.MinerCount)
	m.VoltageLevel = make([]int, model.MinerCount)
	m.OutputMilliVolt = make([]uint32, model.MinerCount)
	m.AsicPass = make([][]uint32, model.MinerCount)
	m.AsicFail = make([][]uint32, model.MinerCount)
	m.AsicPLLHits = make([][][]uint32, model.MinerCount)
	m.ActualFreq = make([][][]uint32, model.MinerCount)
	m.PvtRO = make([][][]uint32, model.MinerCount)
	m.OTPInfo = make([][]byte, model.MinerCount)
	for i := 0; i < model.MinerCount; i++ {
		m.TempMatrix[i] = make([]int, model.ASICCount)
		for a := range m.TempMatrix[i] {
			m.TempMatrix[i][a] = -273
		}
		m.CoreVolt[i] = make([]uint32, model.ASICCount)
		m.ChipMatchingWork[i] = make([]uint64, model.ASICCount)
		m.PLLTable[i] = append([]uint32(nil), model.DefaultPLL...)
		m.GetPLL[i] = make([]uint32, gen.PLLCount())
		m.VoltageLevel[i] = model.DefaultVoltage
		m.AsicPass[i] = make([]uint32, model.ASICCount)
		m.AsicFail[i] = make([]uint32, model.ASICCount)
		m.AsicPLLHits[i] = make([][]uint32, model.ASICCount)
		m.ActualFreq[i] = make([][]uint32, model.ASICCount)
		m.PvtRO[i] = make([][]uint32, model.ASICCount)
		for a := 0; a < model.ASICCount; a++ {
			m.AsicPLLHits[i][a] = make([]uint32, gen.PLLCount())
			m.ActualFreq[i][a] = make([]uint32, gen.PLLCount())
			m.PvtRO[i][a] = make([]uint32, PvtROChannels)
		}
		m.OTPInfo[i] = make([]byte, OTPInfoLen)
	}
	m.OTPReadASIC = make([]int, model.MinerCount)
	return m
}
