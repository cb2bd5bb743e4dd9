// Package generation isolates the few numeric and protocol differences
// between MM-series generations (9 and LC3) behind a small strategy
// interface, so the rest of the driver is written once against Generation
// rather than branching on a version string.
package generation

import "mmdriver/internal/mm/protocol"

// Kind names a generation.
type Kind string

const (
	Gen9   Kind = "9"
	GenLC3 Kind = "LC3"
)

// InitSettings is the SET packet's per-generation field block: PLL
// frequency selector, smart-speed flags companion values, the nonce mask,
// the L2H/H2L mux settings, and the low/high speed thresholds.
type InitSettings struct {
	FreqSel     uint32
	NonceMask   uint8
	MuxL2H      uint32
	MuxH2L      uint32
	H2LTime0Spd uint32
	SpeedLow    uint32
	SpeedHigh   uint32
	TBase       uint8
}

// Generation carries the per-generation constants and small per-generation
// behaviors the rest of the driver needs.
type Generation interface {
	Kind() Kind

	PLLCount() int
	ASICMax() int
	MinerCount() int

	VoltageLevelMin() int
	VoltageLevelMax() int

	// FreqMax bounds the operator's per-PLL frequency table in MHz.
	FreqMax() uint32

	FanMin() int
	FanMax() int
	PWMMax() int

	DiffMax() uint32
	ASICTimeoutConst() uint64

	PIDDefaults() (p, i, d int)
	PIDTempMax() int

	// FanSeed computes the initial PID output the first time a module's
	// fan loop runs. tMax is the observed maximum temperature across the
	// module (board and per-ASIC); tMM is the board sensor alone. Gen9's
	// quadratic is defined over the board temperature; LC3 seeds from the
	// overall maximum instead.
	FanSeed(tMax, tMM float64) float64

	// FreqToRegister converts a PLL frequency in MHz to the register
	// value the module expects on the wire.
	FreqToRegister(mhz uint32) uint32

	// EncodeVoltage converts a voltage level in this generation's domain
	// to the register value SET_VOLT carries.
	EncodeVoltage(level int) uint32

	// Settings returns the SET packet's default field block.
	Settings() InitSettings

	// HasAdjustVoltOption reports whether this generation sends the
	// SET_ADJUST_VOLT packet during INIT-mode configuration.
	HasAdjustVoltOption() bool

	// HasASICOTPSelect reports whether this generation sends the
	// SET_ASIC_OTP packet during INIT-mode configuration, telling each
	// miner which ASIC to report its OTP lot-id for.
	HasASICOTPSelect() bool

	// StatusExtra returns the opcode generation-specific status type
	// carried at the 0x4f slot: STATUS_PVT_RO on Gen9, STATUS_OTP on LC3.
	StatusExtra() protocol.Op
}

// For builds the Generation implementation matching kind, or (nil, false)
// if kind does not match a known generation.
func For(kind Kind) (Generation, bool) {
	switch kind {
	case Gen9:
		return gen9{}, true
	case GenLC3:
		return genLC3{}, true
	default:
		return nil, false
	}
}
