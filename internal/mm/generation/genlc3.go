package generation

import "mmdriver/internal/mm/protocol"

type genLC3 struct{}

func (genLC3) Kind() Kind { return GenLC3 }

func (genLC3) PLLCount() int   { return 4 }
func (genLC3) ASICMax() int    { return 34 }
func (genLC3) MinerCount() int { return 4 }

func (genLC3) VoltageLevelMin() int { return 0 }
func (genLC3) VoltageLevelMax() int { return 31 }

func (genLC3) FreqMax() uint32 { return 1404 }

func (genLC3) FanMin() int { return 5 }
func (genLC3) FanMax() int { return 100 }
func (genLC3) PWMMax() int { return 0x3FF }

func (genLC3) DiffMax() uint32          { return 2700 }
func (genLC3) ASICTimeoutConst() uint64 { return 419430400 }

func (genLC3) PIDDefaults() (p, i, d int) { return 2, 5, 0 }
func (genLC3) PIDTempMax() int            { return 100 }

func (g genLC3) FanSeed(tMax, tMM float64) float64 {
	// Gen9 seeds from a board-temperature quadratic; LC3 seeds directly
	// from the observed (overall maximum) temperature instead.
	return tMax
}

// cpmTableLC3 is the LC3 silicon's clock-path-management register value
// per 25 MHz step.
var cpmTableLC3 = [...]uint32{
	0x04400000, 0x04000000, 0x008ffbe1, 0x0097fde1, 0x009fffe1, 0x009ddf61,
	0x009dcf61, 0x009f47c1, 0x009fbfe1, 0x009f37c1, 0x009daf61, 0x009b26c1,
	0x009da761, 0x00999e61, 0x009b9ee1, 0x009d9f61, 0x009f9fe1, 0x00991641,
	0x009a96a1, 0x009c1701, 0x009d9761, 0x009f17c1, 0x00958d61, 0x00968da1,
	0x00978de1, 0x00988e21, 0x00998e61, 0x009a8ea1, 0x009b8ee1, 0x009c8f21,
	0x009d8f61, 0x009e8fa1, 0x009f8fe1, 0x00900401, 0x00908421, 0x00910441,
	0x00918461, 0x00920481, 0x009284a1, 0x009304c1, 0x009384e1, 0x00940501,
	0x00948521, 0x00950541, 0x00958561, 0x00960581, 0x009685a1, 0x009705c1,
	0x009785e1,
}

func (genLC3) FreqToRegister(mhz uint32) uint32 {
	i := mhz / 25
	if int(i) >= len(cpmTableLC3) {
		i = uint32(len(cpmTableLC3) - 1)
	}
	return cpmTableLC3[i]
}

// EncodeVoltage clamps to the 0..31 domain; the LC3 register value is the
// level itself, no sign or marker bits.
func (g genLC3) EncodeVoltage(level int) uint32 {
	if level > g.VoltageLevelMax() {
		level = g.VoltageLevelMax()
	} else if level < g.VoltageLevelMin() {
		level = g.VoltageLevelMin()
	}
	return uint32(level)
}

func (genLC3) Settings() InitSettings {
	return InitSettings{
		FreqSel:     3,
		NonceMask:   27,
		MuxL2H:      0,
		MuxH2L:      1,
		H2LTime0Spd: 3,
		SpeedLow:    2,
		SpeedHigh:   3,
	}
}

func (genLC3) HasAdjustVoltOption() bool { return false }

func (genLC3) HasASICOTPSelect() bool { return true }

func (genLC3) StatusExtra() protocol.Op { return protocol.OpStatusOTP }
