package generation

import "mmdriver/internal/mm/protocol"

type gen9 struct{}

func (gen9) Kind() Kind { return Gen9 }

func (gen9) PLLCount() int   { return 7 }
func (gen9) ASICMax() int    { return 26 }
func (gen9) MinerCount() int { return 4 }

func (gen9) VoltageLevelMin() int { return -15 }
func (gen9) VoltageLevelMax() int { return 15 }

func (gen9) FreqMax() uint32 { return 1200 }

func (gen9) FanMin() int { return 5 }
func (gen9) FanMax() int { return 100 }
func (gen9) PWMMax() int { return 0x3FF }

func (gen9) DiffMax() uint32          { return 2911 }
func (gen9) ASICTimeoutConst() uint64 { return 419430400 } // (2^32 * 1000) / (256 * 40)

func (gen9) PIDDefaults() (p, i, d int) { return 1, 5, 0 }
func (gen9) PIDTempMax() int            { return 105 }

func (g gen9) FanSeed(tMax, tMM float64) float64 {
	return 0.0327*tMM*tMM + 0.84*tMM + 31
}

// cpmTable9 is the A3206 clock-path-management register value per 25 MHz
// step; cpmTable9Half covers the half-step frequencies from 712.5 MHz up.
var cpmTable9 = [...]uint32{
	0x00000000, 0x0c041205, 0x0c041203, 0x0c031103, 0x0c041103, 0x0c079183,
	0x0c079503, 0x0c07ed83, 0x0c040603, 0x0c06c703, 0x0c078703, 0x0c042583,
	0x0c078683, 0x0c068603, 0x0c070603, 0x0c078603, 0x0c040503, 0x0c044503,
	0x0c048503, 0x0c04c503, 0x0c050503, 0x0c054503, 0x0c058503, 0x0c05c503,
	0x0c060503, 0x0c064503, 0x0c068503, 0x0c06c503, 0x0c070503, 0x0c074503,
	0x0c078503, 0x0c07c503, 0x0c040483, 0x0c042483, 0x0c044483, 0x0c046483,
	0x0c048483, 0x0c04a483, 0x0c04c483, 0x0c04e483, 0x0c050483, 0x0c052483,
	0x0c054483, 0x0c056483, 0x0c058483, 0x0c05a483, 0x0c05c483, 0x0c05e483,
	0x0c060483, 0x0c062483, 0x0c064483, 0x0c066483, 0x0c068483, 0x0c06a483,
	0x0c06c483, 0x0c06e483,
}

var cpmTable9Half = [...]uint32{
	0x0c072503, // 712.5
	0x0c076503, // 737.5
	0x0c07a503, // 762.5
	0x0c07e503, // 787.5
	0x0c082503, // 812.5
	0x0c086503, // 837.5
	0x0c08a503, // 862.5
	0x0c08e503, // 887.5
}

// FreqToRegister encodes a PLL frequency request into the module's CPM
// register value: whole 25 MHz steps index the main table, the off-grid
// frequencies from 712 MHz up index the half-step table, mirroring
// api_get_cpm.
func (g gen9) FreqToRegister(mhz uint32) uint32 {
	if mhz%25 == 0 {
		i := mhz / 25
		if int(i) >= len(cpmTable9) {
			i = uint32(len(cpmTable9) - 1)
		}
		return cpmTable9[i]
	}
	if mhz < 712 {
		return cpmTable9[0]
	}
	i := (mhz - 712) / 25
	if int(i) >= len(cpmTable9Half) {
		i = uint32(len(cpmTable9Half) - 1)
	}
	return cpmTable9Half[i]
}

// EncodeVoltage maps a level in -15..15 to the SET_VOLT register value:
// bit 15 always set, bit 7 marking a negative level, magnitude in the low
// bits.
func (g gen9) EncodeVoltage(level int) uint32 {
	if level > g.VoltageLevelMax() {
		level = g.VoltageLevelMax()
	} else if level < g.VoltageLevelMin() {
		level = g.VoltageLevelMin()
	}
	if level < 0 {
		return 0x8080 | uint32(-level)
	}
	return 0x8000 | uint32(level)
}

func (gen9) Settings() InitSettings {
	return InitSettings{
		FreqSel:     7,
		NonceMask:   24,
		MuxL2H:      0,
		MuxH2L:      1,
		H2LTime0Spd: 3,
		SpeedLow:    6,
		SpeedHigh:   7,
	}
}

func (gen9) HasAdjustVoltOption() bool { return true }

func (gen9) HasASICOTPSelect() bool { return false }

func (gen9) StatusExtra() protocol.Op { return protocol.OpStatusPvtRO }
