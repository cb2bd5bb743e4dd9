package registry

import "mmdriver/internal/mm/generation"

// ModelDescriptor is one row of the device-model table: the capability
// profile a module's version-string prefix maps to.
type ModelDescriptor struct {
	Prefix          string
	Generation      generation.Kind
	MinerCount      int
	ASICCount       int
	VinADCRatio     uint16
	VoutADCRatio    uint16
	DefaultVoltage  int
	DefaultPLL      []uint32
	SpeedLow        uint32
}

// modelTable mirrors the original driver's per-model capability rows. The
// ADC ratios are the dev_description divider constants rounded to the
// uint16 the conversion paths use (3.3/4095*25.62/5.62*1000*100 for vin,
// 3.3/4095*72.3/20*10000*100 for vout); models not present in the original
// tables are intentionally omitted rather than guessed.
var modelTable = []ModelDescriptor{
	{
		Prefix:         "921",
		Generation:     generation.Gen9,
		MinerCount:     4,
		ASICCount:      26,
		VinADCRatio:    367,
		VoutADCRatio:   2913,
		DefaultVoltage: 8,
		DefaultPLL:     []uint32{0, 0, 0, 0, 0, 775, 787},
		SpeedLow:       6,
	},
	{
		Prefix:         "920P",
		Generation:     generation.Gen9,
		MinerCount:     4,
		ASICCount:      26,
		VinADCRatio:    367,
		VoutADCRatio:   2913,
		DefaultVoltage: 8,
		DefaultPLL:     []uint32{0, 0, 0, 0, 0, 775, 787},
		SpeedLow:       6,
	},
	{
		Prefix:         "920",
		Generation:     generation.Gen9,
		MinerCount:     4,
		ASICCount:      26,
		VinADCRatio:    367,
		VoutADCRatio:   2913,
		DefaultVoltage: 5,
		DefaultPLL:     []uint32{0, 0, 0, 0, 0, 700, 750},
		SpeedLow:       6,
	},
	{
		// The LC3 board reports its rails through STATUS_POWER rather
		// than the gen-9 ADC dividers, so it carries no ratios here.
		Prefix:         "LC3",
		Generation:     generation.GenLC3,
		MinerCount:     4,
		ASICCount:      34,
		DefaultVoltage: 5,
		DefaultPLL:     []uint32{0, 0, 0, 500},
		SpeedLow:       2,
	},
}

// LookupModel matches a module's reported version string against the
// device-model table by 3-or-4-character prefix, the same matching order
// the discovery sweep uses: longer/more specific prefixes are tried first.
func LookupModel(version string) (ModelDescriptor, bool) {
	// Check 4-char prefixes before 3-char ones so "920P" doesn't get
	// shadowed by "920".
	for _, want := range []int{4, 3} {
		if len(version) < want {
			continue
		}
		prefix := version[:want]
		for _, m := range modelTable {
			if len(m.Prefix) == want && m.Prefix == prefix {
				return m, true
			}
		}
	}
	return ModelDescriptor{}, false
}
