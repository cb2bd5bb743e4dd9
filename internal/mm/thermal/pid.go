// Package thermal implements the per-module incremental fan-PID
// controller.
package thermal

import (
	"math"

	"mmdriver/internal/mm/generation"
	"mmdriver/internal/mm/registry"
)

// Update advances m's fan PID by one tick given m's observed maximum
// temperature (board sensor or any per-ASIC PVT reading, whichever is
// hottest — see Module.MaxTemp), writing the new commanded FanPct back into
// m. It returns the PWM duty cycle (0..gen.PWMMax()) a caller should write
// to the module's fan-control register.
//
// The controller cold-starts on its first tick (or any tick after an
// overheat un-seed) by seeding U from gen.FanSeed rather than running the
// incremental update, since there is no prior error sample to difference
// against yet.
func Update(gen generation.Generation, m *registry.Module) int {
	p := &m.PIDState
	t := m.MaxTemp()

	// The error history shifts every tick, including seed and overheat
	// ticks, so the first incremental update differences against the real
	// previous sample rather than a stale one.
	p.E[registry.TwoReadingsAgo] = p.E[registry.OneReadingAgo]
	p.E[registry.OneReadingAgo] = p.E[registry.Latest]
	p.E[registry.Latest] = t - m.TempTarget

	switch {
	case t > m.TempOverheat:
		p.U = float64(m.FanMax)
		p.Seeded = false
	case !p.Seeded:
		p.U = gen.FanSeed(float64(t), m.TempMM)
		p.Seeded = true
	default:
		e0 := p.E[registry.Latest]
		e1 := p.E[registry.OneReadingAgo]
		e2 := p.E[registry.TwoReadingsAgo]

		delta := float64(p.P)*float64(e0-e1) +
			float64(p.I)*float64(e0)/100 +
			float64(p.D)*float64(e0-2*e1+e2)
		p.U += delta
	}

	if p.U < float64(m.FanMin) {
		p.U = float64(m.FanMin)
	}
	if p.U > float64(m.FanMax) {
		p.U = float64(m.FanMax)
	}

	m.FanPct = int(math.Round(p.U))
	return pwm(gen, m.FanPct)
}

// pwm converts a commanded fan percentage into the inverted duty cycle the
// module's PWM register expects: full speed is register value 0.
func pwm(gen generation.Generation, fanPct int) int {
	return gen.PWMMax() - fanPct*gen.PWMMax()/100
}
