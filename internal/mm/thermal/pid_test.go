package thermal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mmdriver/internal/mm/generation"
	"mmdriver/internal/mm/registry"
)

func testModule(t *testing.T) *registry.Module {
	t.Helper()
	gen, ok := generation.For(generation.Gen9)
	require.True(t, ok)
	model := registry.ModelDescriptor{Prefix: "921", Generation: generation.Gen9, MinerCount: 4, ASICCount: 26}
	return registry.NewModule(1, "921-x", model, gen, time.Now())
}

func TestUpdateColdStartSeedsFromQuadratic(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t)
	m.TempTarget = 93
	m.TempMM = 8

	pwm := Update(gen, m)

	require.Equal(t, 40, m.FanPct)
	require.Equal(t, 614, pwm)
	require.True(t, m.PIDState.Seeded)
}

func TestUpdateConvergesAtTargetTemperature(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t)
	m.TempTarget = 93
	m.TempMM = 93 // holding exactly at target

	Update(gen, m) // seed
	settled := m.FanPct
	for i := 0; i < 5; i++ {
		Update(gen, m)
		require.Equal(t, settled, m.FanPct, "error terms vanish at t == target, u must hold steady")
	}
}

func TestUpdateRecordsErrorHistoryEveryTick(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t)
	m.TempTarget = 93
	m.TempMM = 90

	Update(gen, m) // seed tick still records e0
	require.Equal(t, -3, m.PIDState.E[0])

	m.TempMM = 91
	Update(gen, m)
	require.Equal(t, -2, m.PIDState.E[0])
	require.Equal(t, -3, m.PIDState.E[1])
}

func TestUpdateClampsToFanBounds(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t)
	m.TempTarget = 20
	m.TempMM = 200 // far above target and past overheat: U pins to FanMax

	Update(gen, m)
	require.GreaterOrEqual(t, m.FanPct, gen.FanMin())
	require.LessOrEqual(t, m.FanPct, gen.FanMax())
}

func TestUpdateOverheatClampsToMaxAndUnseeds(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t)
	m.TempTarget = 93
	m.TempOverheat = 105
	m.TempMM = 8
	Update(gen, m)
	require.True(t, m.PIDState.Seeded)

	m.TempMM = 110 // over the overheat threshold
	pwm := Update(gen, m)

	require.Equal(t, gen.FanMax(), m.FanPct)
	require.False(t, m.PIDState.Seeded, "overheat must un-seed so the next tick reseeds from the quadratic")
	require.Equal(t, gen.PWMMax()-gen.FanMax()*gen.PWMMax()/100, pwm)
}
