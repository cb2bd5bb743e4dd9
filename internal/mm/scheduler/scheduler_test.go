package scheduler

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mmdriver/internal/mm/generation"
	"mmdriver/internal/mm/protocol"
	"mmdriver/internal/mm/registry"
)

type recordingTransport struct {
	sent []protocol.Packet
}

func (r *recordingTransport) Xfer(_ context.Context, _ uint8, write []byte, readLen int) ([]byte, error) {
	if len(write) > 0 {
		pkt, err := protocol.Decode(write)
		if err == nil {
			r.sent = append(r.sent, pkt)
		}
	}
	return make([]byte, readLen), nil
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) ops() []protocol.Op {
	out := make([]protocol.Op, len(r.sent))
	for i, p := range r.sent {
		out[i] = p.Type
	}
	return out
}

func testModule(t *testing.T, gen generation.Generation) *registry.Module {
	t.Helper()
	model := registry.ModelDescriptor{
		Prefix: "921", Generation: generation.Gen9,
		MinerCount: 4, ASICCount: 26, SpeedLow: 6,
		DefaultPLL: []uint32{0, 0, 0, 0, 0, 775, 787},
	}
	m := registry.NewModule(1, "921-x", model, gen, time.Now())
	m.SmartSpeed = true
	return m
}

func TestRunInitSequenceIncludesAdjustVoltForGen9(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t, gen)
	m.TempOverheat = 105
	xport := &recordingTransport{}

	require.NoError(t, Run(context.Background(), gen, m, xport))

	require.Equal(t, protocol.FreqPLLAdjMode, m.FreqMode)
	ops := xport.ops()
	require.Contains(t, ops, protocol.OpSet)
	require.Contains(t, ops, protocol.OpSetVolt)
	require.Contains(t, ops, protocol.OpSetPLL)
	require.Contains(t, ops, protocol.OpSetAdjustVolt)
	require.Contains(t, ops, protocol.OpSetSS)
	require.Equal(t, protocol.OpSetFin, ops[len(ops)-1])
}

func TestRunInitSequenceOmitsAdjustVoltForLC3(t *testing.T) {
	gen, _ := generation.For(generation.GenLC3)
	m := testModule(t, gen)
	m.TempOverheat = 105
	xport := &recordingTransport{}

	require.NoError(t, Run(context.Background(), gen, m, xport))

	require.NotContains(t, xport.ops(), protocol.OpSetAdjustVolt)
}

func TestRunInitSendsASICOTPSelectOnlyForLC3(t *testing.T) {
	gen9, _ := generation.For(generation.Gen9)
	m9 := testModule(t, gen9)
	xport9 := &recordingTransport{}
	require.NoError(t, Run(context.Background(), gen9, m9, xport9))
	require.NotContains(t, xport9.ops(), protocol.OpSetASICOTP)

	lc3, _ := generation.For(generation.GenLC3)
	mlc3 := testModule(t, lc3)
	mlc3.OTPReadASIC[0] = 3
	mlc3.OTPReadASIC[1] = 99 // past the last ASIC: must clamp
	xport := &recordingTransport{}
	require.NoError(t, Run(context.Background(), lc3, mlc3, xport))

	var otp *protocol.Packet
	for i := range xport.sent {
		if xport.sent[i].Type == protocol.OpSetASICOTP {
			otp = &xport.sent[i]
			break
		}
	}
	require.NotNil(t, otp)
	require.Equal(t, uint32(3), otp.BE32(0))
	require.Equal(t, uint32(mlc3.ASICCount-1), otp.BE32(4))
}

func TestSSLevelWordPacksTwoLevels(t *testing.T) {
	require.Equal(t, uint32(0), ssLevelWord(0, 0, 0, 0))
	require.Equal(t, uint32(1)<<31|uint32(5)<<16|uint32(1)<<15|uint32(9),
		ssLevelWord(1, 5, 1, 9))
	// Out-of-domain bits are masked, not carried.
	require.Equal(t, uint32(0x7fff), ssLevelWord(0, 0, 2, 0xffff))
}

func TestRunInitWithoutSmartSpeedSkipsSetSS(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t, gen)
	m.SmartSpeed = false
	xport := &recordingTransport{}

	require.NoError(t, Run(context.Background(), gen, m, xport))

	require.NotContains(t, xport.ops(), protocol.OpSetSS)
	require.Equal(t, protocol.FreqPLLAdjMode, m.FreqMode)
}

func TestSetPacketCarriesModelSpeedLow(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t, gen)
	xport := &recordingTransport{}

	require.NoError(t, Run(context.Background(), gen, m, xport))

	var set *protocol.Packet
	for i := range xport.sent {
		if xport.sent[i].Type == protocol.OpSet {
			set = &xport.sent[i]
			break
		}
	}
	require.NotNil(t, set)
	require.Equal(t, uint32(7), set.BE32(4), "frequency selector")
	require.Equal(t, uint32(6), set.BE32(22), "spdlow")
	require.Equal(t, uint32(7), set.BE32(26), "spdhigh")
	require.Equal(t, uint8(24), set.Data[9], "nonce mask")
	require.Equal(t, uint8(0x7), set.Data[8], "smart-speed + nonce-check + roll flags")
}

func TestSetPLLCarriesTimeoutAfterRegisterTable(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t, gen)
	xport := &recordingTransport{}

	require.NoError(t, Run(context.Background(), gen, m, xport))

	var pll *protocol.Packet
	for i := range xport.sent {
		if xport.sent[i].Type == protocol.OpSetPLL {
			pll = &xport.sent[i]
			break
		}
	}
	require.NotNil(t, pll)

	fMax := uint32(787) // highest entry of the 921 default table
	want := asicTimeout(gen, fMax)
	got := binary.BigEndian.Uint32(pll.Data[gen.PLLCount()*4:])
	require.Equal(t, want, got)
}

func TestRunPLLAdjustIsObserveOnly(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t, gen)
	m.FreqMode = protocol.FreqPLLAdjMode
	m.SSParaEn = true
	xport := &recordingTransport{}

	require.NoError(t, Run(context.Background(), gen, m, xport))
	require.Empty(t, xport.sent, "PLL-ADJUST mode sends no configuration traffic")
}

func TestCutoffEngagesAtOverheatMaxButConfigurationStillRuns(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t, gen)
	m.TempOverheat = 100
	m.TempMM = 100
	xport := &recordingTransport{}

	require.NoError(t, Run(context.Background(), gen, m, xport))
	require.True(t, m.Cutoff)
	require.NotEmpty(t, xport.sent, "cutoff suppresses work acceptance, not the INIT round")
}

func TestCutoffClearsOnlyAfterHysteresis(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	m := testModule(t, gen)
	m.TempOverheat = 100
	m.Cutoff = true
	m.FreqMode = protocol.FreqPLLAdjMode
	m.TempMM = 95 // within 10 degrees of overheat_max: must stay in cutoff
	xport := &recordingTransport{}

	require.NoError(t, Run(context.Background(), gen, m, xport))
	require.True(t, m.Cutoff)

	m.TempMM = 89 // 11 degrees below overheat_max: clears
	require.NoError(t, Run(context.Background(), gen, m, xport))
	require.False(t, m.Cutoff)
}

func TestAsicTimeoutScalesInverselyWithFrequency(t *testing.T) {
	gen, _ := generation.For(generation.Gen9)
	require.Greater(t, asicTimeout(gen, 400), asicTimeout(gen, 800))
}
