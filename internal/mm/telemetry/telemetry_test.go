package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mmdriver/internal/mm/generation"
	"mmdriver/internal/mm/jobpusher"
	"mmdriver/internal/mm/protocol"
	"mmdriver/internal/mm/registry"
)

func testModule(t *testing.T) *registry.Module {
	t.Helper()
	gen, ok := generation.For(generation.Gen9)
	require.True(t, ok)
	model := registry.ModelDescriptor{
		Prefix: "921", Generation: generation.Gen9,
		MinerCount: 4, ASICCount: 26, VinADCRatio: 16, VoutADCRatio: 16,
	}
	return registry.NewModule(1, "921-20230101", model, gen, time.Now())
}

func TestIngestStatusUpdatesBoardTempAndAggregateError(t *testing.T) {
	m := testModule(t)
	pkt := protocol.New(protocol.OpStatus, 0, 0, uint8(m.MinerCount), nil)
	pkt.PutBE32(statusTempOffset, uint32(int32(-5)))
	pkt.PutBE32(statusFanOffset, 3200)
	pkt.PutBE32(statusAggErrCodeOffset, 9)
	Ingest(m, pkt, jobpusher.NewRing(), nil)

	require.Equal(t, -5.0, m.TempMM)
	require.Equal(t, 3200, m.FanCPM)
	require.Equal(t, uint32(9), m.ErrorCode[m.MinerCount])
}

func TestIngestStatusVoltConvertsRawReadingPerMiner(t *testing.T) {
	m := testModule(t)
	pkt := protocol.New(protocol.OpStatusVolt, 0, 0, 0, nil)
	pkt.PutBE32(0, 10400)
	pkt.PutBE32(2*4, 20800)
	Ingest(m, pkt, jobpusher.NewRing(), nil)

	want0 := uint32(uint64(10400) * uint64(m.VoutADCRatio) / uint64(m.ASICCount) / 100)
	want2 := uint32(uint64(20800) * uint64(m.VoutADCRatio) / uint64(m.ASICCount) / 100)
	require.Equal(t, want0, m.OutputMilliVolt[0])
	require.Equal(t, want2, m.OutputMilliVolt[2])
}

func TestIngestStatusPVTDecodesOneAsicColumn(t *testing.T) {
	m := testModule(t)
	pkt := protocol.New(protocol.OpStatusPvt, 0, 3, 0, nil) // asic 3
	binaryPutBE16(pkt.Data[4:6], 2047)                      // miner 1 temp code
	binaryPutBE16(pkt.Data[6:8], 8192)                      // miner 1 volt code
	Ingest(m, pkt, jobpusher.NewRing(), nil)

	require.NotEqual(t, -273, m.TempMatrix[1][3])
	require.Greater(t, m.CoreVolt[1][3], uint32(0))
}

func TestDecodePvtKnownVectors(t *testing.T) {
	// Mid-scale code sits just under the 60-degree pivot; a zero voltage
	// code clamps at zero rather than going negative.
	require.Equal(t, 59, decodePvtTemp(2047))
	require.Equal(t, uint32(0), decodePvtVolt(0))
}

func TestIngestStatusPVTOutOfRangeAsicDropped(t *testing.T) {
	m := testModule(t)
	pkt := protocol.New(protocol.OpStatusPvt, 0, uint8(m.ASICCount), 0, nil)
	require.NotPanics(t, func() { Ingest(m, pkt, jobpusher.NewRing(), nil) })
}

func TestIngestStatusAsicPLLSplitsFlatIndex(t *testing.T) {
	m := testModule(t)
	idx := uint8(1*m.ASICCount + 5) // miner 1, asic 5
	pkt := protocol.New(protocol.OpStatusAsicPLL, 0, idx, 0, nil)
	binaryPutBE16(pkt.Data[0:2], 700)
	binaryPutBE16(pkt.Data[12:14], 787)
	Ingest(m, pkt, jobpusher.NewRing(), nil)

	require.Equal(t, uint32(700), m.ActualFreq[1][5][0])
	require.Equal(t, uint32(787), m.ActualFreq[1][5][6])
}

func TestIngestStatusAsicKeepsCountersOnZeroWords(t *testing.T) {
	m := testModule(t)
	m.AsicPass[0][2] = 11
	pkt := protocol.New(protocol.OpStatusAsic, 0, 2, 0, nil) // miner 0, asic 2
	pkt.PutBE32(asicFailOffset, 3)
	binaryPutBE16(pkt.Data[asicPLLHitsOffset:asicPLLHitsOffset+2], 42)
	Ingest(m, pkt, jobpusher.NewRing(), nil)

	require.Equal(t, uint32(11), m.AsicPass[0][2], "a zero pass word leaves the stored counter alone")
	require.Equal(t, uint32(3), m.AsicFail[0][2])
	require.Equal(t, uint32(42), m.AsicPLLHits[0][2][0])
}

func TestIngestStatusPvtROWritesGatedCoordinates(t *testing.T) {
	m := testModule(t)
	pkt := protocol.New(protocol.OpStatusPvtRO, 0, 0, 0, nil)
	pkt.PutBE32(pvtROValueOffset, 0xdeadbeef)
	pkt.Data[pvtROMinerOffset] = 2
	pkt.Data[pvtROAsicOffset] = 7
	pkt.Data[pvtROChannelOffset] = 3
	Ingest(m, pkt, jobpusher.NewRing(), nil)
	require.Zero(t, m.PvtRO[2][7][3], "a clear validity byte drops the sample")

	pkt.Data[pvtROValidOffset] = 1
	Ingest(m, pkt, jobpusher.NewRing(), nil)
	require.Equal(t, uint32(0xdeadbeef), m.PvtRO[2][7][3])
}

func TestIngestNonceMatchAcceptedCreditsDiffAndMatchingWork(t *testing.T) {
	m := testModule(t)
	ring := jobpusher.NewRing()
	ring.Push(&jobpusher.Job{JobID: "job1", Diff: 100})

	pkt := protocol.New(protocol.OpNonce, 0, 0, 0, nil)
	binaryPutBE16(pkt.Data[nonceMinerOffset:nonceMinerOffset+2], 0)
	binaryPutBE16(pkt.Data[nonceChipOffset:nonceChipOffset+2], 1)
	pkt.PutBE32(nonceNonce2Offset, 42)
	pkt.PutBE32(nonceNTimeOffset, 1)
	pkt.PutBE32(nonceNonceOffset, 7)
	binaryPutBE16(pkt.Data[nonceJobCRCOffset:nonceJobCRCOffset+2], protocol.CRC16([]byte("job1")))

	var gotNonce2 uint32
	submit := func(snap jobpusher.JobView, nonce2, ntime, nonce uint32) (bool, error) {
		gotNonce2 = nonce2
		require.Equal(t, "job1", snap.JobID)
		return true, nil
	}

	Ingest(m, pkt, ring, submit)

	require.Equal(t, uint32(42), gotNonce2)
	require.Equal(t, uint64(100), m.Diff1)
	require.Equal(t, uint64(1), m.ChipMatchingWork[0][1])
}

func TestIngestLateNonceMatchesOldestRingSlot(t *testing.T) {
	m := testModule(t)
	ring := jobpusher.NewRing()
	ring.Push(&jobpusher.Job{JobID: "j1", Diff: 10})
	ring.Push(&jobpusher.Job{JobID: "j2", Diff: 20})
	ring.Push(&jobpusher.Job{JobID: "j3", Diff: 30})

	pkt := protocol.New(protocol.OpNonce, 0, 0, 0, nil)
	binaryPutBE16(pkt.Data[nonceJobCRCOffset:nonceJobCRCOffset+2], protocol.CRC16([]byte("j1")))

	var got string
	submit := func(job jobpusher.JobView, _, _, _ uint32) (bool, error) {
		got = job.JobID
		return true, nil
	}
	Ingest(m, pkt, ring, submit)

	require.Equal(t, "j1", got, "a nonce for an older job still matches through the ring")
	require.Equal(t, uint64(0), m.HWWorks)
	require.Equal(t, uint64(10), m.Diff1)
}

func TestIngestNonceNoRingMatchCreditsHWError(t *testing.T) {
	m := testModule(t)
	ring := jobpusher.NewRing()
	ring.Push(&jobpusher.Job{JobID: "job1", Diff: 100})

	pkt := protocol.New(protocol.OpNonce, 0, 0, 0, nil)
	binaryPutBE16(pkt.Data[nonceJobCRCOffset:nonceJobCRCOffset+2], protocol.CRC16([]byte("nonexistent")))

	Ingest(m, pkt, ring, nil)

	require.Equal(t, uint64(1), m.HWWorks)
}

func TestIngestNonceRejectedCreditsHWError(t *testing.T) {
	m := testModule(t)
	ring := jobpusher.NewRing()
	ring.Push(&jobpusher.Job{JobID: "job1", Diff: 100})

	pkt := protocol.New(protocol.OpNonce, 0, 0, 0, nil)
	binaryPutBE16(pkt.Data[nonceJobCRCOffset:nonceJobCRCOffset+2], protocol.CRC16([]byte("job1")))

	submit := func(jobpusher.JobView, uint32, uint32, uint32) (bool, error) { return false, nil }
	Ingest(m, pkt, ring, submit)

	require.Equal(t, uint64(1), m.HWWorks)
	require.Equal(t, uint64(0), m.Diff1)
}

func TestIngestNoncePoolIndexMismatchCreditsHWError(t *testing.T) {
	m := testModule(t)
	ring := jobpusher.NewRing()
	ring.Push(&jobpusher.Job{JobID: "job1", PoolNo: 0, Diff: 100})

	pkt := protocol.New(protocol.OpNonce, 0, 0, 0, nil)
	binaryPutBE16(pkt.Data[nonceJobCRCOffset:nonceJobCRCOffset+2], protocol.CRC16([]byte("job1")))
	binaryPutBE16(pkt.Data[noncePoolOffset:noncePoolOffset+2], 1) // wrong pool

	submitted := false
	submit := func(jobpusher.JobView, uint32, uint32, uint32) (bool, error) {
		submitted = true
		return true, nil
	}
	Ingest(m, pkt, ring, submit)

	require.False(t, submitted)
	require.Equal(t, uint64(1), m.HWWorks)
	require.Equal(t, uint64(0), m.Diff1)
}

func TestIngestStatusSSParaAdoptsModuleTarget(t *testing.T) {
	m := testModule(t)
	pkt := protocol.New(protocol.OpStatusSSPara, 0, 0, 0, nil)
	pkt.Data[0] = 1
	pkt.Data[1] = 85

	Ingest(m, pkt, jobpusher.NewRing(), nil)

	require.True(t, m.SSParaEn)
	require.Equal(t, 85, m.TempTarget)
}

func lc3Module(t *testing.T) *registry.Module {
	t.Helper()
	gen, ok := generation.For(generation.GenLC3)
	require.True(t, ok)
	model := registry.ModelDescriptor{
		Prefix: "LC3", Generation: generation.GenLC3,
		MinerCount: 4, ASICCount: 34,
	}
	return registry.NewModule(1, "LC3-20230101", model, gen, time.Now())
}

func TestIngestStatusOTPAssemblesReadSteps(t *testing.T) {
	m := lc3Module(t)

	step0 := protocol.New(protocol.OpStatusOTP, 0, 1, 0, nil) // miner 1
	copy(step0.Data[otpLotIDCRCOffset:], []byte{0xAA, 0xBB, 0xCC, 0xDD})
	step0.Data[otpReadStepOffset] = 0
	Ingest(m, step0, jobpusher.NewRing(), nil)

	step2 := protocol.New(protocol.OpStatusOTP, 0, 1, 0, nil)
	copy(step2.Data[otpLotIDOffset:], []byte{0x11, 0x22, 0x33, 0x44})
	step2.Data[otpReadStepOffset] = 2
	Ingest(m, step2, jobpusher.NewRing(), nil)

	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, m.OTPInfo[1][otpLotIDCRCOffset:otpLotIDCRCOffset+4])
	require.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, m.OTPInfo[1][otpLotIDOffset:otpLotIDOffset+4])
}

func TestIngestStatusOTPCycleHitStopsAssembly(t *testing.T) {
	m := lc3Module(t)

	hit := protocol.New(protocol.OpStatusOTP, 0, 0, 0, nil)
	hit.Data[otpCycleHitOffset] = 1
	Ingest(m, hit, jobpusher.NewRing(), nil)
	require.True(t, m.OTPCycleHit)

	late := protocol.New(protocol.OpStatusOTP, 0, 0, 0, nil)
	copy(late.Data[otpLotIDCRCOffset:], []byte{0xAA, 0xBB, 0xCC, 0xDD})
	late.Data[otpReadStepOffset] = 0
	Ingest(m, late, jobpusher.NewRing(), nil)
	require.Zero(t, m.OTPInfo[0][0], "assembly stops once the cycle limit has hit")
}

func TestIngestUnknownOpcodeDoesNotPanic(t *testing.T) {
	m := testModule(t)
	pkt := protocol.New(protocol.Op(0xff), 0, 0, 0, nil)
	require.NotPanics(t, func() { Ingest(m, pkt, jobpusher.NewRing(), nil) })
}

func binaryPutBE16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
