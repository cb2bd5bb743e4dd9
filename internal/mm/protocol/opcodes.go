// Package protocol implements the framed binary packet format used to talk
// to MM-series modules over either a direct I2C bus or a USB-to-I2C bridge.
package protocol

// Op identifies a packet's function; the constants below name the opcode
// table the modules understand. Decode keeps the type byte as received, so
// an unrecognized value stays as it is and is not mapped to OpUnknown.
type Op uint8

const (
	OpUnknown Op = 0x00

	// Broadcast, blocking write.
	OpDetect Op = 0x10

	// Broadcast, non-blocking write (job push sequence).
	OpStatic   Op = 0x11
	OpJobID    Op = 0x12
	OpCoinbase Op = 0x13
	OpMerkles  Op = 0x14
	OpHeader   Op = 0x15
	OpTarget   Op = 0x16
	OpJobFin   Op = 0x17

	// Broadcast or addressed, configuration.
	OpSet         Op = 0x20
	OpSetFin      Op = 0x21
	OpSetVolt     Op = 0x22
	OpSetPMU      Op = 0x24
	OpSetPLL      Op = 0x25
	OpSetSS       Op = 0x26
	OpSetFac      Op = 0x28
	OpSetOC       Op = 0x29
	OpSetSSParaEn Op = 0x2b

	// Always addressed.
	OpPolling Op = 0x30
	OpSync    Op = 0x31
	OpTest    Op = 0x32
	OpRstMMTx Op = 0x33
	OpGetVolt Op = 0x34

	// Module to host.
	OpAckDetect  Op = 0x40
	OpStatus     Op = 0x41
	OpNonce      Op = 0x42
	OpTestRet    Op = 0x43
	OpStatusVolt Op = 0x46
	OpStatusPMU  Op = 0x48 // LC3 reuses this slot as STATUS_POWER.
	OpStatusPLL  Op = 0x49
	OpStatusLog  Op = 0x4a
	OpStatusAsic Op = 0x4b
	OpStatusPvt  Op = 0x4c
	OpStatusFac  Op = 0x4d
	OpStatusOC   Op = 0x4e

	// 0x4f is STATUS_PVT_RO on Gen9 and STATUS_OTP on LC3; which one a
	// Generation reports is decided by Generation.StatusExtra, not by a
	// second constant.
	OpStatusPvtRO Op = 0x4f
	OpStatusOTP   Op = 0x4f

	OpSetASICOTP    Op = 0x50 // LC3 only.
	OpSetAdjustVolt Op = 0x51 // Gen9 only.
	OpStatusAsicPLL Op = 0x52
	OpStatusSSPara  Op = 0x53

	// Bridge (AUC) ops, not module packet types; these select the
	// operation on a BridgeSession.Xfer, not a field of Packet.
	BridgeReset  Op = 0xa0
	BridgeInit   Op = 0xa1
	BridgeDeinit Op = 0xa2
	BridgeXfer   Op = 0xa5
	BridgeInfo   Op = 0xa6
)

// ModuleBroadcast is the reserved I2C address meaning "all modules".
const ModuleBroadcast uint8 = 0

// FreqMode distinguishes the two phases of a module's configuration
// lifecycle: an initial frequency/voltage load, and steady-state PLL
// self-adjustment once that load has been acknowledged.
type FreqMode uint8

const (
	FreqInitMode   FreqMode = 0x0
	FreqPLLAdjMode FreqMode = 0x1
)
