package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	HeaderByte1 = 'C'
	HeaderByte2 = 'N'

	// DataLen is the fixed payload size carried by every packet,
	// regardless of how much of it a given Op actually uses.
	DataLen = 32

	// Size is the wire size of one packet: 2 magic + type + opt + idx +
	// cnt + 32 data + 2 crc.
	Size = 2 + 1 + 1 + 1 + 1 + DataLen + 2
)

// Packet is the fixed-size frame exchanged with a module: a 2-byte magic,
// an opcode, an opt/idx/cnt triple whose meaning depends on the opcode, a
// 32-byte payload, and a trailing big-endian CRC-16 over the payload only.
type Packet struct {
	Type Op
	Opt  uint8
	Idx  uint8
	Cnt  uint8
	Data [DataLen]byte
}

// New builds a packet and fills in Data from payload (left-aligned,
// zero-padded or truncated to DataLen).
func New(op Op, opt, idx, cnt uint8, payload []byte) Packet {
	var p Packet
	p.Type = op
	p.Opt = opt
	p.Idx = idx
	p.Cnt = cnt
	copy(p.Data[:], payload)
	return p
}

// Encode serializes p into the wire format, computing the trailing CRC-16
// over the 32-byte payload.
func (p Packet) Encode() []byte {
	buf := make([]byte, Size)
	buf[0] = HeaderByte1
	buf[1] = HeaderByte2
	buf[2] = byte(p.Type)
	buf[3] = p.Opt
	buf[4] = p.Idx
	buf[5] = p.Cnt
	copy(buf[6:6+DataLen], p.Data[:])
	crc := CRC16(buf[6 : 6+DataLen])
	binary.BigEndian.PutUint16(buf[6+DataLen:], crc)
	return buf
}

// Decode parses a wire-format frame into a Packet, validating the magic and
// the CRC-16 over the payload.
func Decode(buf []byte) (Packet, error) {
	var p Packet
	if len(buf) < Size {
		return p, fmt.Errorf("protocol: short packet: %d bytes, want %d", len(buf), Size)
	}
	if buf[0] != HeaderByte1 || buf[1] != HeaderByte2 {
		return p, fmt.Errorf("protocol: bad magic: %#02x %#02x", buf[0], buf[1])
	}
	payload := buf[6 : 6+DataLen]
	want := binary.BigEndian.Uint16(buf[6+DataLen:])
	got := CRC16(payload)
	if want != got {
		return p, fmt.Errorf("protocol: crc mismatch: got %#04x want %#04x", got, want)
	}
	p.Type = Op(buf[2])
	p.Opt = buf[3]
	p.Idx = buf[4]
	p.Cnt = buf[5]
	copy(p.Data[:], payload)
	return p, nil
}

// PutBE32 writes v as big-endian into p.Data at the given byte offset.
func (p *Packet) PutBE32(offset int, v uint32) {
	binary.BigEndian.PutUint32(p.Data[offset:offset+4], v)
}

// BE32 reads a big-endian uint32 out of p.Data at offset.
func (p Packet) BE32(offset int) uint32 {
	return binary.BigEndian.Uint32(p.Data[offset : offset+4])
}

// BE16 reads a big-endian uint16 out of p.Data at offset.
func (p Packet) BE16(offset int) uint16 {
	return binary.BigEndian.Uint16(p.Data[offset : offset+2])
}
