// Package protocol implements the worldlink datagram wire format.
//
// Every datagram carries a fixed 12-byte header, an optional 8-byte fragment
// sub-header and a payload:
//
//	[sequence u32][flags u8][channel u8][length u16][checksum u32]
//	  if flags&FlagFragmented:
//	    [group_id u32][frag_index u16][frag_count u16]
//	[payload: length bytes]
//
// All integers are big endian. The checksum is a CRC32 (IEEE) over the whole
// datagram with the checksum field zeroed, so it covers the payload as well as
// the header fields.
package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// HeaderSize is the size of the fixed packet header in bytes.
	HeaderSize = 12

	// FragmentHeaderSize is the size of the fragment sub-header in bytes.
	FragmentHeaderSize = 8

	// MaxHeaderSize is the largest header a packet can carry.
	MaxHeaderSize = HeaderSize + FragmentHeaderSize

	// ChannelCount is the number of independent ordering channels.
	ChannelCount = 4

	// MaxFragments is the largest fragment count the sub-header can express.
	MaxFragments = 0xFFFF

	checksumOffset = 8
)

// Flags is the packet flag bitfield.
type Flags uint8

const (
	// FlagFragmented marks a packet that carries a fragment sub-header.
	FlagFragmented Flags = 0x01

	// FlagAckRequest marks a reliable packet that must be acknowledged.
	FlagAckRequest Flags = 0x02

	// FlagSystem marks a control packet; its payload starts with a ControlType.
	FlagSystem Flags = 0x04

	knownFlags = FlagFragmented | FlagAckRequest | FlagSystem
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Header is the fixed wire header.
type Header struct {
	Sequence uint32
	Flags    Flags
	Channel  uint8
	Length   uint16
	Checksum uint32
}

// FragmentHeader identifies one fragment of a multi-part message.
type FragmentHeader struct {
	GroupID uint32
	Index   uint16
	Count   uint16
}

// Packet is the logical content of one datagram.
type Packet struct {
	Header   Header
	Fragment FragmentHeader
	Payload  []byte
}

// Reliable reports whether the packet requests acknowledgment.
func (p *Packet) Reliable() bool { return p.Header.Flags.Has(FlagAckRequest) }

// Fragmented reports whether the packet carries a fragment sub-header.
func (p *Packet) Fragmented() bool { return p.Header.Flags.Has(FlagFragmented) }

// System reports whether the packet carries a control payload.
func (p *Packet) System() bool { return p.Header.Flags.Has(FlagSystem) }

// Size returns the encoded size of the packet.
func (p *Packet) Size() int {
	n := HeaderSize + len(p.Payload)
	if p.Fragmented() {
		n += FragmentHeaderSize
	}
	return n
}

// Encode serializes a packet. Length and Checksum are computed; the values in
// p.Header are ignored.
func Encode(p Packet) ([]byte, error) {
	return AppendEncode(make([]byte, 0, p.Size()), p)
}

// AppendEncode appends the encoded packet to dst.
func AppendEncode(dst []byte, p Packet) ([]byte, error) {
	if len(p.Payload) > 0xFFFF {
		return dst, ErrOversizedPayload
	}
	if p.Header.Channel >= ChannelCount {
		return dst, ErrInvalidChannel
	}
	if p.Fragmented() {
		if p.Fragment.Count == 0 || p.Fragment.Index >= p.Fragment.Count {
			return dst, ErrMalformedHeader
		}
	}

	start := len(dst)
	var hdr [MaxHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], p.Header.Sequence)
	hdr[4] = byte(p.Header.Flags)
	hdr[5] = p.Header.Channel
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(p.Payload)))
	n := HeaderSize
	if p.Fragmented() {
		binary.BigEndian.PutUint32(hdr[12:16], p.Fragment.GroupID)
		binary.BigEndian.PutUint16(hdr[16:18], p.Fragment.Index)
		binary.BigEndian.PutUint16(hdr[18:20], p.Fragment.Count)
		n += FragmentHeaderSize
	}
	dst = append(dst, hdr[:n]...)
	dst = append(dst, p.Payload...)

	binary.BigEndian.PutUint32(dst[start+checksumOffset:], checksum(dst[start:]))
	return dst, nil
}

// Decode parses one datagram. It either returns a fully validated packet or
// an error wrapping ErrMalformedHeader, ErrOversizedPayload or
// ErrChecksumMismatch. The returned payload aliases b.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, decodeError(ErrMalformedHeader, "datagram of %d bytes shorter than header", len(b))
	}

	var p Packet
	p.Header = Header{
		Sequence: binary.BigEndian.Uint32(b[0:4]),
		Flags:    Flags(b[4]),
		Channel:  b[5],
		Length:   binary.BigEndian.Uint16(b[6:8]),
		Checksum: binary.BigEndian.Uint32(b[8:12]),
	}
	if p.Header.Flags&^knownFlags != 0 {
		return Packet{}, decodeError(ErrMalformedHeader, "unknown flags 0x%02x", uint8(p.Header.Flags))
	}
	if p.Header.Channel >= ChannelCount {
		return Packet{}, decodeError(ErrMalformedHeader, "channel %d out of range", p.Header.Channel)
	}

	off := HeaderSize
	if p.Fragmented() {
		if len(b) < MaxHeaderSize {
			return Packet{}, decodeError(ErrMalformedHeader, "datagram of %d bytes shorter than fragment header", len(b))
		}
		p.Fragment = FragmentHeader{
			GroupID: binary.BigEndian.Uint32(b[12:16]),
			Index:   binary.BigEndian.Uint16(b[16:18]),
			Count:   binary.BigEndian.Uint16(b[18:20]),
		}
		if p.Fragment.Count == 0 || p.Fragment.Index >= p.Fragment.Count {
			return Packet{}, decodeError(ErrMalformedHeader, "fragment %d of %d", p.Fragment.Index, p.Fragment.Count)
		}
		off = MaxHeaderSize
	}

	if int(p.Header.Length) != len(b)-off {
		return Packet{}, decodeError(ErrOversizedPayload, "declared %d payload bytes, have %d", p.Header.Length, len(b)-off)
	}
	if sum := checksum(b); sum != p.Header.Checksum {
		return Packet{}, decodeError(ErrChecksumMismatch, "computed 0x%08x, header 0x%08x", sum, p.Header.Checksum)
	}

	p.Payload = b[off:]
	return p, nil
}

// checksum computes the CRC32 of b as if the checksum field were zero.
func checksum(b []byte) uint32 {
	var zero [4]byte
	sum := crc32.ChecksumIEEE(b[:checksumOffset])
	sum = crc32.Update(sum, crc32.IEEETable, zero[:])
	return crc32.Update(sum, crc32.IEEETable, b[checksumOffset+4:])
}
