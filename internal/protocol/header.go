// Package protocol implements the on-wire PGM packet layout from RFC 3208
// §8: the fixed 16-byte common header, its option TLVs, and the
// type-specific bodies for the packet types this engine speaks. Layout is
// read and written with encoding/binary the way the teacher's RawTCPInfo
// describes a fixed kernel struct field-by-field, except here the struct
// is genuinely on the wire (network byte order) rather than a syscall
// ABI, so fields are encoded explicitly instead of overlaid with unsafe.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/openpgm/pgm/internal/checksum"
)

// Type is the PGM packet type octet.
type Type uint8

const (
	TypeSPM   Type = 0x00
	TypePOLL  Type = 0x01
	TypePOLR  Type = 0x02
	TypeODATA Type = 0x04
	TypeRDATA Type = 0x05
	TypeNAK   Type = 0x08
	TypeNNAK  Type = 0x09
	TypeNCF   Type = 0x0a
	TypeSPMR  Type = 0x0c
	TypeACK   Type = 0x0d
)

func (t Type) String() string {
	switch t {
	case TypeSPM:
		return "SPM"
	case TypePOLL:
		return "POLL"
	case TypePOLR:
		return "POLR"
	case TypeODATA:
		return "ODATA"
	case TypeRDATA:
		return "RDATA"
	case TypeNAK:
		return "NAK"
	case TypeNNAK:
		return "N-NAK"
	case TypeNCF:
		return "NCF"
	case TypeSPMR:
		return "SPMR"
	case TypeACK:
		return "ACK"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

// Options octet bits (the header's single "options present" flag plus the
// per-option bits carried in the first option TLV's flags byte).
const (
	HeaderOptionsPresent uint8 = 0x01
)

// FixedHeaderLen is the size in bytes of the common PGM header, before any
// option extensions.
const FixedHeaderLen = 16

// Header is the 16-byte common PGM header shared by every packet type.
type Header struct {
	SourcePort uint16
	DestPort   uint16
	Type       Type
	Options    uint8
	Checksum   uint16
	GSI        [6]byte
	TSDULength uint16
}

// Encode writes the fixed header into the first FixedHeaderLen bytes of
// dst, which must be at least that long.
func (h *Header) Encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], h.SourcePort)
	binary.BigEndian.PutUint16(dst[2:4], h.DestPort)
	dst[4] = uint8(h.Type)
	dst[5] = h.Options
	binary.BigEndian.PutUint16(dst[6:8], h.Checksum)
	copy(dst[8:14], h.GSI[:])
	binary.BigEndian.PutUint16(dst[14:16], h.TSDULength)
}

// DecodeHeader parses the fixed header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < FixedHeaderLen {
		return Header{}, fmt.Errorf("protocol: short packet, got %d bytes, need %d", len(buf), FixedHeaderLen)
	}
	var h Header
	h.SourcePort = binary.BigEndian.Uint16(buf[0:2])
	h.DestPort = binary.BigEndian.Uint16(buf[2:4])
	h.Type = Type(buf[4])
	h.Options = buf[5]
	h.Checksum = binary.BigEndian.Uint16(buf[6:8])
	copy(h.GSI[:], buf[8:14])
	h.TSDULength = binary.BigEndian.Uint16(buf[14:16])
	return h, nil
}

// HasOptions reports whether the header's options-present bit is set.
func (h *Header) HasOptions() bool {
	return h.Options&HeaderOptionsPresent != 0
}

// ComputeChecksum returns the checksum of the whole packet buffer (whose
// checksum field must already be zeroed), following the internet
// one's-complement discipline; the caller stores it in the header.
func ComputeChecksum(packet []byte) uint16 {
	return checksum.Inet(packet, 0)
}

// VerifyChecksum reports whether packet's checksum field is consistent
// with its contents.
func VerifyChecksum(packet []byte) bool {
	return checksum.Verify(packet)
}
