package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet is the fully decoded representation of one PGM datagram: the
// common header plus whichever type-specific body fields apply, plus any
// option TLVs that were attached.
type Packet struct {
	Header Header

	// SPM / SPMR
	SPMSqn   uint32
	SPMTrail uint32
	SPMLead  uint32
	SPMNLA   [4]byte // IPv4 NLA; IPv6 carried via a future AFI-tagged variant

	// ODATA / RDATA
	DataSqn   uint32
	DataTrail uint32
	Payload   []byte

	// NAK / N-NAK / NCF
	NAKSqn       uint32
	NAKSourceNLA [4]byte
	NAKGroupNLA  [4]byte

	Options Options
}

// Encode serializes p into a single wire-ready buffer with a valid
// checksum, following RFC 3208 §8's layout: fixed header, type-specific
// body, then options (if any), checksummed as a whole.
func Encode(p *Packet) ([]byte, error) {
	body, err := encodeBody(p)
	if err != nil {
		return nil, err
	}

	hasOpts := p.Options.HasFragment || p.Options.HasNAKList || p.Options.HasParityPrm ||
		p.Options.HasParityGrp || p.Options.HasNakBOIvl || p.Options.Fin || p.Options.Syn || p.Options.Rst

	h := p.Header
	if hasOpts {
		h.Options |= HeaderOptionsPresent
	} else {
		h.Options &^= HeaderOptionsPresent
	}

	buf := make([]byte, FixedHeaderLen, FixedHeaderLen+len(body)+32)
	h.Encode(buf)
	buf = append(buf, body...)
	if hasOpts {
		buf = EncodeOptions(buf, p.Options)
	}

	binary.BigEndian.PutUint16(buf[6:8], 0)
	sum := ComputeChecksum(buf)
	binary.BigEndian.PutUint16(buf[6:8], sum)
	return buf, nil
}

func encodeBody(p *Packet) ([]byte, error) {
	switch p.Header.Type {
	case TypeSPM, TypeSPMR:
		buf := make([]byte, 12)
		binary.BigEndian.PutUint32(buf[0:4], p.SPMSqn)
		binary.BigEndian.PutUint32(buf[4:8], p.SPMTrail)
		binary.BigEndian.PutUint32(buf[8:12], p.SPMLead)
		return buf, nil
	case TypeODATA, TypeRDATA:
		buf := make([]byte, 8, 8+len(p.Payload))
		binary.BigEndian.PutUint32(buf[0:4], p.DataSqn)
		binary.BigEndian.PutUint32(buf[4:8], p.DataTrail)
		buf = append(buf, p.Payload...)
		return buf, nil
	case TypeNAK, TypeNNAK, TypeNCF:
		buf := make([]byte, 12)
		binary.BigEndian.PutUint32(buf[0:4], p.NAKSqn)
		copy(buf[4:8], p.NAKSourceNLA[:])
		copy(buf[8:12], p.NAKGroupNLA[:])
		return buf, nil
	case TypeACK:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf[0:4], p.DataSqn)
		return buf, nil
	case TypePOLL, TypePOLR:
		buf := make([]byte, 12)
		binary.BigEndian.PutUint32(buf[0:4], p.SPMSqn)
		binary.BigEndian.PutUint32(buf[4:8], p.SPMTrail)
		binary.BigEndian.PutUint32(buf[8:12], p.SPMLead)
		return buf, nil
	default:
		return nil, fmt.Errorf("protocol: unknown packet type 0x%02x", uint8(p.Header.Type))
	}
}

// Decode parses a wire-format datagram, validating its checksum before
// interpreting the body.
func Decode(buf []byte) (*Packet, error) {
	if !VerifyChecksum(buf) {
		return nil, fmt.Errorf("protocol: checksum mismatch")
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	p := &Packet{Header: h}
	rest := buf[FixedHeaderLen:]

	switch h.Type {
	case TypeSPM, TypeSPMR, TypePOLL, TypePOLR:
		if len(rest) < 12 {
			return nil, fmt.Errorf("protocol: short SPM-family body")
		}
		p.SPMSqn = binary.BigEndian.Uint32(rest[0:4])
		p.SPMTrail = binary.BigEndian.Uint32(rest[4:8])
		p.SPMLead = binary.BigEndian.Uint32(rest[8:12])
		rest = rest[12:]
	case TypeODATA, TypeRDATA:
		if len(rest) < 8 {
			return nil, fmt.Errorf("protocol: short ODATA/RDATA body")
		}
		p.DataSqn = binary.BigEndian.Uint32(rest[0:4])
		p.DataTrail = binary.BigEndian.Uint32(rest[4:8])
		rest = rest[8:]
		payloadLen := int(h.TSDULength)
		if payloadLen > len(rest) {
			return nil, fmt.Errorf("protocol: TSDU length %d exceeds remaining %d bytes", payloadLen, len(rest))
		}
		p.Payload = append([]byte(nil), rest[:payloadLen]...)
		rest = rest[payloadLen:]
	case TypeNAK, TypeNNAK, TypeNCF:
		if len(rest) < 12 {
			return nil, fmt.Errorf("protocol: short NAK-family body")
		}
		p.NAKSqn = binary.BigEndian.Uint32(rest[0:4])
		copy(p.NAKSourceNLA[:], rest[4:8])
		copy(p.NAKGroupNLA[:], rest[8:12])
		rest = rest[12:]
	case TypeACK:
		if len(rest) < 4 {
			return nil, fmt.Errorf("protocol: short ACK body")
		}
		p.DataSqn = binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
	default:
		return nil, fmt.Errorf("protocol: unknown packet type 0x%02x", uint8(h.Type))
	}

	if h.HasOptions() {
		opts, err := DecodeOptions(rest)
		if err != nil {
			return nil, err
		}
		p.Options = opts
	}
	return p, nil
}
