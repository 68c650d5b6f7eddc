package protocol

import (
	"encoding/binary"
	"fmt"
)

// OptionType identifies an option TLV, carried in the option header's low
// 7 bits (the top bit is the end-of-options marker, folded into
// optionsEnd below).
type OptionType uint8

const (
	OptLength    OptionType = 0x00
	OptFragment  OptionType = 0x01
	OptNAKList   OptionType = 0x02
	OptParityPrm OptionType = 0x08
	OptParityGrp OptionType = 0x09
	OptFin       OptionType = 0x0d
	OptSyn       OptionType = 0x0e
	OptNakBOIvl  OptionType = 0x04
	OptRst       OptionType = 0x11
)

const optionsEnd = 0x80 // OPT_END bit in the option type octet

// MaxNAKListEntries bounds OPT_NAK_LIST per spec §6: up to 62 additional
// sequence numbers beyond the NAK's own, so the option fits a single TLV
// length byte alongside the 4-byte sqns.
const MaxNAKListEntries = 62

// OptFragmentData carries APDU reassembly coordinates for a fragmented
// ODATA/RDATA packet.
type OptFragmentData struct {
	APDUFirstSqn uint32
	Offset       uint32
	TotalLength  uint32
}

// OptNAKListData carries the extra sqns piggy-backed on a NAK, beyond the
// sqn already named in the packet body.
type OptNAKListData struct {
	Sqns []uint32
}

// OptParityPrmData announces the source's FEC parameters.
type OptParityPrmData struct {
	GroupSize uint32 // k
	ProActive bool
	OnDemand  bool
}

// OptParityGrpData names the FEC group number an RDATA/parity packet
// belongs to.
type OptParityGrpData struct {
	GroupNumber uint32
}

// OptNakBOIvlData carries a source-suggested NAK back-off interval
// override, in microseconds.
type OptNakBOIvlData struct {
	IntervalMicros uint32
}

// Options is the decoded set of option TLVs attached to one packet. Only
// the fields relevant to a given packet type are populated; callers check
// the HasX booleans before reading a value.
type Options struct {
	HasFragment  bool
	Fragment     OptFragmentData
	HasNAKList   bool
	NAKList      OptNAKListData
	HasParityPrm bool
	ParityPrm    OptParityPrmData
	HasParityGrp bool
	ParityGrp    OptParityGrpData
	HasNakBOIvl  bool
	NakBOIvl     OptNakBOIvlData
	Fin          bool
	Syn          bool
	Rst          bool
}

// EncodeOptions appends the TLV-encoded options block (including its
// OPT_LENGTH header) to dst and returns the extended slice.
func EncodeOptions(dst []byte, opts Options) []byte {
	start := len(dst)
	// Placeholder OPT_LENGTH TLV; total length patched in after the rest
	// is appended, matching how OPT_LENGTH always leads the option chain.
	dst = append(dst, byte(OptLength), 4, 0, 0)

	lastTLVPos := -1

	if opts.HasFragment {
		lastTLVPos = len(dst)
		dst = append(dst, byte(OptFragment), 14)
		var buf [12]byte
		binary.BigEndian.PutUint32(buf[0:4], opts.Fragment.APDUFirstSqn)
		binary.BigEndian.PutUint32(buf[4:8], opts.Fragment.Offset)
		binary.BigEndian.PutUint32(buf[8:12], opts.Fragment.TotalLength)
		dst = append(dst, buf[:]...)
	}
	if opts.HasNAKList {
		n := len(opts.NAKList.Sqns)
		if n > MaxNAKListEntries {
			n = MaxNAKListEntries
		}
		length := 2 + n*4
		lastTLVPos = len(dst)
		dst = append(dst, byte(OptNAKList), byte(length))
		for _, s := range opts.NAKList.Sqns[:n] {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], s)
			dst = append(dst, b[:]...)
		}
	}
	if opts.HasParityPrm {
		lastTLVPos = len(dst)
		dst = append(dst, byte(OptParityPrm), 8)
		var flags uint8
		if opts.ParityPrm.ProActive {
			flags |= 0x01
		}
		if opts.ParityPrm.OnDemand {
			flags |= 0x02
		}
		var buf [6]byte
		buf[0] = 0
		buf[1] = flags
		binary.BigEndian.PutUint32(buf[2:6], opts.ParityPrm.GroupSize)
		dst = append(dst, buf[:]...)
	}
	if opts.HasParityGrp {
		lastTLVPos = len(dst)
		dst = append(dst, byte(OptParityGrp), 8)
		var buf [6]byte
		binary.BigEndian.PutUint32(buf[2:6], opts.ParityGrp.GroupNumber)
		dst = append(dst, buf[:]...)
	}
	if opts.HasNakBOIvl {
		lastTLVPos = len(dst)
		dst = append(dst, byte(OptNakBOIvl), 8)
		var buf [6]byte
		binary.BigEndian.PutUint32(buf[2:6], opts.NakBOIvl.IntervalMicros)
		dst = append(dst, buf[:]...)
	}
	if opts.Fin {
		lastTLVPos = len(dst)
		dst = append(dst, byte(OptFin), 4, 0, 0)
	}
	if opts.Syn {
		lastTLVPos = len(dst)
		dst = append(dst, byte(OptSyn), 4, 0, 0)
	}
	if opts.Rst {
		lastTLVPos = len(dst)
		dst = append(dst, byte(OptRst), 4, 0, 0)
	}

	// Mark the last TLV's type octet with OPT_END (falling back to
	// OPT_LENGTH itself when no further options were appended), and patch
	// the overall length into the leading OPT_LENGTH TLV.
	if lastTLVPos == -1 {
		lastTLVPos = start
	}
	dst[lastTLVPos] |= optionsEnd
	totalLen := len(dst) - start
	binary.BigEndian.PutUint16(dst[start+2:start+4], uint16(totalLen))
	return dst
}

// DecodeOptions parses the option TLV chain starting at buf[0].
func DecodeOptions(buf []byte) (Options, error) {
	var opts Options
	if len(buf) < 4 {
		return opts, fmt.Errorf("protocol: truncated option header")
	}
	if OptionType(buf[0]&^optionsEnd) != OptLength {
		return opts, fmt.Errorf("protocol: option chain must begin with OPT_LENGTH, got 0x%02x", buf[0])
	}
	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < 4 || totalLen > len(buf) {
		return opts, fmt.Errorf("protocol: OPT_LENGTH %d out of range (have %d bytes)", totalLen, len(buf))
	}
	pos := 4
	for pos < totalLen {
		if pos+2 > totalLen {
			return opts, fmt.Errorf("protocol: truncated option TLV at offset %d", pos)
		}
		rawType := buf[pos]
		length := int(buf[pos+1])
		end := rawType&optionsEnd != 0
		optType := OptionType(rawType &^ optionsEnd)
		if pos+length > totalLen {
			return opts, fmt.Errorf("protocol: option TLV length %d overruns chain at offset %d", length, pos)
		}
		body := buf[pos+2 : pos+length]

		switch optType {
		case OptFragment:
			if len(body) < 12 {
				return opts, fmt.Errorf("protocol: OPT_FRAGMENT too short")
			}
			opts.HasFragment = true
			opts.Fragment.APDUFirstSqn = binary.BigEndian.Uint32(body[0:4])
			opts.Fragment.Offset = binary.BigEndian.Uint32(body[4:8])
			opts.Fragment.TotalLength = binary.BigEndian.Uint32(body[8:12])
		case OptNAKList:
			if len(body) < 4 || len(body)%4 != 0 {
				return opts, fmt.Errorf("protocol: OPT_NAK_LIST malformed length %d", len(body))
			}
			opts.HasNAKList = true
			count := len(body) / 4
			opts.NAKList.Sqns = make([]uint32, count)
			for i := 0; i < count; i++ {
				opts.NAKList.Sqns[i] = binary.BigEndian.Uint32(body[i*4 : i*4+4])
			}
		case OptParityPrm:
			if len(body) < 6 {
				return opts, fmt.Errorf("protocol: OPT_PARITY_PRM too short")
			}
			opts.HasParityPrm = true
			flags := body[1]
			opts.ParityPrm.ProActive = flags&0x01 != 0
			opts.ParityPrm.OnDemand = flags&0x02 != 0
			opts.ParityPrm.GroupSize = binary.BigEndian.Uint32(body[2:6])
		case OptParityGrp:
			if len(body) < 6 {
				return opts, fmt.Errorf("protocol: OPT_PARITY_GRP too short")
			}
			opts.HasParityGrp = true
			opts.ParityGrp.GroupNumber = binary.BigEndian.Uint32(body[2:6])
		case OptNakBOIvl:
			if len(body) < 6 {
				return opts, fmt.Errorf("protocol: OPT_NAK_BO_IVL too short")
			}
			opts.HasNakBOIvl = true
			opts.NakBOIvl.IntervalMicros = binary.BigEndian.Uint32(body[2:6])
		case OptFin:
			opts.Fin = true
		case OptSyn:
			opts.Syn = true
		case OptRst:
			opts.Rst = true
		case OptLength:
			// only valid as the leading TLV, already consumed
		default:
			// unknown option: skip, per RFC 3208's forward-compatibility rule
		}

		pos += length
		if end {
			break
		}
	}
	if opts.Fin && opts.Syn {
		return opts, fmt.Errorf("protocol: OPT_FIN and OPT_SYN together in one packet is malformed")
	}
	return opts, nil
}
