package ccsds

import (
	"encoding/binary"
	"fmt"
)

// CPPDUHeaderSize is the size of the CP_PDU header.
const CPPDUHeaderSize = 6

// CRCSize is the size of the CP_PDU's trailing CRC.
const CRCSize = 2

// SequenceFlag is the 2-bit CP_PDU fragmentation flag.
type SequenceFlag uint8

const (
	SeqContinue SequenceFlag = 0
	SeqFirst    SequenceFlag = 1
	SeqLast     SequenceFlag = 2
	SeqSingle   SequenceFlag = 3
)

func (f SequenceFlag) String() string {
	switch f {
	case SeqContinue:
		return "CONTINUE"
	case SeqFirst:
		return "FIRST"
	case SeqLast:
		return "LAST"
	case SeqSingle:
		return "SINGLE"
	default:
		return fmt.Sprintf("SEQ(%d)", f)
	}
}

// CPPDUHeader is the parsed 6-byte CP_PDU header.
type CPPDUHeader struct {
	Version           uint8
	Type              uint8
	SecondaryHeader   bool
	APID              uint16 // 11 bits
	SeqFlag           SequenceFlag
	SeqCounter        uint16 // 14 bits
	LengthMinusOne    uint16
}

// Length is the declared packet payload length in bytes (length_minus_one + 1).
func (h CPPDUHeader) Length() int {
	return int(h.LengthMinusOne) + 1
}

// IsEOFMarker reports whether this header is the distinguished EOF-marker
// CP_PDU (APID=0, counter=0, seq=CONTINUE, length_minus_one=0), per spec §3.
func (h CPPDUHeader) IsEOFMarker() bool {
	return h.APID == 0 && h.SeqCounter == 0 && h.SeqFlag == SeqContinue && h.LengthMinusOne == 0
}

// ParseCPPDUHeader parses the leading 6 bytes of a CP_PDU.
func ParseCPPDUHeader(b []byte) (CPPDUHeader, error) {
	if len(b) < CPPDUHeaderSize {
		return CPPDUHeader{}, fmt.Errorf("ccsds: cp_pdu header too short: %d bytes", len(b))
	}

	// ver(3) | type(1) | shf(1) | apid(11) || seqflag(2) | seqcount(14) || length_minus_one(16)
	word0 := binary.BigEndian.Uint16(b[0:2])
	word1 := binary.BigEndian.Uint16(b[2:4])
	lengthMinusOne := binary.BigEndian.Uint16(b[4:6])

	return CPPDUHeader{
		Version:         uint8(word0 >> 13),
		Type:            uint8((word0 >> 12) & 0x1),
		SecondaryHeader: (word0>>11)&0x1 != 0,
		APID:            word0 & 0x07FF,
		SeqFlag:         SequenceFlag(word1 >> 14),
		SeqCounter:      word1 & 0x3FFF,
		LengthMinusOne:  lengthMinusOne,
	}, nil
}

// MarshalCPPDUHeader serializes a CP_PDU header back to 6 bytes. Used only
// by tests building synthetic frames.
func MarshalCPPDUHeader(h CPPDUHeader) []byte {
	word0 := uint16(h.Version&0x7)<<13 | uint16(h.Type&0x1)<<12
	if h.SecondaryHeader {
		word0 |= 1 << 11
	}
	word0 |= h.APID & 0x07FF

	word1 := uint16(h.SeqFlag&0x3)<<14 | (h.SeqCounter & 0x3FFF)

	b := make([]byte, CPPDUHeaderSize)
	binary.BigEndian.PutUint16(b[0:2], word0)
	binary.BigEndian.PutUint16(b[2:4], word1)
	binary.BigEndian.PutUint16(b[4:6], h.LengthMinusOne)
	return b
}

// EOFMarkerHeader returns the canonical EOF-marker CP_PDU header (spec §3,
// §8 scenario S4): APID=0, counter=0, seq=CONTINUE, length_minus_one=0.
func EOFMarkerHeader() CPPDUHeader {
	return CPPDUHeader{SeqFlag: SeqContinue}
}
