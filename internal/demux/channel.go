package demux

import (
	"encoding/binary"
	"log"

	"github.com/sam210723/xritrx/internal/ccsds"
	"github.com/sam210723/xritrx/internal/crc16"
	"github.com/sam210723/xritrx/internal/tpfile"
)

// cpAccumulator is a CP_PDU still growing its payload (spec §4.4 state
// "Accumulating").
type cpAccumulator struct {
	header  ccsds.CPPDUHeader
	payload []byte
}

// channel is the per-VCID reassembly engine: it turns a sequence of
// M_PDU packet zones into complete, CRC-valid CP_PDUs, and CP_PDUs into
// complete TP_Files, which it hands to the Core for S_PDU decryption and
// output. One channel exists per virtual channel ID ever seen.
type channel struct {
	vcid     uint8
	vcidName string
	core     *Core

	current *cpAccumulator   // nil when Empty
	tp      *tpfile.Assembler // nil when Idle

	tpLastSeq  uint16
	tpSeqValid bool
}

func newChannel(vcid uint8, core *Core) *channel {
	return &channel{
		vcid:     vcid,
		vcidName: ccsds.NameForVCID(int(vcid)),
		core:     core,
	}
}

// feedMPDU processes one M_PDU (the 886-byte VCDU payload, header included)
// per the algorithm in spec §4.4.
func (c *channel) feedMPDU(mpdu []byte) {
	hdr := ccsds.ParseMPDUHeader(mpdu)
	zone := ccsds.PacketZone(mpdu)

	switch {
	case hdr.FirstHeaderPointer == ccsds.NoHeaderPointer:
		if c.current == nil {
			return // mid-gap: nothing to append to
		}
		c.current.payload = append(c.current.payload, zone...)

	case hdr.FirstHeaderPointer == 0:
		c.startCPPDU(zone)

	default:
		p := int(hdr.FirstHeaderPointer)
		if p >= len(zone) {
			log.Printf("demux: %s: first_header_pointer %d out of range, dropping m_pdu", c.vcidName, p)
			c.current = nil
			return
		}
		c.closeAndAdvance(zone, p)
	}
}

// startCPPDU handles first_header_pointer == 0: a new CP_PDU header begins
// at the very start of the packet zone. Any previous CP_PDU is not
// finalized, per spec §4.4 step 2.
func (c *channel) startCPPDU(zone []byte) {
	hdr, err := ccsds.ParseCPPDUHeader(zone)
	if err != nil {
		log.Printf("demux: %s: bad cp_pdu header at pointer 0: %v", c.vcidName, err)
		c.current = nil
		return
	}
	c.current = &cpAccumulator{
		header:  hdr,
		payload: append([]byte(nil), zone[ccsds.CPPDUHeaderSize:]...),
	}
}

// closeAndAdvance handles 0 < first_header_pointer < 884: the tail of the
// current CP_PDU lives in zone[:p], and a new CP_PDU header starts at
// zone[p:] (spec §4.4 step 3).
func (c *channel) closeAndAdvance(zone []byte, p int) {
	nextHeaderBytes := zone[p:]
	nextHeader, err := ccsds.ParseCPPDUHeader(nextHeaderBytes)
	if err != nil {
		log.Printf("demux: %s: bad cp_pdu header at pointer %d: %v", c.vcidName, p, err)
		c.current = nil
		return
	}

	if c.current != nil {
		c.current.payload = append(c.current.payload, zone[:p]...)
		c.validateAndRoute(c.current)
	}

	if nextHeader.IsEOFMarker() {
		c.finishTPFile()
		c.current = nil
		return
	}

	c.current = &cpAccumulator{
		header:  nextHeader,
		payload: append([]byte(nil), nextHeaderBytes[ccsds.CPPDUHeaderSize:]...),
	}
}

// validateAndRoute checks a closed CP_PDU's CRC and declared length, logs
// and records both, tracks the 14-bit sequence counter, and routes the
// payload (minus its CRC trailer) to the TP_File assembler per its
// sequence flag (spec §4.4, §7).
func (c *channel) validateAndRoute(acc *cpAccumulator) {
	if len(acc.payload) < ccsds.CRCSize {
		log.Printf("demux: %s: cp_pdu shorter than crc trailer, dropping", c.vcidName)
		c.abandonTPFile()
		return
	}

	body := acc.payload[:len(acc.payload)-ccsds.CRCSize]
	want := binary.BigEndian.Uint16(acc.payload[len(acc.payload)-ccsds.CRCSize:])
	got := crc16.Checksum(body)
	crcOK := got == want
	lengthOK := len(acc.payload) == acc.header.Length()

	if c.core.verbose {
		log.Printf("demux: %s: cp_pdu apid=%d seq=%s counter=%d crc=%v length=%v",
			c.vcidName, acc.header.APID, acc.header.SeqFlag, acc.header.SeqCounter, crcOK, lengthOK)
	}

	if !crcOK {
		log.Printf("demux: %s: cp_pdu crc mismatch, discarding", c.vcidName)
		if c.core.stats != nil {
			c.core.stats.RecordCRCFailure(c.vcid)
		}
		c.abandonTPFile()
		return
	}
	if !lengthOK {
		log.Printf("demux: %s: cp_pdu length mismatch: declared %d, actual %d", c.vcidName, acc.header.Length(), len(acc.payload))
		if c.core.stats != nil {
			c.core.stats.RecordLengthFailure(c.vcid)
		}
		c.abandonTPFile()
		return
	}

	gap := false
	if c.tpSeqValid {
		expected := (c.tpLastSeq + 1) & 0x3FFF
		gap = acc.header.SeqCounter != expected
		if gap {
			log.Printf("demux: %s: cp_pdu sequence gap (got %d, expected %d)", c.vcidName, acc.header.SeqCounter, expected)
		}
	}
	if c.core.stats != nil {
		c.core.stats.RecordCPPDU(c.vcid, gap)
	}
	c.tpLastSeq = acc.header.SeqCounter
	c.tpSeqValid = true

	payload := body

	switch acc.header.SeqFlag {
	case ccsds.SeqFirst:
		c.beginTPFile(payload)
	case ccsds.SeqSingle:
		c.beginTPFile(payload)
		c.finishTPFile()
	case ccsds.SeqContinue:
		c.appendTPFile(payload)
	case ccsds.SeqLast:
		c.appendTPFile(payload)
		c.finishTPFile()
	}
}

func (c *channel) beginTPFile(payload []byte) {
	a := &tpfile.Assembler{}
	if err := a.Begin(payload); err != nil {
		log.Printf("demux: %s: bad tp_file header: %v", c.vcidName, err)
		return
	}
	c.tp = a
}

func (c *channel) appendTPFile(payload []byte) {
	if c.tp == nil {
		log.Printf("demux: %s: cp_pdu fragment with no tp_file in progress, dropped", c.vcidName)
		return
	}
	c.tp.Append(payload)
}

// finishTPFile closes out the TP_File in progress, if any: validates its
// declared length against the assembled size and, on success, hands it to
// the Core for S_PDU decryption and output. Safe to call when idle (the
// explicit EOF-marker CP_PDU always triggers this, whether or not the
// closing fragment's own sequence flag was LAST).
func (c *channel) finishTPFile() {
	c.tpSeqValid = false
	if c.tp == nil {
		return
	}
	tp := c.tp
	c.tp = nil

	if err := tp.Validate(); err != nil {
		log.Printf("demux: %s: %v, discarding tp_file", c.vcidName, err)
		if c.core.stats != nil {
			c.core.stats.RecordLengthFailure(c.vcid)
		}
		return
	}

	c.core.emit(c.vcid, tp.Payload())
}

func (c *channel) abandonTPFile() {
	c.tp = nil
	c.tpSeqValid = false
}
