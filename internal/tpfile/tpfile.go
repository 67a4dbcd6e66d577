// Package tpfile implements the TP_File layer: a 10-byte header (file
// counter + length in bits) followed by a single S_PDU payload, assembled
// from a sequence of CP_PDU payloads belonging to one virtual channel
// (spec §3, §4.4).
package tpfile

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of the TP_File header.
const HeaderSize = 10

// Header is the parsed 10-byte TP_File header.
type Header struct {
	Counter    uint16
	LengthBits uint64
}

// LengthBytes is the declared TP_File payload length in bytes.
func (h Header) LengthBytes() uint64 {
	return h.LengthBits / 8
}

// ParseHeader parses the leading 10 bytes of a TP_File.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("tpfile: header too short: %d bytes", len(b))
	}
	return Header{
		Counter:    binary.BigEndian.Uint16(b[0:2]),
		LengthBits: binary.BigEndian.Uint64(b[2:10]),
	}, nil
}

// Assembler accumulates CP_PDU payloads (stripped of their CRC trailer)
// into one TP_File. One Assembler exists per virtual channel's
// in-progress file; it is replaced, not reset, when a new file begins.
type Assembler struct {
	header  Header
	havHdr  bool
	payload []byte
}

// Begin starts a new TP_File from the first CP_PDU's payload (FIRST or
// SINGLE sequence flag). The TP_File header is parsed from the start of
// data; the remainder becomes the initial payload.
func (a *Assembler) Begin(data []byte) error {
	hdr, err := ParseHeader(data)
	if err != nil {
		return err
	}
	a.header = hdr
	a.havHdr = true
	a.payload = append([]byte(nil), data[HeaderSize:]...)
	return nil
}

// Append adds a CONTINUE or LAST CP_PDU's payload to the file in progress.
func (a *Assembler) Append(data []byte) {
	a.payload = append(a.payload, data...)
}

// Len returns the number of payload bytes accumulated so far (excluding
// the 10-byte TP_File header).
func (a *Assembler) Len() int {
	return len(a.payload)
}

// Validate checks the accumulated payload length against the declared
// length (spec: "assembled TP_File size != declared" -> TPFileLengthMismatch).
func (a *Assembler) Validate() error {
	if !a.havHdr {
		return fmt.Errorf("tpfile: no header parsed")
	}
	want := a.header.LengthBytes()
	got := uint64(len(a.payload))
	if want != got {
		return fmt.Errorf("tpfile: length mismatch: declared %d bytes, assembled %d bytes (diff %d)",
			want, got, int64(got)-int64(want))
	}
	return nil
}

// Payload returns the accumulated S_PDU payload.
func (a *Assembler) Payload() []byte {
	return a.payload
}

// Header returns the parsed TP_File header.
func (a *Assembler) Header() Header {
	return a.header
}
