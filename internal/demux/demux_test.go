package demux

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/sam210723/xritrx/internal/ccsds"
	"github.com/sam210723/xritrx/internal/crc16"
	"github.com/sam210723/xritrx/internal/sink"
	"github.com/sam210723/xritrx/internal/spdu"
	"github.com/sam210723/xritrx/internal/stats"
)

func noKeyLookup(uint64) ([8]byte, bool, error) { return [8]byte{}, false, nil }

func newTestCore(t *testing.T) (*Core, string) {
	t.Helper()
	dir := t.TempDir()
	sk, err := sink.New(dir)
	if err != nil {
		t.Fatalf("sink.New: %v", err)
	}
	st, err := stats.NewReporter("")
	if err != nil {
		t.Fatalf("stats.NewReporter: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewCore(sk, st, noKeyLookup, false), dir
}

func vcduHeaderBytes(scid, vcid uint8, counter uint32) []byte {
	var v uint64
	v |= uint64(scid) << 38
	v |= uint64(vcid&0x3F) << 32
	v |= uint64(counter&0xFFFFFF) << 8
	b := make([]byte, ccsds.VCDUHeaderSize)
	for i := 0; i < ccsds.VCDUHeaderSize; i++ {
		b[i] = byte(v >> uint(8*(ccsds.VCDUHeaderSize-1-i)))
	}
	return b
}

func buildVCDU(vcid uint8, counter uint32, pointer uint16, zone []byte) []byte {
	if len(zone) != ccsds.PacketZoneSize {
		panic("test: zone must be PacketZoneSize bytes")
	}
	frame := make([]byte, 0, ccsds.VCDUSize)
	frame = append(frame, vcduHeaderBytes(ccsds.SpacecraftID, vcid, counter)...)
	mh := pointer & 0x07FF
	frame = append(frame, byte(mh>>8), byte(mh))
	frame = append(frame, zone...)
	return frame
}

// cppduWire builds one complete CP_PDU (header || data || crc) for the
// given sequence flag and payload data.
func cppduWire(flag ccsds.SequenceFlag, data []byte) []byte {
	crc := crc16.Checksum(data)
	payload := append(append([]byte(nil), data...), byte(crc>>8), byte(crc))
	hdr := ccsds.CPPDUHeader{SeqFlag: flag, LengthMinusOne: uint16(len(payload) - 1)}
	return append(ccsds.MarshalCPPDUHeader(hdr), payload...)
}

// buildSequenceFrames lays a sequence of already-built CP_PDU wire byte
// slices end-to-end across VCDU frames (first_header_pointer chosen so
// each CP_PDU boundary is exposed on the frame where it actually falls),
// optionally closing the final CP_PDU with the canonical EOF-marker
// header. Segment sizes must keep consecutive header boundaries more than
// one packet zone apart so no two boundaries ever land in the same zone.
func buildSequenceFrames(vcid uint8, counterStart uint32, segments [][]byte, closeFinal bool) [][]byte {
	var wire []byte
	var boundaries []int
	for _, seg := range segments {
		boundaries = append(boundaries, len(wire))
		wire = append(wire, seg...)
	}
	if closeFinal {
		boundaries = append(boundaries, len(wire))
		wire = append(wire, ccsds.MarshalCPPDUHeader(ccsds.EOFMarkerHeader())...)
	}

	const zoneCap = ccsds.PacketZoneSize
	var frames [][]byte
	counter := counterStart
	pos := 0
	first := true

	for pos < len(wire) {
		zone := make([]byte, zoneCap)
		pointer := uint16(ccsds.NoHeaderPointer)
		if first {
			pointer = 0
		} else {
			for _, b := range boundaries {
				if b > pos && b <= pos+zoneCap-ccsds.CPPDUHeaderSize {
					pointer = uint16(b - pos)
					break
				}
			}
		}

		n := copy(zone, wire[pos:])
		pos += n
		frames = append(frames, buildVCDU(vcid, counter, pointer, zone))
		counter++
		first = false
	}
	return frames
}

func twoByteBE(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }

// buildTestSPDU assembles a minimal xRIT S_PDU: primary header, an
// Annotation Text secondary header, a Key secondary header, then the data
// field.
func buildTestSPDU(fileType uint8, annotation string, keyIndex uint32, dataField []byte) []byte {
	annHdr := append([]byte{4}, twoByteBE(uint16(3+len(annotation)))...)
	annHdr = append(annHdr, []byte(annotation)...)

	keyData := make([]byte, 4)
	binary.BigEndian.PutUint32(keyData, keyIndex)
	keyHdr := append([]byte{7}, twoByteBE(uint16(3+len(keyData)))...)
	keyHdr = append(keyHdr, keyData...)

	secondary := append(append([]byte(nil), annHdr...), keyHdr...)

	totalHeaderLen := spdu.PrimaryHeaderSize + len(secondary)
	primary := make([]byte, spdu.PrimaryHeaderSize)
	primary[0], primary[1], primary[2] = 0x00, 0x00, 0x10
	primary[3] = fileType
	binary.BigEndian.PutUint32(primary[4:8], uint32(totalHeaderLen))
	binary.BigEndian.PutUint64(primary[8:16], uint64(len(dataField)))

	out := append(append([]byte(nil), primary...), secondary...)
	out = append(out, dataField...)
	return out
}

func TestCoreFillVCIDExcluded(t *testing.T) {
	core, dir := newTestCore(t)

	zone := make([]byte, ccsds.PacketZoneSize)
	core.processVCDU(buildVCDU(ccsds.FillVCID, 1, ccsds.NoHeaderPointer, zone))

	if _, ok := core.channels[ccsds.FillVCID]; ok {
		t.Error("fill vcid should never get a channel handler")
	}
	if !core.haveCounter[ccsds.FillVCID] {
		t.Error("fill vcid counter tracking should still occur")
	}

	entries, err := os.ReadDir(filepath.Join(dir, "LRIT"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fill vcdu produced output: %v", entries)
	}
}

func TestCoreStartupGate(t *testing.T) {
	core, _ := newTestCore(t)

	zone := make([]byte, ccsds.PacketZoneSize)

	// First VCDU ever seen: VCID 3. Gate records it but does not release.
	core.processVCDU(buildVCDU(3, 1, ccsds.NoHeaderPointer, zone))
	if core.gateReleased {
		t.Fatal("gate released after the very first vcdu")
	}
	if _, ok := core.channels[3]; ok {
		t.Fatal("channel created for vcid before gate release")
	}

	// More VCID 3 frames: still gated.
	core.processVCDU(buildVCDU(3, 2, ccsds.NoHeaderPointer, zone))
	if core.gateReleased {
		t.Fatal("gate released while only the first vcid has been seen")
	}

	// A different VCID releases the gate permanently.
	core.processVCDU(buildVCDU(5, 1, ccsds.NoHeaderPointer, zone))
	if !core.gateReleased {
		t.Fatal("gate not released on vcid change")
	}
	if _, ok := core.channels[5]; !ok {
		t.Fatal("channel not created for vcid after gate release")
	}

	// VCID 3 now processes normally too.
	core.processVCDU(buildVCDU(3, 3, ccsds.NoHeaderPointer, zone))
	if _, ok := core.channels[3]; !ok {
		t.Fatal("channel not created for vcid 3 after gate release")
	}
}

// TestCoreStartupGateFillFirst exercises spec §8 scenario S1: a fill VCDU
// (VCDU#1) arrives before any data channel and must still be recorded as
// the gate's first-seen VCID, so that VCDU#2 on a different (data) VCID
// releases the gate immediately, and VCDU#3 on that same VCID completes a
// TP_File.
func TestCoreStartupGateFillFirst(t *testing.T) {
	core, dir := newTestCore(t)

	// VCDU#1: fill VCID. First-seen is recorded as the fill VCID.
	core.processVCDU(buildVCDU(ccsds.FillVCID, 1, ccsds.NoHeaderPointer, make([]byte, ccsds.PacketZoneSize)))
	if !core.gateHaveFirst || core.gateFirstVCID != ccsds.FillVCID {
		t.Fatal("fill vcdu should be recorded as the gate's first-seen vcid")
	}
	if core.gateReleased {
		t.Fatal("gate released by the first (fill) vcdu alone")
	}

	// A 1000-byte data field pushes the single CP_PDU past one packet
	// zone (884 bytes), so the EOF marker that closes it necessarily
	// falls in a second VCDU frame, matching VCDU#2/VCDU#3 of S1.
	dataField := bytes.Repeat([]byte("Z"), 1000)
	spduBytes := buildTestSPDU(0, "S1TEST.LRIT", 0, dataField)
	tpHeader := make([]byte, 10)
	binary.BigEndian.PutUint16(tpHeader[0:2], 1)
	binary.BigEndian.PutUint64(tpHeader[2:10], uint64(len(spduBytes))*8)
	singleData := append(append([]byte(nil), tpHeader...), spduBytes...)

	segments := [][]byte{cppduWire(ccsds.SeqSingle, singleData)}
	frames := buildSequenceFrames(3, 1, segments, true)
	if len(frames) != 2 {
		t.Fatalf("test setup: expected exactly 2 frames (VCDU#2, VCDU#3), got %d", len(frames))
	}

	// VCDU#2: the first frame on VCID 3 (different from the fill
	// first-seen VCID), releasing the gate in the same call.
	core.processVCDU(frames[0])
	if !core.gateReleased {
		t.Fatal("gate not released by a non-fill vcid following the fill first-seen vcid")
	}

	// VCDU#3: carries the EOF marker, completing the TP_File started by
	// VCDU#2.
	core.processVCDU(frames[1])

	entries, err := os.ReadDir(filepath.Join(dir, "LRIT"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected TP_File to be emitted once the gate released, got %d entries", len(entries))
	}
}

func TestCoreCounterGapDetection(t *testing.T) {
	core, _ := newTestCore(t)
	zone := make([]byte, ccsds.PacketZoneSize)

	core.processVCDU(buildVCDU(5, 0, ccsds.NoHeaderPointer, zone)) // first seen, gate holds
	core.processVCDU(buildVCDU(7, 10, ccsds.NoHeaderPointer, zone)) // releases gate
	core.processVCDU(buildVCDU(5, 1, ccsds.NoHeaderPointer, zone))

	core.processVCDU(buildVCDU(5, 5, ccsds.NoHeaderPointer, zone)) // 3 frames lost (2,3,4)
	if core.lastCounter[5] != 5 {
		t.Fatalf("lastCounter[5] = %d, want 5", core.lastCounter[5])
	}
}

func TestChannelCleanRoundTrip(t *testing.T) {
	core, dir := newTestCore(t)
	zone := make([]byte, ccsds.PacketZoneSize)

	// Release the startup gate before sending real data on VCID 3.
	core.processVCDU(buildVCDU(9, 1, ccsds.NoHeaderPointer, zone))
	core.processVCDU(buildVCDU(3, 1, ccsds.NoHeaderPointer, zone))

	dataField := bytes.Repeat([]byte("AB"), 1329) // 2658 bytes
	spduBytes := buildTestSPDU(2 /* ANT */, "TEST.LRIT", 0, dataField)
	if len(spduBytes) < 1800 {
		t.Fatalf("test setup: spdu too short (%d bytes) for the fragmentation below", len(spduBytes))
	}

	firstChunk := spduBytes[0:880]
	continueChunk := spduBytes[880:1780]
	lastChunk := spduBytes[1780:]

	tpHeader := make([]byte, 10)
	binary.BigEndian.PutUint16(tpHeader[0:2], 1)
	binary.BigEndian.PutUint64(tpHeader[2:10], uint64(len(spduBytes))*8)

	firstData := append(append([]byte(nil), tpHeader...), firstChunk...)

	segments := [][]byte{
		cppduWire(ccsds.SeqFirst, firstData),
		cppduWire(ccsds.SeqContinue, continueChunk),
		cppduWire(ccsds.SeqLast, lastChunk),
	}

	frames := buildSequenceFrames(3, 10, segments, true)
	for _, f := range frames {
		core.processVCDU(f)
	}

	dest := filepath.Join(dir, "LRIT", "ADD", "ANT", "TEST.LRIT")
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("output file not written: %v", err)
	}
	if !bytes.Equal(got, spduBytes) {
		t.Fatalf("output file content mismatch: got %d bytes, want %d bytes", len(got), len(spduBytes))
	}
}

func TestChannelCRCMismatchDiscardsTPFile(t *testing.T) {
	core, dir := newTestCore(t)
	zone := make([]byte, ccsds.PacketZoneSize)

	core.processVCDU(buildVCDU(9, 1, ccsds.NoHeaderPointer, zone))
	core.processVCDU(buildVCDU(3, 1, ccsds.NoHeaderPointer, zone))

	dataField := bytes.Repeat([]byte("CD"), 1329)
	spduBytes := buildTestSPDU(2, "CORRUPT.LRIT", 0, dataField)
	firstChunk := spduBytes[0:880]
	continueChunk := spduBytes[880:1780]
	lastChunk := spduBytes[1780:]

	tpHeader := make([]byte, 10)
	binary.BigEndian.PutUint16(tpHeader[0:2], 1)
	binary.BigEndian.PutUint64(tpHeader[2:10], uint64(len(spduBytes))*8)
	firstData := append(append([]byte(nil), tpHeader...), firstChunk...)

	continueWire := cppduWire(ccsds.SeqContinue, continueChunk)
	continueWire[ccsds.CPPDUHeaderSize] ^= 0x01 // corrupt one data bit, CRC now wrong

	segments := [][]byte{
		cppduWire(ccsds.SeqFirst, firstData),
		continueWire,
		cppduWire(ccsds.SeqLast, lastChunk),
	}

	frames := buildSequenceFrames(3, 20, segments, true)
	for _, f := range frames {
		core.processVCDU(f)
	}

	dest := filepath.Join(dir, "LRIT", "ADD", "ANT", "CORRUPT.LRIT")
	if _, err := os.Stat(dest); err == nil {
		t.Fatal("output file written despite CRC mismatch in the middle fragment")
	}
}

func TestChannelNoCloseNoEmit(t *testing.T) {
	core, dir := newTestCore(t)
	zone := make([]byte, ccsds.PacketZoneSize)

	core.processVCDU(buildVCDU(9, 1, ccsds.NoHeaderPointer, zone))
	core.processVCDU(buildVCDU(3, 1, ccsds.NoHeaderPointer, zone))

	dataField := bytes.Repeat([]byte("EF"), 1329)
	spduBytes := buildTestSPDU(2, "DANGLING.LRIT", 0, dataField)
	firstChunk := spduBytes[0:880]
	continueChunk := spduBytes[880:1780]

	tpHeader := make([]byte, 10)
	binary.BigEndian.PutUint16(tpHeader[0:2], 1)
	binary.BigEndian.PutUint64(tpHeader[2:10], uint64(len(spduBytes))*8)
	firstData := append(append([]byte(nil), tpHeader...), firstChunk...)

	segments := [][]byte{
		cppduWire(ccsds.SeqFirst, firstData),
		cppduWire(ccsds.SeqContinue, continueChunk),
	}

	// closeFinal=false: the CONTINUE fragment is never validated/routed,
	// so the TP_File must never complete.
	frames := buildSequenceFrames(3, 30, segments, false)
	for _, f := range frames {
		core.processVCDU(f)
	}

	dest := filepath.Join(dir, "LRIT", "ADD", "ANT", "DANGLING.LRIT")
	if _, err := os.Stat(dest); err == nil {
		t.Fatal("output file written without a closing cp_pdu boundary")
	}
}
