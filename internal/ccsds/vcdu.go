// Package ccsds parses the fixed CCSDS frame layers the COMS-1 downlink
// carries: VCDU, M_PDU and CP_PDU headers. Layout is big-endian throughout,
// per spec §6.
package ccsds

import (
	"fmt"
)

// VCDUSize is the fixed on-wire VCDU frame size in bytes.
const VCDUSize = 892

// VCDUHeaderSize is the size of the VCDU header preceding the M_PDU.
const VCDUHeaderSize = 6

// SpacecraftID is the only accepted value; everything else is dropped.
const SpacecraftID = 195

// FillVCID is reserved for fill frames and never enters a channel handler.
const FillVCID = 63

// VCIDName maps virtual channel IDs to their human-readable names, used in
// log output (spec §6).
var VCIDName = map[int]string{
	0:  "VIS",
	1:  "SWIR",
	2:  "WV",
	3:  "IR1",
	4:  "IR2",
	5:  "ANT",
	6:  "ENC",
	7:  "CMDPS",
	8:  "NWP",
	9:  "GOCI",
	10: "BINARY",
	11: "TYPHOON",
	63: "FILL",
}

// NameForVCID returns the channel name, or "VCID<n>" if unknown.
func NameForVCID(vcid int) string {
	if name, ok := VCIDName[vcid]; ok {
		return name
	}
	return fmt.Sprintf("VCID%d", vcid)
}

// VCDUHeader is the parsed 6-byte VCDU header.
type VCDUHeader struct {
	Version      uint8
	SpacecraftID uint8
	VCID         uint8
	Counter      uint32 // 24 bits
	Replay       bool
}

// ParseVCDUHeader parses the leading 6 bytes of a VCDU frame.
func ParseVCDUHeader(b []byte) (VCDUHeader, error) {
	if len(b) < VCDUHeaderSize {
		return VCDUHeader{}, fmt.Errorf("ccsds: vcdu header too short: %d bytes", len(b))
	}

	// ver(2) | scid(8) | vcid(6) | counter(24) | replay(1) | spare(7)
	var v uint64
	for i := 0; i < 6; i++ {
		v = v<<8 | uint64(b[i])
	}
	return VCDUHeader{
		Version:      uint8((v >> 46) & 0x3),
		SpacecraftID: uint8((v >> 38) & 0xFF),
		VCID:         uint8((v >> 32) & 0x3F),
		Counter:      uint32((v >> 8) & 0xFFFFFF),
		Replay:       (v>>7)&0x1 != 0,
	}, nil
}

// Payload returns the 886-byte M_PDU that follows the VCDU header.
func Payload(vcdu []byte) []byte {
	return vcdu[VCDUHeaderSize:]
}

// CounterGap returns how many frames were lost between last and next,
// accounting for 24-bit wraparound. A return of 0 means no loss.
func CounterGap(last, next uint32) uint32 {
	const mod = 1 << 24
	return (next - last - 1 + mod) % mod
}
