// Package spdu implements the S_PDU stage: parses the xRIT primary and
// secondary headers carried in a completed TP_File payload, resolves the
// DES key for non-zero key indexes, and decrypts the data field with
// single-layer DES-ECB (spec §4.5).
package spdu

import (
	"crypto/des"
	"encoding/binary"
	"fmt"
)

// PrimaryHeaderSize is the fixed size of the xRIT primary header.
const PrimaryHeaderSize = 16

var primaryMagic = [3]byte{0x00, 0x00, 0x10}

// Secondary header types that matter to this stage.
const (
	HeaderTypeAnnotation = 4
	HeaderTypeKey        = 7
)

// KeyLookup resolves a key index to its 8-byte DES key.
type KeyLookup func(index uint64) (key [8]byte, ok bool, err error)

// ErrUnknownKey is returned when the key store has no entry for the
// requested index (spec §7 UnknownKey).
type ErrUnknownKey struct{ Index uint64 }

func (e ErrUnknownKey) Error() string {
	return fmt.Sprintf("spdu: unknown key index %d", e.Index)
}

// PrimaryHeader is the parsed 16-byte xRIT primary header.
type PrimaryHeader struct {
	FileType          uint8
	TotalHeaderLength uint32 // bytes
	DataFieldLength   uint64 // bytes
}

// ParsePrimaryHeader parses and validates the magic of the leading 16
// bytes of an S_PDU.
func ParsePrimaryHeader(b []byte) (PrimaryHeader, error) {
	if len(b) < PrimaryHeaderSize {
		return PrimaryHeader{}, fmt.Errorf("spdu: primary header too short: %d bytes", len(b))
	}
	if b[0] != primaryMagic[0] || b[1] != primaryMagic[1] || b[2] != primaryMagic[2] {
		return PrimaryHeader{}, fmt.Errorf("spdu: bad primary header magic: % x", b[0:3])
	}
	return PrimaryHeader{
		FileType:          b[3],
		TotalHeaderLength: binary.BigEndian.Uint32(b[4:8]),
		DataFieldLength:   binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// secondaryHeader is a generic type-length-value secondary header record:
// 1-byte type, 2-byte total record length (including these 3 bytes),
// remaining bytes are the record's own fields.
type secondaryHeader struct {
	Type   uint8
	Length uint16
	Data   []byte
}

func walkSecondaryHeaders(b []byte) ([]secondaryHeader, error) {
	var out []secondaryHeader
	off := 0
	for off < len(b) {
		if off+3 > len(b) {
			return nil, fmt.Errorf("spdu: truncated secondary header at offset %d", off)
		}
		typ := b[off]
		length := binary.BigEndian.Uint16(b[off+1 : off+3])
		if int(length) < 3 || off+int(length) > len(b) {
			return nil, fmt.Errorf("spdu: secondary header length %d invalid at offset %d", length, off)
		}
		out = append(out, secondaryHeader{Type: typ, Length: length, Data: b[off+3 : off+int(length)]})
		off += int(length)
	}
	return out, nil
}

// KeyIndex extracts the 32-bit key index from the Key header (type 7)
// within the secondary headers following the primary header. Returns
// ok=false if no Key header is present (treated as plaintext, key index 0).
func KeyIndex(secondary []byte) (index uint32, ok bool, err error) {
	headers, err := walkSecondaryHeaders(secondary)
	if err != nil {
		return 0, false, err
	}
	for _, h := range headers {
		if h.Type == HeaderTypeKey && len(h.Data) >= 4 {
			return binary.BigEndian.Uint32(h.Data[0:4]), true, nil
		}
	}
	return 0, false, nil
}

// AnnotationFilename extracts the declared output filename from the
// Annotation Text header (type 4) within the secondary headers.
func AnnotationFilename(secondary []byte) (string, error) {
	headers, err := walkSecondaryHeaders(secondary)
	if err != nil {
		return "", err
	}
	for _, h := range headers {
		if h.Type == HeaderTypeAnnotation {
			return string(h.Data), nil
		}
	}
	return "", fmt.Errorf("spdu: no annotation header present")
}

// Decrypt processes a complete S_PDU: parses the primary header, locates
// the key and annotation secondary headers, and - for a non-zero key index
// - decrypts the data field with single-layer DES-ECB after the header
// bytes (which are never encrypted, spec §3). Returns the declared output
// filename and the full (headers || plaintext data) byte stream.
func Decrypt(spduBytes []byte, lookup KeyLookup) (filename string, out []byte, err error) {
	primary, err := ParsePrimaryHeader(spduBytes)
	if err != nil {
		return "", nil, err
	}
	if primary.TotalHeaderLength < PrimaryHeaderSize {
		return "", nil, fmt.Errorf("spdu: declared header length %d is shorter than the primary header (%d)",
			primary.TotalHeaderLength, PrimaryHeaderSize)
	}
	if uint64(len(spduBytes)) < uint64(primary.TotalHeaderLength) {
		return "", nil, fmt.Errorf("spdu: declared header length %d exceeds S_PDU size %d",
			primary.TotalHeaderLength, len(spduBytes))
	}

	headerBytes := spduBytes[:primary.TotalHeaderLength]
	dataField := spduBytes[primary.TotalHeaderLength:]
	secondary := headerBytes[PrimaryHeaderSize:]

	filename, annErr := AnnotationFilename(secondary)
	if annErr != nil {
		return "", nil, annErr
	}

	keyIndex, hasKey, err := KeyIndex(secondary)
	if err != nil {
		return "", nil, err
	}
	if !hasKey || keyIndex == 0 {
		return filename, append(append([]byte(nil), headerBytes...), dataField...), nil
	}

	if lookup == nil {
		return "", nil, ErrUnknownKey{Index: uint64(keyIndex)}
	}
	key, ok, lookupErr := lookup(uint64(keyIndex))
	if lookupErr != nil {
		return "", nil, lookupErr
	}
	if !ok {
		return "", nil, ErrUnknownKey{Index: uint64(keyIndex)}
	}

	plain, err := decryptECB(key[:], dataField)
	if err != nil {
		return "", nil, fmt.Errorf("spdu: decrypt: %w", err)
	}

	return filename, append(append([]byte(nil), headerBytes...), plain...), nil
}

// decryptECB decrypts data with single-layer DES-ECB, zero-padding the
// input to a multiple of the block size first (spec §4.5 step 4).
func decryptECB(key, data []byte) ([]byte, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := data
	if rem := len(data) % des.BlockSize; rem != 0 {
		padded = append(append([]byte(nil), data...), make([]byte, des.BlockSize-rem)...)
	}

	out := make([]byte, len(padded))
	for off := 0; off < len(padded); off += des.BlockSize {
		block.Decrypt(out[off:off+des.BlockSize], padded[off:off+des.BlockSize])
	}

	return out[:len(data)], nil
}
