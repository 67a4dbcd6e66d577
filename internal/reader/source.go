// Package reader implements the frame reader and frame queue (spec §4.1,
// §4.2): a blocking pull() -> VCDU bytes | EOF over TCP (OSP or goesrecv)
// or a capture file, decoupled from the demuxer core by a bounded FIFO.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// VCDUSize is the fixed VCDU frame size pulled per call.
const VCDUSize = 892

// ErrEndOfStream is returned by Pull once a file source is exhausted.
var ErrEndOfStream = errors.New("reader: end of stream")

// ErrHandshakeFailed is returned when goesrecv's nanomsg handshake response
// doesn't match the expected bytes.
var ErrHandshakeFailed = errors.New("reader: goesrecv handshake failed")

// Source pulls exactly one VCDU per call.
type Source interface {
	Pull() ([]byte, error)
	Close() error
}

// OSPSource reads 892-byte VCDUs back-to-back from an Open Satellite
// Project TCP stream, accumulating short reads.
type OSPSource struct {
	conn net.Conn
}

// DialOSP connects to an OSP vchan TCP endpoint.
func DialOSP(addr string) (*OSPSource, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, classifyDialErr(err)
	}
	return &OSPSource{conn: conn}, nil
}

func (s *OSPSource) Pull() ([]byte, error) {
	buf := make([]byte, VCDUSize)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return nil, fmt.Errorf("reader: osp read: %w", err)
	}
	return buf, nil
}

func (s *OSPSource) Close() error { return s.conn.Close() }

// goesrecvHandshakeReq/Rpy are the nanomsg SP handshake frames goesrecv
// expects before it starts publishing VCDUs over TCP (spec §4.1, §6).
var (
	goesrecvHandshakeReq = []byte{0x00, 0x53, 0x50, 0x00, 0x00, 0x21, 0x00, 0x00}
	goesrecvHandshakeRpy = []byte{0x00, 0x53, 0x50, 0x00, 0x00, 0x20, 0x00, 0x00}
)

// GoesRecvSource reads (8-byte nanomsg framing + 892-byte VCDU) messages
// from a goesrecv TCP publisher, after completing the handshake.
type GoesRecvSource struct {
	conn net.Conn
}

// DialGoesRecv connects to a goesrecv vchan TCP endpoint and performs the
// nanomsg handshake.
func DialGoesRecv(addr string) (*GoesRecvSource, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, classifyDialErr(err)
	}

	if _, err := conn.Write(goesrecvHandshakeReq); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reader: goesrecv handshake write: %w", err)
	}

	rpy := make([]byte, len(goesrecvHandshakeRpy))
	if _, err := io.ReadFull(conn, rpy); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reader: goesrecv handshake read: %w", err)
	}
	if !bytes.Equal(rpy, goesrecvHandshakeRpy) {
		conn.Close()
		return nil, ErrHandshakeFailed
	}

	return &GoesRecvSource{conn: conn}, nil
}

func (s *GoesRecvSource) Pull() ([]byte, error) {
	msg := make([]byte, 8+VCDUSize)
	if _, err := io.ReadFull(s.conn, msg); err != nil {
		return nil, fmt.Errorf("reader: goesrecv read: %w", err)
	}
	return msg[8:], nil
}

func (s *GoesRecvSource) Close() error { return s.conn.Close() }

// FileSource reads 892-byte VCDUs from a capture file until EOF.
type FileSource struct {
	f *os.File
}

// OpenFile opens path for file-mode replay.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reader: open file: %w", err)
	}
	return &FileSource{f: f}, nil
}

func (s *FileSource) Pull() ([]byte, error) {
	buf := make([]byte, VCDUSize)
	n, err := io.ReadFull(s.f, buf)
	if err == io.EOF {
		return nil, ErrEndOfStream
	}
	if err == io.ErrUnexpectedEOF {
		// Trailing partial VCDU: size not a multiple of 892. Tolerated -
		// discard the partial with a warning, per spec §4.1 ShortFile.
		return nil, fmt.Errorf("%w: trailing %d-byte partial frame discarded", ErrEndOfStream, n)
	}
	if err != nil {
		return nil, fmt.Errorf("reader: file read: %w", err)
	}
	return buf, nil
}

func (s *FileSource) Close() error { return s.f.Close() }

func classifyDialErr(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("reader: connection refused: %w", err)
	}
	return fmt.Errorf("reader: dial: %w", err)
}
