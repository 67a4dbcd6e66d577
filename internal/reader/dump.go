package reader

import (
	"fmt"
	"os"

	"github.com/andybalholm/brotli"
)

// DumpWriter copies every non-fill VCDU pushed through a Pump to a
// brotli-compressed capture file (--dump, spec §6), so an operator can
// archive a multi-gigabyte raw stream without it consuming multi-gigabyte
// disk space.
type DumpWriter struct {
	f  *os.File
	bw *brotli.Writer
}

// NewDumpWriter creates (or truncates) path and wraps it in a brotli writer.
func NewDumpWriter(path string) (*DumpWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("reader: create dump file: %w", err)
	}
	return &DumpWriter{f: f, bw: brotli.NewWriter(f)}, nil
}

// Write appends a frame to the compressed dump stream, satisfying io.Writer.
func (d *DumpWriter) Write(frame []byte) (int, error) {
	return d.bw.Write(frame)
}

// Close flushes and closes the underlying file.
func (d *DumpWriter) Close() error {
	if err := d.bw.Close(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}
