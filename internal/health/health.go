// Package health runs the startup readiness checks described in spec §6:
// before pulling a single VCDU, xritrx should be able to say whether its
// output directory is writable and whether its configured frame source is
// reachable. Shaped on the teacher's internal/health package (context +
// timeout, first-error-wins across a small set of checks).
package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CheckOutputWritable verifies dir exists (creating it if necessary) and
// that a file can be created and removed inside it.
func CheckOutputWritable(dir string) error {
	if dir == "" {
		return fmt.Errorf("no output directory configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("output directory: %w", err)
	}
	probe := filepath.Join(dir, ".xritrx-write-check")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("output directory not writable: %w", err)
	}
	f.Close()
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("output directory: cleanup: %w", err)
	}
	return nil
}

// CheckSourceReachable dials addr over TCP and closes immediately. It does
// not attempt the goesrecv nanomsg handshake or read a frame, only that
// something is listening.
func CheckSourceReachable(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("no source address configured")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("source unreachable: %w", err)
	}
	return conn.Close()
}

// KeystorePinger is satisfied by *keystore.Store. Declared here so that
// health does not import the keystore package (and Badger).
type KeystorePinger interface {
	Lookup(index uint64) (key [8]byte, ok bool, err error)
}

// CheckKeystore performs a harmless lookup against the key store to confirm
// the underlying Badger database is open and readable. A nil ks (no key
// table configured) is not a failure.
func CheckKeystore(ks KeystorePinger) error {
	if ks == nil {
		return nil
	}
	if _, _, err := ks.Lookup(0); err != nil {
		return fmt.Errorf("keystore unreachable: %w", err)
	}
	return nil
}

// CheckAll runs every configured readiness check and returns the first
// failure, or nil if xritrx is ready to start pulling frames. sourceAddr
// may be empty for file-input mode, in which case the reachability check is
// skipped.
func CheckAll(ctx context.Context, outputDir, sourceAddr string, ks KeystorePinger) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := CheckOutputWritable(outputDir); err != nil {
		return err
	}
	if sourceAddr != "" {
		if err := CheckSourceReachable(checkCtx, sourceAddr); err != nil {
			return err
		}
	}
	return CheckKeystore(ks)
}
