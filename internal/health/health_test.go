package health

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckOutputWritable_ok(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lrit-out")
	if err := CheckOutputWritable(dir); err != nil {
		t.Fatalf("CheckOutputWritable: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected directory to be created: %v", err)
	}
}

func TestCheckOutputWritable_empty(t *testing.T) {
	if err := CheckOutputWritable(""); err == nil {
		t.Fatal("expected error for empty output directory")
	}
}

func TestCheckOutputWritable_notADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := CheckOutputWritable(filepath.Join(file, "sub")); err == nil {
		t.Fatal("expected error when output path is blocked by a file")
	}
}

func TestCheckSourceReachable_ok(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	if err := CheckSourceReachable(context.Background(), ln.Addr().String()); err != nil {
		t.Fatalf("CheckSourceReachable: %v", err)
	}
}

func TestCheckSourceReachable_unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	if err := CheckSourceReachable(context.Background(), addr); err == nil {
		t.Fatal("expected error dialing a closed port")
	}
}

func TestCheckSourceReachable_empty(t *testing.T) {
	if err := CheckSourceReachable(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty address")
	}
}

type fakeKeystore struct {
	err error
}

func (f *fakeKeystore) Lookup(index uint64) (key [8]byte, ok bool, err error) {
	return key, false, f.err
}

func TestCheckKeystore_nilIsOK(t *testing.T) {
	if err := CheckKeystore(nil); err != nil {
		t.Fatalf("CheckKeystore(nil): %v", err)
	}
}

func TestCheckKeystore_propagatesError(t *testing.T) {
	ks := &fakeKeystore{err: context.DeadlineExceeded}
	if err := CheckKeystore(ks); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestCheckAll_skipsSourceWhenEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	if err := CheckAll(context.Background(), dir, "", nil); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
}
