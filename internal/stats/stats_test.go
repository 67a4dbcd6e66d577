package stats

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReporterCollectsMetrics(t *testing.T) {
	r, err := NewReporter("")
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}
	defer r.Close()

	r.RecordFrame(3, 2)
	r.RecordFrame(3, 0)
	r.RecordCPPDU(3, true)
	r.RecordCRCFailure(3)
	r.RecordFileEmitted(3)

	reg := prometheus.NewRegistry()
	if err := reg.Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}

	count := testutil.CollectAndCount(r)
	if count == 0 {
		t.Fatal("Collect: expected at least one metric")
	}
}

func TestReporterFlushPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "continuity.db")
	r, err := NewReporter(path)
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}

	r.RecordFrame(5, 1)
	r.RecordCPPDU(5, false)
	r.RecordLengthFailure(5)

	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var framesSeen, lengthFailures int
	row := db.QueryRow(`SELECT frames_seen, length_failures FROM continuity WHERE vcid = ?`, 5)
	if err := row.Scan(&framesSeen, &lengthFailures); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if framesSeen != 1 {
		t.Errorf("frames_seen = %d, want 1", framesSeen)
	}
	if lengthFailures != 1 {
		t.Errorf("length_failures = %d, want 1", lengthFailures)
	}
}

func TestReporterFlushNoopWithoutDB(t *testing.T) {
	r, err := NewReporter("")
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}
	defer r.Close()

	r.RecordFrame(1, 0)
	if err := r.Flush(); err != nil {
		t.Errorf("Flush: expected nil error with no DB, got %v", err)
	}
}
