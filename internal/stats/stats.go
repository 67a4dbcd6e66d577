// Package stats is the continuity/statistics reporter (spec §2, §4.3,
// §4.4): it tracks per-VCID VCDU counter gaps and CP_PDU sequence gaps,
// exposes them as Prometheus metrics via a custom Collector (grounded on
// runZeroInc-conniver's pkg/exporter.TCPInfoCollector), and persists
// running totals to SQLite (grounded on the teacher's
// internal/plex/dvr.go sql.Open("sqlite", ...) usage) so loss history
// survives a process restart.
package stats

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/sam210723/xritrx/internal/ccsds"
)

// channelCounters holds the running totals for one virtual channel.
type channelCounters struct {
	framesSeen    uint64
	framesLost    uint64
	cppduSeen     uint64
	cppduGaps     uint64
	crcFailures   uint64
	lengthFailures uint64
	filesEmitted  uint64
}

// Reporter tracks continuity counters per VCID and exposes them both as a
// Prometheus collector and as a periodically-flushed SQLite table.
type Reporter struct {
	mu       sync.Mutex
	counters map[uint8]*channelCounters

	db *sql.DB

	frameLossDesc   *prometheus.Desc
	cppduGapDesc    *prometheus.Desc
	crcFailDesc     *prometheus.Desc
	lengthFailDesc  *prometheus.Desc
	framesSeenDesc  *prometheus.Desc
	filesEmitted    *prometheus.Desc
}

// NewReporter builds a Reporter. dbPath may be empty to disable SQLite
// persistence (metrics still work via Prometheus).
func NewReporter(dbPath string) (*Reporter, error) {
	r := &Reporter{
		counters: map[uint8]*channelCounters{},
		frameLossDesc: prometheus.NewDesc(
			"xritrx_vcdu_frames_lost_total", "VCDU counter gaps detected per virtual channel.",
			[]string{"vcid", "name"}, nil),
		cppduGapDesc: prometheus.NewDesc(
			"xritrx_cppdu_sequence_gaps_total", "CP_PDU sequence counter gaps detected per virtual channel.",
			[]string{"vcid", "name"}, nil),
		crcFailDesc: prometheus.NewDesc(
			"xritrx_cppdu_crc_failures_total", "CP_PDU CRC-16 validation failures per virtual channel.",
			[]string{"vcid", "name"}, nil),
		lengthFailDesc: prometheus.NewDesc(
			"xritrx_tpfile_length_failures_total", "CP_PDU and TP_File length-check failures per virtual channel.",
			[]string{"vcid", "name"}, nil),
		framesSeenDesc: prometheus.NewDesc(
			"xritrx_vcdu_frames_seen_total", "VCDUs accepted per virtual channel.",
			[]string{"vcid", "name"}, nil),
		filesEmitted: prometheus.NewDesc(
			"xritrx_files_emitted_total", "Completed xRIT files emitted per virtual channel.",
			[]string{"vcid", "name"}, nil),
	}

	if dbPath != "" {
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return nil, fmt.Errorf("stats: open sqlite: %w", err)
		}
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS continuity (
			vcid INTEGER PRIMARY KEY,
			frames_seen INTEGER NOT NULL DEFAULT 0,
			frames_lost INTEGER NOT NULL DEFAULT 0,
			cppdu_seen INTEGER NOT NULL DEFAULT 0,
			cppdu_gaps INTEGER NOT NULL DEFAULT 0,
			crc_failures INTEGER NOT NULL DEFAULT 0,
			length_failures INTEGER NOT NULL DEFAULT 0,
			files_emitted INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
			db.Close()
			return nil, fmt.Errorf("stats: create table: %w", err)
		}
		r.db = db
	}

	return r, nil
}

// Close releases the SQLite handle, if any.
func (r *Reporter) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Reporter) get(vcid uint8) *channelCounters {
	c, ok := r.counters[vcid]
	if !ok {
		c = &channelCounters{}
		r.counters[vcid] = c
	}
	return c
}

// RecordFrame records one accepted VCDU on vcid, plus gap counting loss
// frames (spec invariant 1, §8 property 1).
func (r *Reporter) RecordFrame(vcid uint8, lost uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(vcid)
	c.framesSeen++
	c.framesLost += uint64(lost)
}

// RecordCPPDU records one CP_PDU observed on vcid, plus gap counting from
// its sequence counter discontinuity.
func (r *Reporter) RecordCPPDU(vcid uint8, gap bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(vcid)
	c.cppduSeen++
	if gap {
		c.cppduGaps++
	}
}

// RecordCRCFailure records a CP_PDU CRC-16 mismatch on vcid.
func (r *Reporter) RecordCRCFailure(vcid uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(vcid).crcFailures++
}

// RecordLengthFailure records a length-check failure on vcid: either a
// CP_PDU whose size differs from its declared length, or a TP_File whose
// assembled size differs from its declared length.
func (r *Reporter) RecordLengthFailure(vcid uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(vcid).lengthFailures++
}

// RecordFileEmitted records one completed xRIT file handed to the sink.
func (r *Reporter) RecordFileEmitted(vcid uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(vcid).filesEmitted++
}

// Flush persists the current counters to SQLite, if enabled.
func (r *Reporter) Flush() error {
	if r.db == nil {
		return nil
	}
	r.mu.Lock()
	snapshot := make(map[uint8]channelCounters, len(r.counters))
	for vcid, c := range r.counters {
		snapshot[vcid] = *c
	}
	r.mu.Unlock()

	for vcid, c := range snapshot {
		_, err := r.db.Exec(`INSERT INTO continuity
			(vcid, frames_seen, frames_lost, cppdu_seen, cppdu_gaps, crc_failures, length_failures, files_emitted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(vcid) DO UPDATE SET
				frames_seen=excluded.frames_seen, frames_lost=excluded.frames_lost,
				cppdu_seen=excluded.cppdu_seen, cppdu_gaps=excluded.cppdu_gaps,
				crc_failures=excluded.crc_failures, length_failures=excluded.length_failures,
				files_emitted=excluded.files_emitted`,
			vcid, c.framesSeen, c.framesLost, c.cppduSeen, c.cppduGaps, c.crcFailures, c.lengthFailures, c.filesEmitted)
		if err != nil {
			return fmt.Errorf("stats: flush vcid %d: %w", vcid, err)
		}
	}
	return nil
}

// Describe implements prometheus.Collector.
func (r *Reporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.frameLossDesc
	ch <- r.cppduGapDesc
	ch <- r.crcFailDesc
	ch <- r.lengthFailDesc
	ch <- r.framesSeenDesc
	ch <- r.filesEmitted
}

// Collect implements prometheus.Collector.
func (r *Reporter) Collect(ch chan<- prometheus.Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for vcid, c := range r.counters {
		labels := []string{fmt.Sprintf("%d", vcid), ccsds.NameForVCID(int(vcid))}
		ch <- prometheus.MustNewConstMetric(r.framesSeenDesc, prometheus.CounterValue, float64(c.framesSeen), labels...)
		ch <- prometheus.MustNewConstMetric(r.frameLossDesc, prometheus.CounterValue, float64(c.framesLost), labels...)
		ch <- prometheus.MustNewConstMetric(r.cppduGapDesc, prometheus.CounterValue, float64(c.cppduGaps), labels...)
		ch <- prometheus.MustNewConstMetric(r.crcFailDesc, prometheus.CounterValue, float64(c.crcFailures), labels...)
		ch <- prometheus.MustNewConstMetric(r.lengthFailDesc, prometheus.CounterValue, float64(c.lengthFailures), labels...)
		ch <- prometheus.MustNewConstMetric(r.filesEmitted, prometheus.CounterValue, float64(c.filesEmitted), labels...)
	}
}
