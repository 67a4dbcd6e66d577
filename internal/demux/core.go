// Package demux is the demuxer core and channel handler: the
// single-threaded consumer that turns a stream of VCDUs pulled from the
// frame queue into complete, decrypted xRIT files (spec §4.3, §4.4).
package demux

import (
	"context"
	"log"

	"github.com/sam210723/xritrx/internal/ccsds"
	"github.com/sam210723/xritrx/internal/reader"
	"github.com/sam210723/xritrx/internal/sink"
	"github.com/sam210723/xritrx/internal/spdu"
	"github.com/sam210723/xritrx/internal/stats"
)

// Core owns all per-channel reassembly state and the startup gate. It is
// touched from a single goroutine (spec §5: "all per-channel state is
// touched exclusively by context B; no locks are required between
// channels").
type Core struct {
	verbose bool

	sink      *sink.Sink
	stats     *stats.Reporter
	keyLookup spdu.KeyLookup

	channels map[uint8]*channel

	gateHaveFirst bool
	gateFirstVCID uint8
	gateReleased  bool

	haveCounter map[uint8]bool
	lastCounter map[uint8]uint32
}

// NewCore builds a Core. stats may be nil to disable metrics/persistence.
func NewCore(sk *sink.Sink, st *stats.Reporter, keyLookup spdu.KeyLookup, verbose bool) *Core {
	return &Core{
		verbose:     verbose,
		sink:        sk,
		stats:       st,
		keyLookup:   keyLookup,
		channels:    map[uint8]*channel{},
		haveCounter: map[uint8]bool{},
		lastCounter: map[uint8]uint32{},
	}
}

// Run pulls VCDUs from queue until it is stopped and drained, or ctx is
// cancelled. This is "context B" of spec §5: it never blocks on anything
// but an empty queue.
func (c *Core) Run(ctx context.Context, queue *reader.Queue) error {
	for {
		frame, ok := queue.Pop(ctx)
		if !ok {
			return ctx.Err()
		}
		c.processVCDU(frame)
	}
}

// processVCDU runs the five steps of spec §4.3 against one VCDU.
func (c *Core) processVCDU(frame []byte) {
	hdr, err := ccsds.ParseVCDUHeader(frame)
	if err != nil {
		log.Printf("demux: bad vcdu header: %v", err)
		return
	}

	if hdr.SpacecraftID != ccsds.SpacecraftID {
		if c.verbose {
			log.Printf("demux: dropping vcdu from unsupported spacecraft %d", hdr.SpacecraftID)
		}
		return
	}

	var lost uint32
	if c.haveCounter[hdr.VCID] {
		lost = ccsds.CounterGap(c.lastCounter[hdr.VCID], hdr.Counter)
		if lost > 0 {
			log.Printf("demux: %s: lost %d vcdu(s) (counter %d -> %d)",
				ccsds.NameForVCID(int(hdr.VCID)), lost, c.lastCounter[hdr.VCID], hdr.Counter)
		}
	}
	c.lastCounter[hdr.VCID] = hdr.Counter
	c.haveCounter[hdr.VCID] = true
	if c.stats != nil {
		c.stats.RecordFrame(hdr.VCID, lost)
	}

	// The gate records and evaluates the first-seen VCID on every frame,
	// fill included, before the fill frame's payload is discarded: a fill
	// frame can be the first-seen VCID and a later non-fill frame on a
	// different VCID still releases the gate (spec §8 scenario S1).
	if !c.gateHaveFirst {
		c.gateHaveFirst = true
		c.gateFirstVCID = hdr.VCID
		if c.verbose {
			log.Printf("demux: startup gate: first vcid seen is %s, waiting for a channel change",
				ccsds.NameForVCID(int(hdr.VCID)))
		}
		return
	}
	if !c.gateReleased {
		if hdr.VCID == c.gateFirstVCID {
			return
		}
		c.gateReleased = true
		log.Printf("demux: startup gate released on %s", ccsds.NameForVCID(int(hdr.VCID)))
	}

	if hdr.VCID == ccsds.FillVCID {
		return
	}

	c.channelFor(hdr.VCID).feedMPDU(ccsds.Payload(frame))
}

func (c *Core) channelFor(vcid uint8) *channel {
	ch, ok := c.channels[vcid]
	if !ok {
		ch = newChannel(vcid, c)
		c.channels[vcid] = ch
	}
	return ch
}

// emit decrypts a completed TP_File's S_PDU and writes it through the
// sink (spec §4.5, §4.6). Called from the channel handler once a TP_File
// validates.
func (c *Core) emit(vcid uint8, tpPayload []byte) {
	name := ccsds.NameForVCID(int(vcid))

	filename, out, err := spdu.Decrypt(tpPayload, c.keyLookup)
	if err != nil {
		log.Printf("demux: %s: s_pdu decode failed: %v", name, err)
		return
	}

	var fileType uint8
	if len(out) > 3 {
		fileType = out[3]
	}

	dest, err := c.sink.Write(fileType, filename, out)
	if err != nil {
		log.Printf("demux: %s: write failed: %v", name, err)
		return
	}

	if c.stats != nil {
		c.stats.RecordFileEmitted(vcid)
	}
	if c.verbose {
		log.Printf("demux: %s: wrote %s (%d bytes)", name, dest, len(out))
	}
}
