package reader

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/sam210723/xritrx/internal/ccsds"
	"golang.org/x/time/rate"
)

// Pump repeatedly pulls frames from a Source and pushes them onto a Queue,
// optionally tee-ing a copy of every frame to a DumpWriter and throttling
// itself against the configured downlink rate. This is "context A" of the
// spec §5 concurrency model: it only ever blocks on Source.Pull, on its
// rate limiter, or on a full Queue, never on demuxer-core work.
type Pump struct {
	src     Source
	queue   *Queue
	dump    *DumpWriter
	limiter *rate.Limiter
}

// NewPump builds a Pump. bitsPerSecond paces a FileSource replay to the
// nominal downlink rate (spec §9: "the sleep values in the source are
// hints for throttling, not part of the contract") via a token-bucket
// limiter counting bytes, with a burst of one VCDU (892 bytes); it is a
// no-op ceiling for
// live TCP sources, which are already paced by the network.
func NewPump(src Source, queue *Queue, dump *DumpWriter, bitsPerSecond int) *Pump {
	bytesPerSecond := float64(bitsPerSecond) / 8
	limiter := rate.NewLimiter(rate.Limit(bytesPerSecond), VCDUSize)
	return &Pump{src: src, queue: queue, dump: dump, limiter: limiter}
}

// Run pulls and pushes frames until the source reports end-of-stream or an
// unrecoverable read error, or ctx is cancelled. It always closes the
// source and stops the queue before returning.
func (p *Pump) Run(ctx context.Context) error {
	defer p.queue.Stop()
	defer p.src.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.limiter.WaitN(ctx, VCDUSize); err != nil {
			return fmt.Errorf("reader: throttle: %w", err)
		}

		frame, err := p.src.Pull()
		if errors.Is(err, ErrEndOfStream) {
			log.Printf("reader: end of stream: %v", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reader: pull: %w", err)
		}

		if p.dump != nil {
			if hdr, herr := ccsds.ParseVCDUHeader(frame); herr == nil && hdr.VCID != ccsds.FillVCID {
				if _, derr := p.dump.Write(frame); derr != nil {
					log.Printf("reader: dump write failed: %v", derr)
				}
			}
		}

		p.queue.Push(frame)
	}
}
