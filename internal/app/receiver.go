package app

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoScope/internal/link"
	"github.com/rjboer/GoScope/internal/logging"
)

// rawFrame is one block read from the link.
type rawFrame struct {
	seq  uint64
	data []byte
}

// Stats counts pipeline activity.
type Stats struct {
	FramesReceived uint64 `json:"framesReceived"`
	FramesDecoded  uint64 `json:"framesDecoded"`
	FramesDropped  uint64 `json:"framesDropped"`
	ReadErrors     uint64 `json:"readErrors"`
}

type counters struct {
	received atomic.Uint64
	decoded  atomic.Uint64
	dropped  atomic.Uint64
	readErrs atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		FramesReceived: c.received.Load(),
		FramesDecoded:  c.decoded.Load(),
		FramesDropped:  c.dropped.Load(),
		ReadErrors:     c.readErrs.Load(),
	}
}

// defaultErrorBackoff is the pause after a non-fatal read error.
const defaultErrorBackoff = 20 * time.Millisecond

// Receiver reads frame-sized blocks from the link and queues them. Each
// cycle consumes the pending horizontal offset, so a shift request changes
// the size of exactly one read.
type Receiver struct {
	port     io.Reader
	frames   *Queue[rawFrame]
	offset   *TimeOffset
	timeout  time.Duration
	backoff  time.Duration
	logger   logging.Logger
	counters *counters
}

// Run reads until stop is closed or the link times out. A read timeout is
// returned as an error wrapping link.ErrReadTimeout. Other read errors are
// logged and retried, unless they persist for longer than the read timeout
// without a single successful read, which counts as a timeout too.
func (r *Receiver) Run(stop <-chan struct{}) error {
	var failingSince time.Time
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		offset := r.offset.Take()
		buf := make([]byte, frameBytes(offset))
		n, err := link.ReadExact(r.port, buf, r.timeout)

		select {
		case <-stop:
			// the shift belongs to a frame that was never queued
			r.offset.Restore(offset)
			return nil
		default:
		}

		switch {
		case err == nil:
			failingSince = time.Time{}
			// received doubles as the frame sequence, so it keeps
			// counting across reopened sessions
			seq := r.counters.received.Add(1)
			if !r.frames.Push(rawFrame{seq: seq, data: buf}) {
				return nil
			}
		case errors.Is(err, link.ErrReadTimeout):
			r.offset.Restore(offset)
			r.logger.Error("link read timed out",
				logging.F("need", len(buf)), logging.F("got", n), logging.F("timeout", r.timeout))
			return fmt.Errorf("read frame of %d bytes: %w", len(buf), err)
		default:
			r.offset.Restore(offset)
			r.counters.readErrs.Add(1)
			if failingSince.IsZero() {
				failingSince = time.Now()
			}
			r.logger.Warn("link read failed", logging.Err(err),
				logging.F("got", n), logging.F("disconnect", link.IsDisconnect(err)))
			if time.Since(failingSince) > r.timeout {
				return fmt.Errorf("no frame for %s after read errors (%v): %w", r.timeout, err, link.ErrReadTimeout)
			}
			select {
			case <-stop:
				return nil
			case <-time.After(r.backoff):
			}
		}
	}
}
