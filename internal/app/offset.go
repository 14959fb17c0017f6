package app

import (
	"sync/atomic"

	"github.com/rjboer/GoScope/internal/scope"
)

// TimeOffset accumulates horizontal shift requests, in samples, until the
// receiver consumes them with the next read.
type TimeOffset struct {
	v atomic.Int64
}

// Add accumulates delta samples.
func (o *TimeOffset) Add(delta int) { o.v.Add(int64(delta)) }

// Take returns the pending offset and resets it to zero.
func (o *TimeOffset) Take() int { return int(o.v.Swap(0)) }

// Restore puts back an offset taken for a read that failed.
func (o *TimeOffset) Restore(n int) {
	if n != 0 {
		o.v.Add(int64(n))
	}
}

// Pending returns the offset without consuming it.
func (o *TimeOffset) Pending() int { return int(o.v.Load()) }

// frameBytes returns the size of the block to read for offset samples,
// clamped to [2, 4N] bytes.
func frameBytes(offset int) int {
	need := scope.FrameBytes + 2*offset
	if need < 2 {
		return 2
	}
	if limit := 2 * scope.FrameBytes; need > limit {
		return limit
	}
	return need
}
