package telemetry

import (
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/rjboer/GoScope/internal/dsp"
	"github.com/rjboer/GoScope/internal/logging"
)

// Reporter consumes processed frames.
type Reporter interface {
	Report(res *dsp.Result)
}

// MultiReporter fans out results to multiple destinations.
type MultiReporter []Reporter

// Report forwards the result to each configured reporter.
func (m MultiReporter) Report(res *dsp.Result) {
	for _, r := range m {
		if r != nil {
			r.Report(res)
		}
	}
}

// StdoutReporter logs one line of measurements per reported frame, or per
// every Nth frame.
type StdoutReporter struct {
	logger logging.Logger
	every  uint64
	count  atomic.Uint64
}

// NewStdoutReporter builds a stdout reporter with the provided logger that
// logs one frame out of every. Values below 1 log every frame.
func NewStdoutReporter(logger logging.Logger, every int) *StdoutReporter {
	if every < 1 {
		every = 1
	}
	return &StdoutReporter{
		logger: logging.OrDefault(logger).With(logging.F("subsystem", "telemetry")),
		every:  uint64(every),
	}
}

func (r *StdoutReporter) Report(res *dsp.Result) {
	if res == nil || (r.count.Add(1)-1)%r.every != 0 {
		return
	}
	fields := []logging.Field{
		{Key: "seq", Value: res.Seq},
		{Key: "range", Value: humanize.SIWithDigits(res.Snapshot.FullScale(), 2, "V")},
		{Key: "sweep", Value: humanize.SIWithDigits(res.Snapshot.SweepSeconds(), 2, "s")},
		{Key: "vmin", Value: humanize.SIWithDigits(res.VMin, 3, "V")},
		{Key: "vmax", Value: humanize.SIWithDigits(res.VMax, 3, "V")},
		{Key: "vrms", Value: humanize.SIWithDigits(res.VRms, 3, "V")},
	}
	if res.DeltaT > 0 {
		fields = append(fields,
			logging.Field{Key: "delta_t", Value: humanize.SIWithDigits(res.DeltaT, 3, "s")},
			logging.Field{Key: "freq", Value: humanize.SIWithDigits(res.Frequency(), 3, "Hz")},
		)
	}
	if res.DeltaV != 0 {
		fields = append(fields, logging.Field{Key: "delta_v", Value: humanize.SIWithDigits(res.DeltaV, 3, "V")})
	}
	if res.DeltaT > 0 && res.THDValid() {
		fields = append(fields, logging.Field{Key: "thd_pct", Value: humanize.FtoaWithDigits(100*res.KHarm, 2)})
	}
	if res.Overload {
		fields = append(fields, logging.Field{Key: "overload", Value: true})
	}
	r.logger.Info("frame", fields...)
}
