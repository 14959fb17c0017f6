// Package scope describes the single-channel digitizer: its sample format,
// the fixed voltage-range and timebase tables, the configuration it is
// running with, and the byte commands that change that configuration.
package scope

import "time"

const (
	// SamplesPerFrame is the number of samples in one sweep.
	SamplesPerFrame = 500
	// FrameBytes is the size of an unshifted raw frame.
	FrameBytes = 2 * SamplesPerFrame

	// ADCMax is the largest valid 12-bit code.
	ADCMax = 4095
	// ADCMid is the code of 0 V.
	ADCMid = 2048
	// ADCLevels is the number of distinct codes.
	ADCLevels = 4096
	// OverloadCode is the code at or above which a sample is clipped.
	OverloadCode = 4094

	// DefaultBaud is the link speed used by the device firmware.
	DefaultBaud = 115200
	// DefaultReadTimeout bounds a single frame read.
	DefaultReadTimeout = 1000 * time.Millisecond
)

// voltageRanges holds the full-scale voltage for each range index.
var voltageRanges = [...]float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50, 100}

// timebases holds the duration of one sweep, in seconds, for each timebase index.
var timebases = [...]float64{
	10e-6, 20e-6, 50e-6,
	100e-6, 200e-6, 500e-6,
	1e-3, 2e-3, 5e-3,
	10e-3, 20e-3, 50e-3,
	100e-3, 200e-3, 500e-3,
	1, 2, 5,
}

// NumRanges returns the size of the voltage-range table.
func NumRanges() int { return len(voltageRanges) }

// NumTimebases returns the size of the timebase table.
func NumTimebases() int { return len(timebases) }

// FullScale returns the full-scale voltage of range index idx.
// The index is not checked.
func FullScale(idx int) float64 { return voltageRanges[idx] }

// SweepSeconds returns the sweep duration of timebase index idx.
// The index is not checked.
func SweepSeconds(idx int) float64 { return timebases[idx] }

// ValidRange reports whether idx is inside the voltage-range table.
func ValidRange(idx int) bool { return idx >= 0 && idx < len(voltageRanges) }

// ValidTimebase reports whether idx is inside the timebase table.
func ValidTimebase(idx int) bool { return idx >= 0 && idx < len(timebases) }

// Snapshot is the configuration a frame is interpreted with.
type Snapshot struct {
	RangeIndex    int `json:"rangeIndex"`
	TimebaseIndex int `json:"timebaseIndex"`
}

// FullScale returns the full-scale voltage of the snapshot's range.
func (s Snapshot) FullScale() float64 { return FullScale(s.RangeIndex) }

// SweepSeconds returns the sweep duration of the snapshot's timebase.
func (s Snapshot) SweepSeconds() float64 { return SweepSeconds(s.TimebaseIndex) }

// SamplePeriod returns the time between two consecutive samples.
func (s Snapshot) SamplePeriod() float64 { return s.SweepSeconds() / SamplesPerFrame }
