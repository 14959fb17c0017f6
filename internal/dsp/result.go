// Package dsp turns raw digitizer frames into calibrated measurements:
// voltage conversion, statistics, auto-trigger and auto-measure rulers,
// harmonic decomposition and an amplitude spectrum.
package dsp

import (
	"errors"
	"fmt"
	"math"

	"github.com/rjboer/GoScope/internal/scope"
)

// ErrFrameDecode is returned when a frame holds a sample outside the 12-bit
// code range, or no sample at all. The whole frame is rejected.
var ErrFrameDecode = errors.New("frame decode failed")

// DefaultHarmonics is the number of harmonics computed when Options leaves
// it unset.
const DefaultHarmonics = 20

// Unset marks a ruler without a position.
const Unset = -1

// Rulers are the four measurement markers. Left and Right are sample
// indices; Upper and Lower are raw ADC codes. Unset positions are -1.
type Rulers struct {
	Left  int `json:"left"`
	Right int `json:"right"`
	Upper int `json:"upper"`
	Lower int `json:"lower"`
}

// NoRulers returns rulers with every position unset.
func NoRulers() Rulers { return Rulers{Left: Unset, Right: Unset, Upper: Unset, Lower: Unset} }

func (r Rulers) hasTime() bool    { return r.Left >= 0 && r.Right >= 0 }
func (r Rulers) hasVoltage() bool { return r.Upper >= 0 && r.Lower >= 0 }

// Options selects the per-frame processing.
type Options struct {
	AutoFreq    bool
	AutoMeasure bool
	// Harmonics is the number of harmonics to compute. Zero means
	// DefaultHarmonics.
	Harmonics   int
	HarmonicsDB bool
	// Rulers are the manual positions, used when the matching automatic
	// search is off or finds nothing.
	Rulers Rulers
}

// DefaultOptions returns options with automatic behaviors off and no
// manual rulers.
func DefaultOptions() Options {
	return Options{Harmonics: DefaultHarmonics, Rulers: NoRulers()}
}

// Result is the processed form of one frame. Collaborators may call the
// ruler and harmonic mutators again after Process returns; a Result is not
// safe for concurrent mutation.
type Result struct {
	// Seq is the frame sequence number assigned by the acquisition
	// pipeline. Process leaves it zero.
	Seq      uint64
	Snapshot scope.Snapshot

	ADC      []int
	Voltages []float64

	VMin float64
	VMax float64
	VRms float64

	Left  int
	Right int
	Upper int
	Lower int

	DeltaT float64
	DeltaV float64

	Harmonics []float64
	KHarm     float64

	Overload    bool
	AutoFreq    bool
	AutoMeasure bool

	harmonicsDB bool
}

// Process decodes raw with snap and runs the analyses opts asks for. The
// snapshot indices are trusted.
func Process(raw []byte, snap scope.Snapshot, opts Options) (*Result, error) {
	h := opts.Harmonics
	if h <= 0 {
		h = DefaultHarmonics
	}
	r := &Result{
		Snapshot:    snap,
		ADC:         make([]int, scope.SamplesPerFrame),
		Voltages:    make([]float64, scope.SamplesPerFrame),
		Left:        Unset,
		Right:       Unset,
		Upper:       Unset,
		Lower:       Unset,
		Harmonics:   make([]float64, h),
		AutoFreq:    opts.AutoFreq,
		AutoMeasure: opts.AutoMeasure,
		harmonicsDB: opts.HarmonicsDB,
	}
	if err := r.decode(raw); err != nil {
		return nil, err
	}
	r.convert()

	found := false
	if opts.AutoFreq {
		found = r.autoTrigger()
	}
	if !found && opts.Rulers.hasTime() {
		r.SetDeltaT(opts.Rulers.Left, opts.Rulers.Right)
		found = true
	}
	if found {
		r.ComputeHarmonics(r.Left, r.Right)
	}

	measured := false
	if opts.AutoMeasure {
		measured = r.autoMeasure()
	}
	if !measured && opts.Rulers.hasVoltage() {
		r.SetDeltaV(opts.Rulers.Upper, opts.Rulers.Lower)
	}
	return r, nil
}

// decode fills ADC from big-endian sample pairs. Samples beyond the frame
// length are ignored; a short frame is back-filled with its last sample.
func (r *Result) decode(raw []byte) error {
	count := len(raw) / 2
	if count == 0 {
		return fmt.Errorf("%w: empty frame (%d bytes)", ErrFrameDecode, len(raw))
	}
	if count > scope.SamplesPerFrame {
		count = scope.SamplesPerFrame
	}
	for i := 0; i < count; i++ {
		v := int(raw[2*i])<<8 | int(raw[2*i+1])
		if v > scope.ADCMax {
			return fmt.Errorf("%w: sample %d = %d", ErrFrameDecode, i, v)
		}
		r.ADC[i] = v
	}
	last := r.ADC[count-1]
	for i := count; i < scope.SamplesPerFrame; i++ {
		r.ADC[i] = last
	}
	return nil
}

// convert maps codes to volts and collects min, max, rms and overload in
// one pass.
func (r *Result) convert() {
	fs := r.Snapshot.FullScale()
	r.VMin = math.Inf(1)
	r.VMax = math.Inf(-1)
	sumSq := 0.0
	for i, raw := range r.ADC {
		v := float64(raw-scope.ADCMid) * fs / scope.ADCMid
		r.Voltages[i] = v
		if v < r.VMin {
			r.VMin = v
		}
		if v > r.VMax {
			r.VMax = v
		}
		sumSq += v * v
		if raw <= 0 || raw >= scope.OverloadCode {
			r.Overload = true
		}
	}
	r.VRms = math.Sqrt(sumSq / float64(len(r.ADC)))
}

// SetDeltaT places the time rulers, in either order, and derives DeltaT.
func (r *Result) SetDeltaT(left, right int) {
	if left > right {
		left, right = right, left
	}
	r.Left, r.Right = left, right
	r.DeltaT = float64(right-left) * r.Snapshot.SweepSeconds() / scope.SamplesPerFrame
}

// SetDeltaV places the voltage rulers, in either order, and derives DeltaV.
func (r *Result) SetDeltaV(upper, lower int) {
	if lower > upper {
		upper, lower = lower, upper
	}
	r.Upper, r.Lower = upper, lower
	r.DeltaV = float64(upper-lower) * r.Snapshot.FullScale() / scope.ADCMid
}

// Rulers returns the current ruler positions.
func (r *Result) Rulers() Rulers {
	return Rulers{Left: r.Left, Right: r.Right, Upper: r.Upper, Lower: r.Lower}
}

// Frequency returns 1/DeltaT, or 0 when no period is set.
func (r *Result) Frequency() float64 {
	if r.DeltaT <= 0 {
		return 0
	}
	return 1 / r.DeltaT
}

// THDValid reports whether KHarm is a finite number. It is not when the
// fundamental magnitude was zero.
func (r *Result) THDValid() bool {
	return !math.IsNaN(r.KHarm) && !math.IsInf(r.KHarm, 0)
}
