package dsp

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ComputeHarmonics correlates Voltages[fromT:toT] with the first
// len(Harmonics) sine harmonics of that span and derives KHarm, the ratio of
// the harmonic content above the fundamental to the fundamental. The
// magnitudes are then normalized to sum to one, and converted to decibels
// when the Result was produced with HarmonicsDB.
//
// A span that is empty or reaches outside the frame zeroes the harmonics
// and KHarm. A zero fundamental leaves KHarm non-finite; see THDValid.
func (r *Result) ComputeHarmonics(fromT, toT int) {
	if fromT > toT {
		fromT, toT = toT, fromT
	}
	count := toT - fromT
	if fromT < 0 || toT > len(r.Voltages) || count <= 0 {
		r.clearHarmonics()
		return
	}

	h := r.Harmonics
	for k := 1; k <= len(h); k++ {
		step := float64(k) * 2 * math.Pi / float64(count)
		phase := math.Pi / float64(count)
		sum := 0.0
		for j := fromT; j < toT; j++ {
			sum += r.Voltages[j] * math.Sin(phase)
			phase += step
		}
		h[k-1] = math.Abs(sum)
	}

	r.KHarm = floats.Norm(h[1:], 2) / h[0]

	if total := floats.Sum(h); total > 0 {
		floats.Scale(1/total, h)
	}
	if r.harmonicsDB {
		for i, v := range h {
			h[i] = 20 * math.Log10(v)
		}
	}
}

func (r *Result) clearHarmonics() {
	for i := range r.Harmonics {
		r.Harmonics[i] = 0
	}
	r.KHarm = 0
}
