package dsp

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// MinDB is the floor reported for empty spectrum bins, so that every value
// stays finite.
const MinDB = -200.0

// Spectrum computes one-sided amplitude spectra of real frames. The
// Hamming window and FFT plan are built once per size and reused.
type Spectrum struct {
	mu        sync.Mutex
	size      int
	window    []float64
	windowSum float64
	fft       *fourier.FFT
}

// NewSpectrum returns a Spectrum for frames of size samples.
func NewSpectrum(size int) *Spectrum {
	window := Hamming(size)
	return &Spectrum{
		size:      size,
		window:    window,
		windowSum: floats.Sum(window),
		fft:       fourier.NewFFT(size),
	}
}

// Compute returns bin frequencies in Hz and amplitudes in dBV (peak) for
// samples taken samplePeriod seconds apart. A frame whose length does not
// match the Spectrum size falls back to a one-off plan.
func (s *Spectrum) Compute(samples []float64, samplePeriod float64) ([]float64, []float64) {
	if len(samples) == 0 || samplePeriod <= 0 {
		return []float64{}, []float64{}
	}
	if len(samples) != s.size {
		return NewSpectrum(len(samples)).Compute(samples, samplePeriod)
	}

	windowed := ApplyWindow(samples, s.window)

	s.mu.Lock()
	coeffs := s.fft.Coefficients(nil, windowed)
	freqs := make([]float64, len(coeffs))
	for i := range coeffs {
		freqs[i] = s.fft.Freq(i) / samplePeriod
	}
	s.mu.Unlock()

	dbv := make([]float64, len(coeffs))
	for i, c := range coeffs {
		mag := cmplx.Abs(c) / s.windowSum
		// Every bin but DC and Nyquist carries half the energy of its tone.
		if i != 0 && !(s.size%2 == 0 && i == len(coeffs)-1) {
			mag *= 2
		}
		if mag <= 0 {
			dbv[i] = MinDB
			continue
		}
		dbv[i] = math.Max(20*math.Log10(mag), MinDB)
	}
	return freqs, dbv
}

// AmplitudeSpectrum is a convenience wrapper that builds a one-off
// Spectrum for samples.
func AmplitudeSpectrum(samples []float64, samplePeriod float64) ([]float64, []float64) {
	return NewSpectrum(len(samples)).Compute(samples, samplePeriod)
}
