package dsp

import (
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// Hamming returns the n coefficients of a symmetric Hamming window, the
// taper applied before every spectrum. A single-point window is {1}.
func Hamming(n int) []float64 {
	switch {
	case n <= 0:
		return []float64{}
	case n == 1:
		return []float64{1}
	}
	coeffs := make([]float64, n)
	for i := range coeffs {
		coeffs[i] = 1
	}
	return window.Hamming(coeffs)
}

// ApplyWindow returns samples tapered by coeffs, leaving both inputs
// untouched. Mismatched lengths give an empty result.
func ApplyWindow(samples, coeffs []float64) []float64 {
	if len(samples) != len(coeffs) {
		return []float64{}
	}
	return floats.MulTo(make([]float64, len(samples)), samples, coeffs)
}
