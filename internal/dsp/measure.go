package dsp

import "github.com/rjboer/GoScope/internal/scope"

const (
	histogramBlock   = 16
	histogramBuckets = scope.ADCLevels / histogramBlock
)

// Histogram counts raw codes in blocks of 16 codes.
func Histogram(adc []int) [histogramBuckets]int {
	var h [histogramBuckets]int
	for _, v := range adc {
		h[v/histogramBlock]++
	}
	return h
}

// autoMeasure puts the voltage rulers on the two most populated histogram
// buckets either side of the mean. A side without samples falls back to the
// mean bucket. It reports false only for an empty frame.
func (r *Result) autoMeasure() bool {
	if len(r.ADC) == 0 {
		return false
	}
	hist := Histogram(r.ADC)
	sum := 0
	for _, v := range r.ADC {
		sum += v
	}
	meanBucket := (sum / len(r.ADC)) / histogramBlock

	lower, best := meanBucket, 0
	for b := 0; b < meanBucket; b++ {
		if hist[b] > best {
			lower, best = b, hist[b]
		}
	}
	upper, best := meanBucket, 0
	for b := histogramBuckets - 1; b > meanBucket; b-- {
		if hist[b] > best {
			upper, best = b, hist[b]
		}
	}
	r.SetDeltaV(bucketMidpoint(upper), bucketMidpoint(lower))
	return true
}

func bucketMidpoint(b int) int { return b*histogramBlock + histogramBlock/2 }
