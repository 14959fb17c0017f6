package dsp

import "math"

// Summary is the scalar view of a Result, safe to encode as JSON: values
// that are not finite are omitted.
type Summary struct {
	RangeIndex    int       `json:"rangeIndex"`
	TimebaseIndex int       `json:"timebaseIndex"`
	FullScale     float64   `json:"fullScale"`
	Sweep         float64   `json:"sweep"`
	VMin          float64   `json:"vmin"`
	VMax          float64   `json:"vmax"`
	VRms          float64   `json:"vrms"`
	DeltaT        float64   `json:"deltaT"`
	DeltaV        float64   `json:"deltaV"`
	Frequency     float64   `json:"frequency"`
	KHarm         *float64  `json:"kharm,omitempty"`
	Harmonics     []float64 `json:"harmonics,omitempty"`
	Rulers        Rulers    `json:"rulers"`
	Overload      bool      `json:"overload"`
	AutoFreq      bool      `json:"autoFreq"`
	AutoMeasure   bool      `json:"autoMeasure"`
}

// Summary returns the scalar measurements of r.
func (r *Result) Summary() Summary {
	s := Summary{
		RangeIndex:    r.Snapshot.RangeIndex,
		TimebaseIndex: r.Snapshot.TimebaseIndex,
		FullScale:     r.Snapshot.FullScale(),
		Sweep:         r.Snapshot.SweepSeconds(),
		VMin:          r.VMin,
		VMax:          r.VMax,
		VRms:          r.VRms,
		DeltaT:        r.DeltaT,
		DeltaV:        r.DeltaV,
		Frequency:     r.Frequency(),
		Rulers:        r.Rulers(),
		Overload:      r.Overload,
		AutoFreq:      r.AutoFreq,
		AutoMeasure:   r.AutoMeasure,
	}
	if r.THDValid() {
		k := r.KHarm
		s.KHarm = &k
	}
	if r.Right > r.Left && r.Left >= 0 {
		s.Harmonics = make([]float64, len(r.Harmonics))
		for i, v := range r.Harmonics {
			s.Harmonics[i] = finiteOr(v, MinDB)
		}
	}
	return s
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
