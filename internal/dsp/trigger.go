package dsp

// edgeFinder returns the first index at or after from matching its edge
// condition, or -1.
type edgeFinder func(v []float64, vRms float64, from int) int

// triggerStrategies are tried in order; the first to find a period wins.
var triggerStrategies = []edgeFinder{
	steepEdge,
	risingZeroCrossing,
	fallingZeroCrossing,
}

// steepFraction is the minimum rising step, relative to vRms, of a steep edge.
const steepFraction = 0.9

func steepEdge(v []float64, vRms float64, from int) int {
	if from < 1 {
		from = 1
	}
	for i := from; i < len(v); i++ {
		if v[i]-v[i-1] >= steepFraction*vRms {
			return i
		}
	}
	return -1
}

func risingZeroCrossing(v []float64, _ float64, from int) int {
	if from < 1 {
		from = 1
	}
	for i := from; i < len(v)-1; i++ {
		if v[i-1] < 0 && v[i+1] > 0 && v[i-1] < v[i] && v[i] < v[i+1] {
			return i
		}
	}
	return -1
}

func fallingZeroCrossing(v []float64, _ float64, from int) int {
	if from < 1 {
		from = 1
	}
	for i := from; i < len(v)-1; i++ {
		if v[i-1] > 0 && v[i+1] < 0 && v[i-1] > v[i] && v[i] > v[i+1] {
			return i
		}
	}
	return -1
}

// autoTrigger looks for two corresponding edges one period apart and sets
// the time rulers on them. On failure the rulers are left untouched.
func (r *Result) autoTrigger() bool {
	for _, find := range triggerStrategies {
		r1 := find(r.Voltages, r.VRms, 1)
		if r1 < 2 {
			continue
		}
		r2 := find(r.Voltages, r.VRms, r1+2)
		if r2 >= r1 {
			r.SetDeltaT(r1, r2)
			return true
		}
	}
	return false
}
