package dsp

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/rjboer/GoScope/internal/scope"
)

func frame(codes []int) []byte {
	out := make([]byte, 2*len(codes))
	for i, c := range codes {
		out[2*i] = byte(c >> 8)
		out[2*i+1] = byte(c)
	}
	return out
}

func constant(code int) []int {
	out := make([]int, scope.SamplesPerFrame)
	for i := range out {
		out[i] = code
	}
	return out
}

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestAllZeroFrame(t *testing.T) {
	for idx := 0; idx < scope.NumRanges(); idx++ {
		fs := scope.FullScale(idx)
		r, err := Process(frame(constant(0)), scope.Snapshot{RangeIndex: idx}, DefaultOptions())
		if err != nil {
			t.Fatalf("range %d: %v", idx, err)
		}
		for i, v := range r.Voltages {
			if v != -fs {
				t.Fatalf("range %d sample %d = %v want %v", idx, i, v, -fs)
			}
		}
		if r.VMin != -fs || r.VMax != -fs || !approx(r.VRms, fs, 1e-9*fs) {
			t.Fatalf("range %d stats %v %v %v", idx, r.VMin, r.VMax, r.VRms)
		}
		if !r.Overload {
			t.Fatalf("range %d: zero codes must flag overload", idx)
		}
	}
}

func TestAllMaxFrame(t *testing.T) {
	snap := scope.Snapshot{RangeIndex: 8}
	fs := snap.FullScale()
	r, err := Process(frame(constant(scope.ADCMax)), snap, DefaultOptions())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	want := 4095*fs/2048 - fs
	if !approx(r.VMax, want, 1e-9) || !approx(r.VMax, fs, fs/2048+1e-9) {
		t.Fatalf("vmax %v want %v", r.VMax, want)
	}
	if !r.Overload {
		t.Fatalf("max codes must flag overload")
	}
}

func TestMidScaleFrame(t *testing.T) {
	r, err := Process(frame(constant(scope.ADCMid)), scope.Snapshot{RangeIndex: 3}, DefaultOptions())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if r.VMin != 0 || r.VMax != 0 || r.VRms != 0 || r.Overload {
		t.Fatalf("unexpected stats %+v", r.Summary())
	}
}

func sineCodes(peak, fs, cycles float64) []int {
	out := make([]int, scope.SamplesPerFrame)
	for i := range out {
		v := peak * math.Sin(2*math.Pi*cycles*float64(i)/scope.SamplesPerFrame)
		out[i] = scope.VoltsToCode(v, fs)
	}
	return out
}

func TestSineStatisticsAcrossRanges(t *testing.T) {
	for idx := 0; idx < scope.NumRanges(); idx++ {
		fs := scope.FullScale(idx)
		a := 0.8 * fs
		r, err := Process(frame(sineCodes(a, fs, 5)), scope.Snapshot{RangeIndex: idx}, DefaultOptions())
		if err != nil {
			t.Fatalf("range %d: %v", idx, err)
		}
		lsb := fs / scope.ADCMid
		if !approx(r.VMax, a, lsb) || !approx(r.VMin, -a, lsb) {
			t.Fatalf("range %d: min/max %v/%v want ±%v", idx, r.VMin, r.VMax, a)
		}
		if !approx(r.VRms, a/math.Sqrt2, lsb) {
			t.Fatalf("range %d: rms %v want %v", idx, r.VRms, a/math.Sqrt2)
		}
	}
}

func TestOutOfRangeSampleRejectsFrame(t *testing.T) {
	codes := constant(100)
	raw := frame(codes)
	raw[2*17] = 0x10 // 0x1000 = 4096
	raw[2*17+1] = 0x00
	r, err := Process(raw, scope.Snapshot{}, DefaultOptions())
	if !errors.Is(err, ErrFrameDecode) || r != nil {
		t.Fatalf("expected ErrFrameDecode and no result, got %v %v", r, err)
	}
	if _, err := Process(nil, scope.Snapshot{}, DefaultOptions()); !errors.Is(err, ErrFrameDecode) {
		t.Fatalf("empty frame should fail, got %v", err)
	}
}

func TestShortFrameBackfills(t *testing.T) {
	codes := []int{100, 200, 300}
	r, err := Process(frame(codes), scope.Snapshot{}, DefaultOptions())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if r.ADC[2] != 300 || r.ADC[scope.SamplesPerFrame-1] != 300 {
		t.Fatalf("tail not back-filled: %v", r.ADC[:5])
	}
	// An odd trailing byte is ignored.
	r, err = Process(append(frame(codes), 0xFF), scope.Snapshot{}, DefaultOptions())
	if err != nil || r.ADC[3] != 300 {
		t.Fatalf("odd byte handling: %v %v", err, r)
	}
}

func TestLongFrameUsesFirstSamples(t *testing.T) {
	codes := append(constant(1000), 9, 9, 9)
	r, err := Process(frame(codes), scope.Snapshot{}, DefaultOptions())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(r.ADC) != scope.SamplesPerFrame || r.ADC[scope.SamplesPerFrame-1] != 1000 {
		t.Fatalf("unexpected decode of extended frame")
	}
}

func squareCodes() []int {
	out := make([]int, scope.SamplesPerFrame)
	for i := range out {
		if (i/100)%2 == 0 {
			out[i] = scope.ADCMid + 1000
		} else {
			out[i] = scope.ADCMid - 1000
		}
	}
	return out
}

func TestSquareWaveAutoRulers(t *testing.T) {
	snap := scope.Snapshot{RangeIndex: 10, TimebaseIndex: 15}
	opts := DefaultOptions()
	opts.AutoFreq = true
	opts.AutoMeasure = true
	r, err := Process(frame(squareCodes()), snap, opts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !approx(r.DeltaV, 97.66, 0.01) {
		t.Fatalf("deltaV %v", r.DeltaV)
	}
	if !approx(r.DeltaT, 0.4, 1e-9) {
		t.Fatalf("deltaT %v (rulers %d..%d)", r.DeltaT, r.Left, r.Right)
	}
	if r.Upper != scope.ADCMid+1000 || r.Lower != scope.ADCMid-1000 {
		t.Fatalf("voltage rulers %d/%d", r.Upper, r.Lower)
	}
	if r.Left != 200 || r.Right != 400 {
		t.Fatalf("time rulers %d/%d", r.Left, r.Right)
	}
	if !r.AutoFreq || !r.AutoMeasure {
		t.Fatalf("flags not recorded")
	}
}

func TestAutoTriggerZeroCrossing(t *testing.T) {
	snap := scope.Snapshot{RangeIndex: 4, TimebaseIndex: 15}
	opts := DefaultOptions()
	opts.AutoFreq = true
	r, err := Process(frame(sineCodes(0.5, 1, 5)), snap, opts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if r.Left != 100 || r.Right != 200 {
		t.Fatalf("rulers %d/%d", r.Left, r.Right)
	}
	if !approx(r.Frequency(), 5, 1e-9) {
		t.Fatalf("frequency %v", r.Frequency())
	}
	if h := r.Harmonics; h[0] < 0.95 {
		t.Fatalf("pure sine fundamental %v", h[0])
	}
	if !r.THDValid() || r.KHarm > 0.05 {
		t.Fatalf("kharm %v", r.KHarm)
	}
}

func TestFallingZeroCrossing(t *testing.T) {
	v := []float64{3, 2, 1, 0, -1, -2, -3}
	if got := fallingZeroCrossing(v, 0, 1); got != 3 {
		t.Fatalf("falling crossing at %d", got)
	}
	if got := risingZeroCrossing(v, 0, 1); got != -1 {
		t.Fatalf("unexpected rising crossing at %d", got)
	}
}

func TestAutoTriggerFailureKeepsManualRulers(t *testing.T) {
	snap := scope.Snapshot{RangeIndex: 4, TimebaseIndex: 15}
	opts := DefaultOptions()
	opts.AutoFreq = true
	r, err := Process(frame(constant(3000)), snap, opts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if r.Left != Unset || r.Right != Unset || r.DeltaT != 0 {
		t.Fatalf("expected unset rulers, got %d/%d %v", r.Left, r.Right, r.DeltaT)
	}

	opts.Rulers = Rulers{Left: 300, Right: 50, Upper: Unset, Lower: Unset}
	r, err = Process(frame(constant(3000)), snap, opts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if r.Left != 50 || r.Right != 300 || !approx(r.DeltaT, 0.5, 1e-9) {
		t.Fatalf("manual rulers not applied: %d/%d %v", r.Left, r.Right, r.DeltaT)
	}
}

func TestRulerNormalization(t *testing.T) {
	snap := scope.Snapshot{RangeIndex: 6, TimebaseIndex: 9}
	a, _ := Process(frame(constant(2048)), snap, DefaultOptions())
	b, _ := Process(frame(constant(2048)), snap, DefaultOptions())

	a.SetDeltaT(40, 310)
	b.SetDeltaT(310, 40)
	a.SetDeltaV(3000, 1000)
	b.SetDeltaV(1000, 3000)

	if a.Rulers() != b.Rulers() {
		t.Fatalf("rulers differ: %+v vs %+v", a.Rulers(), b.Rulers())
	}
	if a.DeltaT != b.DeltaT || a.DeltaV != b.DeltaV {
		t.Fatalf("deltas differ")
	}
	if a.Left != 40 || a.Lower != 1000 {
		t.Fatalf("not normalized: %+v", a.Rulers())
	}
}

func TestAutoMeasureOneSided(t *testing.T) {
	r, err := Process(frame(constant(1000)), scope.Snapshot{RangeIndex: 4}, Options{AutoMeasure: true})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	mid := bucketMidpoint(1000 / 16)
	if r.Upper != mid || r.Lower != mid || r.DeltaV != 0 {
		t.Fatalf("constant signal rulers %d/%d", r.Upper, r.Lower)
	}
}

func TestAutoMeasureTieBreak(t *testing.T) {
	type group struct{ code, count int }
	tests := []struct {
		name         string
		groups       []group
		lower, upper int
	}{
		{
			name:   "ties on both sides pick the outermost buckets",
			groups: []group{{1000, 125}, {1500, 125}, {2600, 125}, {3100, 125}},
			lower:  1000, upper: 3096,
		},
		{
			name:   "larger count wins over position",
			groups: []group{{1000, 100}, {1500, 150}, {2600, 125}, {3100, 125}},
			lower:  1496, upper: 3096,
		},
		{
			name:   "three tied buckets below the mean",
			groups: []group{{1000, 100}, {1200, 100}, {1500, 100}, {3000, 200}},
			lower:  1000, upper: 3000,
		},
	}
	for _, tt := range tests {
		var codes []int
		for _, g := range tt.groups {
			for i := 0; i < g.count; i++ {
				codes = append(codes, g.code)
			}
		}
		r, err := Process(frame(codes), scope.Snapshot{RangeIndex: 4}, Options{AutoMeasure: true})
		if err != nil {
			t.Fatalf("%s: process: %v", tt.name, err)
		}
		if r.Lower != tt.lower || r.Upper != tt.upper {
			t.Fatalf("%s: rulers lower=%d upper=%d, want %d/%d", tt.name, r.Lower, r.Upper, tt.lower, tt.upper)
		}
	}
}

func TestSummaryJSONWithZeroFundamental(t *testing.T) {
	snap := scope.Snapshot{RangeIndex: 4, TimebaseIndex: 15}
	r, err := Process(frame(constant(scope.ADCMid)), snap, DefaultOptions())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	r.SetDeltaT(0, 100)
	r.ComputeHarmonics(0, 100)
	if r.THDValid() {
		t.Fatalf("zero fundamental must leave kharm non-finite, got %v", r.KHarm)
	}
	data, err := json.Marshal(r.Summary())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["kharm"]; ok {
		t.Fatalf("non-finite kharm must be omitted: %s", data)
	}
}
