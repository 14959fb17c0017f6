package scope

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ErrMockClosed is returned by a closed Mock.
var ErrMockClosed = errors.New("mock digitizer closed")

// Waveform selects the signal a Mock produces.
type Waveform int

const (
	WaveSine Waveform = iota
	WaveSquare
	// WaveHarmonic is a sum of the first four harmonics weighted 4:3:2:1.
	WaveHarmonic
)

func (w Waveform) String() string {
	switch w {
	case WaveSine:
		return "sine"
	case WaveSquare:
		return "square"
	case WaveHarmonic:
		return "harmonic"
	default:
		return fmt.Sprintf("Waveform(%d)", int(w))
	}
}

// ParseWaveform converts "sine", "square" or "harmonic" to a Waveform.
func ParseWaveform(s string) (Waveform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sine", "":
		return WaveSine, nil
	case "square":
		return WaveSquare, nil
	case "harmonic", "harmonics":
		return WaveHarmonic, nil
	default:
		return WaveSine, fmt.Errorf("unsupported waveform %q", s)
	}
}

// MockConfig describes the simulated signal.
type MockConfig struct {
	Waveform Waveform
	// Amplitude is the peak voltage of the signal.
	Amplitude float64
	// CyclesPerFrame is the number of signal periods in one sweep.
	CyclesPerFrame float64
	// Noise is the standard deviation of added noise, in volts.
	Noise float64
	// FrameInterval delays every generated frame. Zero with Realtime set
	// paces frames by the current timebase.
	FrameInterval time.Duration
	Realtime      bool
	// RangeIndex and TimebaseIndex are the power-on configuration.
	RangeIndex    int
	TimebaseIndex int
}

// MockState is the configuration the Mock decoded from command writes.
type MockState struct {
	RangeIndex    int
	TimebaseIndex int
	ZeroOffset    int8
	Commands      int
}

// Mock is a simulated digitizer. It accepts command writes like the device
// and streams frames of big-endian 12-bit samples at the configured range.
type Mock struct {
	mu          sync.Mutex
	cfg         MockConfig
	state       MockState
	pending     []byte
	sample      int64
	frames      int
	written     [][]byte
	readTimeout time.Duration
	stalled     bool
	writeErr    error
	readErr     error
	closed      bool
	closeCh     chan struct{}
	rng         *rand.Rand
}

// NewMock returns a Mock producing the configured signal.
func NewMock(cfg MockConfig) *Mock {
	if cfg.CyclesPerFrame == 0 {
		cfg.CyclesPerFrame = 2.5
	}
	if !ValidRange(cfg.RangeIndex) {
		cfg.RangeIndex = 0
	}
	if !ValidTimebase(cfg.TimebaseIndex) {
		cfg.TimebaseIndex = 0
	}
	return &Mock{
		cfg: cfg,
		state: MockState{
			RangeIndex:    cfg.RangeIndex,
			TimebaseIndex: cfg.TimebaseIndex,
		},
		readTimeout: DefaultReadTimeout,
		closeCh:     make(chan struct{}),
		rng:         rand.New(rand.NewSource(1)),
	}
}

// SetReadTimeout bounds how long a stalled Read blocks before returning
// zero bytes.
func (m *Mock) SetReadTimeout(d time.Duration) error {
	m.mu.Lock()
	m.readTimeout = d
	m.mu.Unlock()
	return nil
}

// Stall stops (or resumes) the byte stream.
func (m *Mock) Stall(stalled bool) {
	m.mu.Lock()
	m.stalled = stalled
	m.mu.Unlock()
}

// FailWrites makes every following Write return err. Nil restores writes.
func (m *Mock) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// FailNextRead makes the next Read return err once.
func (m *Mock) FailNextRead(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// Written returns a copy of every successful command write.
func (m *Mock) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	for i, w := range m.written {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// State returns the configuration decoded from command writes.
func (m *Mock) State() MockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Frames returns the number of frames generated so far.
func (m *Mock) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Close stops the stream. Blocked reads return ErrMockClosed.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

// Write decodes one command.
func (m *Mock) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrMockClosed
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.written = append(m.written, append([]byte(nil), p...))
	m.state.Commands++
	if len(p) < 3 {
		return len(p), nil
	}
	switch [2]byte{p[0], p[1]} {
	case markerRange:
		if idx := int(p[2]) - rangeParamBase; ValidRange(idx) {
			m.state.RangeIndex = idx
		}
	case markerTimebase:
		if idx := int(p[2]) - timebaseParamBase; ValidTimebase(idx) {
			m.state.TimebaseIndex = idx
		}
	case markerZero:
		m.state.ZeroOffset = int8(p[2])
	}
	return len(p), nil
}

// Read returns buffered sample bytes, generating a new frame when the buffer
// is empty. A stalled Mock blocks for the read timeout and returns (0, nil).
func (m *Mock) Read(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrMockClosed
	}
	if err := m.readErr; err != nil {
		m.readErr = nil
		m.mu.Unlock()
		return 0, err
	}
	if m.stalled {
		timeout := m.readTimeout
		m.mu.Unlock()
		return 0, m.wait(timeout)
	}
	if len(m.pending) == 0 {
		delay := m.frameInterval()
		m.mu.Unlock()
		if err := m.wait(delay); err != nil {
			return 0, err
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, ErrMockClosed
		}
		if len(m.pending) == 0 {
			m.pending = m.generateFrame()
		}
	}
	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	m.mu.Unlock()
	return n, nil
}

func (m *Mock) wait(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.closeCh:
		return ErrMockClosed
	case <-t.C:
		return nil
	}
}

// frameInterval must be called with mu held.
func (m *Mock) frameInterval() time.Duration {
	if m.cfg.FrameInterval > 0 {
		return m.cfg.FrameInterval
	}
	if !m.cfg.Realtime {
		return 0
	}
	d := time.Duration(SweepSeconds(m.state.TimebaseIndex) * float64(time.Second))
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

// generateFrame must be called with mu held.
func (m *Mock) generateFrame() []byte {
	fs := FullScale(m.state.RangeIndex)
	zero := float64(m.state.ZeroOffset) * fs / 128
	out := make([]byte, FrameBytes)
	for i := 0; i < SamplesPerFrame; i++ {
		phase := 2 * math.Pi * m.cfg.CyclesPerFrame * float64(m.sample) / SamplesPerFrame
		v := m.signal(phase) + zero
		if m.cfg.Noise > 0 {
			v += m.rng.NormFloat64() * m.cfg.Noise
		}
		code := VoltsToCode(v, fs)
		out[2*i] = byte(code >> 8)
		out[2*i+1] = byte(code)
		m.sample++
	}
	m.frames++
	return out
}

func (m *Mock) signal(phase float64) float64 {
	a := m.cfg.Amplitude
	switch m.cfg.Waveform {
	case WaveSquare:
		if math.Sin(phase) >= 0 {
			return a
		}
		return -a
	case WaveHarmonic:
		return a * (0.4*math.Sin(phase) + 0.3*math.Sin(2*phase) +
			0.2*math.Sin(3*phase) + 0.1*math.Sin(4*phase))
	default:
		return a * math.Sin(phase)
	}
}

// VoltsToCode maps a voltage to the nearest ADC code at full scale fs,
// clipped to the valid code range.
func VoltsToCode(v, fs float64) int {
	code := int(math.Round(v*ADCMid/fs)) + ADCMid
	if code < 0 {
		return 0
	}
	if code > ADCMax {
		return ADCMax
	}
	return code
}
