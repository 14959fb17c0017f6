package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rjboer/GoScope/internal/dsp"
	"github.com/rjboer/GoScope/internal/logging"
	"github.com/rjboer/GoScope/internal/scope"
)

// Config represents the runtime configuration exposed by the telemetry hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
	// SpectrumEvery computes the amplitude spectrum of one result out of
	// every SpectrumEvery.
	SpectrumEvery int `json:"spectrumEvery"`
}

const (
	minHistoryLimit  = 1
	maxHistoryLimit  = 10_000
	minSpectrumEvery = 1
	maxSpectrumEvery = 1_000
)

func defaultConfig() Config {
	return Config{
		HistoryLimit:  500,
		SpectrumEvery: 5,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 || base.SpectrumEvery == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.SpectrumEvery == 0 {
		cfg.SpectrumEvery = base.SpectrumEvery
	}

	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.SpectrumEvery < minSpectrumEvery || cfg.SpectrumEvery > maxSpectrumEvery {
		return Config{}, fmt.Errorf("spectrum interval must be between %d and %d", minSpectrumEvery, maxSpectrumEvery)
	}
	return cfg, nil
}

// Sample captures the measurements of one frame for visualization.
type Sample struct {
	Timestamp time.Time   `json:"timestamp"`
	Seq       uint64      `json:"seq"`
	Summary   dsp.Summary `json:"summary"`
}

// Waveform is the latest frame in volts.
type Waveform struct {
	Timestamp    time.Time `json:"timestamp"`
	Seq          uint64    `json:"seq"`
	SamplePeriod float64   `json:"samplePeriod"`
	Voltages     []float64 `json:"voltages"`
}

// SpectrumSnapshot is the amplitude spectrum of a recent frame.
type SpectrumSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	Seq         uint64    `json:"seq"`
	Frequencies []float64 `json:"frequencies"`
	Bins        []float64 `json:"bins"`
	Source      string    `json:"source"`
}

// Hub collects history and fans out measurement updates to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Sample
	historyLimit int
	subscribers  map[chan Sample]struct{}
	config       Config
	latest       Waveform
	spectrum     SpectrumSnapshot
	reports      int
	lastReport   time.Time
	started      time.Time
	source       string
	status       func() any
	controller   Controller

	analyzer *dsp.Spectrum
	logger   logging.Logger
}

// NewHub builds a telemetry hub with the provided history limit.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	if valid, err := validateConfig(cfg, defaultConfig()); err == nil {
		cfg = valid
	} else {
		cfg = defaultConfig()
	}
	return &Hub{
		historyLimit: cfg.HistoryLimit,
		subscribers:  make(map[chan Sample]struct{}),
		config:       cfg,
		started:      time.Now(),
		source:       "live",
		analyzer:     dsp.NewSpectrum(scope.SamplesPerFrame),
		logger:       logging.OrDefault(logger).With(logging.F("subsystem", "telemetry")),
	}
}

// SetSource labels where results come from ("live", "mock").
func (h *Hub) SetSource(source string) {
	h.mu.Lock()
	h.source = source
	h.mu.Unlock()
}

// SetStatusFunc registers a provider of pipeline status for /api/health.
func (h *Hub) SetStatusFunc(fn func() any) {
	h.mu.Lock()
	h.status = fn
	h.mu.Unlock()
}

// SetController enables the control endpoints.
func (h *Hub) SetController(c Controller) {
	h.mu.Lock()
	h.controller = c
	h.mu.Unlock()
}

// Report implements Reporter and records a new result.
func (h *Hub) Report(res *dsp.Result) {
	if res == nil {
		return
	}
	now := time.Now()
	sample := Sample{Timestamp: now, Seq: res.Seq, Summary: res.Summary()}
	wave := Waveform{
		Timestamp:    now,
		Seq:          res.Seq,
		SamplePeriod: res.Snapshot.SamplePeriod(),
		Voltages:     append([]float64(nil), res.Voltages...),
	}

	h.mu.Lock()
	h.reports++
	h.lastReport = now
	h.latest = wave
	computeSpectrum := (h.reports-1)%h.config.SpectrumEvery == 0
	source := h.source
	h.history = append(h.history, sample)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()

	if computeSpectrum {
		freqs, bins := h.analyzer.Compute(wave.Voltages, wave.SamplePeriod)
		h.UpdateSpectrumSnapshot(SpectrumSnapshot{
			Timestamp:   now,
			Seq:         res.Seq,
			Frequencies: freqs,
			Bins:        bins,
			Source:      source,
		})
	}
}

// UpdateSpectrumSnapshot replaces the stored spectrum.
func (h *Hub) UpdateSpectrumSnapshot(s SpectrumSnapshot) {
	h.mu.Lock()
	h.spectrum = s
	h.mu.Unlock()
}

// History returns a copy of stored samples.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// Latest returns the most recent waveform.
func (h *Hub) Latest() Waveform {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Spectrum returns the most recent spectrum snapshot.
func (h *Hub) Spectrum() SpectrumSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.spectrum
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.History())
}

func (h *Hub) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	latest := h.Latest()
	if latest.Voltages == nil {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	writeJSON(w, latest)
}

func (h *Hub) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.Spectrum())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	current := h.config
	h.mu.RUnlock()

	cfg, err := validateConfig(incoming, current)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.applyConfig(cfg)
	h.mu.Unlock()

	h.logger.Info("telemetry config updated",
		logging.F("history_limit", cfg.HistoryLimit), logging.F("spectrum_every", cfg.SpectrumEvery))
	writeJSON(w, cfg)
}
