package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjboer/GoScope/internal/dsp"
	"github.com/rjboer/GoScope/internal/logging"
	"github.com/rjboer/GoScope/internal/scope"
)

func newTestHub() *Hub {
	return NewHub(10, logging.New(logging.Debug, logging.Text, io.Discard))
}

func sineResult(t *testing.T, seq uint64) *dsp.Result {
	t.Helper()
	snap := scope.Snapshot{RangeIndex: 4, TimebaseIndex: 15}
	raw := make([]byte, scope.FrameBytes)
	for i := 0; i < scope.SamplesPerFrame; i++ {
		fs := snap.FullScale()
		code := scope.VoltsToCode(0.5*fs*math.Sin(2*math.Pi*5*float64(i)/scope.SamplesPerFrame), fs)
		raw[2*i] = byte(code >> 8)
		raw[2*i+1] = byte(code)
	}
	opts := dsp.DefaultOptions()
	opts.AutoFreq = true
	res, err := dsp.Process(raw, snap, opts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	res.Seq = seq
	return res
}

type fakeController struct {
	offset   int
	autoFreq bool
	rangeIdx int
}

func (f *fakeController) AddTimeOffset(delta int)  { f.offset += delta }
func (f *fakeController) SetAutoFrequency(on bool) { f.autoFreq = on }
func (f *fakeController) SetAutoMeasure(bool)      {}
func (f *fakeController) SetTimebase(int) error    { return nil }
func (f *fakeController) SetVoltageRange(idx int) error {
	if !scope.ValidRange(idx) {
		return scope.ErrIndexOutOfRange
	}
	f.rangeIdx = idx
	return nil
}

func TestReportKeepsBoundedHistory(t *testing.T) {
	hub := newTestHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	for i := 1; i <= 15; i++ {
		hub.Report(sineResult(t, uint64(i)))
	}
	hist := hub.History()
	if len(hist) != 10 || hist[0].Seq != 6 || hist[9].Seq != 15 {
		t.Fatalf("unexpected history: len %d", len(hist))
	}
	if s := <-ch; s.Seq != 1 || !approxEqual(s.Summary.Frequency, 5) {
		t.Fatalf("unexpected first live sample %+v", s)
	}
	if hub.Latest().Seq != 15 {
		t.Fatalf("latest waveform not updated")
	}
	if spec := hub.Spectrum(); len(spec.Bins) != scope.SamplesPerFrame/2+1 || spec.Source != "live" {
		t.Fatalf("spectrum not computed: %d bins", len(spec.Bins))
	}
}

func approxEqual(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestHandleLatest(t *testing.T) {
	hub := newTestHub()
	rr := httptest.NewRecorder()
	hub.handleLatest(rr, httptest.NewRequest(http.MethodGet, "/api/latest", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any frame, got %d", rr.Code)
	}

	hub.Report(sineResult(t, 3))
	rr = httptest.NewRecorder()
	hub.handleLatest(rr, httptest.NewRequest(http.MethodGet, "/api/latest", nil))
	var wave Waveform
	if err := json.NewDecoder(rr.Body).Decode(&wave); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wave.Seq != 3 || len(wave.Voltages) != scope.SamplesPerFrame {
		t.Fatalf("unexpected waveform seq %d len %d", wave.Seq, len(wave.Voltages))
	}
}

func TestHandleSpectrumMethodNotAllowed(t *testing.T) {
	hub := newTestHub()
	rr := httptest.NewRecorder()
	hub.handleSpectrum(rr, httptest.NewRequest(http.MethodPost, "/api/spectrum", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleSetConfigValidates(t *testing.T) {
	hub := newTestHub()
	rr := httptest.NewRecorder()
	hub.handleSetConfig(rr, httptest.NewRequest(http.MethodPost, "/api/config/update",
		strings.NewReader(`{"historyLimit": 0, "spectrumEvery": 5000}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	for i := 1; i <= 10; i++ {
		hub.Report(sineResult(t, uint64(i)))
	}
	rr = httptest.NewRecorder()
	hub.handleSetConfig(rr, httptest.NewRequest(http.MethodPost, "/api/config/update",
		strings.NewReader(`{"historyLimit": 4}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if cfg := hub.ConfigSnapshot(); cfg.HistoryLimit != 4 || cfg.SpectrumEvery != 5 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(hub.History()) != 4 {
		t.Fatalf("history not trimmed")
	}
}

func TestHandleHealthReportsDegradedThenOK(t *testing.T) {
	hub := newTestHub()
	hub.SetStatusFunc(func() any { return map[string]int{"framesDecoded": 7} })

	rr := httptest.NewRecorder()
	hub.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	var resp HealthStatus
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.Process.NumGoroutine == 0 {
		t.Fatalf("unexpected health %+v", resp)
	}

	hub.Report(sineResult(t, 1))
	if h := hub.Health(); h.Status != "ok" || h.Pipeline == nil {
		t.Fatalf("unexpected health after report %+v", h)
	}

	rr = httptest.NewRecorder()
	hub.handleHealth(rr, httptest.NewRequest(http.MethodPost, "/api/health", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleControl(t *testing.T) {
	hub := newTestHub()
	rr := httptest.NewRecorder()
	hub.handleControl(rr, httptest.NewRequest(http.MethodPost, "/api/control", strings.NewReader(`{"type":"offset","delta":4}`)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without controller, got %d", rr.Code)
	}

	ctl := &fakeController{}
	hub.SetController(ctl)
	for _, body := range []string{`{"type":"offset","delta":4}`, `{"type":"offset","delta":-1}`, `{"type":"range","index":7}`} {
		rr = httptest.NewRecorder()
		hub.handleControl(rr, httptest.NewRequest(http.MethodPost, "/api/control", strings.NewReader(body)))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: expected 204, got %d", body, rr.Code)
		}
	}
	if ctl.offset != 3 || ctl.rangeIdx != 7 {
		t.Fatalf("controls not applied: %+v", ctl)
	}

	if err := hub.Control(ControlMessage{Type: "range", Index: 42}); !errors.Is(err, scope.ErrIndexOutOfRange) {
		t.Fatalf("expected index error, got %v", err)
	}
	if err := hub.Control(ControlMessage{Type: "autoFreq"}); err == nil {
		t.Fatalf("autoFreq without enabled must fail")
	}
}

func TestWebSocketStreamsAndControls(t *testing.T) {
	hub := newTestHub()
	ctl := &fakeController{}
	hub.SetController(ctl)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	on := true
	if err := conn.WriteJSON(ControlMessage{Type: "autoFreq", Enabled: &on}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack map[string]any
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["type"] != "ack" || ack["control"] != "autoFreq" {
		t.Fatalf("unexpected ack %v", ack)
	}

	// The subscription exists once the ack arrived, so this report is streamed.
	hub.Report(sineResult(t, 9))
	var sample Sample
	if err := conn.ReadJSON(&sample); err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if sample.Seq != 9 {
		t.Fatalf("unexpected sample %+v", sample)
	}
	if !ctl.autoFreq {
		t.Fatalf("control not applied")
	}
}

func TestStdoutReporterThrottles(t *testing.T) {
	var buf bytes.Buffer
	r := NewStdoutReporter(logging.New(logging.Info, logging.Text, &buf), 3)
	for i := 1; i <= 7; i++ {
		r.Report(sineResult(t, uint64(i)))
	}
	lines := strings.Count(buf.String(), "[INFO] frame")
	if lines != 3 {
		t.Fatalf("expected 3 lines for 7 frames, got %d:\n%s", lines, buf.String())
	}
	if !strings.Contains(buf.String(), "freq=5 Hz") {
		t.Fatalf("frequency missing: %s", buf.String())
	}
}

func TestMultiReporterSkipsNil(t *testing.T) {
	hub := newTestHub()
	MultiReporter{nil, hub}.Report(sineResult(t, 1))
	if len(hub.History()) != 1 {
		t.Fatalf("hub did not receive the result")
	}
}
