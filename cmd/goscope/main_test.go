package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rjboer/GoScope/internal/app"
	"github.com/rjboer/GoScope/internal/dsp"
	"github.com/rjboer/GoScope/internal/link"
	"github.com/rjboer/GoScope/internal/logging"
	"github.com/rjboer/GoScope/internal/scope"
	"github.com/rjboer/GoScope/internal/storage"
	"github.com/rjboer/GoScope/internal/telemetry"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

type reporterFunc func()

func (f reporterFunc) Report(*dsp.Result) { f() }

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]string{}, noEnv, defaultFileConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.backend != "serial" || cfg.baud != 115200 || cfg.readTimeout != time.Second || cfg.harmonics != 20 {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if !cfg.autoFreq || !cfg.autoMeasure || cfg.webAddr != "" || cfg.dbPath != "" {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	lookup := envMap(map[string]string{
		"GOSCOPE_BACKEND":      "mock",
		"GOSCOPE_BAUD":         "57600",
		"GOSCOPE_READ_TIMEOUT": "250ms",
		"GOSCOPE_AUTO_FREQ":    "false",
		"GOSCOPE_RANGE":        "not a number",
	})
	cfg, err := parseConfig([]string{"--timebase", "3", "-harmonics-db"}, lookup, defaultFileConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.backend != "mock" || cfg.baud != 57600 || cfg.readTimeout != 250*time.Millisecond || cfg.autoFreq {
		t.Fatalf("env overrides not applied: %#v", cfg)
	}
	if cfg.rangeIndex != 6 {
		t.Fatalf("invalid env value should keep the default, got %d", cfg.rangeIndex)
	}
	if cfg.timebaseIndex != 3 || !cfg.harmonicsDB {
		t.Fatalf("flags not applied: %#v", cfg)
	}
}

func TestConfigFileSuppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goscope.yaml")
	data := []byte(`
backend: mock
readTimeout: 2s
range: 3
mock:
  waveform: square
web:
  addr: ":9090"
  mdns: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	args := []string{"-config", path, "-range", "4"}
	if got := configPathFrom(args, noEnv); got != path {
		t.Fatalf("config path %q", got)
	}
	defaults, err := loadConfigFile(path, defaultFileConfig())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg, err := parseConfig(args, noEnv, defaults)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.backend != "mock" || cfg.readTimeout != 2*time.Second || cfg.mockWaveform != "square" {
		t.Fatalf("file values not applied: %#v", cfg)
	}
	if cfg.webAddr != ":9090" || !cfg.mdns || cfg.historyLimit != 500 {
		t.Fatalf("nested file values not applied: %#v", cfg)
	}
	if cfg.rangeIndex != 4 {
		t.Fatalf("flag must override file, got range %d", cfg.rangeIndex)
	}

	if _, err := loadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), defaultFileConfig()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestConfigPathFrom(t *testing.T) {
	tests := []struct {
		args []string
		env  map[string]string
		want string
	}{
		{args: []string{"--config=a.yaml"}, want: "a.yaml"},
		{args: []string{"-port", "x", "--config", "b.yaml"}, want: "b.yaml"},
		{args: []string{"--", "-config", "c.yaml"}, env: map[string]string{"GOSCOPE_CONFIG": "env.yaml"}, want: "env.yaml"},
		{args: nil, want: ""},
	}
	for _, tt := range tests {
		if got := configPathFrom(tt.args, envMap(tt.env)); got != tt.want {
			t.Fatalf("configPathFrom(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestInitialState(t *testing.T) {
	cfg, err := parseConfig([]string{"-coupling", "ac", "-sync", "level", "-sync-edge", "falling", "-zero-offset", "-5"}, noEnv, defaultFileConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	st, err := cfg.initialState()
	if err != nil {
		t.Fatalf("initialState: %v", err)
	}
	if st.Coupling != scope.CouplingAC || st.SyncMode != scope.SyncLevel || st.Edge != scope.EdgeFalling || st.ZeroOffset != -5 || st.SyncLevel != 0x80 {
		t.Fatalf("unexpected state %+v", st)
	}

	bad := []cliConfig{
		func() cliConfig { c := cfg; c.rangeIndex = 11; return c }(),
		func() cliConfig { c := cfg; c.timebaseIndex = -1; return c }(),
		func() cliConfig { c := cfg; c.coupling = "hf"; return c }(),
		func() cliConfig { c := cfg; c.syncLevel = 256; return c }(),
		func() cliConfig { c := cfg; c.zeroOffset = 128; return c }(),
	}
	for i, c := range bad {
		if _, err := c.initialState(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if _, err := bad[0].initialState(); !errors.Is(err, scope.ErrIndexOutOfRange) {
		t.Fatalf("expected index error, got %v", err)
	}
}

func TestSelectBackendError(t *testing.T) {
	if _, _, err := selectBackend(cliConfig{backend: "unknown"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	if _, _, err := selectBackend(cliConfig{backend: "serial"}); err == nil {
		t.Fatalf("expected error for serial backend without port")
	}
	if _, _, err := selectBackend(cliConfig{backend: "mock", mockWaveform: "triangle"}); err == nil {
		t.Fatalf("expected error for unknown waveform")
	}
}

func TestSelectBackendMock(t *testing.T) {
	opener, portID, err := selectBackend(cliConfig{backend: "mock", mockWaveform: "sine", rangeIndex: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	port, err := opener(portID)
	if err != nil || port == nil {
		t.Fatalf("opener failed: %v", err)
	}
	port.Close()
}

func TestRunRecordsMockSession(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "run.db")
	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	args := []string{"-backend", "mock", "-timebase", "5", "-range", "6", "-log-level", "error", "-db", dbPath}
	if err := run(ctx, args, noEnv, &bytes.Buffer{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	store := storage.New(dbPath)
	defer store.Close()
	sessions, err := store.Sessions(context.Background())
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected one session, got %d (%v)", len(sessions), err)
	}
	ms, err := store.Measurements(context.Background(), sessions[0].ID)
	if err != nil {
		t.Fatalf("measurements: %v", err)
	}
	if len(ms) == 0 {
		t.Fatalf("no measurements recorded")
	}
	if ms[0].RangeIndex != 6 || ms[0].TimebaseIndex != 5 {
		t.Fatalf("unexpected configuration recorded: %+v", ms[0])
	}
}

func TestAcquireReconnectsAfterTimeout(t *testing.T) {
	var opens atomic.Int32
	opener := func(string) (link.Port, error) {
		opens.Add(1)
		m := scope.NewMock(scope.MockConfig{})
		m.Stall(true)
		return m, nil
	}
	p := app.New(scope.NewSettings(4, 5),
		app.WithLogger(logging.Discard()),
		app.WithOpener(opener),
		app.WithReadTimeout(50*time.Millisecond),
	)

	err := acquire(context.Background(), p, "mock", p.Settings().State(),
		telemetry.MultiReporter{}, 1, logging.Discard())
	if !app.IsTimeout(err) {
		t.Fatalf("expected timeout after retries, got %v", err)
	}
	if got := opens.Load(); got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}
}

func TestReconnectKeepsRuntimeSettings(t *testing.T) {
	var (
		mu    sync.Mutex
		mocks []*scope.Mock
	)
	opener := func(string) (link.Port, error) {
		m := scope.NewMock(scope.MockConfig{FrameInterval: 5 * time.Millisecond})
		mu.Lock()
		mocks = append(mocks, m)
		mu.Unlock()
		return m, nil
	}
	p := app.New(scope.NewSettings(4, 5),
		app.WithLogger(logging.Discard()),
		app.WithOpener(opener),
		app.WithReadTimeout(50*time.Millisecond),
	)
	state := p.Settings().State()
	state.DeviceMode = scope.ModeScope

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changed := false
	var deviceRange int
	reporter := reporterFunc(func() {
		mu.Lock()
		current := mocks[len(mocks)-1]
		sessions := len(mocks)
		mu.Unlock()
		switch {
		case sessions == 1 && !changed:
			if err := p.Commander().SetVoltageRange(9); err != nil {
				t.Errorf("set range: %v", err)
			}
			changed = true
			current.Stall(true)
		case sessions == 2:
			deviceRange = current.State().RangeIndex
			cancel()
		}
	})

	if err := acquire(ctx, p, "mock", state, reporter, 1, logging.Discard()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(mocks) != 2 {
		t.Fatalf("expected a reconnect, got %d sessions", len(mocks))
	}
	if deviceRange != 9 || p.Settings().State().RangeIndex != 9 {
		t.Fatalf("runtime range lost on reconnect: device %d settings %d", deviceRange, p.Settings().State().RangeIndex)
	}
}

func TestAcquireStopsOnCancel(t *testing.T) {
	p := app.New(scope.NewSettings(4, 5),
		app.WithLogger(logging.Discard()),
		app.WithOpener(func(string) (link.Port, error) {
			return scope.NewMock(scope.MockConfig{FrameInterval: 5 * time.Millisecond}), nil
		}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var count atomic.Int32
	err := acquire(ctx, p, "mock", p.Settings().State(),
		reporterFunc(func() { count.Add(1) }), 3, logging.Discard())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if count.Load() == 0 {
		t.Fatalf("no results reported")
	}
	if p.IsOpen() {
		t.Fatalf("pipeline still open after cancel")
	}
}
