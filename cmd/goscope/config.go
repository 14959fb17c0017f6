package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/GoScope/internal/scope"
)

const envPrefix = "GOSCOPE_"

type cliConfig struct {
	configPath  string
	backend     string
	port        string
	baud        int
	driver      string
	readTimeout time.Duration

	rangeIndex    int
	timebaseIndex int
	coupling      string
	syncMode      string
	syncEdge      string
	syncLevel     int
	zeroOffset    int
	autoFreq      bool
	autoMeasure   bool
	harmonics     int
	harmonicsDB   bool

	mockWaveform  string
	mockAmplitude float64
	mockCycles    float64
	mockNoise     float64

	webAddr      string
	historyLimit int
	reportEvery  int
	mdns         bool
	instance     string
	dbPath       string

	logLevel  string
	logFormat string
	reconnect int

	listPorts bool
	discover  time.Duration
}

// fileConfig is the YAML configuration file. Every field doubles as the
// default of the matching flag.
type fileConfig struct {
	Backend     string        `yaml:"backend"`
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	Driver      string        `yaml:"driver"`
	ReadTimeout time.Duration `yaml:"readTimeout"`

	Range       int    `yaml:"range"`
	Timebase    int    `yaml:"timebase"`
	Coupling    string `yaml:"coupling"`
	SyncMode    string `yaml:"syncMode"`
	SyncEdge    string `yaml:"syncEdge"`
	SyncLevel   int    `yaml:"syncLevel"`
	ZeroOffset  int    `yaml:"zeroOffset"`
	AutoFreq    bool   `yaml:"autoFreq"`
	AutoMeasure bool   `yaml:"autoMeasure"`
	Harmonics   int    `yaml:"harmonics"`
	HarmonicsDB bool   `yaml:"harmonicsDB"`

	Mock struct {
		Waveform  string  `yaml:"waveform"`
		Amplitude float64 `yaml:"amplitude"`
		Cycles    float64 `yaml:"cycles"`
		Noise     float64 `yaml:"noise"`
	} `yaml:"mock"`

	Web struct {
		Addr         string `yaml:"addr"`
		HistoryLimit int    `yaml:"historyLimit"`
		MDNS         bool   `yaml:"mdns"`
		Instance     string `yaml:"instance"`
	} `yaml:"web"`

	ReportEvery int    `yaml:"reportEvery"`
	DBPath      string `yaml:"db"`
	LogLevel    string `yaml:"logLevel"`
	LogFormat   string `yaml:"logFormat"`
	Reconnect   int    `yaml:"reconnect"`
}

func defaultFileConfig() fileConfig {
	cfg := fileConfig{
		Backend:     "serial",
		Baud:        scope.DefaultBaud,
		Driver:      "bugst",
		ReadTimeout: scope.DefaultReadTimeout,
		Range:       6,
		Timebase:    15,
		Coupling:    "dc",
		SyncMode:    "none",
		SyncEdge:    "rising",
		SyncLevel:   0x80,
		AutoFreq:    true,
		AutoMeasure: true,
		Harmonics:   20,
		ReportEvery: 10,
		LogLevel:    "info",
		LogFormat:   "text",
		Reconnect:   5,
	}
	cfg.Mock.Waveform = "sine"
	cfg.Mock.Amplitude = 1
	cfg.Mock.Cycles = 2.5
	cfg.Web.HistoryLimit = 500
	cfg.Web.Instance = defaultInstance()
	return cfg
}

func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "goscope"
	}
	return "goscope on " + host
}

// loadConfigFile overlays the YAML file at path onto base. Keys missing
// from the file keep their base value.
func loadConfigFile(path string, base fileConfig) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return base, nil
}

// configPathFrom finds -config in args, falling back to GOSCOPE_CONFIG. It
// runs before flag parsing because the file supplies the flag defaults.
func configPathFrom(args []string, lookup func(string) (string, bool)) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return envString(lookup, envPrefix+"CONFIG", "")
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults fileConfig) (cliConfig, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("goscope", flag.ContinueOnError)
	env := func(key string) string { return envPrefix + key }

	fs.StringVar(&cfg.configPath, "config", envString(lookup, env("CONFIG"), ""), "Optional YAML configuration file")
	fs.StringVar(&cfg.backend, "backend", envString(lookup, env("BACKEND"), defaults.Backend), "Digitizer backend (serial|mock)")
	fs.StringVar(&cfg.port, "port", envString(lookup, env("PORT"), defaults.Port), "Serial port name")
	fs.IntVar(&cfg.baud, "baud", envInt(lookup, env("BAUD"), defaults.Baud), "Serial baud rate")
	fs.StringVar(&cfg.driver, "driver", envString(lookup, env("DRIVER"), defaults.Driver), "Serial driver (bugst|tarm)")
	fs.DurationVar(&cfg.readTimeout, "read-timeout", envDuration(lookup, env("READ_TIMEOUT"), defaults.ReadTimeout), "Frame read timeout")

	fs.IntVar(&cfg.rangeIndex, "range", envInt(lookup, env("RANGE"), defaults.Range), "Voltage range index")
	fs.IntVar(&cfg.timebaseIndex, "timebase", envInt(lookup, env("TIMEBASE"), defaults.Timebase), "Timebase index")
	fs.StringVar(&cfg.coupling, "coupling", envString(lookup, env("COUPLING"), defaults.Coupling), "Input coupling (dc|ac|gnd)")
	fs.StringVar(&cfg.syncMode, "sync", envString(lookup, env("SYNC"), defaults.SyncMode), "Sync mode (none|auto|level)")
	fs.StringVar(&cfg.syncEdge, "sync-edge", envString(lookup, env("SYNC_EDGE"), defaults.SyncEdge), "Sync edge (rising|falling)")
	fs.IntVar(&cfg.syncLevel, "sync-level", envInt(lookup, env("SYNC_LEVEL"), defaults.SyncLevel), "Sync level (0-255)")
	fs.IntVar(&cfg.zeroOffset, "zero-offset", envInt(lookup, env("ZERO_OFFSET"), defaults.ZeroOffset), "Zero offset (-128..127)")
	fs.BoolVar(&cfg.autoFreq, "auto-freq", envBool(lookup, env("AUTO_FREQ"), defaults.AutoFreq), "Find the signal period automatically")
	fs.BoolVar(&cfg.autoMeasure, "auto-measure", envBool(lookup, env("AUTO_MEASURE"), defaults.AutoMeasure), "Find the signal levels automatically")
	fs.IntVar(&cfg.harmonics, "harmonics", envInt(lookup, env("HARMONICS"), defaults.Harmonics), "Number of harmonics to compute")
	fs.BoolVar(&cfg.harmonicsDB, "harmonics-db", envBool(lookup, env("HARMONICS_DB"), defaults.HarmonicsDB), "Report harmonics in dB")

	fs.StringVar(&cfg.mockWaveform, "mock-waveform", envString(lookup, env("MOCK_WAVEFORM"), defaults.Mock.Waveform), "Mock signal (sine|square|harmonic)")
	fs.Float64Var(&cfg.mockAmplitude, "mock-amplitude", envFloat(lookup, env("MOCK_AMPLITUDE"), defaults.Mock.Amplitude), "Mock signal peak in volts")
	fs.Float64Var(&cfg.mockCycles, "mock-cycles", envFloat(lookup, env("MOCK_CYCLES"), defaults.Mock.Cycles), "Mock signal periods per frame")
	fs.Float64Var(&cfg.mockNoise, "mock-noise", envFloat(lookup, env("MOCK_NOISE"), defaults.Mock.Noise), "Mock noise standard deviation in volts")

	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, env("WEB_ADDR"), defaults.Web.Addr), "Optional web telemetry listen address (e.g. :8080)")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, env("HISTORY_LIMIT"), defaults.Web.HistoryLimit), "Maximum samples kept in telemetry history")
	fs.IntVar(&cfg.reportEvery, "report-every", envInt(lookup, env("REPORT_EVERY"), defaults.ReportEvery), "Log one frame out of every N on stdout")
	fs.BoolVar(&cfg.mdns, "mdns", envBool(lookup, env("MDNS"), defaults.Web.MDNS), "Announce the web endpoint over mDNS")
	fs.StringVar(&cfg.instance, "instance", envString(lookup, env("INSTANCE"), defaults.Web.Instance), "mDNS instance name")
	fs.StringVar(&cfg.dbPath, "db", envString(lookup, env("DB"), defaults.DBPath), "Optional SQLite file recording every measurement")

	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, env("LOG_LEVEL"), defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, env("LOG_FORMAT"), defaults.LogFormat), "Log format (text|json)")
	fs.IntVar(&cfg.reconnect, "reconnect", envInt(lookup, env("RECONNECT"), defaults.Reconnect), "Reconnect attempts after the link stops delivering frames")

	fs.BoolVar(&cfg.listPorts, "list-ports", false, "List serial ports and exit")
	fs.DurationVar(&cfg.discover, "discover", 0, "Browse for goscope endpoints for the given duration and exit")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

// initialState converts the configured device settings.
func (c cliConfig) initialState() (scope.State, error) {
	if !scope.ValidRange(c.rangeIndex) {
		return scope.State{}, fmt.Errorf("range %d: %w", c.rangeIndex, scope.ErrIndexOutOfRange)
	}
	if !scope.ValidTimebase(c.timebaseIndex) {
		return scope.State{}, fmt.Errorf("timebase %d: %w", c.timebaseIndex, scope.ErrIndexOutOfRange)
	}
	coupling, err := scope.ParseCoupling(c.coupling)
	if err != nil {
		return scope.State{}, err
	}
	mode, err := scope.ParseSyncMode(c.syncMode)
	if err != nil {
		return scope.State{}, err
	}
	edge, err := scope.ParseEdge(c.syncEdge)
	if err != nil {
		return scope.State{}, err
	}
	if c.syncLevel < 0 || c.syncLevel > 255 {
		return scope.State{}, fmt.Errorf("sync level %d out of range", c.syncLevel)
	}
	if c.zeroOffset < -128 || c.zeroOffset > 127 {
		return scope.State{}, fmt.Errorf("zero offset %d out of range", c.zeroOffset)
	}
	return scope.State{
		Snapshot:   scope.Snapshot{RangeIndex: c.rangeIndex, TimebaseIndex: c.timebaseIndex},
		Coupling:   coupling,
		SyncMode:   mode,
		Edge:       edge,
		SyncLevel:  byte(c.syncLevel),
		ZeroOffset: int8(c.zeroOffset),
		DeviceMode: scope.ModeScope,
	}, nil
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
