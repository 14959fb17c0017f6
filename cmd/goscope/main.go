package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/GoScope/internal/app"
	"github.com/rjboer/GoScope/internal/link"
	"github.com/rjboer/GoScope/internal/logging"
	"github.com/rjboer/GoScope/internal/mdns"
	"github.com/rjboer/GoScope/internal/scope"
	"github.com/rjboer/GoScope/internal/storage"
	"github.com/rjboer/GoScope/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "goscope: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), stdout io.Writer) error {
	defaults := defaultFileConfig()
	if path := configPathFrom(args, lookup); path != "" {
		var err error
		if defaults, err = loadConfigFile(path, defaults); err != nil {
			return err
		}
	}
	cfg, err := parseConfig(args, lookup, defaults)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	switch {
	case cfg.listPorts:
		return listPorts(stdout)
	case cfg.discover > 0:
		return discover(ctx, stdout, cfg.discover)
	}

	state, err := cfg.initialState()
	if err != nil {
		return err
	}
	opener, portID, err := selectBackend(cfg)
	if err != nil {
		return fmt.Errorf("select backend: %w", err)
	}

	pipeline := app.New(scope.NewSettings(state.RangeIndex, state.TimebaseIndex),
		app.WithLogger(logger),
		app.WithOpener(opener),
		app.WithReadTimeout(cfg.readTimeout),
		app.WithHarmonics(cfg.harmonics, cfg.harmonicsDB),
	)
	pipeline.SetAutoFrequency(cfg.autoFreq)
	pipeline.SetAutoMeasure(cfg.autoMeasure)

	reporter, cleanup, err := buildReporters(ctx, cfg, pipeline, portID, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	logger.Info("starting acquisition (Ctrl+C to stop)", logging.F("backend", cfg.backend), logging.F("port", portID))
	err = acquire(ctx, pipeline, portID, state, reporter, cfg.reconnect, logger)
	stats := pipeline.Stats()
	logger.Info("acquisition finished",
		logging.F("received", stats.FramesReceived),
		logging.F("decoded", stats.FramesDecoded),
		logging.F("dropped", stats.FramesDropped),
		logging.F("read_errors", stats.ReadErrors))
	return err
}

func newLogger(cfg cliConfig, out io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, out), nil
}

// selectBackend returns how to open the digitizer and the port to open.
func selectBackend(cfg cliConfig) (link.Opener, string, error) {
	switch cfg.backend {
	case "mock":
		waveform, err := scope.ParseWaveform(cfg.mockWaveform)
		if err != nil {
			return nil, "", err
		}
		mockCfg := scope.MockConfig{
			Waveform:       waveform,
			Amplitude:      cfg.mockAmplitude,
			CyclesPerFrame: cfg.mockCycles,
			Noise:          cfg.mockNoise,
			Realtime:       true,
			RangeIndex:     cfg.rangeIndex,
			TimebaseIndex:  cfg.timebaseIndex,
		}
		// a fresh device per session, like replugging the cable
		return func(string) (link.Port, error) { return scope.NewMock(mockCfg), nil }, "mock", nil
	case "serial":
		if cfg.port == "" {
			return nil, "", errors.New("serial backend requires -port (see -list-ports)")
		}
		return link.NewOpener(link.Config{
			Baud:        cfg.baud,
			ReadTimeout: cfg.readTimeout,
			Driver:      cfg.driver,
		}), cfg.port, nil
	default:
		return nil, "", fmt.Errorf("unknown backend %s", cfg.backend)
	}
}

// controller exposes the pipeline and its command channel to web clients.
type controller struct{ p *app.Pipeline }

func (c controller) AddTimeOffset(delta int)       { c.p.AddTimeOffset(delta) }
func (c controller) SetAutoFrequency(on bool)      { c.p.SetAutoFrequency(on) }
func (c controller) SetAutoMeasure(on bool)        { c.p.SetAutoMeasure(on) }
func (c controller) SetVoltageRange(idx int) error { return c.p.Commander().SetVoltageRange(idx) }
func (c controller) SetTimebase(idx int) error     { return c.p.Commander().SetTimebase(idx) }

type pipelineStatus struct {
	State    string     `json:"state"`
	Settings scope.State `json:"settings"`
	Stats    app.Stats  `json:"stats"`
}

func buildReporters(ctx context.Context, cfg cliConfig, p *app.Pipeline, portID string, logger logging.Logger) (telemetry.Reporter, func(), error) {
	var (
		reporters telemetry.MultiReporter
		closers   []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.webAddr != "" {
		hub := telemetry.NewHub(cfg.historyLimit, logger)
		hub.SetSource(cfg.backend)
		hub.SetController(controller{p})
		hub.SetStatusFunc(func() any {
			return pipelineStatus{State: p.State().String(), Settings: p.Settings().State(), Stats: p.Stats()}
		})
		reporters = append(reporters, hub)

		web := telemetry.NewWebServer(cfg.webAddr, hub, logger)
		ln, err := web.Listen()
		if err != nil {
			return nil, cleanup, fmt.Errorf("web telemetry: %w", err)
		}
		webCtx, stopWeb := context.WithCancel(ctx)
		webDone := make(chan struct{})
		go func() {
			defer close(webDone)
			if err := web.Serve(webCtx, ln); err != nil {
				logger.Error("web telemetry stopped", logging.Err(err))
			}
		}()
		closers = append(closers, func() { stopWeb(); <-webDone })

		if cfg.mdns {
			if stop, err := announce(ctx, cfg, ln.Addr()); err != nil {
				logger.Warn("mDNS announcement failed", logging.Err(err))
			} else {
				closers = append(closers, stop)
				logger.Info("announced over mDNS", logging.F("service", mdns.Service), logging.F("instance", cfg.instance))
			}
		}
	} else {
		reporters = append(reporters, telemetry.NewStdoutReporter(logger, cfg.reportEvery))
	}

	if cfg.dbPath != "" {
		store := storage.New(cfg.dbPath)
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("close measurement store", logging.Err(err))
			}
		})
		rec, err := storage.NewRecorder(ctx, store, cfg.backend, portID, p.Settings().State(), logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("measurement store: %w", err)
		}
		reporters = append(reporters, rec)
	}
	return reporters, cleanup, nil
}

// announce advertises the web endpoint bound at addr until the returned
// stop function is called.
func announce(ctx context.Context, cfg cliConfig, addr net.Addr) (func(), error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done, err := mdns.Announce(ctx, cfg.instance, port, []string{"source=" + cfg.backend, "path=/api"})
	if err != nil {
		cancel()
		return nil, err
	}
	return func() { cancel(); <-done }, nil
}

// acquire runs sessions until ctx is canceled. A session that ends because
// the link went quiet or disappeared is reopened with exponential backoff,
// at most reconnect times in a row. The first session configures the
// device from state; later ones restore the settings in effect when the
// link was lost, including changes made at runtime.
func acquire(ctx context.Context, p *app.Pipeline, portID string, state scope.State, reporter telemetry.Reporter, reconnect int, logger logging.Logger) error {
	if reconnect < 0 {
		reconnect = 0
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(reconnect)), ctx)

	configured := false
	operation := func() error {
		restore := state
		if configured {
			restore = p.Settings().State()
		}
		out, err := runSession(ctx, p, portID, restore, reporter)
		configured = configured || out.configured
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return backoff.Permanent(errors.New("acquisition stopped"))
		}
		if !app.IsTimeout(err) && !link.IsDisconnect(err) {
			return backoff.Permanent(err)
		}
		if out.delivered {
			b.Reset()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("link lost, reconnecting", logging.F("port", portID), logging.F("wait", wait.Round(time.Millisecond)), logging.Err(err))
	}
	return backoff.RetryNotify(operation, b, notify)
}

type sessionOutcome struct {
	configured bool
	delivered  bool
}

// runSession opens the link, brings the device to state and forwards
// results until the session ends.
func runSession(ctx context.Context, p *app.Pipeline, portID string, state scope.State, reporter telemetry.Reporter) (sessionOutcome, error) {
	var out sessionOutcome
	if err := p.Open(ctx, portID); err != nil {
		return out, err
	}
	if err := p.Commander().Apply(state); err != nil {
		p.Close()
		return out, fmt.Errorf("configure device: %w", err)
	}
	out.configured = true

	for {
		res, err := p.NextResult(ctx)
		if err != nil {
			break
		}
		out.delivered = true
		reporter.Report(res)
	}
	if ctx.Err() != nil {
		p.Close()
		return out, nil
	}
	<-p.Done()
	return out, p.Err()
}

func listPorts(w io.Writer) error {
	ports, err := link.ListPorts()
	if err != nil {
		return fmt.Errorf("list ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(w, p.String())
	}
	return nil
}

func discover(ctx context.Context, w io.Writer, timeout time.Duration) error {
	start := time.Now()
	hosts, err := mdns.Discover(ctx, timeout)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	fmt.Fprintf(w, "Discovered %d endpoint(s) in %s\n", len(hosts), time.Since(start).Truncate(time.Millisecond))
	for _, h := range hosts {
		fmt.Fprintf(w, "%-30s %-24s %s %v\n", h.Instance, h.Hostname, h.URL(), h.TXT)
	}
	return nil
}
