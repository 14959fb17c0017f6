package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoScope/internal/dsp"
	"github.com/rjboer/GoScope/internal/link"
	"github.com/rjboer/GoScope/internal/logging"
	"github.com/rjboer/GoScope/internal/scope"
)

// ErrAlreadyOpen is returned by Open while a session is running.
var ErrAlreadyOpen = errors.New("pipeline already open")

// State is the acquisition worker state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const defaultPollInterval = 10 * time.Millisecond

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Nil keeps logging.Default().
func WithLogger(logger logging.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithOpener sets how ports are opened. The default opens serial ports
// with link.DefaultConfig.
func WithOpener(opener link.Opener) Option {
	return func(p *Pipeline) { p.opener = opener }
}

// WithReadTimeout bounds every frame read. Exceeding it stops the pipeline.
func WithReadTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.readTimeout = d
		}
	}
}

// WithPollInterval sets how often the worker checks an empty frame queue.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithOnStop registers a callback invoked exactly once per session, after
// teardown, with the error that ended it (nil for Close). It runs on the
// worker goroutine before Done is closed; calling Close from it returns
// immediately.
func WithOnStop(fn func(error)) Option {
	return func(p *Pipeline) { p.onStop = fn }
}

// WithHarmonics sets the harmonic count and decibel scaling of results.
func WithHarmonics(count int, db bool) Option {
	return func(p *Pipeline) {
		if count > 0 {
			p.harmonics = count
		}
		p.harmonicsDB = db
	}
}

// Pipeline connects a digitizer link to a stream of Results: a receiver
// goroutine queues raw frames, and a worker goroutine decodes each one with
// the configuration in effect at that moment.
type Pipeline struct {
	settings  *scope.Settings
	commander *scope.Commander
	logger    logging.Logger

	opener       link.Opener
	readTimeout  time.Duration
	pollInterval time.Duration
	onStop       func(error)
	harmonics    int
	harmonicsDB  bool

	offset      TimeOffset
	autoFreq    atomic.Bool
	autoMeasure atomic.Bool
	counters    counters

	rulersMu sync.Mutex
	rulers   dsp.Rulers

	mu   sync.Mutex
	sess *session
}

type session struct {
	portID       string
	port         link.Port
	raw          *Queue[rawFrame]
	results      *Queue[*dsp.Result]
	state        atomic.Int32
	stopping     atomic.Bool
	stopCh       chan struct{}
	receiverDone chan struct{}
	done         chan struct{}

	errMu sync.Mutex
	err   error
}

// New returns a closed pipeline sharing settings with its Commander.
func New(settings *scope.Settings, opts ...Option) *Pipeline {
	p := &Pipeline{
		settings:     settings,
		logger:       logging.Default(),
		opener:       link.NewOpener(link.DefaultConfig()),
		readTimeout:  scope.DefaultReadTimeout,
		pollInterval: defaultPollInterval,
		harmonics:    dsp.DefaultHarmonics,
		rulers:       dsp.NoRulers(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logging.F("subsystem", "pipeline"))
	p.commander = scope.NewCommander(settings, p.logger)
	return p
}

// Commander returns the command channel bound to the open link.
func (p *Pipeline) Commander() *scope.Commander { return p.commander }

// Settings returns the shared configuration.
func (p *Pipeline) Settings() *scope.Settings { return p.settings }

// Open connects to portID and starts acquisition. Cancelling ctx later
// stops the session like Close.
func (p *Pipeline) Open(ctx context.Context, portID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil && State(p.sess.state.Load()) != StateStopped {
		return ErrAlreadyOpen
	}

	port, err := p.opener(portID)
	if err != nil {
		return fmt.Errorf("open %s: %w", portID, err)
	}
	if err := port.SetReadTimeout(readPoll(p.readTimeout)); err != nil {
		port.Close()
		return fmt.Errorf("configure %s: %w", portID, err)
	}

	s := &session{
		portID:       portID,
		port:         port,
		raw:          NewQueue[rawFrame](),
		results:      NewQueue[*dsp.Result](),
		stopCh:       make(chan struct{}),
		receiverDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.state.Store(int32(StateRunning))
	p.sess = s
	p.commander.SetWriter(port)

	rx := &Receiver{
		port:     port,
		frames:   s.raw,
		offset:   &p.offset,
		timeout:  p.readTimeout,
		backoff:  defaultErrorBackoff,
		logger:   p.logger.With(logging.F("port", portID)),
		counters: &p.counters,
	}
	go func() {
		defer close(s.receiverDone)
		if err := rx.Run(s.stopCh); err != nil {
			p.requestStop(s, err)
		}
	}()
	go p.work(s)
	go func() {
		select {
		case <-ctx.Done():
			p.requestStop(s, nil)
		case <-s.done:
		}
	}()

	p.logger.Info("acquisition started", logging.F("port", portID), logging.F("read_timeout", p.readTimeout))
	return nil
}

// readPoll is the per-Read timeout programmed into the port.
func readPoll(timeout time.Duration) time.Duration {
	if poll := timeout / 10; poll < 100*time.Millisecond {
		return poll
	}
	return 100 * time.Millisecond
}

// Close stops the session and waits for teardown. It is a no-op when
// nothing is open.
func (p *Pipeline) Close() error {
	s := p.current()
	if s == nil {
		return nil
	}
	p.requestStop(s, nil)
	if State(s.state.Load()) == StateStopped {
		// torn down already, possibly from inside the stop callback
		return nil
	}
	<-s.done
	return nil
}

// IsOpen reports whether a session is acquiring.
func (p *Pipeline) IsOpen() bool {
	s := p.current()
	return s != nil && !s.stopping.Load()
}

// State returns the worker state of the current session.
func (p *Pipeline) State() State {
	s := p.current()
	if s == nil {
		return StateStopped
	}
	return State(s.state.Load())
}

// Done is closed when the current session has been torn down. Without a
// session it returns a closed channel.
func (p *Pipeline) Done() <-chan struct{} {
	s := p.current()
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Err returns the error that ended the last session, or nil.
func (p *Pipeline) Err() error {
	s := p.current()
	if s == nil {
		return nil
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stats returns the pipeline counters, accumulated across sessions.
func (p *Pipeline) Stats() Stats { return p.counters.snapshot() }

// NextResult blocks until the next Result is ready. After teardown it
// returns ErrClosed.
func (p *Pipeline) NextResult(ctx context.Context) (*dsp.Result, error) {
	s := p.current()
	if s == nil {
		return nil, ErrClosed
	}
	return s.results.Pop(ctx)
}

// TryNextResult returns the next Result if one is ready.
func (p *Pipeline) TryNextResult() (*dsp.Result, bool) {
	s := p.current()
	if s == nil {
		return nil, false
	}
	return s.results.TryPop()
}

// AddTimeOffset shifts the next frame by delta samples.
func (p *Pipeline) AddTimeOffset(delta int) { p.offset.Add(delta) }

// SetAutoFrequency turns the auto-trigger search on or off for following frames.
func (p *Pipeline) SetAutoFrequency(on bool) { p.autoFreq.Store(on) }

// SetAutoMeasure turns the voltage auto-measure on or off for following frames.
func (p *Pipeline) SetAutoMeasure(on bool) { p.autoMeasure.Store(on) }

// SetTimeRulers sets the manual time rulers applied to following frames
// when auto-trigger is off or finds nothing. Pass dsp.Unset to clear.
func (p *Pipeline) SetTimeRulers(left, right int) {
	p.rulersMu.Lock()
	p.rulers.Left, p.rulers.Right = left, right
	p.rulersMu.Unlock()
}

// SetVoltageRulers sets the manual voltage rulers, in raw codes, applied to
// following frames when auto-measure is off.
func (p *Pipeline) SetVoltageRulers(upper, lower int) {
	p.rulersMu.Lock()
	p.rulers.Upper, p.rulers.Lower = upper, lower
	p.rulersMu.Unlock()
}

func (p *Pipeline) options() dsp.Options {
	p.rulersMu.Lock()
	rulers := p.rulers
	p.rulersMu.Unlock()
	return dsp.Options{
		AutoFreq:    p.autoFreq.Load(),
		AutoMeasure: p.autoMeasure.Load(),
		Harmonics:   p.harmonics,
		HarmonicsDB: p.harmonicsDB,
		Rulers:      rulers,
	}
}

func (p *Pipeline) current() *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

// requestStop records err (the first one wins) and asks the worker to
// drain. It is safe to call repeatedly from any goroutine.
func (p *Pipeline) requestStop(s *session, err error) {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	s.state.Store(int32(StateDraining))
	close(s.stopCh)
}

// work is the acquisition worker. It checks the stop flag between frames
// and owns teardown.
func (p *Pipeline) work(s *session) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for !s.stopping.Load() {
		frame, ok := s.raw.TryPop()
		if !ok {
			select {
			case <-ticker.C:
			case <-s.stopCh:
			}
			continue
		}
		p.process(s, frame)
	}
	p.teardown(s)
}

func (p *Pipeline) process(s *session, frame rawFrame) {
	opts := p.options()
	var (
		res *dsp.Result
		err error
	)
	p.settings.Do(func(snap scope.Snapshot) {
		res, err = dsp.Process(frame.data, snap, opts)
	})
	if err != nil {
		p.counters.dropped.Add(1)
		p.logger.Debug("frame dropped", logging.F("seq", frame.seq), logging.Err(err))
		return
	}
	res.Seq = frame.seq
	p.counters.decoded.Add(1)
	s.results.Push(res)
}

func (p *Pipeline) teardown(s *session) {
	s.raw.Clear()
	s.results.Clear()
	s.raw.Close()
	s.results.Close()

	p.commander.SetWriter(nil)
	if err := s.port.Close(); err != nil {
		p.logger.Warn("close link", logging.F("port", s.portID), logging.Err(err))
	}
	<-s.receiverDone

	s.errMu.Lock()
	err := s.err
	s.errMu.Unlock()
	s.state.Store(int32(StateStopped))

	if err != nil {
		p.logger.Error("acquisition stopped", logging.F("port", s.portID), logging.Err(err))
	} else {
		p.logger.Info("acquisition stopped", logging.F("port", s.portID))
	}
	if p.onStop != nil {
		p.onStop(err)
	}
	close(s.done)
}

// IsTimeout reports whether err ended a session because the link stopped
// delivering frames.
func IsTimeout(err error) bool { return errors.Is(err, link.ErrReadTimeout) }
