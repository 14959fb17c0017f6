// Package link is the serial transport to the digitizer: 8-N-1 framing at a
// fixed baud rate, exact reads bounded by a timeout, and port enumeration.
package link

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrReadTimeout is returned when a complete block did not arrive in time.
	ErrReadTimeout = errors.New("serial read timeout")
	// ErrUnknownDriver is returned for an unsupported driver name.
	ErrUnknownDriver = errors.New("unknown serial driver")
)

// Port is an open serial connection.
type Port interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds a single Read. A Read that times out returns
	// (0, nil).
	SetReadTimeout(d time.Duration) error
}

// Opener opens a port by its identifier.
type Opener func(portID string) (Port, error)

// Driver names.
const (
	DriverBugst = "bugst"
	DriverTarm  = "tarm"
)

// pollTimeout is the per-Read timeout programmed into the port. ReadExact
// keeps reading until its own deadline, so this only bounds the latency of
// noticing that deadline.
const pollTimeout = 100 * time.Millisecond

// Config holds serial connection parameters.
type Config struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	Driver      string
}

// DefaultConfig returns the device defaults: 115200 baud, 1 s read timeout,
// bugst driver.
func DefaultConfig() Config {
	return Config{
		Baud:        115200,
		ReadTimeout: 1000 * time.Millisecond,
		Driver:      DriverBugst,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Baud <= 0 {
		c.Baud = def.Baud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.Driver == "" {
		c.Driver = def.Driver
	}
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	return c
}

// Open opens cfg.Port with the configured driver.
func Open(cfg Config) (Port, error) {
	cfg = cfg.withDefaults()
	if cfg.Port == "" {
		return nil, errors.New("open serial port: empty port name")
	}
	var (
		p   Port
		err error
	)
	switch cfg.Driver {
	case DriverBugst:
		p, err = openBugst(cfg)
	case DriverTarm:
		p, err = openTarm(cfg)
	default:
		return nil, fmt.Errorf("open serial port %s: %w: %q", cfg.Port, ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	return p, nil
}

// NewOpener returns an Opener that opens ports with cfg, replacing only
// the port name.
func NewOpener(cfg Config) Opener {
	return func(portID string) (Port, error) {
		c := cfg
		c.Port = portID
		return Open(c)
	}
}
