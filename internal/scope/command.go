package scope

import (
	"fmt"
	"io"

	"github.com/rjboer/GoScope/internal/logging"
)

// Command marker pairs. Each command starts with one of these pairs,
// followed by zero to two parameter bytes.
var (
	markerRange     = [2]byte{0xAA, 0xAB}
	markerTimebase  = [2]byte{0xAC, 0xAD}
	markerDC        = [2]byte{0xBE, 0xBF}
	markerAC        = [2]byte{0xBA, 0xBB}
	markerGND       = [2]byte{0xBC, 0xBD}
	markerScope     = [2]byte{0xDF, 0xEA}
	markerLogger    = [2]byte{0xDC, 0xDE}
	markerSyncNone  = [2]byte{0xCE, 0xCF}
	markerSyncAuto  = [2]byte{0xCA, 0xCB}
	markerSyncLevel = [2]byte{0xCC, 0xCD}
	markerZero      = [2]byte{0xDA, 0xDB}
)

const (
	rangeParamBase    = 50
	timebaseParamBase = 20
)

// EncodeVoltageRange returns the command selecting range index idx.
func EncodeVoltageRange(idx int) []byte {
	return []byte{markerRange[0], markerRange[1], byte(rangeParamBase + idx)}
}

// EncodeTimebase returns the command selecting timebase index idx.
func EncodeTimebase(idx int) []byte {
	return []byte{markerTimebase[0], markerTimebase[1], byte(timebaseParamBase + idx)}
}

// EncodeInputMode returns the coupling command.
func EncodeInputMode(c Coupling) ([]byte, error) {
	switch c {
	case CouplingDC:
		return markerDC[:], nil
	case CouplingAC:
		return markerAC[:], nil
	case CouplingGND:
		return markerGND[:], nil
	}
	return nil, fmt.Errorf("encode input mode: unknown coupling %d", int(c))
}

// EncodeDeviceMode returns the scope/logger mode command.
func EncodeDeviceMode(m DeviceMode) ([]byte, error) {
	switch m {
	case ModeScope:
		return markerScope[:], nil
	case ModeLogger:
		return markerLogger[:], nil
	}
	return nil, fmt.Errorf("encode device mode: unknown mode %d", int(m))
}

// EncodeSyncMode returns the synchronization command. The edge is ignored
// for SyncNone and the level is only sent for SyncLevel.
func EncodeSyncMode(mode SyncMode, edge Edge, level byte) ([]byte, error) {
	if mode != SyncNone && edge != EdgeRising && edge != EdgeFalling {
		return nil, fmt.Errorf("encode sync mode: unknown edge 0x%02x", byte(edge))
	}
	switch mode {
	case SyncNone:
		return markerSyncNone[:], nil
	case SyncAuto:
		return []byte{markerSyncAuto[0], markerSyncAuto[1], byte(edge)}, nil
	case SyncLevel:
		return []byte{markerSyncLevel[0], markerSyncLevel[1], level, byte(edge)}, nil
	}
	return nil, fmt.Errorf("encode sync mode: unknown mode %d", int(mode))
}

// EncodeZeroOffset returns the zero-offset command carrying a signed level.
func EncodeZeroOffset(level int8) []byte {
	return []byte{markerZero[0], markerZero[1], byte(level)}
}

// Commander serializes configuration commands to the device and records the
// values in effect. A command is written while holding the Settings lock and
// the Settings change only after the write succeeded. Failed writes are not
// retried.
type Commander struct {
	settings *Settings
	w        io.Writer
	logger   logging.Logger
}

// NewCommander returns a Commander updating settings. It has no writer until
// SetWriter is called.
func NewCommander(settings *Settings, logger logging.Logger) *Commander {
	return &Commander{
		settings: settings,
		logger:   logging.OrDefault(logger).With(logging.F("subsystem", "command")),
	}
}

// SetWriter attaches (or, with nil, detaches) the device link.
func (c *Commander) SetWriter(w io.Writer) {
	c.settings.mu.Lock()
	c.w = w
	c.settings.mu.Unlock()
}

// Settings returns the configuration the Commander maintains.
func (c *Commander) Settings() *Settings { return c.settings }

// Snapshot returns the current {range, timebase} pair.
func (c *Commander) Snapshot() Snapshot { return c.settings.Snapshot() }

// SetVoltageRange selects the full-scale voltage range.
func (c *Commander) SetVoltageRange(idx int) error {
	if !ValidRange(idx) {
		return fmt.Errorf("set voltage range %d: %w", idx, ErrIndexOutOfRange)
	}
	return c.send("range", EncodeVoltageRange(idx), func(s *State) { s.RangeIndex = idx })
}

// SetTimebase selects the sweep duration.
func (c *Commander) SetTimebase(idx int) error {
	if !ValidTimebase(idx) {
		return fmt.Errorf("set timebase %d: %w", idx, ErrIndexOutOfRange)
	}
	return c.send("timebase", EncodeTimebase(idx), func(s *State) { s.TimebaseIndex = idx })
}

// SetInputMode selects DC, AC or GND coupling.
func (c *Commander) SetInputMode(coupling Coupling) error {
	cmd, err := EncodeInputMode(coupling)
	if err != nil {
		return err
	}
	return c.send("input mode", cmd, func(s *State) { s.Coupling = coupling })
}

// SetDeviceMode switches between oscilloscope and data-logger operation.
func (c *Commander) SetDeviceMode(mode DeviceMode) error {
	cmd, err := EncodeDeviceMode(mode)
	if err != nil {
		return err
	}
	return c.send("device mode", cmd, func(s *State) { s.DeviceMode = mode })
}

// SetSyncMode configures sweep synchronization.
func (c *Commander) SetSyncMode(mode SyncMode, edge Edge, level byte) error {
	cmd, err := EncodeSyncMode(mode, edge, level)
	if err != nil {
		return err
	}
	return c.send("sync mode", cmd, func(s *State) {
		s.SyncMode = mode
		if mode != SyncNone {
			s.Edge = edge
		}
		if mode == SyncLevel {
			s.SyncLevel = level
		}
	})
}

// SetZeroOffset shifts the device's zero level.
func (c *Commander) SetZeroOffset(level int8) error {
	return c.send("zero offset", EncodeZeroOffset(level), func(s *State) { s.ZeroOffset = level })
}

// Apply sends every command needed to bring the device to st. It stops at
// the first failure.
func (c *Commander) Apply(st State) error {
	steps := []func() error{
		func() error { return c.SetDeviceMode(st.DeviceMode) },
		func() error { return c.SetVoltageRange(st.RangeIndex) },
		func() error { return c.SetTimebase(st.TimebaseIndex) },
		func() error { return c.SetInputMode(st.Coupling) },
		func() error { return c.SetSyncMode(st.SyncMode, st.Edge, st.SyncLevel) },
		func() error { return c.SetZeroOffset(st.ZeroOffset) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Commander) send(name string, cmd []byte, apply func(*State)) error {
	c.settings.mu.Lock()
	defer c.settings.mu.Unlock()

	if c.w == nil {
		return &TransportWriteError{Command: name, Err: ErrNotConnected}
	}
	n, err := c.w.Write(cmd)
	if err == nil && n != len(cmd) {
		err = io.ErrShortWrite
	}
	if err != nil {
		c.logger.Warn("command write failed", logging.F("command", name), logging.Err(err))
		return &TransportWriteError{Command: name, Err: err}
	}
	c.settings.update(apply)
	if c.logger.Enabled(logging.Debug) {
		c.logger.Debug("command sent", logging.F("command", name), logging.F("bytes", fmt.Sprintf("% X", cmd)))
	}
	return nil
}
