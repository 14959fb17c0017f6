package scope

import (
	"fmt"
	"strings"
	"sync"
)

// Coupling selects the input stage.
type Coupling int

const (
	CouplingDC Coupling = iota
	CouplingAC
	CouplingGND
)

func (c Coupling) String() string {
	switch c {
	case CouplingDC:
		return "dc"
	case CouplingAC:
		return "ac"
	case CouplingGND:
		return "gnd"
	default:
		return fmt.Sprintf("Coupling(%d)", int(c))
	}
}

// ParseCoupling converts "dc", "ac" or "gnd" to a Coupling.
func ParseCoupling(s string) (Coupling, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dc", "":
		return CouplingDC, nil
	case "ac":
		return CouplingAC, nil
	case "gnd", "ground":
		return CouplingGND, nil
	default:
		return CouplingDC, fmt.Errorf("unsupported coupling %q", s)
	}
}

// SyncMode selects how the device synchronizes sweeps.
type SyncMode int

const (
	SyncNone SyncMode = iota
	SyncAuto
	SyncLevel
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncAuto:
		return "auto"
	case SyncLevel:
		return "level"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode converts "none", "auto" or "level" to a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return SyncNone, nil
	case "auto":
		return SyncAuto, nil
	case "level":
		return SyncLevel, nil
	default:
		return SyncNone, fmt.Errorf("unsupported sync mode %q", s)
	}
}

// Edge is the trigger slope. Its value is the wire parameter byte.
type Edge byte

const (
	EdgeRising  Edge = 0x10
	EdgeFalling Edge = 0x20
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	default:
		return fmt.Sprintf("Edge(0x%02x)", byte(e))
	}
}

// ParseEdge converts "rising" or "falling" to an Edge.
func ParseEdge(s string) (Edge, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rising", "":
		return EdgeRising, nil
	case "falling":
		return EdgeFalling, nil
	default:
		return EdgeRising, fmt.Errorf("unsupported edge %q", s)
	}
}

// DeviceMode selects between the oscilloscope and data-logger firmware modes.
type DeviceMode int

const (
	ModeScope DeviceMode = iota
	ModeLogger
)

func (m DeviceMode) String() string {
	switch m {
	case ModeScope:
		return "scope"
	case ModeLogger:
		return "logger"
	default:
		return fmt.Sprintf("DeviceMode(%d)", int(m))
	}
}

// State is a full copy of the device configuration as last acknowledged by
// a successful command write.
type State struct {
	Snapshot
	Coupling   Coupling   `json:"coupling"`
	SyncMode   SyncMode   `json:"syncMode"`
	Edge       Edge       `json:"edge"`
	SyncLevel  byte       `json:"syncLevel"`
	ZeroOffset int8       `json:"zeroOffset"`
	DeviceMode DeviceMode `json:"deviceMode"`
}

// Settings is the configuration shared between the command channel and the
// acquisition worker. Every read and write goes through mu, so a frame is
// never decoded with a half-applied configuration.
type Settings struct {
	mu    sync.Mutex
	state State
}

// NewSettings returns settings starting at the given table indices.
func NewSettings(rangeIdx, timebaseIdx int) *Settings {
	return &Settings{state: State{
		Snapshot: Snapshot{RangeIndex: rangeIdx, TimebaseIndex: timebaseIdx},
		Edge:     EdgeRising,
	}}
}

// Snapshot returns the current {range, timebase} pair.
func (s *Settings) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot
}

// State returns a copy of the whole configuration.
func (s *Settings) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Do runs fn with the current snapshot while holding the settings lock.
// No command can be applied until fn returns.
func (s *Settings) Do(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state.Snapshot)
}

// update applies fn to the state. The caller must hold mu.
func (s *Settings) update(fn func(*State)) {
	fn(&s.state)
}
