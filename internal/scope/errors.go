package scope

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexOutOfRange is returned when a range or timebase index is outside its table.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrNotConnected is returned when a command is sent without an attached link.
	ErrNotConnected = errors.New("not connected")
)

// TransportWriteError reports a failed command write. After it the device
// state is unknown: the Settings keep the values in effect before the call.
type TransportWriteError struct {
	Command string
	Err     error
}

func (e *TransportWriteError) Error() string {
	return fmt.Sprintf("write %s command: %v", e.Command, e.Err)
}

func (e *TransportWriteError) Unwrap() error { return e.Err }
