package link

import (
	"errors"
	"io"
	"time"

	bugst "go.bug.st/serial"

	tarm "github.com/tarm/serial"
)

func openBugst(cfg Config) (Port, error) {
	port, err := bugst.Open(cfg.Port, &bugst.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(pollTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// tarmPort adapts github.com/tarm/serial, whose read timeout is fixed at
// open time and which reports an expired read as io.EOF.
type tarmPort struct {
	p *tarm.Port
}

func openTarm(cfg Config) (Port, error) {
	p, err := tarm.OpenPort(&tarm.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
		ReadTimeout: pollTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &tarmPort{p: p}, nil
}

func (t *tarmPort) Read(b []byte) (int, error) {
	n, err := t.p.Read(b)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (t *tarmPort) Write(b []byte) (int, error) { return t.p.Write(b) }

func (t *tarmPort) Close() error { return t.p.Close() }

// SetReadTimeout is a no-op: the poll timeout is programmed at open.
func (t *tarmPort) SetReadTimeout(time.Duration) error { return nil }

// IsDisconnect reports whether err means the device went away, as opposed
// to a transient line error.
func IsDisconnect(err error) bool {
	var code bugst.PortErrorCode
	var ptrErr *bugst.PortError
	var valErr bugst.PortError
	switch {
	case errors.As(err, &ptrErr):
		code = ptrErr.Code()
	case errors.As(err, &valErr):
		code = valErr.Code()
	default:
		return false
	}
	switch code {
	case bugst.PortNotFound, bugst.PortClosed, bugst.InvalidSerialPort:
		return true
	}
	return false
}
