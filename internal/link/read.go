package link

import (
	"errors"
	"io"
	"time"
)

// idleBackoff is slept after a Read that returned no data, so a port whose
// Read does not block cannot spin the caller.
const idleBackoff = time.Millisecond

// ReadExact reads exactly len(buf) bytes from r before timeout elapses.
// Reads that return no data (a driver-level poll timeout, or io.EOF with
// nothing read) are retried until the deadline, after which ErrReadTimeout
// is returned together with the number of bytes read so far. Any other
// error is returned as is.
func ReadExact(r io.Reader, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(buf) {
		n, err := r.Read(buf[got:])
		got += n
		if err != nil && !(errors.Is(err, io.EOF) && n == 0) {
			if got == len(buf) {
				return got, nil
			}
			return got, err
		}
		if got == len(buf) {
			break
		}
		if time.Now().After(deadline) {
			return got, ErrReadTimeout
		}
		if n == 0 {
			time.Sleep(idleBackoff)
		}
	}
	return got, nil
}
