package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoScope/internal/dsp"
	"github.com/rjboer/GoScope/internal/logging"
)

const writeTimeout = 2 * time.Second

// Recorder stores every reported result under one session.
type Recorder struct {
	store     *SQLiteStore
	sessionID int64
	logger    logging.Logger
	failures  atomic.Uint64
}

// NewRecorder creates a session on store and returns a recorder appending
// to it.
func NewRecorder(ctx context.Context, store *SQLiteStore, device, port string, config any, logger logging.Logger) (*Recorder, error) {
	id, err := store.CreateSession(ctx, device, port, config)
	if err != nil {
		return nil, err
	}
	logger = logging.OrDefault(logger).With(logging.F("subsystem", "storage"), logging.F("session", id))
	logger.Info("recording session", logging.F("device", device), logging.F("port", port))
	return &Recorder{store: store, sessionID: id, logger: logger}, nil
}

// SessionID returns the session the recorder appends to.
func (r *Recorder) SessionID() int64 { return r.sessionID }

// Failures returns the number of results that could not be stored.
func (r *Recorder) Failures() uint64 { return r.failures.Load() }

func (r *Recorder) Report(res *dsp.Result) {
	if res == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.StoreMeasurement(ctx, r.sessionID, res.Seq, time.Now(), res.Summary()); err != nil {
		// log the first failure and then every 100th to avoid flooding
		if n := r.failures.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("store measurement failed", logging.F("failures", n), logging.Err(err))
		}
	}
}
