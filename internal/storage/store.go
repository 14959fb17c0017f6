package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rjboer/GoScope/internal/dsp"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Session is one acquisition run.
type Session struct {
	ID        int64
	StartTime time.Time
	Device    string
	Port      string
	Config    *string
}

// Measurement is the stored scalar view of one processed frame.
type Measurement struct {
	ID            int64
	SessionID     int64
	Timestamp     time.Time
	Seq           uint64
	RangeIndex    int
	TimebaseIndex int
	VMin          float64
	VMax          float64
	VRms          float64
	DeltaT        float64
	DeltaV        float64
	KHarm         *float64
	Overload      bool
}

// SQLiteStore appends measurements to a SQLite database. The database is
// opened and its schema created on first use.
type SQLiteStore struct {
	dbPath string

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error

	mu        sync.Mutex
	insert    *sql.Stmt
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// New returns a store backed by the database file at dbPath.
func New(dbPath string) *SQLiteStore {
	return &SQLiteStore{dbPath: dbPath}
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.dbOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.dbErr = fmt.Errorf("opening database: %w", err)
			return
		}
		// one writer keeps the prepared insert usable across goroutines
		db.SetMaxOpenConns(1)

		if _, err = db.Exec(initSchemaSQL); err != nil {
			_ = db.Close()
			s.dbErr = fmt.Errorf("initializing schema: %w", err)
			return
		}
		s.db = db
	})
	if s.dbErr == nil && s.isClosed() {
		return nil, ErrClosed
	}
	return s.db, s.dbErr
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CreateSession records the start of a session and returns its ID. config
// may be a string, []byte or any JSON-serializable value.
func (s *SQLiteStore) CreateSession(ctx context.Context, device, port string, config any) (sessionID int64, err error) {
	var configData sql.NullString
	switch c := config.(type) {
	case nil:
	case string:
		configData = sql.NullString{String: c, Valid: true}
	case []byte:
		configData = sql.NullString{String: string(c), Valid: true}
	default:
		p, mErr := json.Marshal(c)
		if mErr != nil {
			return 0, fmt.Errorf("marshaling config: %w", mErr)
		}
		configData = sql.NullString{String: string(p), Valid: true}
	}

	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx, insertSessionSQL, time.Now().UnixNano(), device, port, configData)
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}
	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

// Sessions returns all sessions ordered by start time.
func (s *SQLiteStore) Sessions(ctx context.Context) (sessions []Session, err error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		var start int64
		var config sql.NullString
		if err = rows.Scan(&sess.ID, &start, &sess.Device, &sess.Port, &config); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sess.StartTime = time.Unix(0, start)
		if config.Valid {
			sess.Config = &config.String
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// StoreMeasurement appends one frame summary to the session.
func (s *SQLiteStore) StoreMeasurement(ctx context.Context, sessionID int64, seq uint64, at time.Time, sum dsp.Summary) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.insert == nil {
		if s.insert, err = db.PrepareContext(ctx, insertMeasurementSQL); err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
	}

	var kharm sql.NullFloat64
	if sum.KHarm != nil {
		kharm = sql.NullFloat64{Float64: *sum.KHarm, Valid: true}
	}
	_, err = s.insert.ExecContext(ctx,
		sessionID,
		at.UnixNano(),
		int64(seq),
		sum.RangeIndex,
		sum.TimebaseIndex,
		sum.VMin,
		sum.VMax,
		sum.VRms,
		sum.DeltaT,
		sum.DeltaV,
		kharm,
		sum.Overload,
	)
	if err != nil {
		return fmt.Errorf("inserting measurement: %w", err)
	}
	return nil
}

// Measurements returns the measurements of a session in frame order.
func (s *SQLiteStore) Measurements(ctx context.Context, sessionID int64) (out []Measurement, err error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectMeasurementsSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying measurements: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var m Measurement
		var ts, seq int64
		var kharm sql.NullFloat64
		if err = rows.Scan(&m.ID, &m.SessionID, &ts, &seq, &m.RangeIndex, &m.TimebaseIndex,
			&m.VMin, &m.VMax, &m.VRms, &m.DeltaT, &m.DeltaV, &kharm, &m.Overload); err != nil {
			return nil, fmt.Errorf("scanning measurement: %w", err)
		}
		m.Timestamp = time.Unix(0, ts)
		m.Seq = uint64(seq)
		if kharm.Valid {
			k := kharm.Float64
			m.KHarm = &k
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close builds the indexes and releases the database. It is safe to call
// Close multiple times.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		insert := s.insert
		s.insert = nil
		s.mu.Unlock()

		var stmtErr error
		if insert != nil {
			stmtErr = insert.Close()
		}
		// db is only set by getDB; a Close before first use has nothing to release
		s.dbOnce.Do(func() { s.dbErr = ErrClosed })
		if s.db != nil {
			_, _ = s.db.Exec(initIndexesSQL)
			s.closeErr = errors.Join(stmtErr, s.db.Close())
			return
		}
		s.closeErr = stmtErr
	})
	return s.closeErr
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
