package storage

const (
	initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    start_time  INTEGER NOT NULL,
    device      TEXT    NOT NULL,
    port        TEXT    NOT NULL,
    config      TEXT
);

CREATE TABLE IF NOT EXISTS measurements (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id     INTEGER NOT NULL REFERENCES sessions (id),
    timestamp      INTEGER NOT NULL,
    seq            INTEGER NOT NULL,
    range_index    INTEGER NOT NULL,
    timebase_index INTEGER NOT NULL,
    vmin           REAL    NOT NULL,
    vmax           REAL    NOT NULL,
    vrms           REAL    NOT NULL,
    delta_t        REAL    NOT NULL,
    delta_v        REAL    NOT NULL,
    kharm          REAL,
    overload       INTEGER NOT NULL
);`

	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_measurements_session ON measurements (session_id, seq);`

	insertSessionSQL = `
INSERT INTO sessions (start_time,
                      device,
                      port,
                      config)
VALUES (?, ?, ?, ?)`

	selectSessionsSQL = `
SELECT id,
       start_time,
       device,
       port,
       config
FROM sessions
ORDER BY start_time, id`

	insertMeasurementSQL = `
INSERT INTO measurements (session_id,
                          timestamp,
                          seq,
                          range_index,
                          timebase_index,
                          vmin,
                          vmax,
                          vrms,
                          delta_t,
                          delta_v,
                          kharm,
                          overload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectMeasurementsSQL = `
SELECT id,
       session_id,
       timestamp,
       seq,
       range_index,
       timebase_index,
       vmin,
       vmax,
       vrms,
       delta_t,
       delta_v,
       kharm,
       overload
FROM measurements
WHERE session_id = ?
ORDER BY seq, id`
)
