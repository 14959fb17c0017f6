package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Level represents a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Level(0), fmt.Errorf("unsupported log level %q", s)
	}
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "text", "":
		return Text, nil
	default:
		return Format(0), fmt.Errorf("unsupported log format %q", s)
	}
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for Field{Key: key, Value: value}.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err wraps an error as an "error" field. A nil error yields an empty key,
// which is skipped on output.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger defines leveled structured logging operations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	// Enabled reports whether entries at level would be written.
	Enabled(level Level) bool
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
)

// Default returns the process-wide logger.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultLogger == nil {
		return Discard()
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger. Nil is ignored.
func SetDefault(l Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Discard returns a logger that drops everything.
func Discard() Logger {
	return New(Error+1, Text, io.Discard)
}

// OrDefault returns l, or the process-wide logger when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}

// sink serializes whole lines onto one writer. Loggers derived with With
// share their parent's sink.
type sink struct {
	mu  sync.Mutex
	out io.Writer
	buf bytes.Buffer
}

func (s *sink) write(fill func(*bytes.Buffer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	fill(&s.buf)
	s.buf.WriteByte('\n')
	_, _ = s.out.Write(s.buf.Bytes())
}

type entry struct {
	at     time.Time
	level  Level
	msg    string
	fields []Field
}

type encoder func(*bytes.Buffer, entry)

type logger struct {
	min    Level
	encode encoder
	fields []Field
	sink   *sink
}

// New constructs a Logger that writes entries at or above level to out.
func New(level Level, format Format, out io.Writer) Logger {
	enc := encodeText
	if format == JSON {
		enc = encodeJSON
	}
	return &logger{min: level, encode: enc, sink: &sink{out: out}}
}

func (l *logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	child := *l
	child.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return &child
}

func (l *logger) Enabled(level Level) bool { return level >= l.min }

func (l *logger) Debug(msg string, fields ...Field) { l.emit(Debug, msg, fields) }
func (l *logger) Info(msg string, fields ...Field)  { l.emit(Info, msg, fields) }
func (l *logger) Warn(msg string, fields ...Field)  { l.emit(Warn, msg, fields) }
func (l *logger) Error(msg string, fields ...Field) { l.emit(Error, msg, fields) }

func (l *logger) emit(level Level, msg string, fields []Field) {
	if !l.Enabled(level) {
		return
	}
	e := entry{at: time.Now(), level: level, msg: msg, fields: l.fields}
	if len(fields) > 0 {
		e.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	}
	l.sink.write(func(b *bytes.Buffer) { l.encode(b, e) })
}

// encodeText renders "date time [LEVEL] msg key=value ...".
func encodeText(b *bytes.Buffer, e entry) {
	b.WriteString(e.at.Format("2006/01/02 15:04:05.000000"))
	b.WriteString(" [")
	b.WriteString(e.level.String())
	b.WriteString("] ")
	b.WriteString(e.msg)
	for _, f := range e.fields {
		if f.Key == "" {
			continue
		}
		fmt.Fprintf(b, " %s=%v", f.Key, f.Value)
	}
}

func encodeJSON(b *bytes.Buffer, e entry) {
	payload := make(map[string]any, len(e.fields)+3)
	for _, f := range e.fields {
		if f.Key != "" {
			payload[f.Key] = f.Value
		}
	}
	payload["time"] = e.at.Format(time.RFC3339Nano)
	payload["level"] = e.level.String()
	payload["msg"] = e.msg
	data, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(b, `{"level":"ERROR","msg":%q}`, "unencodable log entry: "+err.Error())
		return
	}
	b.Write(data)
}
