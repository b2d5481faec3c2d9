package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Logger is a value type; copies are cheap and With never mutates the receiver.
// The zero value discards everything and reports IsZero, so constructors can
// substitute a default.
type Logger struct {
	svc    *Service
	static *zerolog.Logger
	fields []Field
}

// Nop returns a logger that discards everything but is not IsZero.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{static: &zl}
}

// NewWriter returns a JSON logger on w, independent of any Service.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(ParseLevel(level, LevelDebug)).With().Timestamp().Logger()
	return Logger{static: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.static == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.static != nil:
		return *l.static
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether a message at level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return level >= zl.GetLevel() && level >= zerolog.GlobalLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

// Log writes at a level chosen at runtime.
func (l Logger) Log(level Level, msg string, fields ...Field) { l.write(level, msg, fields) }

func (l Logger) write(level Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if c := caller(3); c != "" {
		e.Str(zerolog.CallerFieldName, c)
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// caller returns file:line of the frame skip levels up.
func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// ParseLevel maps a level name (any case, "warning" accepted) to a Level.
func ParseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return def
}
