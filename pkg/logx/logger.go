package logx

import (
	"io"
	"os"

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

// Logger is cheap to copy. The zero value discards everything.
type Logger struct {
	// src yields the zerolog logger to write through. Service-backed
	// loggers resolve it per line so they follow Service.Apply.
	src    func() zerolog.Logger
	fields []Field
}

var nopLogger = zerolog.Nop()

func Nop() Logger {
	return Logger{src: func() zerolog.Logger { return nopLogger }}
}

func fixed(zl zerolog.Logger) Logger {
	return Logger{src: func() zerolog.Logger { return zl }}
}

// NewConsole writes human-readable lines to stdout. It is meant for tools
// and for the time before the config is loaded.
func NewConsole(level string) Logger {
	setGlobals()
	return fixed(zerolog.New(consoleWriter(Stdout())).Level(parseLevel(level, LevelInfo)).With().Timestamp().Logger())
}

// NewWriter writes JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	setGlobals()
	return fixed(zerolog.New(w).Level(parseLevel(level, LevelInfo)).With().Timestamp().Logger())
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) Enabled(level Level) bool {
	if l.src == nil {
		return false
	}
	zl := l.src()
	return level >= zl.GetLevel()
}

// With returns a child logger carrying fields on every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	child := l
	child.fields = make([]Field, 0, len(l.fields)+len(fields))
	child.fields = append(append(child.fields, l.fields...), fields...)
	return child
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) emit(level Level, msg string, fields []Field) {
	if l.src == nil {
		return
	}
	zl := l.src()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// emit <- Info/Warn/... <- caller
	if c := callerAt(3); c != "" {
		e.Str(zerolog.CallerFieldName, c)
	}
	for _, group := range [2][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func Stdout() io.Writer { return os.Stdout }
func Stderr() io.Writer { return os.Stderr }
