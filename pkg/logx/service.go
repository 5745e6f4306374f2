package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the sinks and level of a Service.
type Config struct {
	Level   string
	Console bool
	// Format of the stdout sink: "console" (default) or "json". The file
	// sink always writes JSON lines.
	Format string
	File   FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// ValidFormat reports whether s names a stdout format or is empty.
func ValidFormat(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", FormatConsole, FormatJSON:
		return true
	}
	return false
}

// sinks is the part of a Config that needs files or writers to change.
type sinks struct {
	console bool
	json    bool
	file    string
}

func sinksOf(cfg Config) sinks {
	s := sinks{
		console: cfg.Console,
		json:    strings.EqualFold(strings.TrimSpace(cfg.Format), FormatJSON),
	}
	if cfg.File.Enabled {
		s.file = filepath.Clean(cfg.File.Path)
	}
	return s
}

// Service owns the process log sinks. Loggers from Service.Logger resolve
// the current sinks on each line.
type Service struct {
	mu     sync.Mutex
	sinks  sinks
	opened bool
	file   *os.File
	base   zerolog.Logger // sinks at trace level

	cur atomic.Pointer[zerolog.Logger]
}

// New opens the sinks in cfg and returns the service with a root logger.
// A file that cannot be opened is reported on stderr and skipped.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger {
	if s == nil {
		return Nop()
	}
	return Logger{src: s.current}
}

func (s *Service) current() zerolog.Logger {
	if p := s.cur.Load(); p != nil {
		return *p
	}
	return nopLogger
}

// Apply switches to cfg. A change of level alone keeps the open sinks.
func (s *Service) Apply(cfg Config) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := sinksOf(cfg)
	if !s.opened || next != s.sinks {
		s.reopen(next)
	}
	zl := s.base.Level(parseLevel(cfg.Level, LevelInfo))
	s.cur.Store(&zl)
}

func (s *Service) reopen(next sinks) {
	var (
		writers []io.Writer
		file    *os.File
	)
	if next.console {
		if next.json {
			writers = append(writers, Stdout())
		} else {
			writers = append(writers, consoleWriter(Stdout()))
		}
	}
	if next.file != "" {
		f, err := openLogFile(next.file)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: %v; file sink disabled\n", err)
			next.file = ""
		} else {
			file = f
			writers = append(writers, f)
		}
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = io.Discard
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	old := s.file
	s.base = zerolog.New(w).Level(LevelTrace).With().Timestamp().Logger()
	s.file = file
	s.sinks = next
	s.opened = true
	if old != nil {
		_ = old.Close()
	}
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Close releases the file sink. Loggers keep working on stdout.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.sinks.file = ""
	s.opened = false
	if s.sinks.console {
		lvl := s.current().GetLevel()
		s.reopen(s.sinks)
		zl := s.base.Level(lvl)
		s.cur.Store(&zl)
	} else {
		zl := nopLogger
		s.cur.Store(&zl)
	}
	return err
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.TimeOnly,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.CallerFieldName,
			zerolog.MessageFieldName,
		},
	}
}
