package logx

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ParseLevel maps a config level name to a Level. Names are
// case-insensitive; "warning" is accepted for "warn".
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// ValidLevel reports whether s is a level name or empty (the default).
func ValidLevel(s string) bool {
	if strings.TrimSpace(s) == "" {
		return true
	}
	_, ok := ParseLevel(s)
	return ok
}

func parseLevel(s string, def Level) Level {
	if l, ok := ParseLevel(s); ok {
		return l
	}
	return def
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var globalsOnce sync.Once

// setGlobals configures zerolog's package-level names once.
func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
	})
}
