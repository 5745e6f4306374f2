package logx

import (
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

func callerAt(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// StackTrace renders up to maxFrames frames of the calling goroutine, as
// "function\n  file:line" pairs. skip counts as for runtime.Callers.
func StackTrace(skip, maxFrames int) string {
	if maxFrames <= 0 {
		maxFrames = 16
	}
	pcs := make([]uintptr, maxFrames)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(skip, pcs)])
	lines := make([]string, 0, maxFrames)
	for len(lines) < maxFrames {
		fr, more := frames.Next()
		if fr.File != "" {
			lines = append(lines, fr.Function+"\n  "+fr.File+":"+strconv.Itoa(fr.Line))
		}
		if !more {
			break
		}
	}
	return strings.Join(lines, "\n")
}
