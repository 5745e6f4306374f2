package httpx

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"botgate/pkg/logx"
)

type Middleware func(next http.Handler) http.Handler

// Chain wraps h so that m[0] runs first.
func Chain(h http.Handler, m ...Middleware) http.Handler {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// Recover turns a handler panic into a 500 envelope. Headers already sent
// cannot be replaced; the connection is then dropped by net/http.
func Recover(log logx.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := asRecorder(w)
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.Error("panic recovered",
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Any("panic", v),
					logx.Stack(logx.StackTrace(3, 32)),
				)
				if rec.status != 0 {
					panic(http.ErrAbortHandler)
				}
				Fail(rec, http.StatusInternalServerError, "internal", "internal error")
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// RequestLog logs each request at debug level, and at warn level when it
// ends in a server error.
func RequestLog(log logx.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := asRecorder(w)
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Int64("bytes", rec.bytes),
				logx.Duration("dur", time.Since(start)),
				logx.String("remote", r.RemoteAddr),
			}
			if status >= 500 {
				log.Warn("request failed", fields...)
				return
			}
			log.Debug("request", fields...)
		})
	}
}

// statusRecorder captures the response status and size. It keeps the
// underlying writer reachable so WebSocket upgrades can hijack it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func asRecorder(w http.ResponseWriter) *statusRecorder {
	if r, ok := w.(*statusRecorder); ok {
		return r
	}
	return &statusRecorder{ResponseWriter: w}
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil && r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
