package api

import (
	"net/http"
	"net/http/pprof"

	"botgate/internal/errs"
	"botgate/internal/transport/httpx"
)

// mountPprof serves the runtime profiles behind the management auth. The
// debug.pprof switch is read per request so it follows config reloads.
func (h *Handler) mountPprof() {
	gate := func(fn http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !h.b.Store().Get().Debug.Pprof {
				httpx.Error(w, errs.NotFound("path %s", r.URL.Path))
				return
			}
			fn(w, r)
		}
	}
	h.mux.HandleFunc("GET /debug/pprof/", gate(pprof.Index))
	h.mux.HandleFunc("GET /debug/pprof/cmdline", gate(pprof.Cmdline))
	h.mux.HandleFunc("GET /debug/pprof/profile", gate(pprof.Profile))
	h.mux.HandleFunc("GET /debug/pprof/symbol", gate(pprof.Symbol))
	h.mux.HandleFunc("POST /debug/pprof/symbol", gate(pprof.Symbol))
	h.mux.HandleFunc("GET /debug/pprof/trace", gate(pprof.Trace))
}
