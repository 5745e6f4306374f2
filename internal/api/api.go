// Package api serves the management REST endpoints under /api and, when
// enabled, the pprof profiles under /debug/pprof/. The router only forwards
// authenticated requests here.
package api

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"botgate/internal/app"
	"botgate/internal/config"
	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/storage"
	"botgate/internal/transport/httpx"
	"botgate/pkg/logx"
)

// Backend is the part of the application the API drives. *app.App
// implements it.
type Backend interface {
	Status() app.Status
	Store() *config.Store
	Platforms() *core.AdapterRegistry
	Protocols() *core.ProtocolRegistry
	AccountStatuses() []core.AccountStatus
	AccountStatus(platform, accountID string) (core.AccountStatus, error)
	AddAccount(ctx context.Context, ac config.AccountConfig) error
	UpdateAccount(ctx context.Context, patch config.AccountConfig) error
	RemoveAccount(ctx context.Context, platform, accountID string, force bool) error
	StartAccount(ctx context.Context, platform, accountID string) error
	StopAccount(ctx context.Context, platform, accountID string, force bool) error
	Reload(ctx context.Context, cfg *config.Config) error
	RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

type Handler struct {
	b   Backend
	log logx.Logger
	mux *http.ServeMux

	reloading atomic.Bool
	// reloaded is closed after each asynchronous reload; tests wait on it.
	reloaded atomic.Pointer[chan struct{}]
}

func New(b Backend, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{b: b, log: log.With(logx.String("comp", "api")), mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /api/status", h.status)
	h.mux.HandleFunc("GET /api/platforms", h.platforms)
	h.mux.HandleFunc("GET /api/protocols", h.protocols)
	h.mux.HandleFunc("GET /api/audit", h.audit)
	h.mux.HandleFunc("GET /api/accounts", h.listAccounts)
	h.mux.HandleFunc("POST /api/accounts", h.addAccount)
	h.mux.HandleFunc("GET /api/accounts/{platform}/{id}", h.getAccount)
	h.mux.HandleFunc("PUT /api/accounts/{platform}/{id}", h.updateAccount)
	h.mux.HandleFunc("DELETE /api/accounts/{platform}/{id}", h.removeAccount)
	h.mux.HandleFunc("POST /api/accounts/{platform}/{id}/start", h.startAccount)
	h.mux.HandleFunc("POST /api/accounts/{platform}/{id}/stop", h.stopAccount)
	h.mux.HandleFunc("POST /api/reload", h.reload)
	h.mountPprof()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, pattern := h.mux.Handler(r); pattern == "" {
		httpx.Error(w, errs.NotFound("path %s", r.URL.Path))
		return
	}
	h.mux.ServeHTTP(w, r)
}

// actorCtx tags the request context with the authenticated user.
func actorCtx(r *http.Request) context.Context {
	user, _, ok := r.BasicAuth()
	if !ok || user == "" {
		user = "api"
	}
	return app.WithActor(r.Context(), "api:"+user)
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	httpx.OK(w, h.b.Status())
}

func (h *Handler) platforms(w http.ResponseWriter, _ *http.Request) {
	httpx.OK(w, h.b.Platforms().List())
}

func (h *Handler) protocols(w http.ResponseWriter, _ *http.Request) {
	httpx.OK(w, h.b.Protocols().List())
}

func (h *Handler) audit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := parsePositive(s)
		if err != nil {
			httpx.Error(w, errs.Config("limit", "%v", err))
			return
		}
		limit = n
	}
	entries, err := h.b.RecentAudit(r.Context(), limit)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	httpx.OK(w, entries)
}

// accountView is an account's status plus its stored config with secrets
// masked.
type accountView struct {
	Status core.AccountStatus   `json:"status"`
	Config config.AccountConfig `json:"config"`
}

func (h *Handler) listAccounts(w http.ResponseWriter, _ *http.Request) {
	httpx.OK(w, h.b.AccountStatuses())
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	platform, id := r.PathValue("platform"), r.PathValue("id")
	st, err := h.b.AccountStatus(platform, id)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	ac, ok := h.b.Store().Account(config.AccountKey{Platform: platform, AccountID: id})
	if !ok {
		httpx.Error(w, errs.NotFound("account %s/%s", platform, id))
		return
	}
	httpx.OK(w, accountView{Status: st, Config: Redact(ac)})
}

func (h *Handler) addAccount(w http.ResponseWriter, r *http.Request) {
	var ac config.AccountConfig
	if err := httpx.Decode(w, r, &ac); err != nil {
		httpx.Error(w, err)
		return
	}
	if err := h.b.AddAccount(actorCtx(r), ac); err != nil {
		httpx.Error(w, err)
		return
	}
	h.writeAccount(w, http.StatusCreated, ac.Platform, ac.AccountID)
}

func (h *Handler) updateAccount(w http.ResponseWriter, r *http.Request) {
	platform, id := r.PathValue("platform"), r.PathValue("id")
	var patch config.AccountConfig
	if err := httpx.Decode(w, r, &patch); err != nil {
		httpx.Error(w, err)
		return
	}
	if (patch.Platform != "" && patch.Platform != platform) || (patch.AccountID != "" && patch.AccountID != id) {
		httpx.Error(w, errs.Config("account_id", "body names %s/%s but path names %s/%s", patch.Platform, patch.AccountID, platform, id))
		return
	}
	patch.Platform, patch.AccountID = platform, id
	if err := h.b.UpdateAccount(actorCtx(r), patch); err != nil {
		httpx.Error(w, err)
		return
	}
	h.writeAccount(w, http.StatusOK, platform, id)
}

func (h *Handler) removeAccount(w http.ResponseWriter, r *http.Request) {
	platform, id := r.PathValue("platform"), r.PathValue("id")
	if err := h.b.RemoveAccount(actorCtx(r), platform, id, forced(r)); err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.OK(w, map[string]string{"removed": platform + "/" + id})
}

func (h *Handler) startAccount(w http.ResponseWriter, r *http.Request) {
	platform, id := r.PathValue("platform"), r.PathValue("id")
	if err := h.b.StartAccount(actorCtx(r), platform, id); err != nil {
		httpx.Error(w, err)
		return
	}
	h.writeAccount(w, http.StatusOK, platform, id)
}

func (h *Handler) stopAccount(w http.ResponseWriter, r *http.Request) {
	platform, id := r.PathValue("platform"), r.PathValue("id")
	if err := h.b.StopAccount(actorCtx(r), platform, id, forced(r)); err != nil {
		httpx.Error(w, err)
		return
	}
	h.writeAccount(w, http.StatusOK, platform, id)
}

func (h *Handler) writeAccount(w http.ResponseWriter, code int, platform, id string) {
	st, err := h.b.AccountStatus(platform, id)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.WriteJSON(w, code, httpx.Envelope{OK: true, Data: st})
}

// reload re-reads the config file and restarts the application with it.
// Reload shuts down the server serving this request and waits for its
// handlers, so it runs in the background. The file is parsed up front so a
// bad file is still reported to the caller.
func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	if _, err := h.b.Store().Parse(); err != nil {
		httpx.Error(w, err)
		return
	}
	if !h.reloading.CompareAndSwap(false, true) {
		httpx.Fail(w, http.StatusConflict, "invalid_state", "reload already in progress")
		return
	}
	done := make(chan struct{})
	h.reloaded.Store(&done)

	ctx := context.WithoutCancel(actorCtx(r))
	go func() {
		defer close(done)
		defer h.reloading.Store(false)
		start := time.Now()
		if err := h.b.Reload(ctx, nil); err != nil {
			h.log.Error("reload failed", logx.Err(err))
			return
		}
		h.log.Info("reload complete", logx.Duration("took", time.Since(start)))
	}()
	httpx.WriteJSON(w, http.StatusAccepted, httpx.Envelope{OK: true, Data: map[string]string{"reload": "scheduled"}})
}

// waitReload blocks until the last scheduled reload has finished.
func (h *Handler) waitReload() {
	if p := h.reloaded.Load(); p != nil {
		<-*p
	}
}

func forced(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("force")) {
	case "1", "true", "yes":
		return true
	}
	return false
}
