package onebot

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"botgate/internal/transport/httpx"
	"botgate/pkg/logx"
)

const asyncSuffix = "_async"

// ServeHTTP answers HTTP action calls: the path remainder is the action
// name, parameters come from the query (GET) or the body (POST, JSON or
// form).
func (p *Protocol) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if code := p.authorize(r); code != 0 {
		httpx.Fail(w, code, "unauthorized", "invalid access token")
		return
	}
	name := strings.Trim(r.URL.Path, "/")
	if name == "" {
		p.writeResponse(w, http.StatusNotFound, p.call(r.Context(), request{Action: ""}))
		return
	}

	in, err := readParams(r)
	if err != nil {
		p.writeResponse(w, http.StatusBadRequest, p.failure(err, nil))
		return
	}

	// v11 "_async" actions are accepted and run in the background.
	if strings.HasSuffix(name, asyncSuffix) && p.d.version() == "v11" {
		base := strings.TrimSuffix(name, asyncSuffix)
		if _, ok := p.d.actions()[base]; ok {
			p.runAsync(request{Action: base, Params: in})
			p.writeResponse(w, http.StatusOK, response{Status: "async", Retcode: 1})
			return
		}
	}

	resp := p.call(r.Context(), request{Action: name, Params: in})
	status := http.StatusOK
	if p.d.version() == "v11" && resp.Retcode == 1404 {
		if _, known := p.d.actions()[name]; !known {
			status = http.StatusNotFound
		}
	}
	p.writeResponse(w, status, resp)
}

func (p *Protocol) runAsync(req request) {
	p.mu.RLock()
	sup := p.sup
	p.mu.RUnlock()
	if sup == nil {
		return
	}
	sup.Go0("onebot.async."+req.Action, func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if resp := p.call(cctx, req); resp.Status != "ok" {
			p.log.Warn("async action failed", logx.String("action", req.Action), logx.String("message", resp.Message))
		}
	})
}

func (p *Protocol) writeResponse(w http.ResponseWriter, status int, resp response) {
	body, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func readParams(r *http.Request) (params, error) {
	in := params{}
	for k, v := range r.URL.Query() {
		if k == "access_token" || len(v) == 0 {
			continue
		}
		in[k] = v[0]
	}
	if r.Method != http.MethodPost {
		return in, nil
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseForm(); err != nil {
			return nil, badParam("form: %v", err)
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				in[k] = v[0]
			}
		}
		return in, nil
	default:
		body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
		if err != nil {
			return nil, badParam("body: %v", err)
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			return in, nil
		}
		var fromBody params
		if err := json.Unmarshal(body, &fromBody); err != nil {
			return nil, badParam("body is not a JSON object: %v", err)
		}
		for k, v := range fromBody {
			in[k] = v
		}
		return in, nil
	}
}
