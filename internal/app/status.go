package app

import (
	"runtime"
	"time"

	"botgate/internal/config"
	"botgate/internal/core"
	"botgate/internal/services/watchdog"
)

// Status is the application snapshot served by /api/status.
type Status struct {
	Version    string               `json:"version"`
	Running    bool                 `json:"running"`
	StartedAt  time.Time            `json:"started_at,omitempty"`
	Uptime     string               `json:"uptime,omitempty"`
	Goroutines int                  `json:"goroutines"`
	Addr       string               `json:"addr,omitempty"`
	Platforms  []string             `json:"platforms"`
	Accounts   []core.AccountStatus `json:"accounts"`
	Routes     []string             `json:"routes"`
	Watchdog   watchdog.Stats       `json:"watchdog"`
}

func (a *App) Status() Status {
	st := Status{
		Version:    core.BuildVersion,
		Running:    a.Running(),
		Goroutines: runtime.NumGoroutine(),
		Addr:       a.Addr(),
		Accounts:   a.AccountStatuses(),
		Watchdog:   a.dog.Stats(),
	}
	if ns := a.startedAt.Load(); ns != 0 {
		st.StartedAt = time.Unix(0, ns)
		st.Uptime = time.Since(st.StartedAt).Round(time.Second).String()
	}
	for _, ad := range a.adapterList() {
		st.Platforms = append(st.Platforms, ad.Meta().Name)
	}
	for _, k := range a.router.Routes() {
		st.Routes = append(st.Routes, k.String())
	}
	return st
}

// AccountStatuses reports every configured account. Accounts not built
// yet (between Stop and Start) show as idle.
func (a *App) AccountStatuses() []core.AccountStatus {
	live := map[config.AccountKey]core.AccountStatus{}
	for _, acc := range a.liveAccounts() {
		live[acc.Key()] = acc.Status()
	}
	cfgs := a.store.Accounts()
	out := make([]core.AccountStatus, 0, len(cfgs))
	for _, ac := range cfgs {
		if s, ok := live[ac.Key()]; ok {
			out = append(out, s)
			continue
		}
		out = append(out, core.AccountStatus{
			Platform:    ac.Platform,
			AccountID:   ac.AccountID,
			State:       core.StateIdle.String(),
			Enabled:     ac.IsEnabled(),
			AutoRestart: ac.RestartsAutomatically(),
			Routes:      []string{},
		})
	}
	return out
}

// AccountStatus reports one account.
func (a *App) AccountStatus(platform, accountID string) (core.AccountStatus, error) {
	acc, err := a.account(platform, accountID)
	if err == nil {
		return acc.Status(), nil
	}
	ac, ok := a.store.Account(config.AccountKey{Platform: platform, AccountID: accountID})
	if !ok {
		return core.AccountStatus{}, err
	}
	return core.AccountStatus{
		Platform:    ac.Platform,
		AccountID:   ac.AccountID,
		State:       core.StateIdle.String(),
		Enabled:     ac.IsEnabled(),
		AutoRestart: ac.RestartsAutomatically(),
		Routes:      []string{},
	}, nil
}
