package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"botgate/internal/config"
	"botgate/internal/core"
	"botgate/internal/errs"
	"botgate/internal/storage"
	"botgate/pkg/logx"
)

// AddAccount persists ac, then creates and attaches its account, starting
// it when the application is running. An existing key is a ConfigError.
//
// The add is committed even when the account then fails to connect; the
// failure is logged and shows in the account status.
func (a *App) AddAccount(ctx context.Context, ac config.AccountConfig) (err error) {
	defer a.audit(ctx, "add", ac.Key(), time.Now(), &err)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addLocked(ctx, ac)
}

func (a *App) addLocked(ctx context.Context, ac config.AccountConfig) error {
	if err := a.checkAccount(ac); err != nil {
		return err
	}
	if err := a.store.InsertAccount(ac); err != nil {
		return err
	}
	stored, _ := a.store.Account(ac.Key())
	if !a.built {
		return nil
	}
	if err := a.attachLocked(ctx, stored); err != nil {
		if rerr := a.store.Restore(ac.Key(), nil); rerr != nil {
			a.log.Error("rollback of account add failed", logx.Account(ac.Platform, ac.AccountID), logx.Err(rerr))
		}
		return err
	}
	return nil
}

// UpdateAccount merges patch into the stored account and replaces the live
// account with a new one built from the result. The old account is stopped
// and its routes unmounted before the new one binds. An unknown key is
// added instead.
func (a *App) UpdateAccount(ctx context.Context, patch config.AccountConfig) (err error) {
	defer a.audit(ctx, "update", patch.Key(), time.Now(), &err)
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, ok := a.store.Account(patch.Key())
	if !ok {
		return a.addLocked(ctx, patch)
	}
	next := prev.Merge(patch)
	if err := a.checkAccount(next); err != nil {
		return err
	}

	// Build before touching anything so a bad config changes nothing.
	var (
		ad  *core.Adapter
		acc *core.Account
	)
	if a.built {
		if ad, err = a.adapterLocked(next.Platform); err != nil {
			return err
		}
		if acc, err = ad.CreateAccount(next); err != nil {
			return err
		}
	}
	if _, err := a.store.UpsertAccount(next); err != nil {
		return err
	}
	if !a.built {
		return nil
	}

	a.detachLocked(ctx, next.Key(), false)
	if err := ad.Attach(acc); err != nil {
		return err
	}
	a.startIfRunning(ctx, acc)
	return nil
}

// RemoveAccount stops the account, detaches it and deletes it from the
// store. force skips the graceful drain.
func (a *App) RemoveAccount(ctx context.Context, platform, accountID string, force bool) (err error) {
	key := config.AccountKey{Platform: platform, AccountID: accountID}
	defer a.audit(ctx, "remove", key, time.Now(), &err)
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, ok := a.store.Account(key)
	if !ok {
		return errs.NotFound("account %s", key)
	}
	if a.built {
		a.detachLocked(ctx, key, force)
	}
	if _, err := a.store.RemoveAccount(key); err != nil {
		if a.built {
			if aerr := a.attachLocked(ctx, prev); aerr != nil {
				a.log.Error("restoring account after failed remove", logx.Account(platform, accountID), logx.Err(aerr))
			}
		}
		return err
	}
	return nil
}

// StartAccount starts a stopped account. It is what the watchdog calls.
func (a *App) StartAccount(ctx context.Context, platform, accountID string) (err error) {
	key := config.AccountKey{Platform: platform, AccountID: accountID}
	defer a.audit(ctx, "start", key, time.Now(), &err)
	acc, err := a.account(platform, accountID)
	if err != nil {
		return err
	}
	return acc.Start(ctx)
}

func (a *App) StopAccount(ctx context.Context, platform, accountID string, force bool) (err error) {
	key := config.AccountKey{Platform: platform, AccountID: accountID}
	action := "stop"
	if force {
		action = "force_stop"
	}
	defer a.audit(ctx, action, key, time.Now(), &err)
	acc, err := a.account(platform, accountID)
	if err != nil {
		return err
	}
	return acc.Stop(ctx, force)
}

// RestartCandidates lists offline accounts that are enabled and have
// auto_restart set.
func (a *App) RestartCandidates() []config.AccountKey {
	if !a.running.Load() {
		return nil
	}
	var out []config.AccountKey
	for _, acc := range a.liveAccounts() {
		cfg := acc.Config()
		if cfg.IsEnabled() && cfg.RestartsAutomatically() && acc.State() == core.StateOffline {
			out = append(out, cfg.Key())
		}
	}
	return out
}

func (a *App) account(platform, accountID string) (*core.Account, error) {
	a.amu.RLock()
	ad, ok := a.adapters[platform]
	a.amu.RUnlock()
	if ok {
		if acc, ok := ad.Get(accountID); ok {
			return acc, nil
		}
	}
	return nil, errs.NotFound("account %s/%s", platform, accountID)
}

// checkAccount validates ac against the config rules and the registries.
func (a *App) checkAccount(ac config.AccountConfig) error {
	if err := ac.Validate(); err != nil {
		return err
	}
	if !a.platforms.Has(ac.Platform) {
		return &errs.UnknownTypeError{Kind: "platform", Key: ac.Platform}
	}
	for _, p := range ac.Protocols {
		if !a.protocols.Has(p.Name, p.Version) {
			return &errs.UnknownTypeError{Kind: "protocol", Key: p.Name + "/" + p.Version}
		}
	}
	return nil
}

func (a *App) checkTypes(cfg *config.Config) error {
	for _, ac := range cfg.Accounts {
		if err := a.checkAccount(ac); err != nil {
			return errs.Wrap(err, ac.Platform, ac.AccountID, "", "config")
		}
	}
	return nil
}

// ---- live state; callers hold mu ----

func (a *App) deps() core.AdapterDeps {
	return core.AdapterDeps{
		Protocols: a.protocols,
		Mounter:   a.router,
		IDs:       messageIDs{a},
		Log:       a.root,
		ProtocolSettings: func(pc config.ProtocolConfig) config.Settings {
			return a.store.Get().ProtocolSettings(pc)
		},
	}
}

// adapterLocked returns the adapter for platform, creating it on first use.
func (a *App) adapterLocked(platform string) (*core.Adapter, error) {
	a.amu.RLock()
	ad, ok := a.adapters[platform]
	a.amu.RUnlock()
	if ok {
		return ad, nil
	}
	ad, err := a.platforms.Create(platform, a.deps())
	if err != nil {
		return nil, err
	}
	a.amu.Lock()
	a.adapters[platform] = ad
	a.amu.Unlock()
	return ad, nil
}

func (a *App) adapterList() []*core.Adapter {
	a.amu.RLock()
	out := make([]*core.Adapter, 0, len(a.adapters))
	for _, ad := range a.adapters {
		out = append(out, ad)
	}
	a.amu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Meta().Name < out[j].Meta().Name })
	return out
}

func (a *App) liveAccounts() []*core.Account {
	var out []*core.Account
	for _, ad := range a.adapterList() {
		out = append(out, ad.Accounts()...)
	}
	return out
}

func (a *App) liveConfigs() []config.AccountConfig {
	accounts := a.liveAccounts()
	out := make([]config.AccountConfig, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, acc.Config())
	}
	return out
}

// buildLocked creates and attaches an account per config entry. An entry
// that cannot be built is logged and skipped; the others are unaffected.
func (a *App) buildLocked(accounts []config.AccountConfig) {
	for _, ac := range accounts {
		if err := a.attachLocked(context.Background(), ac); err != nil {
			a.log.Error("account not created", logx.Account(ac.Platform, ac.AccountID), logx.Err(err))
		}
	}
	a.built = true
}

// clearLocked detaches every account and forgets the adapters. Accounts
// must already be stopped.
func (a *App) clearLocked() {
	a.amu.Lock()
	a.adapters = map[string]*core.Adapter{}
	a.amu.Unlock()
	a.built = false
}

func (a *App) attachLocked(ctx context.Context, ac config.AccountConfig) error {
	ad, err := a.adapterLocked(ac.Platform)
	if err != nil {
		return err
	}
	acc, err := ad.CreateAccount(ac)
	if err != nil {
		return err
	}
	if err := ad.Attach(acc); err != nil {
		return err
	}
	a.startIfRunning(ctx, acc)
	return nil
}

func (a *App) startIfRunning(ctx context.Context, acc *core.Account) {
	if !a.running.Load() || !acc.Config().IsEnabled() {
		return
	}
	if err := acc.Start(ctx); err != nil {
		k := acc.Key()
		a.log.Warn("account start failed", logx.Account(k.Platform, k.AccountID), logx.Err(err))
	}
}

// detachLocked stops the account and removes it from its adapter. Stop
// errors are logged; the account ends offline either way.
func (a *App) detachLocked(ctx context.Context, key config.AccountKey, force bool) {
	a.amu.RLock()
	ad, ok := a.adapters[key.Platform]
	a.amu.RUnlock()
	if !ok {
		return
	}
	acc, ok := ad.Get(key.AccountID)
	if !ok {
		return
	}
	if err := acc.Stop(ctx, force); err != nil {
		a.log.Warn("account stopped with errors", logx.Account(key.Platform, key.AccountID), logx.Err(err))
	}
	ad.Detach(key.AccountID)
}

// ---- audit ----

type actorKey struct{}

// watchdogFleet attributes watchdog restarts in the audit log.
type watchdogFleet struct{ *App }

func (f watchdogFleet) StartAccount(ctx context.Context, platform, accountID string) error {
	return f.App.StartAccount(WithActor(ctx, "watchdog"), platform, accountID)
}

// WithActor tags ctx with who performs a mutation, for the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorOf(ctx context.Context) string {
	if s, ok := ctx.Value(actorKey{}).(string); ok {
		return s
	}
	return "app"
}

func (a *App) audit(ctx context.Context, action string, key config.AccountKey, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	fields := []logx.Field{
		logx.String("action", action),
		logx.Account(key.Platform, key.AccountID),
		logx.String("actor", actorOf(ctx)),
	}
	if err != nil {
		a.log.Warn("account mutation failed", append(fields, logx.Err(err))...)
	} else {
		a.log.Info("account mutation", fields...)
	}

	st := a.dataStore()
	if st == nil {
		return
	}
	e := storage.AuditEntry{
		At:        start,
		Actor:     actorOf(ctx),
		Action:    action,
		Platform:  key.Platform,
		AccountID: key.AccountID,
		OK:        err == nil,
		TookMS:    time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if aerr := st.AppendAudit(actx, e); aerr != nil && !errors.Is(aerr, storage.ErrClosed) {
		a.log.Debug("audit append failed", logx.Err(aerr))
	}
}

// RecentAudit returns the newest audit entries. It is empty while the
// application is stopped.
func (a *App) RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	st := a.dataStore()
	if st == nil {
		return nil, nil
	}
	return st.RecentAudit(ctx, limit)
}
