package app

import (
	"context"
	"strings"

	"botgate/internal/config"
	"botgate/pkg/logx"
)

// reconcileLoop applies external edits of the config file. The store has
// already committed them, so accounts are changed without persisting.
func (a *App) reconcileLoop(ctx context.Context, sub chan *config.Config) {
	defer a.store.Unsubscribe(sub)
	lastApplied := a.store.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest document.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyExternal(ctx, lastApplied, next)
			lastApplied = next
		}
	}
}

func (a *App) applyExternal(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	a.applyRuntime(prev, next)
	if prev.Watchdog != next.Watchdog {
		if err := a.dog.Start(ctx, next.Watchdog); err != nil {
			a.log.Warn("invalid watchdog config; keeping previous", logx.Err(err))
		}
	}

	ctx = WithActor(ctx, "config-watch")
	a.mu.Lock()
	// Diff against what runs, not against the last document: API
	// mutations change accounts without publishing.
	diff := config.DiffAccounts(a.liveConfigs(), next.Accounts)
	if len(sections) == 0 && diff.Empty() {
		a.mu.Unlock()
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, k := range diff.Removed {
		a.detachLocked(ctx, k, false)
	}
	for _, ac := range diff.Updated {
		a.detachLocked(ctx, ac.Key(), false)
		if err := a.attachLocked(ctx, ac); err != nil {
			a.log.Error("account not recreated", logx.Account(ac.Platform, ac.AccountID), logx.Err(err))
		}
	}
	for _, ac := range diff.Added {
		if err := a.attachLocked(ctx, ac); err != nil {
			a.log.Error("account not created", logx.Account(ac.Platform, ac.AccountID), logx.Err(err))
		}
	}
	a.mu.Unlock()

	a.log.Info("config reloaded", append([]logx.Field{
		logx.String("changed", strings.Join(sections, ",")),
		logx.Int("accounts_added", len(diff.Added)),
		logx.Int("accounts_updated", len(diff.Updated)),
		logx.Int("accounts_removed", len(diff.Removed)),
	}, attrs...)...)
}
