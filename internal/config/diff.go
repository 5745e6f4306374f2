package config

import (
	"reflect"
	"sort"
	"strings"

	"botgate/pkg/logx"
)

// AccountDiff is the set difference between two account lists.
type AccountDiff struct {
	Added   []AccountConfig
	Updated []AccountConfig // new values
	Removed []AccountKey
}

func (d AccountDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// DiffAccounts compares two account lists by key. Results are sorted by key.
func DiffAccounts(oldList, newList []AccountConfig) AccountDiff {
	oldByKey := make(map[AccountKey]AccountConfig, len(oldList))
	for _, a := range oldList {
		oldByKey[a.Key()] = a
	}
	var d AccountDiff
	seen := make(map[AccountKey]struct{}, len(newList))
	for _, a := range newList {
		seen[a.Key()] = struct{}{}
		prev, ok := oldByKey[a.Key()]
		switch {
		case !ok:
			d.Added = append(d.Added, a)
		case !reflect.DeepEqual(prev.Clone(), a.Clone()):
			d.Updated = append(d.Updated, a)
		}
	}
	for k := range oldByKey {
		if _, ok := seen[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	sortAccounts(d.Added)
	sortAccounts(d.Updated)
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i].String() < d.Removed[j].String() })
	return d
}

// SummarizeConfigChange returns the changed section names and safe fields
// for logging. Passwords and account settings (tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Server.Addr() != newCfg.Server.Addr() ||
		oldCfg.Server.Username != newCfg.Server.Username ||
		oldCfg.Server.Password != newCfg.Server.Password ||
		oldCfg.Server.ReadTimeout != newCfg.Server.ReadTimeout ||
		oldCfg.Server.ShutdownTimeout != newCfg.Server.ShutdownTimeout {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr()),
			logx.Bool("server.auth_set", newCfg.Server.Username != ""),
			logx.Bool("server.password_changed", oldCfg.Server.Password != newCfg.Server.Password),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)))
		}
	}
	if oldCfg.Watchdog != newCfg.Watchdog {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled),
			logx.String("watchdog.schedule", newCfg.Watchdog.Schedule),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs, logx.Bool("debug.pprof", newCfg.Debug.Pprof))
	}
	if !reflect.DeepEqual(oldCfg.General, newCfg.General) {
		changed = append(changed, "general")
		keys := make([]string, 0, len(newCfg.General))
		for k := range newCfg.General {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs = append(attrs, logx.Strings("general.keys", keys))
	}
	if d := DiffAccounts(oldCfg.Accounts, newCfg.Accounts); !d.Empty() {
		changed = append(changed, "accounts")
		attrs = append(attrs,
			logx.Int("accounts.added", len(d.Added)),
			logx.Int("accounts.updated", len(d.Updated)),
			logx.Int("accounts.removed", len(d.Removed)),
		)
	}
	return changed, attrs
}
