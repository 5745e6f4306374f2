package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"botgate/internal/errs"
	"botgate/pkg/logx"
)

// Config is the whole on-disk document. Every account mutation rewrites it in
// full.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Debug    DebugConfig    `json:"debug"`

	// General holds process-wide default protocol settings keyed by
	// "name.version" (preferred) or "name". Per-account settings override it.
	General map[string]Settings `json:"general,omitempty"`

	Accounts []AccountConfig `json:"accounts"`
}

// Settings is a free-form settings object decoded by its consumer.
type Settings map[string]any

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	Username string `json:"username"`
	// Password may be plain text or a bcrypt hash ("$2a$...").
	Password string `json:"password"`

	// Go duration strings.
	ReadTimeout     string `json:"read_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

func (s ServerConfig) Addr() string {
	host := strings.TrimSpace(s.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // console|json, stdout only
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func (l LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		Format:  l.Format,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// StorageConfig selects the persistence driver for message ids and audit.
//
//	"storage": { "driver": "sqlite", "path": "./botgate.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// WatchdogConfig drives the periodic restart of offline accounts that have
// auto_restart set.
type WatchdogConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@every 30s"
}

// DebugConfig exposes net/http/pprof under /debug/pprof/ on the
// management port. The profile rates apply even when pprof is off.
type DebugConfig struct {
	Pprof                bool `json:"pprof,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
}

// AccountKey is the unique identity of an account. Keys are compared
// structurally so account ids may contain any character, dots included.
type AccountKey struct {
	Platform  string
	AccountID string
}

func (k AccountKey) String() string { return k.Platform + "/" + k.AccountID }

type AccountConfig struct {
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`

	// Enabled defaults to true when omitted. Optional fields are pointers
	// so an update can tell "unset" from an explicit zero.
	Enabled     *bool `json:"enabled,omitempty"`
	AutoRestart *bool `json:"auto_restart,omitempty"`

	// RateLimit caps capability calls per second. Unset or 0 is unlimited.
	RateLimit *float64 `json:"rate_limit,omitempty"`
	// Timeout bounds each capability call (Go duration string). Empty or
	// "0" is the default of 10s.
	Timeout string `json:"timeout,omitempty"`

	Protocols []ProtocolConfig `json:"protocols"`

	// Settings carries platform credentials and platform-specific fields.
	Settings Settings `json:"settings,omitempty"`
}

type ProtocolConfig struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Enabled  *bool    `json:"enabled,omitempty"`
	Settings Settings `json:"settings,omitempty"`
}

func (a AccountConfig) Key() AccountKey {
	return AccountKey{Platform: a.Platform, AccountID: a.AccountID}
}

func (a AccountConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

func (a AccountConfig) RestartsAutomatically() bool { return a.AutoRestart != nil && *a.AutoRestart }

// CallRate is the capability call limit per second; 0 is unlimited.
func (a AccountConfig) CallRate() float64 {
	if a.RateLimit == nil {
		return 0
	}
	return *a.RateLimit
}

func (p ProtocolConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// CallTimeout returns the per-call capability timeout.
func (a AccountConfig) CallTimeout() time.Duration {
	d, err := ParseDuration("timeout", a.Timeout, DefaultCallTimeout)
	if err != nil {
		return DefaultCallTimeout
	}
	return d
}

// EnabledProtocols lists the protocols to bind when the account starts.
func (a AccountConfig) EnabledProtocols() []ProtocolConfig {
	out := make([]ProtocolConfig, 0, len(a.Protocols))
	for _, p := range a.Protocols {
		if p.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}

const (
	DefaultPort             = 5500
	DefaultCallTimeout      = 10 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultWatchdogSchedule = "@every 30s"
)

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Storage == nil {
		c.Storage = &StorageConfig{Driver: "memory"}
	}
	if strings.TrimSpace(c.Watchdog.Schedule) == "" {
		c.Watchdog.Schedule = DefaultWatchdogSchedule
	}
	for i := range c.Accounts {
		c.Accounts[i].normalize()
	}
}

func (a *AccountConfig) normalize() {
	a.Platform = strings.TrimSpace(a.Platform)
	a.AccountID = strings.TrimSpace(a.AccountID)
	for i := range a.Protocols {
		a.Protocols[i].Name = strings.TrimSpace(a.Protocols[i].Name)
		a.Protocols[i].Version = strings.TrimSpace(a.Protocols[i].Version)
	}
}

// Validate checks the whole document, including account key uniqueness.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errs.Config("server.port", "out of range: %d", c.Server.Port)
	}
	if (c.Server.Username == "") != (c.Server.Password == "") {
		return errs.Config("server", "username and password must be set together")
	}
	if _, err := ParseDuration("server.read_timeout", c.Server.ReadTimeout, 0); err != nil {
		return err
	}
	if _, err := ParseDuration("server.shutdown_timeout", c.Server.ShutdownTimeout, 0); err != nil {
		return err
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return errs.Config("logging.level", "unknown level %q", c.Logging.Level)
	}
	if !logx.ValidFormat(c.Logging.Format) {
		return errs.Config("logging.format", "want console or json, got %q", c.Logging.Format)
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "memory", "file", "sqlite":
		default:
			return errs.Config("storage.driver", "unknown driver %q", c.Storage.Driver)
		}
	}
	if c.Debug.BlockProfileRate < 0 {
		return errs.Config("debug.block_profile_rate", "must be >= 0")
	}
	if c.Debug.MutexProfileFraction < 0 {
		return errs.Config("debug.mutex_profile_fraction", "must be >= 0")
	}
	seen := make(map[AccountKey]struct{}, len(c.Accounts))
	for i := range c.Accounts {
		a := c.Accounts[i]
		if err := a.Validate(); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		if _, dup := seen[a.Key()]; dup {
			return errs.Config(fmt.Sprintf("accounts[%d]", i), "duplicate account %s", a.Key())
		}
		seen[a.Key()] = struct{}{}
	}
	return nil
}

func (a AccountConfig) Validate() error {
	if strings.TrimSpace(a.Platform) == "" {
		return errs.Config("platform", "required")
	}
	if strings.ContainsAny(a.Platform, "/.") {
		return errs.Config("platform", "must not contain '/' or '.': %q", a.Platform)
	}
	if strings.TrimSpace(a.AccountID) == "" {
		return errs.Config("account_id", "required")
	}
	if a.CallRate() < 0 {
		return errs.Config("rate_limit", "must be >= 0")
	}
	if _, err := ParseDuration("timeout", a.Timeout, 0); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for i, p := range a.Protocols {
		if p.Name == "" || p.Version == "" {
			return errs.Config(fmt.Sprintf("protocols[%d]", i), "name and version are required")
		}
		if strings.Contains(p.Name, "/") || strings.Contains(p.Version, "/") {
			return errs.Config(fmt.Sprintf("protocols[%d]", i), "name and version must not contain '/'")
		}
		k := p.Name + "/" + p.Version
		if _, dup := seen[k]; dup {
			return errs.Config(fmt.Sprintf("protocols[%d]", i), "duplicate protocol %s", k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// ProtocolSettings merges general defaults for p with p's own settings.
// "name.version" defaults win over "name" defaults; account values win over
// both.
func (c *Config) ProtocolSettings(p ProtocolConfig) Settings {
	out := Settings{}
	if c != nil {
		for k, v := range c.General[p.Name] {
			out[k] = v
		}
		for k, v := range c.General[p.Name+"."+p.Version] {
			out[k] = v
		}
	}
	for k, v := range p.Settings {
		out[k] = v
	}
	return out
}

// Decode converts s into a typed struct through its JSON form.
func (s Settings) Decode(dst any) error {
	if len(s) == 0 {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return errs.Config("settings", "%v", err)
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var out Config
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *c
		return &cp
	}
	return &out
}

// Clone returns a deep copy.
func (a AccountConfig) Clone() AccountConfig {
	b, err := json.Marshal(a)
	if err != nil {
		return a
	}
	var out AccountConfig
	if err := json.Unmarshal(b, &out); err != nil {
		return a
	}
	return out
}

// Merge overlays the fields patch sets onto a. Unset pointer fields and an
// empty timeout keep a's values; an explicit false or 0 overrides them.
// Protocols and settings are replaced wholesale when provided.
func (a AccountConfig) Merge(patch AccountConfig) AccountConfig {
	out := a.Clone()
	if patch.Enabled != nil {
		v := *patch.Enabled
		out.Enabled = &v
	}
	if patch.AutoRestart != nil {
		out.AutoRestart = Bool(*patch.AutoRestart)
	}
	if patch.RateLimit != nil {
		out.RateLimit = Float(*patch.RateLimit)
	}
	if strings.TrimSpace(patch.Timeout) != "" {
		out.Timeout = patch.Timeout
	}
	if patch.Protocols != nil {
		out.Protocols = patch.Clone().Protocols
	}
	if patch.Settings != nil {
		out.Settings = patch.Clone().Settings
	}
	return out
}

func Bool(v bool) *bool { return &v }

func Float(v float64) *float64 { return &v }

// ParseDuration parses a Go duration string for field. Empty or zero yields
// def; negative values are rejected.
func ParseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errs.Config(field, "invalid duration %q", raw)
	}
	if d < 0 {
		return 0, errs.Config(field, "duration must be >= 0")
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
