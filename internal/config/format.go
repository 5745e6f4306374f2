package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	yaml "go.yaml.in/yaml/v3"
)

// Format is the on-disk encoding, chosen by file extension.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// toJSON converts YAML or TOML input into JSON so one strict decoder
// (DisallowUnknownFields) serves every format.
func toJSON(f Format, data []byte) ([]byte, error) {
	var v any
	switch f {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
	case FormatTOML:
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("toml unmarshal: %w", err)
		}
		v = m
	default:
		return data, nil
	}
	if v == nil {
		v = map[string]any{}
	}
	j, err := json.Marshal(normalizeKeys(v))
	if err != nil {
		return nil, fmt.Errorf("%s->json marshal: %w", f, err)
	}
	return j, nil
}

// normalizeKeys makes every map key a string so the tree can be marshaled
// as JSON.
func normalizeKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeKeys(x[i])
		}
		return x
	default:
		return in
	}
}

var knownSections = map[string]struct{}{
	"server": {}, "logging": {}, "storage": {}, "watchdog": {}, "general": {}, "accounts": {}, "debug": {},
}

// liftFlatAccounts accepts the older flat layout where each account lives
// under a top-level "platform.account_id" key. The key is split at the first
// dot since platform names never contain one; the account id keeps the rest.
// Lifted entries are appended to "accounts" and the flat keys removed, so the
// next save writes the typed list.
func liftFlatAccounts(jb []byte) ([]byte, int, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(jb, &top); err != nil {
		return nil, 0, err
	}
	var flat []string
	for k := range top {
		if _, ok := knownSections[k]; ok {
			continue
		}
		if i := strings.IndexByte(k, '.'); i > 0 && i < len(k)-1 {
			flat = append(flat, k)
		}
	}
	if len(flat) == 0 {
		return jb, 0, nil
	}
	sort.Strings(flat)

	var accounts []json.RawMessage
	if raw, ok := top["accounts"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &accounts); err != nil {
			return nil, 0, fmt.Errorf("accounts: %w", err)
		}
	}
	for _, k := range flat {
		var entry map[string]json.RawMessage
		if err := json.Unmarshal(top[k], &entry); err != nil {
			return nil, 0, fmt.Errorf("%s: %w", k, err)
		}
		if entry == nil {
			entry = map[string]json.RawMessage{}
		}
		i := strings.IndexByte(k, '.')
		if _, ok := entry["platform"]; !ok {
			entry["platform"], _ = json.Marshal(k[:i])
		}
		if _, ok := entry["account_id"]; !ok {
			entry["account_id"], _ = json.Marshal(k[i+1:])
		}
		b, err := json.Marshal(entry)
		if err != nil {
			return nil, 0, err
		}
		accounts = append(accounts, b)
		delete(top, k)
	}
	top["accounts"], _ = json.Marshal(accounts)
	out, err := json.Marshal(top)
	return out, len(flat), err
}

func decodeStrict(jb []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid config: trailing data")
	}
	return &cfg, nil
}

// Decode parses data in format f into a Config. Defaults are not applied.
func Decode(f Format, data []byte) (*Config, error) {
	jb, err := toJSON(f, data)
	if err != nil {
		return nil, err
	}
	jb, _, err = liftFlatAccounts(jb)
	if err != nil {
		return nil, err
	}
	return decodeStrict(jb)
}

// Encode renders cfg in format f. YAML and TOML are produced from the JSON
// tree so field names stay identical across formats.
func Encode(f Format, cfg *Config) ([]byte, error) {
	jb, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	if f == FormatJSON {
		return append(jb, '\n'), nil
	}
	var tree map[string]any
	if err := json.Unmarshal(jb, &tree); err != nil {
		return nil, err
	}
	dropNulls(tree)
	switch f {
	case FormatYAML:
		return yaml.Marshal(tree)
	case FormatTOML:
		return toml.Marshal(tree)
	}
	return nil, fmt.Errorf("unknown format %q", f)
}

// dropNulls removes null values, which TOML cannot express.
func dropNulls(v any) {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			if e == nil {
				delete(x, k)
				continue
			}
			dropNulls(e)
		}
	case []any:
		for _, e := range x {
			dropNulls(e)
		}
	}
}
