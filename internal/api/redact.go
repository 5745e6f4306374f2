package api

import (
	"fmt"
	"strconv"
	"strings"

	"botgate/internal/config"
)

const masked = "***"

var secretWords = []string{"token", "password", "secret", "key"}

// Redact returns a copy of ac with credential-like settings masked.
func Redact(ac config.AccountConfig) config.AccountConfig {
	out := ac.Clone()
	out.Settings = redactSettings(out.Settings)
	for i := range out.Protocols {
		out.Protocols[i].Settings = redactSettings(out.Protocols[i].Settings)
	}
	return out
}

func redactSettings(s config.Settings) config.Settings {
	if s == nil {
		return nil
	}
	out := make(config.Settings, len(s))
	for k, v := range s {
		out[k] = redactValue(k, v)
	}
	return out
}

func redactValue(k string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(redactSettings(t))
	case config.Settings:
		return redactSettings(t)
	case string:
		if t != "" && secretName(k) {
			return masked
		}
	}
	return v
}

func secretName(k string) bool {
	k = strings.ToLower(k)
	for _, w := range secretWords {
		if strings.Contains(k, w) {
			return true
		}
	}
	return false
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}
