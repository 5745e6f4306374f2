package config

import (
	"os"
	"strings"
)

const (
	EnvUsername = "BOTGATE_USERNAME"
	EnvPassword = "BOTGATE_PASSWORD"
)

// WithEnv overlays management credentials from the environment. The result
// is used at runtime only and never written back to the file.
func (s ServerConfig) WithEnv() ServerConfig {
	if v := strings.TrimSpace(os.Getenv(EnvUsername)); v != "" {
		s.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		s.Password = v
	}
	return s
}
