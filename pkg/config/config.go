// Package config reads client settings from MATTERMOST_* environment variables
// and optional YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the flat set of options the CLI turns into a client.Config.
type Settings struct {
	Host              string        `yaml:"host"`
	Group             string        `yaml:"group"`
	Token             string        `yaml:"token"`
	Login             string        `yaml:"login"`
	Password          string        `yaml:"password"`
	MFAToken          string        `yaml:"mfa_token"`
	HTTPProxy         string        `yaml:"http_proxy"`
	LogLevel          string        `yaml:"log_level"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	WSSPort           int           `yaml:"wss_port"`
	HTTPPort          int           `yaml:"http_port"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	RateLimit         float64       `yaml:"rate_limit"`
	RateBurst         int           `yaml:"rate_burst"`
	MaxAuthFailures   int           `yaml:"max_auth_failures"`
	UseTLS            bool          `yaml:"use_tls"`
	TLSVerify         bool          `yaml:"tls_verify"`
	NoReconnect       bool          `yaml:"no_reconnect"`
}

// Defaults returns settings with TLS enabled and verified.
func Defaults() Settings {
	return Settings{
		UseTLS:    true,
		TLSVerify: true,
	}
}

// ParseToggle reports whether an environment toggle is enabled.
// Exactly "false", "0", "no" and "off" (any case) disable; anything else enables.
func ParseToggle(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "false", "0", "no", "off":
		return false
	default:
		return true
	}
}

// Load reads a YAML settings file on top of Defaults. ${VAR} references are expanded.
func Load(path string) (Settings, error) {
	s := Defaults()
	if strings.TrimSpace(path) == "" {
		return s, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &s); err != nil {
		return s, fmt.Errorf("parse config %s: %w", path, err)
	}
	return s, nil
}

// FromEnv returns Defaults overlaid with the environment.
func FromEnv() (Settings, error) {
	s := Defaults()
	err := s.ApplyEnv(os.LookupEnv)
	return s, err
}

// ApplyEnv overlays variables found by lookup onto s.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("MATTERMOST_HOST", &s.Host)
	str("MATTERMOST_GROUP", &s.Group)
	str("MATTERMOST_ACCESS_TOKEN", &s.Token)
	str("MATTERMOST_USER", &s.Login)
	str("MATTERMOST_PASSWORD", &s.Password)
	str("MATTERMOST_MFA_TOKEN", &s.MFAToken)
	str("MATTERMOST_HTTP_PROXY", &s.HTTPProxy)
	str("MATTERMOST_LOG_LEVEL", &s.LogLevel)

	if v, ok := lookup("MATTERMOST_USE_TLS"); ok {
		s.UseTLS = ParseToggle(v)
	}
	if v, ok := lookup("MATTERMOST_TLS_VERIFY"); ok {
		s.TLSVerify = ParseToggle(v)
	}

	for key, dst := range map[string]*int{
		"MATTERMOST_WSS_PORT":  &s.WSSPort,
		"MATTERMOST_HTTP_PORT": &s.HTTPPort,
	} {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks that settings are complete enough to log in.
func (s *Settings) Validate() error {
	if s.Host == "" {
		return errors.New("host is required")
	}
	if s.Token == "" && (s.Login == "" || s.Password == "") {
		return errors.New("either token or login/password is required")
	}
	return nil
}
