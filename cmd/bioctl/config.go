package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/bioipc/internal/appid"
	"github.com/danmuck/bioipc/internal/biometrics"
	"github.com/danmuck/bioipc/internal/protocol/channel"
	"github.com/danmuck/bioipc/internal/protocol/correlator"
	"github.com/danmuck/bioipc/internal/protocol/session"
)

type cliConfig struct {
	Endpoint  string
	AppID     string
	AppIDFile string
	UserID    string

	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	CallTimeout        time.Duration
	StatusTimeout      time.Duration
	InteractionTimeout time.Duration
	FreshnessWindow    time.Duration
	MaxConnectAttempts int

	Output      string
	LogLevel    string
	MetricsFile string
}

type fileConfig struct {
	Endpoint           string `toml:"endpoint"`
	AppID              string `toml:"app_id"`
	AppIDFile          string `toml:"app_id_file"`
	UserID             string `toml:"user_id"`
	ConnectTimeout     string `toml:"connect_timeout"`
	HandshakeTimeout   string `toml:"handshake_timeout"`
	CallTimeout        string `toml:"call_timeout"`
	StatusTimeout      string `toml:"status_timeout"`
	InteractionTimeout string `toml:"interaction_timeout"`
	FreshnessWindow    string `toml:"freshness_window"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
	Output             string `toml:"output"`
	LogLevel           string `toml:"log_level"`
	MetricsFile        string `toml:"metrics_file"`
}

func defaultCLIConfig() cliConfig {
	sess := session.DefaultConfig()
	ch := channel.DefaultConfig()
	corr := correlator.DefaultConfig()
	bio := biometrics.DefaultConfig()
	return cliConfig{
		ConnectTimeout:     sess.ConnectTimeout,
		HandshakeTimeout:   ch.HandshakeTimeout,
		CallTimeout:        corr.CallTimeout,
		StatusTimeout:      bio.StatusTimeout,
		InteractionTimeout: bio.InteractionTimeout,
		FreshnessWindow:    corr.FreshnessWindow,
		MaxConnectAttempts: sess.MaxConnectAttempts,
		Output:             "text",
		LogLevel:           "warn",
	}
}

// defaultConfigPath is $XDG_CONFIG_HOME/bioctl/config.toml, else ~/.config/bioctl/config.toml.
func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "bioctl", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bioctl", "config.toml")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// applyFileConfig loads path onto cfg, skipping keys whose flag was set.
func applyFileConfig(cfg *cliConfig, path string, changed map[string]bool) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load bioctl config: %w", err)
	}
	set := func(key, flag string) bool {
		return meta.IsDefined(key) && !changed[flag]
	}

	if set("endpoint", "endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if set("app_id", "app-id") {
		cfg.AppID = strings.TrimSpace(raw.AppID)
	}
	if set("app_id_file", "app-id-file") {
		cfg.AppIDFile = strings.TrimSpace(raw.AppIDFile)
	}
	if set("user_id", "user") {
		cfg.UserID = strings.TrimSpace(raw.UserID)
	}
	durations := []struct {
		key, flag string
		value     string
		dst       *time.Duration
	}{
		{"connect_timeout", "connect-timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", "handshake-timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"call_timeout", "call-timeout", raw.CallTimeout, &cfg.CallTimeout},
		{"status_timeout", "status-timeout", raw.StatusTimeout, &cfg.StatusTimeout},
		{"interaction_timeout", "interaction-timeout", raw.InteractionTimeout, &cfg.InteractionTimeout},
		{"freshness_window", "freshness-window", raw.FreshnessWindow, &cfg.FreshnessWindow},
	}
	for _, d := range durations {
		if !set(d.key, d.flag) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if set("max_connect_attempts", "max-connect-attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if set("output", "output") {
		cfg.Output = strings.TrimSpace(raw.Output)
	}
	if set("log_level", "log-level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if set("metrics_file", "metrics-file") {
		cfg.MetricsFile = strings.TrimSpace(raw.MetricsFile)
	}
	return nil
}

// applyEnvConfig reads BIOCTL_* variables; they override the file but not flags.
func applyEnvConfig(cfg *cliConfig, changed map[string]bool, getenv func(string) string) error {
	str := func(env, flag string, dst *string) {
		if v := strings.TrimSpace(getenv(env)); v != "" && !changed[flag] {
			*dst = v
		}
	}
	dur := func(env, flag string, dst *time.Duration) error {
		v := strings.TrimSpace(getenv(env))
		if v == "" || changed[flag] {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", env, err)
		}
		*dst = d
		return nil
	}

	str("BIOCTL_ENDPOINT", "endpoint", &cfg.Endpoint)
	str("BIOCTL_APP_ID", "app-id", &cfg.AppID)
	str("BIOCTL_APP_ID_FILE", "app-id-file", &cfg.AppIDFile)
	str("BIOCTL_USER_ID", "user", &cfg.UserID)
	str("BIOCTL_OUTPUT", "output", &cfg.Output)
	str("BIOCTL_LOG_LEVEL", "log-level", &cfg.LogLevel)
	str("BIOCTL_METRICS_FILE", "metrics-file", &cfg.MetricsFile)

	for _, d := range []struct {
		env, flag string
		dst       *time.Duration
	}{
		{"BIOCTL_CONNECT_TIMEOUT", "connect-timeout", &cfg.ConnectTimeout},
		{"BIOCTL_HANDSHAKE_TIMEOUT", "handshake-timeout", &cfg.HandshakeTimeout},
		{"BIOCTL_CALL_TIMEOUT", "call-timeout", &cfg.CallTimeout},
		{"BIOCTL_STATUS_TIMEOUT", "status-timeout", &cfg.StatusTimeout},
		{"BIOCTL_INTERACTION_TIMEOUT", "interaction-timeout", &cfg.InteractionTimeout},
		{"BIOCTL_FRESHNESS_WINDOW", "freshness-window", &cfg.FreshnessWindow},
	} {
		if err := dur(d.env, d.flag, d.dst); err != nil {
			return err
		}
	}

	if v := strings.TrimSpace(getenv("BIOCTL_MAX_CONNECT_ATTEMPTS")); v != "" && !changed["max-connect-attempts"] {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse BIOCTL_MAX_CONNECT_ATTEMPTS: %w", err)
		}
		cfg.MaxConnectAttempts = n
	}
	return nil
}

func (c cliConfig) validate() error {
	switch c.Output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unsupported output %q (text|json|yaml)", c.Output)
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":     c.ConnectTimeout,
		"handshake_timeout":   c.HandshakeTimeout,
		"call_timeout":        c.CallTimeout,
		"status_timeout":      c.StatusTimeout,
		"interaction_timeout": c.InteractionTimeout,
		"freshness_window":    c.FreshnessWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// resolveAppID prefers an explicit id, then the persisted one.
func (c cliConfig) resolveAppID() (string, error) {
	if c.AppID != "" {
		return c.AppID, nil
	}
	path := c.AppIDFile
	if path == "" {
		path = appid.DefaultPath()
	}
	return appid.LoadOrCreate(path)
}

func (c cliConfig) endpointFunc() func() string {
	if c.Endpoint == "" {
		return session.DefaultEndpoint
	}
	endpoint := c.Endpoint
	return func() string { return endpoint }
}

func (c cliConfig) clientConfig(appID string, onFingerprint func([]string)) biometrics.Config {
	userID := c.UserID
	return biometrics.Config{
		AppID:              appID,
		ActiveUserID:       func() string { return userID },
		StatusTimeout:      c.StatusTimeout,
		InteractionTimeout: c.InteractionTimeout,
		Session: session.Config{
			Endpoint:           c.endpointFunc(),
			ConnectTimeout:     c.ConnectTimeout,
			MaxConnectAttempts: c.MaxConnectAttempts,
		},
		Correlator: correlator.Config{
			CallTimeout:     c.CallTimeout,
			FreshnessWindow: c.FreshnessWindow,
			OnFingerprint:   onFingerprint,
			Channel: channel.Config{
				HandshakeTimeout: c.HandshakeTimeout,
			},
		},
	}
}
