// Package config provides configuration types and loading for hopover.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hopover/hopover/internal/adoption"
	"github.com/hopover/hopover/internal/automation"
	"github.com/hopover/hopover/internal/events"
	"github.com/hopover/hopover/internal/gate"
	"github.com/hopover/hopover/internal/migration"
	"github.com/hopover/hopover/internal/notify"
	"github.com/hopover/hopover/internal/progress"
	"github.com/hopover/hopover/internal/scheduler"
	"github.com/hopover/hopover/internal/secrets"
	"github.com/hopover/hopover/internal/session"
	"github.com/hopover/hopover/internal/store"
	"github.com/hopover/hopover/internal/workflow"
)

// Config is the root configuration struct. Component groups reuse the
// components' own config types.
type Config struct {
	Paths      PathsConfig           `json:"paths"`
	Log        LogConfig             `json:"log"`
	Store      StoreConfig           `json:"store"`
	Secrets    SecretsConfig         `json:"secrets"`
	Session    session.Config        `json:"session"`
	Migration  migration.Config      `json:"migration"`
	Workflow   workflow.Config       `json:"workflow"`
	Progress   progress.Config       `json:"progress"`
	Adoption   adoption.Config       `json:"adoption"`
	Automation automation.Config     `json:"automation"`
	Notify     NotifyConfig          `json:"notify"`
	Slack      notify.SlackConfig    `json:"slack"`
	WhatsApp   notify.WhatsAppConfig `json:"whatsapp"`
	Kafka      events.KafkaConfig    `json:"kafka"`
	Scheduler  scheduler.Config      `json:"scheduler"`
}

// PathsConfig groups filesystem locations.
type PathsConfig struct {
	Home    string `json:"home" envconfig:"PATHS_HOME_DIR"`
	LockDir string `json:"lockDir" envconfig:"PATHS_LOCK_DIR"`
}

// LogConfig controls the slog handler installed by the CLI.
type LogConfig struct {
	Level  string `json:"level" envconfig:"LOG_LEVEL"`
	Format string `json:"format" envconfig:"LOG_FORMAT"` // text or json
}

// StoreConfig selects the SQLite driver and database file.
type StoreConfig struct {
	Driver string `json:"driver" envconfig:"STORE_DRIVER"`
	Path   string `json:"path" envconfig:"STORE_DB_PATH"`
}

// SecretsConfig selects where the session master key lives.
type SecretsConfig struct {
	Backend string `json:"backend" envconfig:"SECRETS_BACKEND"`
}

// NotifyConfig holds settings shared by all notifiers.
type NotifyConfig struct {
	// Silent logs notifications instead of sending them.
	Silent bool `json:"silent" envconfig:"NOTIFY_SILENT"`
}

// DefaultConfig returns the default configuration rooted at ~/.hopover.
func DefaultConfig() *Config {
	home, err := resolveHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ConfigDir)
	sched := scheduler.DefaultConfig()
	sched.LockDir = filepath.Join(base, "locks")

	return &Config{
		Paths: PathsConfig{
			Home:    base,
			LockDir: filepath.Join(base, "locks"),
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Driver: store.DriverModernc,
			Path:   filepath.Join(base, "hopover.db"),
		},
		Secrets: SecretsConfig{Backend: secrets.BackendAuto},
		Session: session.Config{DefaultWindow: session.DefaultWindow},
		Migration: migration.Config{
			Gate:          gate.Config{Validity: gate.DefaultValidity},
			CheckAttempts: 3,
			CheckBackoff:  2 * time.Second,
		},
		Workflow: workflow.DefaultConfig(),
		Progress: progress.Config{HonorExternalConfirmation: true},
		Adoption: adoption.Config{
			Capabilities: append([]string(nil), adoption.DefaultCapabilities...),
			AgeRules:     map[string]int{"payment": 13},
			Freshness:    adoption.DefaultFreshness,
		},
		Automation: automation.Config{
			BaseURL:      "http://127.0.0.1:8411",
			Timeout:      60 * time.Second,
			ReadRetries:  2,
			RetryWait:    500 * time.Millisecond,
			RetryMaxWait: 2 * time.Second,
		},
		Slack: notify.SlackConfig{},
		WhatsApp: notify.WhatsAppConfig{
			StorePath: filepath.Join(base, "whatsapp.db"),
			QRPath:    filepath.Join(base, "whatsapp-qr.png"),
			LogLevel:  "WARN",
		},
		Kafka: events.KafkaConfig{
			Topic:        "hopover.events",
			GroupID:      "hopover-cli",
			WriteTimeout: 10 * time.Second,
		},
		Scheduler: sched,
	}
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case store.DriverModernc, store.DriverCgo:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("config: store path is required")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Secrets.Backend) {
	case "", secrets.BackendAuto, secrets.BackendKeyring, secrets.BackendFile:
	default:
		return fmt.Errorf("config: unknown secrets backend %q", c.Secrets.Backend)
	}
	if c.Kafka.Enabled && strings.TrimSpace(c.Kafka.Brokers) == "" {
		return fmt.Errorf("config: kafka enabled without brokers")
	}
	if c.Slack.Enabled && strings.TrimSpace(c.Slack.BotToken) == "" {
		return fmt.Errorf("config: slack enabled without bot token")
	}
	return nil
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// EnsureDirs creates the home and lock directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Paths.Home, c.Paths.LockDir, filepath.Dir(c.Store.Path)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
