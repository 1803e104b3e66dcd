// Package config defines the agora configuration schema, defaults, and
// loading via viper. Configuration comes from ~/.config/agora/config.yaml
// with AGORA_-prefixed environment variable overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete agora configuration
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Runtimes     RuntimesConfig     `mapstructure:"runtimes"`
	Paths        PathsConfig        `mapstructure:"paths"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// OrchestratorConfig controls session supervision behavior
type OrchestratorConfig struct {
	// MaxConcurrent caps simultaneously running instances across all
	// sessions (default: 5)
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// PollIntervalMs is how often the supervision loop observes instances,
	// in milliseconds (default: 1000)
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	// DefaultTimeoutMinutes is the per-instance runtime limit applied when
	// a start request carries none (default: 30, 0 = no limit)
	DefaultTimeoutMinutes int `mapstructure:"default_timeout_minutes"`
	// PreserveSandboxes keeps worktrees and branches after a session ends
	// (default: false)
	PreserveSandboxes bool `mapstructure:"preserve_sandboxes"`
}

// PollInterval returns the poll interval as a time.Duration
func (c *OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// DefaultTimeout returns the default instance timeout as a time.Duration
// (0 means no limit)
func (c *OrchestratorConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMinutes) * time.Minute
}

// RuntimesConfig holds per-runtime settings
type RuntimesConfig struct {
	Claude RuntimeConfig `mapstructure:"claude"`
	Codex  RuntimeConfig `mapstructure:"codex"`
	Gemini RuntimeConfig `mapstructure:"gemini"`
}

// RuntimeConfig configures one agent runtime
type RuntimeConfig struct {
	// Command overrides the executable name on PATH (default: the runtime's
	// own CLI, e.g. "claude")
	Command string `mapstructure:"command"`
	// DefaultModel is used when an allocation names no model
	DefaultModel string `mapstructure:"default_model"`
}

// PathsConfig controls where agora stores data
type PathsConfig struct {
	// WorktreeDir is where sandbox worktrees are created. Empty means
	// ".agora/worktrees" relative to the workspace root. Supports ~ expansion
	// and absolute paths.
	WorktreeDir string `mapstructure:"worktree_dir"`
	// DataDir is where session history and logs live (default: ~/.agora)
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether file logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// ResolveWorktreeDir returns the resolved worktree directory path.
// Empty WorktreeDir resolves to .agora/worktrees under baseDir; relative
// paths resolve against baseDir; ~ expands to the home directory.
func (p *PathsConfig) ResolveWorktreeDir(baseDir string) string {
	if p.WorktreeDir == "" {
		return filepath.Join(baseDir, ".agora", "worktrees")
	}
	path := expandHome(p.WorktreeDir)
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// ResolveDataDir returns the resolved data directory path.
func (p *PathsConfig) ResolveDataDir() string {
	if p.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".agora"
		}
		return filepath.Join(home, ".agora")
	}
	return expandHome(p.DataDir)
}

func expandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:         5,
			PollIntervalMs:        1000,
			DefaultTimeoutMinutes: 30,
			PreserveSandboxes:     false,
		},
		Runtimes: RuntimesConfig{
			Claude: RuntimeConfig{Command: "claude", DefaultModel: "sonnet"},
			Codex:  RuntimeConfig{Command: "codex", DefaultModel: ""},
			Gemini: RuntimeConfig{Command: "gemini", DefaultModel: ""},
		},
		Paths: PathsConfig{
			WorktreeDir: "",
			DataDir:     "",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("orchestrator.max_concurrent", defaults.Orchestrator.MaxConcurrent)
	viper.SetDefault("orchestrator.poll_interval_ms", defaults.Orchestrator.PollIntervalMs)
	viper.SetDefault("orchestrator.default_timeout_minutes", defaults.Orchestrator.DefaultTimeoutMinutes)
	viper.SetDefault("orchestrator.preserve_sandboxes", defaults.Orchestrator.PreserveSandboxes)

	viper.SetDefault("runtimes.claude.command", defaults.Runtimes.Claude.Command)
	viper.SetDefault("runtimes.claude.default_model", defaults.Runtimes.Claude.DefaultModel)
	viper.SetDefault("runtimes.codex.command", defaults.Runtimes.Codex.Command)
	viper.SetDefault("runtimes.codex.default_model", defaults.Runtimes.Codex.DefaultModel)
	viper.SetDefault("runtimes.gemini.command", defaults.Runtimes.Gemini.Command)
	viper.SetDefault("runtimes.gemini.default_model", defaults.Runtimes.Gemini.DefaultModel)

	viper.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if
// unmarshaling fails.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agora")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agora"
	}
	return filepath.Join(home, ".config", "agora")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
