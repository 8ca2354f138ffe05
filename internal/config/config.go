// Package config handles configuration loading for flotilla.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/flotilla-dev/flotilla/internal/orchestrator/policy"
	"github.com/flotilla-dev/flotilla/pkg/models"
)

// Config holds all configuration for flotilla.
type Config struct {
	Agent   AgentConfig   `mapstructure:"agent"`
	Workers WorkersConfig `mapstructure:"workers"`
	Merge   MergeConfig   `mapstructure:"merge"`
	Issues  IssuesConfig  `mapstructure:"issues"`
	TUI     TUIConfig     `mapstructure:"tui"`
}

// AgentConfig holds settings for the external code-generation agent.
type AgentConfig struct {
	// Command is the agent executable.
	Command string `mapstructure:"command"`
	// Args are the agent arguments; {task} is replaced with the task text.
	Args []string `mapstructure:"args"`
	// Timeout bounds a single agent execution.
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkersConfig holds worker pool settings.
type WorkersConfig struct {
	// Slots is the number of concurrent worker slots.
	Slots int `mapstructure:"slots"`
	// SequentialPriority is the priority tier that runs with concurrency 1.
	SequentialPriority string `mapstructure:"sequential_priority"`
	// SpawnStagger is the delay between parallel worker starts.
	SpawnStagger time.Duration `mapstructure:"spawn_stagger"`
	// WorktreeDir is where worktrees are created; empty uses the default
	// cache location.
	WorktreeDir string `mapstructure:"worktree_dir"`
	// RuntimeFiles are copied from the checkout into each worktree.
	RuntimeFiles []string `mapstructure:"runtime_files"`
}

// MergeConfig holds merge coordinator settings.
type MergeConfig struct {
	// MaxRetries bounds conflict retries for one merge.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is the base delay between merge retries.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// IssuesConfig holds issue loading settings.
type IssuesConfig struct {
	// Dir is the directory holding issue YAML files.
	Dir string `mapstructure:"dir"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (FLOTILLA_*)
// 2. Project config (.flotilla.yaml in current directory or parent)
// 3. User config (~/.config/flotilla/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("FLOTILLA")
	v.AutomaticEnv()
	v.BindEnv("agent.command", "FLOTILLA_AGENT_COMMAND")
	v.BindEnv("workers.slots", "FLOTILLA_WORKERS_SLOTS")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Policy converts the loaded configuration into a policy config, starting
// from the defaults so unset knobs keep their documented values.
func (c *Config) Policy() *policy.Config {
	p := policy.Default()

	if c.Workers.Slots > 0 {
		p.Worker.Slots = c.Workers.Slots
	}
	if c.Workers.SequentialPriority != "" {
		if prio, err := models.ParsePriority(c.Workers.SequentialPriority); err == nil {
			p.Worker.SequentialPriority = prio
		}
	}
	if c.Workers.SpawnStagger > 0 {
		p.Worker.SpawnStagger = c.Workers.SpawnStagger
	}
	if c.Agent.Timeout > 0 {
		p.Worker.AgentTimeout = c.Agent.Timeout
	}
	if c.Merge.MaxRetries > 0 {
		p.Merge.MaxRetries = c.Merge.MaxRetries
	}
	if c.Merge.RetryDelay > 0 {
		p.Merge.RetryBaseDelay = c.Merge.RetryDelay
	}

	p.Validate()
	return p
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{"-p", "{task}", "--dangerously-skip-permissions"})
	v.SetDefault("agent.timeout", "15m")

	v.SetDefault("workers.slots", 3)
	v.SetDefault("workers.sequential_priority", "critical")
	v.SetDefault("workers.spawn_stagger", "500ms")
	v.SetDefault("workers.worktree_dir", "")
	v.SetDefault("workers.runtime_files", []string{".env", ".env.local"})

	v.SetDefault("merge.max_retries", 3)
	v.SetDefault("merge.retry_delay", "2s")

	v.SetDefault("issues.dir", "issues")

	v.SetDefault("tui.refresh_rate", "100ms")
}

// getUserConfigDir returns the XDG config directory for flotilla.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "flotilla")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "flotilla")
	}
	return filepath.Join(home, ".config", "flotilla")
}

// findProjectConfig searches for .flotilla.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".flotilla.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"-p", "{task}", "--dangerously-skip-permissions"},
			Timeout: 15 * time.Minute,
		},
		Workers: WorkersConfig{
			Slots:              3,
			SequentialPriority: "critical",
			SpawnStagger:       500 * time.Millisecond,
			RuntimeFiles:       []string{".env", ".env.local"},
		},
		Merge: MergeConfig{
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
		},
		Issues: IssuesConfig{
			Dir: "issues",
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}
