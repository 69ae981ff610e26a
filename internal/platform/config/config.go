// Package config provides configuration management for the task engine.
// It supports loading configuration from environment variables, a config
// file, and defaults, in the same layering order the rest of the pack uses.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the task engine.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Assistant AssistantConfig `mapstructure:"assistant"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP control-surface configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StorageConfig holds persistence gateway configuration.
type StorageConfig struct {
	// Driver selects the storage backend: memory, sqlite, or postgres.
	Driver string `mapstructure:"driver"`
	// URL is passed through unparsed to the chosen driver (DATABASE_URL).
	URL string `mapstructure:"url"`
}

// NATSConfig holds NATS event-bus configuration. An empty URL selects the
// in-memory event bus instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	// SubscriberBufferSize bounds each fan-out subscriber's event channel
	// (spec §4.7: default 64). A subscriber that falls this far behind is
	// dropped with a kSubscriberLagged signal rather than blocking publish.
	SubscriberBufferSize int `mapstructure:"subscriberBufferSize"`
}

// DockerConfig holds configuration for the optional Docker execution backend.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
}

// AssistantConfig holds the assistant subprocess invocation configuration.
type AssistantConfig struct {
	// Command is the executable name/path (env ASSISTANT_COMMAND, default "assistant").
	Command string `mapstructure:"command"`
	// Runner selects the execution backend: exec (default) or docker.
	Runner string `mapstructure:"runner"`
	// IdleTimeoutSeconds is how long E waits for an event before treating the
	// subprocess as hung (spec §5: 300s).
	IdleTimeoutSeconds int `mapstructure:"idleTimeoutSeconds"`
	// DrainWindowSeconds is how long a cooperative stop waits before force-kill
	// (spec §4.3/§5: 2s).
	DrainWindowSeconds int `mapstructure:"drainWindowSeconds"`
	// MaxRecordBytes bounds a single NDJSON record (spec §4.3: 256 KB).
	MaxRecordBytes int `mapstructure:"maxRecordBytes"`
}

// WorkspaceConfig holds git worktree isolation configuration.
type WorkspaceConfig struct {
	// DefaultWorkspaceRoot is the default root_path for tasks that omit one
	// (env DEFAULT_WORKSPACE_ROOT).
	DefaultWorkspaceRoot string `mapstructure:"defaultWorkspaceRoot"`
	// IsolatedSubdir names the per-repo subdirectory holding isolated
	// worktrees (env ISOLATED_SUBDIR, default ".isolated").
	IsolatedSubdir string `mapstructure:"isolatedSubdir"`
	// MaxPerRepo is loaded from configuration but not passed to the
	// workspace manager; no per-repository worktree bound is enforced.
	MaxPerRepo int `mapstructure:"maxPerRepo"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Spec §6 names these four environment variables explicitly; bind them
	// without the TASKENGINE_ prefix since they are the core's own contract.
	_ = v.BindEnv("assistant.command", "ASSISTANT_COMMAND")
	_ = v.BindEnv("storage.url", "DATABASE_URL")
	_ = v.BindEnv("workspace.defaultWorkspaceRoot", "DEFAULT_WORKSPACE_ROOT")
	_ = v.BindEnv("workspace.isolatedSubdir", "ISOLATED_SUBDIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskengine/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.url", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskengine")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subscriberBufferSize", 64)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "")

	v.SetDefault("assistant.command", "assistant")
	v.SetDefault("assistant.runner", "exec")
	v.SetDefault("assistant.idleTimeoutSeconds", 300)
	v.SetDefault("assistant.drainWindowSeconds", 2)
	v.SetDefault("assistant.maxRecordBytes", 256*1024)

	v.SetDefault("workspace.defaultWorkspaceRoot", "")
	v.SetDefault("workspace.isolatedSubdir", ".isolated")
	v.SetDefault("workspace.maxPerRepo", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, "storage.driver must be one of: memory, sqlite, postgres")
	}

	switch cfg.Assistant.Runner {
	case "exec", "docker":
	default:
		errs = append(errs, "assistant.runner must be one of: exec, docker")
	}

	if cfg.Assistant.Command == "" {
		errs = append(errs, "assistant.command must not be empty")
	}
	if cfg.Assistant.MaxRecordBytes <= 0 {
		errs = append(errs, "assistant.maxRecordBytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
