package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all process-level configuration. User-facing settings that
// must survive restarts (mirrors, environments, plugin list) live in the
// TOML store instead.
type Config struct {
	Server   ServerConfig
	Paths    PathConfig
	Timeouts TimeoutConfig
	Process  ProcessConfig
	Logging  LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8090"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// PathConfig holds filesystem layout configuration.
type PathConfig struct {
	PluginsDir string `envconfig:"PLUGINS_DIR" default:"plugins"`
	EnvsDir    string `envconfig:"ENVS_DIR" default:"envs"`
	ConfigFile string `envconfig:"CONFIG_FILE" default:"config.toml"`
	UVBinary   string `envconfig:"UV_BINARY" default:"uv"`
}

// TimeoutConfig bounds every external tool invocation. A timeout is always
// treated as a failure and takes the same cleanup path as an error.
type TimeoutConfig struct {
	Sync      time.Duration `envconfig:"SYNC_TIMEOUT" default:"300s"`
	EnvCreate time.Duration `envconfig:"ENV_CREATE_TIMEOUT" default:"60s"`
	Install   time.Duration `envconfig:"INSTALL_TIMEOUT" default:"300s"`
	Probe     time.Duration `envconfig:"PROBE_TIMEOUT" default:"10s"`
	List      time.Duration `envconfig:"LIST_TIMEOUT" default:"30s"`
}

// ProcessConfig tunes the supervisor.
type ProcessConfig struct {
	// Exit codes besides 0 treated as a normal exit. Empirically observed
	// per platform/tool rather than contractual, hence configurable.
	BenignExitCodes []int         `envconfig:"BENIGN_EXIT_CODES" default:"1,62097"`
	StartupVerify   time.Duration `envconfig:"STARTUP_VERIFY_DELAY" default:"1500ms"`
	StopGrace       time.Duration `envconfig:"STOP_GRACE" default:"5s"`
	KillGrace       time.Duration `envconfig:"KILL_GRACE" default:"1s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8090", Host: "127.0.0.1"},
		Paths: PathConfig{
			PluginsDir: "plugins",
			EnvsDir:    "envs",
			ConfigFile: "config.toml",
			UVBinary:   "uv",
		},
		Timeouts: TimeoutConfig{
			Sync:      300 * time.Second,
			EnvCreate: 60 * time.Second,
			Install:   300 * time.Second,
			Probe:     10 * time.Second,
			List:      30 * time.Second,
		},
		Process: ProcessConfig{
			BenignExitCodes: []int{1, 62097},
			StartupVerify:   1500 * time.Millisecond,
			StopGrace:       5 * time.Second,
			KillGrace:       time.Second,
		},
		Logging: LogConfig{Level: "info", Development: false},
	}
}
