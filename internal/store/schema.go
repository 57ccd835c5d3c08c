package store

import "github.com/tuleaj/plugin-aggregator/internal/shared/types"

// Schema is the full shape of config.toml. Unknown keys in the file are
// ignored on load; defaults fill anything missing.
type Schema struct {
	App          AppSection         `toml:"app"`
	Mirrors      MirrorSection      `toml:"mirrors"`
	Environments EnvironmentSection `toml:"environments"`
	Plugins      PluginSection      `toml:"plugins"`
}

// AppSection carries general application settings
type AppSection struct {
	Name     string `toml:"name"`
	LogLevel string `toml:"log_level"`
	Debug    bool   `toml:"debug"`
}

// MirrorSection configures package index mirrors
type MirrorSection struct {
	Enabled    bool           `toml:"enabled"`
	TimeoutSec int            `toml:"timeout_seconds"`
	RetryCount int            `toml:"retry_count"`
	Sources    []MirrorSource `toml:"sources"`
}

// MirrorSource is one prioritized index URL. Lower priority value wins.
type MirrorSource struct {
	Name     string `toml:"name"`
	URL      string `toml:"url"`
	Priority int    `toml:"priority"`
	Enabled  bool   `toml:"enabled"`
}

// EnvironmentSection persists the known environments and the current
// selection across restarts
type EnvironmentSection struct {
	Current     string              `toml:"current"`
	CurrentPath string              `toml:"current_path"`
	Known       []types.Environment `toml:"known"`
}

// PluginSection persists installed plugin metadata
type PluginSection struct {
	Installed []types.Plugin `toml:"installed"`
}

// DefaultSchema returns the schema written on first start
func DefaultSchema() Schema {
	return Schema{
		App: AppSection{
			Name:     "plugin-aggregator",
			LogLevel: "info",
		},
		Mirrors: MirrorSection{
			Enabled:    false,
			TimeoutSec: 30,
			RetryCount: 3,
			Sources: []MirrorSource{
				{Name: "pypi", URL: "https://pypi.org/simple", Priority: 100, Enabled: true},
			},
		},
	}
}

func (s Schema) clone() Schema {
	out := s
	out.Mirrors.Sources = append([]MirrorSource(nil), s.Mirrors.Sources...)
	out.Environments.Known = append([]types.Environment(nil), s.Environments.Known...)
	out.Plugins.Installed = append([]types.Plugin(nil), s.Plugins.Installed...)
	return out
}
