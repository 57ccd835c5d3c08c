package types

// Status represents plugin lifecycle states
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Plugin describes a discovered plugin bundle
type Plugin struct {
	Name        string `json:"name" toml:"name"`
	Version     string `json:"version" toml:"version"`
	Author      string `json:"author" toml:"author"`
	Icon        string `json:"icon" toml:"icon"`
	EntryPoint  string `json:"entry_point" toml:"entry_point"`
	Path        string `json:"path" toml:"path"`
	Status      Status `json:"status" toml:"status"`
	Description string `json:"description" toml:"description"`
}

// Manifest is the on-disk pyproject.toml shape for a plugin bundle.
// The [plugin-metadata] table carries launcher metadata; the standard
// [project] table carries the description and dependency list.
type Manifest struct {
	Project  ManifestProject  `toml:"project"`
	Metadata ManifestMetadata `toml:"plugin-metadata"`
}

// ManifestProject mirrors the [project] table
type ManifestProject struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Description  string   `toml:"description"`
	Dependencies []string `toml:"dependencies"`
}

// ManifestMetadata mirrors the [plugin-metadata] table
type ManifestMetadata struct {
	Name       string `toml:"name"`
	Version    string `toml:"version"`
	Author     string `toml:"author"`
	Icon       string `toml:"icon"`
	EntryPoint string `toml:"entry_point"`
}
