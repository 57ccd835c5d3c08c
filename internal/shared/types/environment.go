package types

import "time"

// Environment describes an isolated interpreter installation
type Environment struct {
	Name          string    `json:"name" toml:"name"`
	Path          string    `json:"path" toml:"path"`
	Interpreter   string    `json:"interpreter" toml:"interpreter"`
	PythonVersion string    `json:"python_version" toml:"python_version"`
	PackageCount  int       `json:"package_count" toml:"package_count"`
	SizeBytes     int64     `json:"size_bytes" toml:"size_bytes"`
	CreatedAt     time.Time `json:"created_at" toml:"created_at"`
	Active        bool      `json:"active" toml:"active"`
}

// Package is one installed (name, version) pair reported by the
// package manager for an environment
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
