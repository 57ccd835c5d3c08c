package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
)

// Store is the persisted configuration file: mirror sources, the known
// environment list with the current selection, and the installed plugin
// list. It is the source of truth across restarts; in-memory caches are
// rehydrated from it before any live rescan.
//
// Saves go through a temp file and rename so a crash mid-write never
// leaves a torn file behind.
type Store struct {
	mu     sync.RWMutex
	path   string
	data   Schema
	logger *logging.Logger
}

// Open loads the store from path, creating it with defaults when absent.
func Open(path string, logger *logging.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		data:   DefaultSchema(),
		logger: logger.Component("store"),
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("no config file, writing defaults", zap.String("path", path))
		if err := s.save(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		loaded := DefaultSchema()
		if err := toml.Unmarshal(raw, &loaded); err != nil {
			return nil, err
		}
		s.data = loaded
	}
	return s, nil
}

// save writes the schema atomically. Caller must hold mu.
func (s *Store) save() error {
	raw, err := toml.Marshal(s.data)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Update applies fn to the schema under the write lock and persists the
// result. fn must not retain the pointer past its return.
func (s *Store) Update(fn func(*Schema)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
	return s.save()
}

// Snapshot returns a copy of the current schema
func (s *Store) Snapshot() Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.clone()
}

// CurrentEnvironment returns the configured current environment name and
// path; either may be empty when never set.
func (s *Store) CurrentEnvironment() (name, path string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Environments.Current, s.data.Environments.CurrentPath
}

// SetCurrentEnvironment records the active environment
func (s *Store) SetCurrentEnvironment(name, path string) error {
	return s.Update(func(sc *Schema) {
		sc.Environments.Current = name
		sc.Environments.CurrentPath = path
	})
}

// Environments returns the persisted environment descriptors
func (s *Store) Environments() []types.Environment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Environment, len(s.data.Environments.Known))
	copy(out, s.data.Environments.Known)
	return out
}

// SetEnvironments replaces the persisted environment list
func (s *Store) SetEnvironments(envs []types.Environment) error {
	return s.Update(func(sc *Schema) {
		sc.Environments.Known = append([]types.Environment(nil), envs...)
	})
}

// RemoveEnvironment drops one environment from the persisted list and
// clears the current selection if it pointed at it.
func (s *Store) RemoveEnvironment(name string) error {
	return s.Update(func(sc *Schema) {
		kept := sc.Environments.Known[:0]
		for _, e := range sc.Environments.Known {
			if e.Name != name {
				kept = append(kept, e)
			}
		}
		sc.Environments.Known = kept
		if sc.Environments.Current == name {
			sc.Environments.Current = ""
			sc.Environments.CurrentPath = ""
		}
	})
}

// MirrorSources returns the configured mirror list
func (s *Store) MirrorSources() []MirrorSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MirrorSource, len(s.data.Mirrors.Sources))
	copy(out, s.data.Mirrors.Sources)
	return out
}

// MirrorsEnabled reports whether mirror selection is switched on at all
func (s *Store) MirrorsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Mirrors.Enabled
}

// SetMirrorsEnabled toggles mirror selection
func (s *Store) SetMirrorsEnabled(enabled bool) error {
	return s.Update(func(sc *Schema) {
		sc.Mirrors.Enabled = enabled
	})
}

// SetMirrorSources replaces the configured mirror list
func (s *Store) SetMirrorSources(sources []MirrorSource) error {
	return s.Update(func(sc *Schema) {
		sc.Mirrors.Sources = append([]MirrorSource(nil), sources...)
	})
}

// InstalledPlugins returns the persisted plugin descriptors
func (s *Store) InstalledPlugins() []types.Plugin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Plugin, len(s.data.Plugins.Installed))
	copy(out, s.data.Plugins.Installed)
	return out
}

// SetInstalledPlugins replaces the persisted plugin list
func (s *Store) SetInstalledPlugins(plugins []types.Plugin) error {
	return s.Update(func(sc *Schema) {
		sc.Plugins.Installed = append([]types.Plugin(nil), plugins...)
	})
}

// Path returns the backing file location
func (s *Store) Path() string {
	return s.path
}

// Dir returns the directory containing the backing file
func (s *Store) Dir() string {
	return filepath.Dir(s.path)
}
