package registry

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tuleaj/plugin-aggregator/internal/deps"
	"github.com/tuleaj/plugin-aggregator/internal/events"
	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/process"
	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
	"github.com/tuleaj/plugin-aggregator/internal/store"
)

// defaultEntryPoint is the script launched when a manifest names none
const defaultEntryPoint = "main.py"

// EnvironmentProvider is the slice of the environment manager the
// registry needs to launch plugins.
type EnvironmentProvider interface {
	Active() string
	Interpreter(name string) (string, error)
}

// DependencySyncer reconciles the active environment before a spawn
type DependencySyncer interface {
	Synchronize(ctx context.Context, env string) (types.ResolvedSet, error)
}

// Registry tracks the discovered plugins and orchestrates their
// lifecycle: scan, start (sync then spawn), stop, uninstall. Descriptor
// status follows the supervisor's transitions via the bus.
type Registry struct {
	root       string
	syncer     DependencySyncer
	supervisor *process.Supervisor
	envs       EnvironmentProvider
	store      *store.Store
	bus        *events.Bus
	logger     *logging.Logger

	mu      sync.RWMutex
	plugins map[string]*types.Plugin
}

// New wires a registry over the plugins root
func New(root string, syncer DependencySyncer, supervisor *process.Supervisor, envs EnvironmentProvider, st *store.Store, bus *events.Bus, logger *logging.Logger) *Registry {
	return &Registry{
		root:       root,
		syncer:     syncer,
		supervisor: supervisor,
		envs:       envs,
		store:      st,
		bus:        bus,
		logger:     logger.Component("registry"),
		plugins:    make(map[string]*types.Plugin),
	}
}

// Rehydrate seeds the descriptor table from the store. Called once at
// startup before the first live scan; statuses reset to stopped since no
// process survives a restart.
func (r *Registry) Rehydrate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.store.InstalledPlugins() {
		p := p
		p.Status = types.StatusStopped
		r.plugins[p.Name] = &p
	}
}

// Scan enumerates plugin directories and rebuilds the descriptor table.
// Directories without a valid manifest, or with a duplicate name, are
// skipped with a warning; they never fail the scan.
func (r *Registry) Scan() ([]types.Plugin, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.Internal, err, "cannot scan %s", r.root)
	}

	found := make(map[string]*types.Plugin)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		plugin, err := describe(dir)
		if err != nil {
			r.logger.Warn("skipping plugin directory",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		if _, dup := found[plugin.Name]; dup {
			r.logger.Warn("duplicate plugin name, keeping first",
				zap.String("plugin", plugin.Name), zap.String("dir", dir))
			continue
		}
		if r.supervisor.IsPluginRunning(plugin.Name) {
			plugin.Status = types.StatusRunning
		}
		found[plugin.Name] = plugin
	}

	r.mu.Lock()
	r.plugins = found
	r.mu.Unlock()

	list := r.Plugins()
	if err := r.store.SetInstalledPlugins(list); err != nil {
		r.logger.Warn("could not persist plugin list", zap.Error(err))
	}
	r.bus.Publish(types.Event{Type: types.EventPluginsLoaded})
	return list, nil
}

// describe builds a descriptor from one plugin directory's manifest
func describe(dir string) (*types.Plugin, error) {
	m, err := deps.ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	name := m.Metadata.Name
	if name == "" {
		name = m.Project.Name
	}
	if name == "" {
		return nil, faults.New(faults.ManifestInvalid, "manifest in %s declares no name", dir)
	}

	version := m.Metadata.Version
	if version == "" {
		version = m.Project.Version
	}
	entry := m.Metadata.EntryPoint
	if entry == "" {
		entry = defaultEntryPoint
	}

	return &types.Plugin{
		Name:        name,
		Version:     version,
		Author:      m.Metadata.Author,
		Icon:        m.Metadata.Icon,
		EntryPoint:  entry,
		Path:        dir,
		Status:      types.StatusStopped,
		Description: m.Project.Description,
	}, nil
}

// Plugins returns the descriptors sorted by name
func (r *Registry) Plugins() []types.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks one plugin up by name
func (r *Registry) Get(name string) (types.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return types.Plugin{}, false
	}
	return *p, true
}

// Start sequences a plugin launch: resolve the active environment, sync
// its merged dependency set, then spawn. Each stage fails with its own
// error kind so callers can tell a sync problem from a spawn problem.
// Returns false with nil error when the plugin was already running.
func (r *Registry) Start(ctx context.Context, name string) (bool, error) {
	plugin, ok := r.Get(name)
	if !ok {
		return false, faults.New(faults.PluginNotFound, "no plugin named %s", name)
	}

	env := r.envs.Active()
	if env == "" {
		return false, faults.New(faults.EnvironmentNotFound, "no active environment to run %s in", name)
	}

	if _, err := r.syncer.Synchronize(ctx, env); err != nil {
		r.bus.PluginError(name, "dependency sync failed: "+err.Error())
		return false, err
	}

	interpreter, err := r.envs.Interpreter(env)
	if err != nil {
		return false, err
	}

	return r.supervisor.StartPlugin(name, process.SpawnSpec{
		Executable: interpreter,
		Args:       []string{filepath.Join(plugin.Path, plugin.EntryPoint)},
		WorkingDir: plugin.Path,
	})
}

// Stop stops a running plugin; false when it was not running
func (r *Registry) Stop(name string) bool {
	return r.supervisor.StopPlugin(name)
}

// Uninstall stops a plugin if needed and removes its directory. A failed
// stop fails the uninstall; a directory that is already gone still gets
// its descriptor dropped.
func (r *Registry) Uninstall(name string) error {
	plugin, ok := r.Get(name)
	if !ok {
		return faults.New(faults.PluginNotFound, "no plugin named %s", name)
	}

	if r.supervisor.IsPluginRunning(name) {
		r.supervisor.StopPlugin(name)
		if r.supervisor.IsPluginRunning(name) {
			return faults.New(faults.Internal, "cannot uninstall %s: stop failed", name)
		}
	}

	if _, err := os.Stat(plugin.Path); os.IsNotExist(err) {
		r.drop(name)
		return nil
	}

	if err := os.RemoveAll(plugin.Path); err != nil {
		// Read-only files block removal on some filesystems; force the
		// tree writable and retry once.
		forceWritable(plugin.Path)
		if err := os.RemoveAll(plugin.Path); err != nil {
			return faults.Wrap(faults.Internal, err, "cannot remove %s", plugin.Path)
		}
	}

	r.drop(name)
	r.logger.Info("plugin uninstalled", zap.String("plugin", name))
	r.bus.Notice(types.SeverityInfo, name+" uninstalled")
	return nil
}

func (r *Registry) drop(name string) {
	r.mu.Lock()
	delete(r.plugins, name)
	r.mu.Unlock()
	if err := r.store.SetInstalledPlugins(r.Plugins()); err != nil {
		r.logger.Warn("could not persist plugin list", zap.Error(err))
	}
}

// forceWritable chmods every entry under root so RemoveAll can proceed
func forceWritable(root string) {
	filepath.WalkDir(root, func(path string, _ os.DirEntry, err error) error {
		if err == nil {
			os.Chmod(path, 0o700)
		}
		return nil
	})
}

// Run follows supervisor transitions on the bus and reflects them onto
// descriptors until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ch, cancel := r.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != types.EventPluginStatus || ev.Plugin == "" {
				continue
			}
			r.setStatus(ev.Plugin, ev.Status)
		}
	}
}

func (r *Registry) setStatus(name string, status types.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.plugins[name]; ok {
		p.Status = status
	}
}
