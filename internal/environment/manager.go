package environment

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"

	"github.com/tuleaj/plugin-aggregator/internal/deps"
	"github.com/tuleaj/plugin-aggregator/internal/events"
	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
	"github.com/tuleaj/plugin-aggregator/internal/store"
)

// PackageTool is the slice of the uv runner the manager needs
type PackageTool interface {
	Version(ctx context.Context) (string, error)
	CreateVenv(ctx context.Context, dir, pythonVersion string) error
	PythonVersion(ctx context.Context, interpreter string) (string, error)
	ListPackages(ctx context.Context, interpreter string) ([]types.Package, error)
	Install(ctx context.Context, interpreter, spec, indexURL string) error
}

// Manager owns the environments directory: creation, deletion, discovery,
// and interpreter resolution. The store is the source of truth across
// restarts; the manager rehydrates from it before any live rescan.
type Manager struct {
	root   string
	tool   PackageTool
	store  *store.Store
	bus    *events.Bus
	logger *logging.Logger
}

// NewManager wires an environment manager over the given envs root
func NewManager(root string, tool PackageTool, st *store.Store, bus *events.Bus, logger *logging.Logger) *Manager {
	return &Manager{
		root:   root,
		tool:   tool,
		store:  st,
		bus:    bus,
		logger: logger.Component("environment"),
	}
}

// EnvironmentDir returns the directory an environment lives in
func (m *Manager) EnvironmentDir(name string) string {
	return filepath.Join(m.root, name)
}

// Interpreter resolves an environment's Python executable. The venv may
// sit either at the environment root or nested under .venv.
func (m *Manager) Interpreter(name string) (string, error) {
	dir := m.EnvironmentDir(name)
	if p, ok := interpreterIn(dir); ok {
		return p, nil
	}
	return "", faults.New(faults.EnvironmentNotFound, "no interpreter found for environment %s", name)
}

// interpreterIn probes the platform-specific interpreter locations
func interpreterIn(dir string) (string, bool) {
	suffix := filepath.Join("bin", "python")
	if runtime.GOOS == "windows" {
		suffix = filepath.Join("Scripts", "python.exe")
	}
	for _, candidate := range []string{
		filepath.Join(dir, ".venv", suffix),
		filepath.Join(dir, suffix),
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// Create provisions a new environment: a project manifest plus a venv
// built by the package tool. An existing directory fails the request
// before anything on disk is touched.
func (m *Manager) Create(ctx context.Context, name, pythonVersion string) (types.Environment, error) {
	dir := m.EnvironmentDir(name)
	if _, err := os.Stat(dir); err == nil {
		return types.Environment{}, faults.New(faults.EnvironmentExists,
			"environment %s already exists at %s", name, dir)
	}

	if _, err := m.tool.Version(ctx); err != nil {
		return types.Environment{}, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Environment{}, faults.Wrap(faults.Internal, err, "cannot create %s", dir)
	}

	manifest, err := deps.GenerateManifest(name, nil)
	if err != nil {
		m.rollbackCreate(dir)
		return types.Environment{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, deps.ManifestName), manifest, 0o644); err != nil {
		m.rollbackCreate(dir)
		return types.Environment{}, faults.Wrap(faults.Internal, err, "cannot write manifest for %s", name)
	}

	if err := m.tool.CreateVenv(ctx, dir, pythonVersion); err != nil {
		m.rollbackCreate(dir)
		return types.Environment{}, err
	}

	interpreter, ok := interpreterIn(dir)
	if !ok {
		m.rollbackCreate(dir)
		return types.Environment{}, faults.New(faults.EnvironmentNotFound,
			"venv for %s was created but no interpreter appeared", name)
	}

	version, err := m.tool.PythonVersion(ctx, interpreter)
	if err != nil {
		m.logger.Warn("interpreter version probe failed",
			zap.String("environment", name), zap.Error(err))
		version = pythonVersion
	}

	env := types.Environment{
		Name:          name,
		Path:          dir,
		Interpreter:   interpreter,
		PythonVersion: version,
		CreatedAt:     time.Now(),
	}
	m.persist(env)

	m.logger.Info("environment created",
		zap.String("environment", name),
		zap.String("python", version))
	m.bus.Publish(types.Event{Type: types.EventEnvCreated, Environment: name})
	return env, nil
}

// persist upserts one environment into the store's list
func (m *Manager) persist(env types.Environment) {
	envs := m.store.Environments()
	replaced := false
	for i := range envs {
		if envs[i].Name == env.Name {
			envs[i] = env
			replaced = true
			break
		}
	}
	if !replaced {
		envs = append(envs, env)
	}
	if err := m.store.SetEnvironments(envs); err != nil {
		m.logger.Warn("could not persist environment list", zap.Error(err))
	}
}

func (m *Manager) rollbackCreate(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("could not roll back partial environment",
			zap.String("dir", dir), zap.Error(err))
	}
}

// Delete removes an environment from disk and from the store
func (m *Manager) Delete(name string) error {
	dir := m.EnvironmentDir(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return faults.New(faults.EnvironmentNotFound, "environment %s does not exist", name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return faults.Wrap(faults.Internal, err, "cannot delete environment %s", name)
	}
	if err := m.store.RemoveEnvironment(name); err != nil {
		return err
	}
	m.logger.Info("environment deleted", zap.String("environment", name))
	m.bus.Publish(types.Event{Type: types.EventEnvDeleted, Environment: name})
	return nil
}

// List returns the store's environment cache, rehydrated state that is
// valid before any live rescan has run.
func (m *Manager) List() []types.Environment {
	envs := m.store.Environments()
	m.applyActive(envs)
	return envs
}

// Rescan walks the envs root and rebuilds the environment list from what
// is actually on disk, persisting the result. Slow fields (package count,
// size) are filled per environment; a failing probe degrades that one
// entry instead of the whole scan.
func (m *Manager) Rescan(ctx context.Context) ([]types.Environment, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.Internal, err, "cannot scan %s", m.root)
	}

	known := make(map[string]types.Environment)
	for _, env := range m.store.Environments() {
		known[env.Name] = env
	}

	var envs []types.Environment
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		dir := m.EnvironmentDir(name)
		interpreter, ok := interpreterIn(dir)
		if !ok {
			m.logger.Debug("skipping directory without interpreter", zap.String("dir", dir))
			continue
		}

		env := known[name]
		env.Name = name
		env.Path = dir
		env.Interpreter = interpreter
		if env.CreatedAt.IsZero() {
			// Environment predates the store; the directory mtime is the
			// closest thing to a creation time we have.
			if info, err := entry.Info(); err == nil {
				env.CreatedAt = info.ModTime()
			} else {
				env.CreatedAt = time.Now()
			}
		}
		m.probe(ctx, &env)
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Name < envs[j].Name })

	if err := m.store.SetEnvironments(envs); err != nil {
		return nil, err
	}
	m.applyActive(envs)
	m.bus.Publish(types.Event{Type: types.EventEnvUpdated})
	return envs, nil
}

// probe fills the slow descriptor fields for one environment
func (m *Manager) probe(ctx context.Context, env *types.Environment) {
	if version, err := m.tool.PythonVersion(ctx, env.Interpreter); err == nil {
		env.PythonVersion = version
	}
	if pkgs, err := m.tool.ListPackages(ctx, env.Interpreter); err == nil {
		env.PackageCount = len(pkgs)
	} else {
		m.logger.Warn("package listing failed",
			zap.String("environment", env.Name), zap.Error(err))
	}
	env.SizeBytes = dirSize(env.Path)
}

// SetActive marks one environment current; exactly one may be active
func (m *Manager) SetActive(name string) error {
	dir := m.EnvironmentDir(name)
	if _, ok := interpreterIn(dir); !ok {
		return faults.New(faults.EnvironmentNotFound, "cannot activate %s: no interpreter", name)
	}
	if err := m.store.SetCurrentEnvironment(name, dir); err != nil {
		return err
	}
	m.bus.Publish(types.Event{Type: types.EventEnvUpdated, Environment: name})
	return nil
}

// Active returns the current environment name, empty when none is set
func (m *Manager) Active() string {
	name, _ := m.store.CurrentEnvironment()
	return name
}

func (m *Manager) applyActive(envs []types.Environment) {
	active := m.Active()
	for i := range envs {
		envs[i].Active = envs[i].Name == active
	}
}

// Packages lists the installed packages of one environment
func (m *Manager) Packages(ctx context.Context, name string) ([]types.Package, error) {
	interpreter, err := m.Interpreter(name)
	if err != nil {
		return nil, err
	}
	return m.tool.ListPackages(ctx, interpreter)
}

// InstallPackage installs a single requirement into one environment,
// outside the manifest-driven sync path. indexURL may be empty for the
// tool's default index.
func (m *Manager) InstallPackage(ctx context.Context, name, spec, indexURL string) error {
	interpreter, err := m.Interpreter(name)
	if err != nil {
		return err
	}
	if err := m.tool.Install(ctx, interpreter, spec, indexURL); err != nil {
		return err
	}
	m.logger.Info("package installed",
		zap.String("environment", name), zap.String("package", spec))
	m.bus.Publish(types.Event{Type: types.EventEnvUpdated, Environment: name})
	return nil
}

// dirSize sums file sizes under root with a parallel walk; environments
// hold tens of thousands of small files, so the walk is the hot path of
// a rescan.
func dirSize(root string) int64 {
	var total atomic.Int64
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			total.Add(info.Size())
		}
		return nil
	})
	if err != nil {
		return 0
	}
	return total.Load()
}
