package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuleaj/plugin-aggregator/internal/config"
	"github.com/tuleaj/plugin-aggregator/internal/events"
	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/process"
	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
	"github.com/tuleaj/plugin-aggregator/internal/store"
)

type fakeSyncer struct {
	err   error
	calls atomic.Int32
}

func (f *fakeSyncer) Synchronize(context.Context, string) (types.ResolvedSet, error) {
	f.calls.Add(1)
	return types.ResolvedSet{}, f.err
}

type fakeEnvs struct {
	active      string
	interpreter string
}

func (f fakeEnvs) Active() string { return f.active }

func (f fakeEnvs) Interpreter(name string) (string, error) {
	if f.interpreter == "" {
		return "", faults.New(faults.EnvironmentNotFound, "no interpreter for %s", name)
	}
	return f.interpreter, nil
}

type idleHandle struct {
	done chan struct{}
	ch   chan process.Notification
}

func newIdleHandle() *idleHandle {
	return &idleHandle{done: make(chan struct{}), ch: make(chan process.Notification, 4)}
}

func (h *idleHandle) Pid() int { return 42 }

func (h *idleHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *idleHandle) Terminate() error {
	select {
	case <-h.done:
	default:
		close(h.done)
		h.ch <- process.Notification{Kind: process.NotifyFinished}
		close(h.ch)
	}
	return nil
}

func (h *idleHandle) Kill() error { return h.Terminate() }

func (h *idleHandle) WaitExit(d time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (h *idleHandle) Notifications() <-chan process.Notification { return h.ch }

type env struct {
	reg     *Registry
	syncer  *fakeSyncer
	spawned *atomic.Int32
	st      *store.Store
	root    string
}

func newTestRegistry(t *testing.T, syncErr error, envProvider EnvironmentProvider) env {
	t.Helper()
	root := t.TempDir()
	bus := events.NewBus()
	st, err := store.Open(filepath.Join(t.TempDir(), "config.toml"), logging.NewNop())
	require.NoError(t, err)

	var spawned atomic.Int32
	spawner := func(process.SpawnSpec) (process.Handle, error) {
		spawned.Add(1)
		return newIdleHandle(), nil
	}
	sup := process.NewSupervisor(config.Default().Process, bus, logging.NewNop(), spawner)
	syncer := &fakeSyncer{err: syncErr}

	reg := New(root, syncer, sup, envProvider, st, bus, logging.NewNop())
	return env{reg: reg, syncer: syncer, spawned: &spawned, st: st, root: root}
}

func writePlugin(t *testing.T, root, dir, manifest string) string {
	t.Helper()
	path := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "pyproject.toml"), []byte(manifest), 0o644))
	return path
}

const weatherManifest = `
[project]
name = "weather"
version = "1.2.0"
description = "Weather dashboard"
dependencies = ["requests>=2.31.0"]

[plugin-metadata]
name = "weather"
version = "1.2.0"
author = "jane"
entry_point = "weather.py"
`

func TestScanSkipsInvalidAndKeepsValid(t *testing.T) {
	te := newTestRegistry(t, nil, fakeEnvs{})
	writePlugin(t, te.root, "weather", weatherManifest)
	writePlugin(t, te.root, "broken", "[project\nname=")
	writePlugin(t, te.root, "nameless", "[project]\nversion = '1.0'\n")
	require.NoError(t, os.MkdirAll(filepath.Join(te.root, "empty"), 0o755))

	plugins, err := te.reg.Scan()
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "weather", plugins[0].Name)
	assert.Equal(t, "weather.py", plugins[0].EntryPoint)
	assert.Equal(t, types.StatusStopped, plugins[0].Status)

	// Scan persists the descriptor list
	stored := te.st.InstalledPlugins()
	require.Len(t, stored, 1)
	assert.Equal(t, "weather", stored[0].Name)
}

func TestScanSkipsDuplicateNames(t *testing.T) {
	te := newTestRegistry(t, nil, fakeEnvs{})
	writePlugin(t, te.root, "a-weather", weatherManifest)
	writePlugin(t, te.root, "b-weather", weatherManifest)

	plugins, err := te.reg.Scan()
	require.NoError(t, err)
	assert.Len(t, plugins, 1)
}

func TestStartUnknownPlugin(t *testing.T) {
	te := newTestRegistry(t, nil, fakeEnvs{active: "main", interpreter: "py"})

	_, err := te.reg.Start(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.PluginNotFound))
}

func TestStartWithoutActiveEnvironment(t *testing.T) {
	te := newTestRegistry(t, nil, fakeEnvs{})
	writePlugin(t, te.root, "weather", weatherManifest)
	_, err := te.reg.Scan()
	require.NoError(t, err)

	_, err = te.reg.Start(context.Background(), "weather")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.EnvironmentNotFound))
	assert.Zero(t, te.spawned.Load())
}

func TestStartSyncFailureAbortsSpawn(t *testing.T) {
	te := newTestRegistry(t, faults.New(faults.SyncFailed, "tool exploded"),
		fakeEnvs{active: "main", interpreter: "py"})
	writePlugin(t, te.root, "weather", weatherManifest)
	_, err := te.reg.Scan()
	require.NoError(t, err)

	_, err = te.reg.Start(context.Background(), "weather")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.SyncFailed))
	assert.Zero(t, te.spawned.Load(), "spawn must not be attempted after a failed sync")
}

func TestStartSyncsBeforeSpawn(t *testing.T) {
	te := newTestRegistry(t, nil, fakeEnvs{active: "main", interpreter: "/envs/main/.venv/bin/python"})
	writePlugin(t, te.root, "weather", weatherManifest)
	_, err := te.reg.Scan()
	require.NoError(t, err)

	ok, err := te.reg.Start(context.Background(), "weather")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), te.syncer.calls.Load())
	assert.Equal(t, int32(1), te.spawned.Load())

	// Second start: the environment re-syncs (shared substrate), but the
	// supervisor rejects the duplicate before any spawn.
	ok, err = te.reg.Start(context.Background(), "weather")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(2), te.syncer.calls.Load())
	assert.Equal(t, int32(1), te.spawned.Load())
}

func TestStopNotRunning(t *testing.T) {
	te := newTestRegistry(t, nil, fakeEnvs{})
	assert.False(t, te.reg.Stop("weather"))
}

func TestUninstallRemovesDirectoryAndDescriptor(t *testing.T) {
	te := newTestRegistry(t, nil, fakeEnvs{})
	dir := writePlugin(t, te.root, "weather", weatherManifest)
	_, err := te.reg.Scan()
	require.NoError(t, err)

	require.NoError(t, te.reg.Uninstall("weather"))
	assert.NoDirExists(t, dir)
	_, ok := te.reg.Get("weather")
	assert.False(t, ok)
	assert.Empty(t, te.st.InstalledPlugins())
}

func TestUninstallMissingDirectoryStillDrops(t *testing.T) {
	te := newTestRegistry(t, nil, fakeEnvs{})
	dir := writePlugin(t, te.root, "weather", weatherManifest)
	_, err := te.reg.Scan()
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	require.NoError(t, te.reg.Uninstall("weather"))
	_, ok := te.reg.Get("weather")
	assert.False(t, ok)
}

func TestRehydrateSeedsFromStore(t *testing.T) {
	te := newTestRegistry(t, nil, fakeEnvs{})
	require.NoError(t, te.st.SetInstalledPlugins([]types.Plugin{
		{Name: "weather", Version: "1.2.0", Status: types.StatusRunning},
	}))

	te.reg.Rehydrate()
	p, ok := te.reg.Get("weather")
	require.True(t, ok)
	assert.Equal(t, types.StatusStopped, p.Status, "no process survives a restart")
}

func TestRunReflectsStatusEvents(t *testing.T) {
	te := newTestRegistry(t, nil, fakeEnvs{})
	writePlugin(t, te.root, "weather", weatherManifest)
	_, err := te.reg.Scan()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go te.reg.Run(ctx)

	// Let Run subscribe before publishing
	time.Sleep(20 * time.Millisecond)
	te.reg.bus.PluginStatus("weather", types.StatusRunning)

	require.Eventually(t, func() bool {
		p, _ := te.reg.Get("weather")
		return p.Status == types.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)
}
