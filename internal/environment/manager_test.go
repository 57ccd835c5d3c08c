package environment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuleaj/plugin-aggregator/internal/events"
	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
	"github.com/tuleaj/plugin-aggregator/internal/store"
)

type fakeTool struct {
	venvErr   error
	packages  []types.Package
	listErr   error
	installed []string
}

func (f *fakeTool) Version(context.Context) (string, error) { return "uv 0.5.0", nil }

func (f *fakeTool) CreateVenv(_ context.Context, dir, _ string) error {
	if f.venvErr != nil {
		return f.venvErr
	}
	return plantInterpreter(dir)
}

func (f *fakeTool) PythonVersion(context.Context, string) (string, error) {
	return "Python 3.12.1", nil
}

func (f *fakeTool) ListPackages(context.Context, string) ([]types.Package, error) {
	return f.packages, f.listErr
}

func (f *fakeTool) Install(_ context.Context, _, spec, _ string) error {
	f.installed = append(f.installed, spec)
	return nil
}

// plantInterpreter lays down the nested venv layout uv produces
func plantInterpreter(dir string) error {
	bin := filepath.Join(dir, ".venv", "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(bin, "python"), []byte("#!/bin/sh\n"), 0o755)
}

func newTestManager(t *testing.T, tool PackageTool) (*Manager, *store.Store, string) {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "config.toml"), logging.NewNop())
	require.NoError(t, err)
	m := NewManager(root, tool, st, events.NewBus(), logging.NewNop())
	return m, st, root
}

func TestCreateProvisionsEnvironment(t *testing.T) {
	m, st, root := newTestManager(t, &fakeTool{})

	env, err := m.Create(context.Background(), "main", "3.12")
	require.NoError(t, err)

	assert.Equal(t, "main", env.Name)
	assert.Equal(t, "Python 3.12.1", env.PythonVersion)
	assert.FileExists(t, filepath.Join(root, "main", "pyproject.toml"))
	assert.FileExists(t, env.Interpreter)

	stored := st.Environments()
	require.Len(t, stored, 1)
	assert.Equal(t, "main", stored[0].Name)
}

func TestCreateRejectsExistingDirectory(t *testing.T) {
	m, _, root := newTestManager(t, &fakeTool{})
	dir := filepath.Join(root, "main")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	marker := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(marker, []byte("untouched"), 0o644))

	_, err := m.Create(context.Background(), "main", "3.12")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.EnvironmentExists))
	assert.Contains(t, err.Error(), "already exists")

	content, readErr := os.ReadFile(marker)
	require.NoError(t, readErr)
	assert.Equal(t, "untouched", string(content), "existing directory must not be mutated")
}

func TestCreateRollsBackOnVenvFailure(t *testing.T) {
	m, st, root := newTestManager(t, &fakeTool{venvErr: errors.New("no such python")})

	_, err := m.Create(context.Background(), "main", "3.99")
	require.Error(t, err)

	assert.NoDirExists(t, filepath.Join(root, "main"))
	assert.Empty(t, st.Environments())
}

func TestInterpreterResolution(t *testing.T) {
	m, _, root := newTestManager(t, &fakeTool{})

	// Nested layout
	require.NoError(t, plantInterpreter(filepath.Join(root, "nested")))
	p, err := m.Interpreter("nested")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "nested", ".venv", "bin", "python"), p)

	// Flat layout
	flat := filepath.Join(root, "flat", "bin")
	require.NoError(t, os.MkdirAll(flat, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(flat, "python"), nil, 0o755))
	p, err = m.Interpreter("flat")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "flat", "bin", "python"), p)

	_, err = m.Interpreter("ghost")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.EnvironmentNotFound))
}

func TestRescanFindsOnlyRealEnvironments(t *testing.T) {
	tool := &fakeTool{packages: []types.Package{{Name: "requests", Version: "2.31.0"}}}
	m, st, root := newTestManager(t, tool)

	require.NoError(t, plantInterpreter(filepath.Join(root, "main")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-an-env"), 0o755))

	envs, err := m.Rescan(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "main", envs[0].Name)
	assert.Equal(t, 1, envs[0].PackageCount)
	assert.Equal(t, "Python 3.12.1", envs[0].PythonVersion)
	assert.Positive(t, envs[0].SizeBytes)

	stored := st.Environments()
	require.Len(t, stored, 1)
	assert.Equal(t, "main", stored[0].Name)
}

func TestRescanStampsCreationTime(t *testing.T) {
	m, st, root := newTestManager(t, &fakeTool{})
	require.NoError(t, plantInterpreter(filepath.Join(root, "main")))

	envs, err := m.Rescan(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.False(t, envs[0].CreatedAt.IsZero(), "environments unknown to the store get a fallback creation time")

	stored := st.Environments()
	require.Len(t, stored, 1)
	assert.False(t, stored[0].CreatedAt.IsZero())
}

func TestSetActive(t *testing.T) {
	m, _, root := newTestManager(t, &fakeTool{})
	require.NoError(t, plantInterpreter(filepath.Join(root, "main")))

	require.NoError(t, m.SetActive("main"))
	assert.Equal(t, "main", m.Active())

	envs := m.List()
	require.Len(t, envs, 0, "list reflects the store, which has no rescan yet")

	_, err := m.Rescan(context.Background())
	require.NoError(t, err)
	envs = m.List()
	require.Len(t, envs, 1)
	assert.True(t, envs[0].Active)

	err = m.SetActive("ghost")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.EnvironmentNotFound))
}

func TestInstallPackageRequiresInterpreter(t *testing.T) {
	tool := &fakeTool{}
	m, _, root := newTestManager(t, tool)

	err := m.InstallPackage(context.Background(), "ghost", "rich>=13", "")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.EnvironmentNotFound))
	assert.Empty(t, tool.installed)

	require.NoError(t, plantInterpreter(filepath.Join(root, "main")))
	require.NoError(t, m.InstallPackage(context.Background(), "main", "rich>=13", ""))
	assert.Equal(t, []string{"rich>=13"}, tool.installed)
}

func TestDeleteRemovesDiskAndStore(t *testing.T) {
	m, st, root := newTestManager(t, &fakeTool{})
	require.NoError(t, plantInterpreter(filepath.Join(root, "main")))
	_, err := m.Rescan(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Delete("main"))
	assert.NoDirExists(t, filepath.Join(root, "main"))
	assert.Empty(t, st.Environments())

	err = m.Delete("main")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.EnvironmentNotFound))
}
