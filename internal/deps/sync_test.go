package deps

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuleaj/plugin-aggregator/internal/events"
	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
	"github.com/tuleaj/plugin-aggregator/internal/uv"
)

type fakeLocator struct {
	dir         string
	interpreter string
}

func (f fakeLocator) EnvironmentDir(string) string { return f.dir }

func (f fakeLocator) Interpreter(name string) (string, error) {
	if f.interpreter == "" {
		return "", faults.New(faults.EnvironmentNotFound, "no interpreter for %s", name)
	}
	return f.interpreter, nil
}

type fakeRunner struct {
	result  uv.Result
	err     error
	release chan struct{} // when non-nil, Sync blocks until closed
	calls   atomic.Int32

	mu        sync.Mutex
	lastIndex string
}

func (f *fakeRunner) Sync(_ context.Context, _, _, indexURL string) (uv.Result, error) {
	f.mu.Lock()
	f.lastIndex = indexURL
	f.mu.Unlock()
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	return f.result, f.err
}

type fixedIndex string

func (f fixedIndex) IndexURL() string { return string(f) }

func newTestSynchronizer(t *testing.T, runner SyncRunner, envDir string) (*Synchronizer, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	c := NewCollector(t.TempDir(), logging.NewNop())
	s := NewSynchronizer(c, runner, fakeLocator{dir: envDir, interpreter: "/usr/bin/python3"}, nil, bus, logging.NewNop())
	return s, bus
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSyncSuccessPromotesManifest(t *testing.T) {
	envDir := t.TempDir()
	live := filepath.Join(envDir, ManifestName)
	require.NoError(t, os.WriteFile(live, []byte("old manifest"), 0o644))

	s, _ := newTestSynchronizer(t, &fakeRunner{}, envDir)
	resolved := types.ResolvedSet{"requests": ">=2.31.0", "psutil": ""}

	require.NoError(t, s.SyncEnvironment(context.Background(), "main", resolved))

	want, err := GenerateManifest("main", resolved)
	require.NoError(t, err)
	got, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, want, got, "live manifest must equal the generated content")
	assert.Equal(t, []string{ManifestName}, listDir(t, envDir), "no staging or backup leftovers")
}

func TestSyncFailureLeavesManifestUntouched(t *testing.T) {
	envDir := t.TempDir()
	live := filepath.Join(envDir, ManifestName)
	before := []byte("pre-sync manifest content")
	require.NoError(t, os.WriteFile(live, before, 0o644))

	runner := &fakeRunner{result: uv.Result{ExitCode: 1, Stderr: "resolution impossible"}}
	s, _ := newTestSynchronizer(t, runner, envDir)

	err := s.SyncEnvironment(context.Background(), "main", types.ResolvedSet{"requests": ">=99.0"})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.SyncFailed))
	assert.Contains(t, err.Error(), "resolution impossible")

	after, readErr := os.ReadFile(live)
	require.NoError(t, readErr)
	assert.Equal(t, before, after, "manifest must be byte-identical after a failed sync")
	assert.Equal(t, []string{ManifestName}, listDir(t, envDir), "no staging or backup leftovers")
}

func TestSyncFirstEverRunHasNoBackup(t *testing.T) {
	envDir := t.TempDir()

	s, _ := newTestSynchronizer(t, &fakeRunner{}, envDir)
	require.NoError(t, s.SyncEnvironment(context.Background(), "main", types.ResolvedSet{"rich": ""}))

	assert.Equal(t, []string{ManifestName}, listDir(t, envDir))
}

func TestSyncMissingInterpreterFailsFast(t *testing.T) {
	bus := events.NewBus()
	c := NewCollector(t.TempDir(), logging.NewNop())
	runner := &fakeRunner{}
	s := NewSynchronizer(c, runner, fakeLocator{dir: t.TempDir()}, nil, bus, logging.NewNop())

	err := s.SyncEnvironment(context.Background(), "ghost", types.ResolvedSet{})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.EnvironmentNotFound))
	assert.Zero(t, runner.calls.Load(), "tool must not run without an interpreter")
}

func TestSyncSerializedPerEnvironment(t *testing.T) {
	envDir := t.TempDir()
	release := make(chan struct{})
	runner := &fakeRunner{release: release}
	s, _ := newTestSynchronizer(t, runner, envDir)

	done := make(chan error, 1)
	go func() {
		done <- s.SyncEnvironment(context.Background(), "main", types.ResolvedSet{"rich": ""})
	}()

	// Wait for the first sync to reach the tool invocation
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	err := s.SyncEnvironment(context.Background(), "main", types.ResolvedSet{"rich": ""})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.SyncInFlight))

	close(release)
	require.NoError(t, <-done)
}

func TestSyncPassesConfiguredIndex(t *testing.T) {
	envDir := t.TempDir()
	runner := &fakeRunner{}
	bus := events.NewBus()
	c := NewCollector(t.TempDir(), logging.NewNop())
	s := NewSynchronizer(c, runner, fakeLocator{dir: envDir, interpreter: "py"},
		fixedIndex("https://mirror.corp/simple"), bus, logging.NewNop())

	require.NoError(t, s.SyncEnvironment(context.Background(), "main", types.ResolvedSet{"rich": ""}))
	assert.Equal(t, "https://mirror.corp/simple", runner.lastIndex)
}

func TestSyncEmitsLifecycleEvents(t *testing.T) {
	envDir := t.TempDir()
	s, bus := newTestSynchronizer(t, &fakeRunner{}, envDir)
	ch, cancel := bus.Subscribe()
	defer cancel()

	require.NoError(t, s.SyncEnvironment(context.Background(), "main", types.ResolvedSet{"rich": ""}))

	started := <-ch
	assert.Equal(t, types.EventSyncStarted, started.Type)
	assert.Equal(t, "main", started.Environment)

	completed := <-ch
	assert.Equal(t, types.EventSyncCompleted, completed.Type)
	require.NotNil(t, completed.Success)
	assert.True(t, *completed.Success)
}

func TestResolveAllMergesAcrossPlugins(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "a", `
[project]
name = "a"
dependencies = ["pkg>=1.0.0"]
`)
	writePlugin(t, root, "b", `
[project]
name = "b"
dependencies = ["pkg>=2.5.0"]
`)

	bus := events.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	c := NewCollector(root, logging.NewNop())
	s := NewSynchronizer(c, &fakeRunner{}, fakeLocator{dir: t.TempDir(), interpreter: "py"}, nil, bus, logging.NewNop())

	resolved, err := s.ResolveAll()
	require.NoError(t, err)
	assert.Equal(t, ">=2.5.0", resolved["pkg"])

	ev := <-ch
	assert.Equal(t, types.EventConflictResolved, ev.Type)
	assert.Equal(t, "pkg", ev.Package)
}

func TestGenerateManifestDeterministic(t *testing.T) {
	resolved := types.ResolvedSet{"zlib-ng": ">=2.0", "attrs": "", "requests": ">=2.31.0"}
	a, err := GenerateManifest("main", resolved)
	require.NoError(t, err)
	b, err := GenerateManifest("main", resolved)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, string(a), "attrs")
	assert.Contains(t, string(a), "requests>=2.31.0")
}
