package deps

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/tuleaj/plugin-aggregator/internal/events"
	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
	"github.com/tuleaj/plugin-aggregator/internal/uv"
)

// stagingDirName holds the candidate manifest while the external tool
// validates it. The live manifest is only replaced after a clean sync.
const stagingDirName = ".sync-staging"

// EnvironmentLocator resolves environment names to on-disk locations
type EnvironmentLocator interface {
	// EnvironmentDir returns the environment's directory; existence is
	// not implied.
	EnvironmentDir(name string) string
	// Interpreter resolves the environment's Python executable, failing
	// with EnvironmentNotFound when the environment has no interpreter.
	Interpreter(name string) (string, error)
}

// SyncRunner is the slice of the package-manager tool the synchronizer
// needs; satisfied by *uv.Tool.
type SyncRunner interface {
	Sync(ctx context.Context, dir, interpreter, indexURL string) (uv.Result, error)
}

// IndexProvider supplies the package index syncs should install from; an
// empty URL means the tool's default index.
type IndexProvider interface {
	IndexURL() string
}

// Synchronizer merges every plugin's constraints into one resolved set and
// reconciles a target environment against it. Environments are shared
// substrate: each sync covers the union of all plugins, not just the one
// whose start triggered it.
type Synchronizer struct {
	collector *Collector
	tool      SyncRunner
	envs      EnvironmentLocator
	index     IndexProvider
	bus       *events.Bus
	logger    *logging.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewSynchronizer wires a synchronizer from its collaborators. index may
// be nil when no mirror configuration exists.
func NewSynchronizer(collector *Collector, tool SyncRunner, envs EnvironmentLocator, index IndexProvider, bus *events.Bus, logger *logging.Logger) *Synchronizer {
	return &Synchronizer{
		collector: collector,
		tool:      tool,
		envs:      envs,
		index:     index,
		bus:       bus,
		logger:    logger.Component("sync"),
		inflight:  make(map[string]bool),
	}
}

// indexURL resolves the configured mirror index, empty for the default
func (s *Synchronizer) indexURL() string {
	if s.index == nil {
		return ""
	}
	return s.index.IndexURL()
}

// ResolveAll collects constraints from every plugin and negotiates one
// specifier per package. Packages whose constraints all fail to parse are
// reported and omitted; the rest of the set still resolves.
func (s *Synchronizer) ResolveAll() (types.ResolvedSet, error) {
	byPackage, err := s.collector.CollectAll()
	if err != nil {
		return nil, err
	}

	resolved := make(types.ResolvedSet, len(byPackage))
	for pkg, constraints := range byPackage {
		spec, err := Resolve(constraints)
		if err != nil {
			s.logger.Warn("omitting unresolvable package",
				zap.String("package", pkg), zap.Error(err))
			s.bus.Notice(types.SeverityWarning,
				fmt.Sprintf("no usable version constraint for %s; package skipped", pkg))
			continue
		}
		resolved[pkg] = spec

		if len(constraints) > 1 {
			s.bus.Publish(types.Event{
				Type:    types.EventConflictResolved,
				Package: pkg,
				Message: fmt.Sprintf("%d plugins constrain %s; selected %q", len(constraints), pkg, spec),
			})
		}
	}
	return resolved, nil
}

// Synchronize resolves the full constraint set and syncs it into the
// environment. This is the path a plugin start goes through before spawn.
func (s *Synchronizer) Synchronize(ctx context.Context, env string) (types.ResolvedSet, error) {
	resolved, err := s.ResolveAll()
	if err != nil {
		return nil, err
	}
	if err := s.SyncEnvironment(ctx, env, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

// SyncEnvironment reconciles one environment against a resolved set.
//
// The live manifest is never written in place. The candidate manifest is
// staged in its own directory, the tool syncs against the staging copy,
// and only a clean exit promotes it (delete then rename; rename over an
// existing file is not portable). Any failure leaves the live manifest
// byte-for-byte untouched and no staging or backup artifacts behind.
func (s *Synchronizer) SyncEnvironment(ctx context.Context, env string, resolved types.ResolvedSet) error {
	if !s.begin(env) {
		return faults.New(faults.SyncInFlight, "environment %s is already syncing", env)
	}
	defer s.end(env)

	interpreter, err := s.envs.Interpreter(env)
	if err != nil {
		return err
	}

	dir := s.envs.EnvironmentDir(env)
	live := filepath.Join(dir, ManifestName)
	backup := live + ".backup"
	staging := filepath.Join(dir, stagingDirName)

	hadLive := false
	if _, statErr := os.Stat(live); statErr == nil {
		hadLive = true
		if err := copyFile(live, backup); err != nil {
			return faults.Wrap(faults.SyncFailed, err, "cannot back up manifest for %s", env)
		}
	}

	if err := os.RemoveAll(staging); err != nil {
		return faults.Wrap(faults.SyncFailed, err, "cannot clear staging for %s", env)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return faults.Wrap(faults.SyncFailed, err, "cannot stage manifest for %s", env)
	}

	generated, err := GenerateManifest(env, resolved)
	if err != nil {
		s.discard(staging, backup)
		return err
	}
	candidate := filepath.Join(staging, ManifestName)
	if err := os.WriteFile(candidate, generated, 0o644); err != nil {
		s.discard(staging, backup)
		return faults.Wrap(faults.SyncFailed, err, "cannot write staged manifest for %s", env)
	}

	s.bus.Publish(types.Event{Type: types.EventSyncStarted, Environment: env})
	s.logger.Info("syncing environment",
		zap.String("environment", env),
		zap.Int("packages", len(resolved)))

	res, runErr := s.tool.Sync(ctx, staging, interpreter, s.indexURL())

	if runErr != nil || res.ExitCode != 0 {
		s.discard(staging, backup)
		var failure error
		if runErr != nil {
			failure = runErr
		} else {
			failure = faults.New(faults.SyncFailed, "sync exited %d: %s", res.ExitCode, res.ErrorText())
		}
		s.completed(env, false, failure.Error())
		return failure
	}

	if hadLive {
		if err := os.Remove(live); err != nil {
			s.restore(backup, live, hadLive)
			s.discard(staging, backup)
			s.completed(env, false, "could not replace manifest")
			return faults.Wrap(faults.SyncFailed, err, "cannot replace manifest for %s", env)
		}
	}
	if err := os.Rename(candidate, live); err != nil {
		s.restore(backup, live, hadLive)
		s.discard(staging, backup)
		s.completed(env, false, "could not promote manifest")
		return faults.Wrap(faults.SyncFailed, err, "cannot promote manifest for %s", env)
	}
	s.discard(staging, backup)

	s.completed(env, true, fmt.Sprintf("%d packages in sync", len(resolved)))
	return nil
}

// begin marks an environment sync in flight; false when one already is
func (s *Synchronizer) begin(env string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[env] {
		return false
	}
	s.inflight[env] = true
	return true
}

func (s *Synchronizer) end(env string) {
	s.mu.Lock()
	delete(s.inflight, env)
	s.mu.Unlock()
}

// discard removes staging and backup artifacts; called on every exit path
func (s *Synchronizer) discard(staging, backup string) {
	if err := os.RemoveAll(staging); err != nil {
		s.logger.Warn("leftover staging dir", zap.String("path", staging), zap.Error(err))
	}
	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("leftover manifest backup", zap.String("path", backup), zap.Error(err))
	}
}

// restore puts the pre-sync manifest back if promotion destroyed it
func (s *Synchronizer) restore(backup, live string, hadLive bool) {
	if !hadLive {
		return
	}
	if _, err := os.Stat(live); err == nil {
		return
	}
	if err := copyFile(backup, live); err != nil {
		s.logger.Error("manifest restore failed",
			zap.String("path", live), zap.Error(err))
	}
}

func (s *Synchronizer) completed(env string, success bool, message string) {
	severity := types.SeverityInfo
	if !success {
		severity = types.SeverityError
	}
	s.bus.Publish(types.Event{
		Type:        types.EventSyncCompleted,
		Environment: env,
		Success:     &success,
		Message:     message,
		Severity:    severity,
	})
}

// envProject is the generated manifest's [project] table
type envProject struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Dependencies []string `toml:"dependencies"`
}

type envManifest struct {
	Project envProject `toml:"project"`
}

// GenerateManifest renders the environment manifest for a resolved set.
// Dependencies are sorted so the output is deterministic for a given set.
func GenerateManifest(env string, resolved types.ResolvedSet) ([]byte, error) {
	deps := make([]string, 0, len(resolved))
	for pkg, spec := range resolved {
		deps = append(deps, pkg+spec)
	}
	sort.Strings(deps)

	out, err := toml.Marshal(envManifest{
		Project: envProject{
			Name:         env,
			Version:      "0.1.0",
			Dependencies: deps,
		},
	})
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "cannot render manifest for %s", env)
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
