package deps

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/tuleaj/plugin-aggregator/internal/logging"
	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
)

// ManifestName is the per-plugin (and per-environment) manifest filename
const ManifestName = "pyproject.toml"

// Collector reads plugin manifests under one plugins root and aggregates
// their dependency constraints per package.
type Collector struct {
	root   string
	logger *logging.Logger
}

// NewCollector creates a collector over the given plugins root
func NewCollector(root string, logger *logging.Logger) *Collector {
	return &Collector{
		root:   root,
		logger: logger.Component("deps"),
	}
}

// ReadManifest parses the manifest inside a plugin directory
func ReadManifest(pluginDir string) (*types.Manifest, error) {
	path := filepath.Join(pluginDir, ManifestName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.Wrap(faults.ManifestMissing, err, "no manifest in %s", pluginDir)
		}
		return nil, faults.Wrap(faults.ManifestInvalid, err, "unreadable manifest in %s", pluginDir)
	}

	var m types.Manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, faults.Wrap(faults.ManifestInvalid, err, "malformed manifest in %s", pluginDir)
	}
	return &m, nil
}

// ReadPluginDependencies returns the constraints declared by one plugin.
// A missing manifest yields an empty list, not an error.
func (c *Collector) ReadPluginDependencies(pluginDir string) ([]types.Constraint, error) {
	m, err := ReadManifest(pluginDir)
	if err != nil {
		if faults.Is(err, faults.ManifestMissing) {
			c.logger.Debug("plugin has no manifest, assuming no dependencies",
				zap.String("dir", pluginDir))
			return nil, nil
		}
		return nil, err
	}

	source := m.Project.Name
	if source == "" {
		source = filepath.Base(pluginDir)
	}

	constraints := make([]types.Constraint, 0, len(m.Project.Dependencies))
	for _, dep := range m.Project.Dependencies {
		con, ok := ParseRequirement(dep, source)
		if !ok {
			c.logger.Warn("skipping unparsable dependency",
				zap.String("plugin", source),
				zap.String("requirement", dep))
			continue
		}
		constraints = append(constraints, con)
	}
	return constraints, nil
}

// CollectAll scans every immediate plugin directory under the root and
// aggregates constraints per package name. Plugins whose manifests cannot
// be read contribute nothing; the scan itself never fails on a bad plugin.
func (c *Collector) CollectAll() (map[string][]types.Constraint, error) {
	matches, err := doublestar.Glob(os.DirFS(c.root), "*/"+ManifestName)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "scanning %s", c.root)
	}
	sort.Strings(matches)

	byPackage := make(map[string][]types.Constraint)
	for _, rel := range matches {
		dir := filepath.Join(c.root, filepath.Dir(rel))
		constraints, err := c.ReadPluginDependencies(dir)
		if err != nil {
			c.logger.Warn("skipping plugin with bad manifest",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, con := range constraints {
			byPackage[con.Package] = append(byPackage[con.Package], con)
		}
	}
	return byPackage, nil
}

// ParseRequirement splits a requirement string like "requests>=2.31" into
// a constraint. A bare name carries an empty specifier. Returns ok=false
// when no package name can be extracted.
func ParseRequirement(req, source string) (types.Constraint, bool) {
	req = strings.TrimSpace(req)
	idx := strings.IndexAny(req, "><=!~")
	if idx == 0 {
		return types.Constraint{}, false
	}

	name, spec := req, ""
	if idx > 0 {
		name = strings.TrimSpace(req[:idx])
		spec = strings.TrimSpace(req[idx:])
	}
	if name == "" {
		return types.Constraint{}, false
	}
	return types.Constraint{Package: name, Specifier: spec, Source: source}, true
}
