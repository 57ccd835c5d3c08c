package registry

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/tuleaj/plugin-aggregator/internal/deps"
	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
)

// maxArchiveFileSize caps one extracted file; a plugin bundle is scripts
// and assets, not gigabytes.
const maxArchiveFileSize = 512 << 20

// Install unpacks a .tar.gz plugin bundle into the plugins root and
// registers it. The archive must contain a manifest, at its root or
// inside a single top-level directory. Extraction happens in a staging
// directory; the plugins root only ever sees a complete bundle.
func (r *Registry) Install(archivePath string) (types.Plugin, error) {
	staging, err := os.MkdirTemp(r.root, ".install-")
	if err != nil {
		return types.Plugin{}, faults.Wrap(faults.Internal, err, "cannot stage install")
	}
	defer os.RemoveAll(staging)

	if err := extractArchive(archivePath, staging); err != nil {
		return types.Plugin{}, err
	}

	bundleDir, err := locateBundle(staging)
	if err != nil {
		return types.Plugin{}, err
	}

	plugin, err := describe(bundleDir)
	if err != nil {
		return types.Plugin{}, err
	}

	target := filepath.Join(r.root, plugin.Name)
	if _, err := os.Stat(target); err == nil {
		return types.Plugin{}, faults.New(faults.Internal,
			"plugin %s is already installed", plugin.Name)
	}
	if err := os.Rename(bundleDir, target); err != nil {
		return types.Plugin{}, faults.Wrap(faults.Internal, err, "cannot place %s", plugin.Name)
	}
	plugin.Path = target

	r.mu.Lock()
	r.plugins[plugin.Name] = plugin
	r.mu.Unlock()
	if err := r.store.SetInstalledPlugins(r.Plugins()); err != nil {
		r.logger.Warn("could not persist plugin list", zap.Error(err))
	}

	r.logger.Info("plugin installed",
		zap.String("plugin", plugin.Name),
		zap.String("version", plugin.Version))
	r.bus.Publish(types.Event{Type: types.EventPluginsLoaded})
	return *plugin, nil
}

// extractArchive unpacks a gzipped tarball into dest, rejecting entries
// that would escape it.
func extractArchive(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return faults.Wrap(faults.Internal, err, "cannot open archive")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return faults.Wrap(faults.ManifestInvalid, err, "not a gzip archive")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return faults.Wrap(faults.ManifestInvalid, err, "corrupt archive")
		}

		target, err := secureJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return faults.Wrap(faults.Internal, err, "cannot extract %s", hdr.Name)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return faults.Wrap(faults.Internal, err, "cannot extract %s", hdr.Name)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return faults.Wrap(faults.Internal, err, "cannot extract %s", hdr.Name)
			}
			if _, err := io.Copy(out, io.LimitReader(tr, maxArchiveFileSize)); err != nil {
				out.Close()
				return faults.Wrap(faults.Internal, err, "cannot extract %s", hdr.Name)
			}
			out.Close()
		default:
			// Symlinks and specials are dropped; a plugin bundle has no
			// legitimate use for them and they dodge the traversal check.
		}
	}
}

// secureJoin resolves an archive entry name under dest, rejecting
// absolute paths and traversal.
func secureJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", faults.New(faults.ManifestInvalid, "archive entry %q is absolute", name)
	}
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", faults.New(faults.ManifestInvalid, "archive entry %q escapes the bundle", name)
	}
	return target, nil
}

// locateBundle finds the plugin root inside the staging directory: the
// manifest sits either at the top or inside exactly one directory.
func locateBundle(staging string) (string, error) {
	if _, err := os.Stat(filepath.Join(staging, deps.ManifestName)); err == nil {
		return staging, nil
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", faults.Wrap(faults.Internal, err, "cannot inspect staged bundle")
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 1 {
		candidate := filepath.Join(staging, dirs[0])
		if _, err := os.Stat(filepath.Join(candidate, deps.ManifestName)); err == nil {
			return candidate, nil
		}
	}
	return "", faults.New(faults.ManifestInvalid, "archive contains no plugin manifest")
}
