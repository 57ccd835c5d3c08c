// Package registry discovers plugin bundles, tracks their descriptors
// and runtime status, and orchestrates start/stop/install/uninstall.
package registry
