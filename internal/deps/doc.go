// Package deps collects version constraints from plugin manifests,
// negotiates one specifier per package, and reconciles environments
// against the merged set with a backup/stage/promote protocol that can
// never leave a torn manifest behind.
package deps
