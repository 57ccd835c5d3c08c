// Package store persists user-facing configuration (mirror sources, the
// environment list and current selection, installed plugins) in a TOML
// file with a typed schema and explicit defaults.
package store
