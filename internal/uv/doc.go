// Package uv is the single subprocess boundary to the uv package manager.
// All invocations are context-bound with per-operation timeouts and return
// typed errors carrying the tool's captured stderr.
package uv
