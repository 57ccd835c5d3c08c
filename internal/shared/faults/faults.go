package faults

import (
	"errors"
	"fmt"
)

// Kind classifies operation failures at the subsystem boundary.
// Every filesystem/subprocess error is converted into one of these one
// level above the failing call; raw platform errors never cross package
// boundaries.
type Kind string

const (
	ManifestMissing     Kind = "manifest_missing"
	ManifestInvalid     Kind = "manifest_invalid"
	UnresolvableVersion Kind = "unresolvable_version"
	EnvironmentNotFound Kind = "environment_not_found"
	EnvironmentExists   Kind = "environment_exists"
	SyncTimeout         Kind = "sync_timeout"
	SyncFailed          Kind = "sync_failed"
	SyncInFlight        Kind = "sync_in_flight"
	ProcessSpawnFailed  Kind = "process_spawn_failed"
	PluginNotFound      Kind = "plugin_not_found"
	ToolUnavailable     Kind = "tool_unavailable"
	Internal            Kind = "internal"
)

// Error pairs a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with no underlying cause
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an underlying error
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, or Internal when err carries none
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given Kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
