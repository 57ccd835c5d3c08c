// Package faults provides the typed error taxonomy for the plugin
// aggregator. Operations return errors carrying a Kind so callers can
// branch on failure class without string matching, and the API layer can
// map kinds to status codes and notification severities.
package faults
