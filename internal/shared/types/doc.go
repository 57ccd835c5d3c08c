// Package types defines shared domain types used across the plugin
// aggregator: plugin descriptors and manifests, environment descriptors,
// dependency constraints, and the lifecycle event vocabulary.
//
// Types here are plain data with no behavior beyond formatting; ownership
// and mutation rules live with the managers that produce them.
package types
