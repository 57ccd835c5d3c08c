// Package events provides the typed lifecycle event bus.
//
// The supervisor, synchronizer, registry, and environment manager publish
// events here instead of invoking callbacks on each other; the WebSocket
// layer and tests consume them. This replaces re-entrant callback chains
// with one-way message passing.
package events
