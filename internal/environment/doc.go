// Package environment manages the isolated Python environments plugins
// run in: provisioning, deletion, discovery, and interpreter resolution.
package environment
