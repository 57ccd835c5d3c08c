// Package process supervises the OS processes backing running plugins.
// The supervisor reconciles asynchronous process notifications against
// its own tables so that transient signals during start and stop never
// surface as false failures.
package process
