// Package mirror selects and health-checks package index mirrors.
package mirror
