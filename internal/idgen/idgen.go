// Package idgen generates opaque identifiers for sandboxes and build
// requests where the caller does not supply one.
package idgen

import "github.com/google/uuid"

// NewSandboxID returns a short, prefixed sandbox identifier.
func NewSandboxID() string {
	return "sandbox-" + uuid.New().String()[:8]
}

// NewBuildID returns a short, prefixed build request identifier.
func NewBuildID() string {
	return "build-" + uuid.New().String()[:8]
}
