// Package idgen provides the two leaf collaborators spec.md §2 calls out as
// the Identifier Service and the Clock.
package idgen

import (
	"time"

	"github.com/google/uuid"
)

// Generator issues globally unique opaque identifiers. Time-ordering is not
// required (spec.md §2.1); uniqueness is.
type Generator interface {
	NewID(prefix string) string
}

// UUIDGenerator backs Generator with google/uuid, promoted here from an
// indirect dependency in the teacher's go.mod to a direct, concrete use.
type UUIDGenerator struct{}

// NewID returns "<prefix>-<uuid>", or a bare uuid when prefix is empty.
func (UUIDGenerator) NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Clock supplies strictly non-decreasing wall-clock instants used for
// ordering activity logs, computing step durations, and expiring locks and
// approval requests (spec.md §2.2).
type Clock interface {
	Now() time.Time
}

// SystemClock backs Clock with time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// FrozenClock is a Clock that always returns the same instant, for tests
// that need deterministic timestamps.
type FrozenClock struct {
	At time.Time
}

// Now returns the frozen instant.
func (c FrozenClock) Now() time.Time { return c.At }
