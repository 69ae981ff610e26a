// Package clock provides the monotonic timestamp and id-generation
// primitives shared across the task engine (component A).
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts the current time so tests can inject a fixed instant.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now().
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Fixed is a Clock that always returns the same instant.
type Fixed struct {
	At time.Time
}

// Now returns the fixed instant.
func (f Fixed) Now() time.Time { return f.At }

// NewID returns a new opaque unique identifier.
func NewID() string {
	return uuid.New().String()
}
