// Package uuidv7 issues time-ordered identifiers for bench runs and sessions.
package uuidv7

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a UUIDv7 or panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns New() in canonical form.
func NewString() string {
	return New().String()
}

// Parse accepts only version 7 UUIDs.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("uuidv7: %w", err)
	}
	if id.Version() != 7 {
		return uuid.Nil, fmt.Errorf("uuidv7: %s is version %d", s, id.Version())
	}
	return id, nil
}
