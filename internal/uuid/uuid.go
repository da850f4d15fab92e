// Package uuid generates and checks the v4 UUIDs used as action idempotency keys.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a new idempotency key.
func New() string {
	return uuid.New().String()
}

// Parse accepts only canonical v4 UUIDs.
func Parse(s string) (uuid.UUID, error) {
	if len(s) != 36 {
		return uuid.Nil, fmt.Errorf("invalid UUID length: %d", len(s))
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return uuid.Nil, fmt.Errorf("expected RFC 4122 UUID v4, got v%d", id.Version())
	}
	return id, nil
}

// IsValid reports whether s is a canonical v4 UUID.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}
