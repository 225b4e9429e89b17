// Package idgen provides pluggable ID generation.
//
// Stores accept a Generator so tests can inject deterministic IDs; production
// code uses the prefixed UUIDv7 generators below.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so job IDs order by creation.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator yielding prefix-1, prefix-2, ... Intended for
// tests that assert on IDs.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// Type-scoped generators.
var (
	JobID   = Prefixed("job_", Default)
	ItemID  = Prefixed("itm_", Default)
	EventID = Prefixed("evt_", Default)
)

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string (prefix stripped by the caller) and returns
// its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
