// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ArtistNamespace scopes deterministic artist entity IDs.
var ArtistNamespace = uuid.MustParse("6f1c2f3e-8a4b-5d2e-9c7a-2b1e4f5a6c7d")

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// ArtistEntityID returns the UUIDv5 of the normalized handle, so reprocessing
// an artist always lands on the same entity.
func ArtistEntityID(handle string) string {
	return uuid.NewSHA1(ArtistNamespace, []byte(strings.ToLower(strings.TrimSpace(handle)))).String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
