// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates job IDs and record IDs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a time-ordered UUIDv7 string, used for job IDs.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// RecordID returns the stable name-based ID of an extracted record.
// The same URL always maps to the same ID.
func RecordID(url string) string {
	return uuid.NewMD5(uuid.NameSpaceURL, []byte(url)).String()
}
