// Package uuid provides worker instance ID helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID-based identifiers.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
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

// NewInstanceID returns a short worker instance identifier, e.g.
// "harvester-1a2b3c4d", used as the lease owner and queue claim owner.
func (Generator) NewInstanceID(prefix string) string {
	id := uuid.New()
	return fmt.Sprintf("%s-%s", prefix, id.String()[:8])
}
