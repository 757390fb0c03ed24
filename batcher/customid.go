package batcher

import (
	"strings"

	"github.com/google/uuid"
)

// newCustomID generates a custom id in the req_<uuid hex> shape rather than a
// bare UUID, to make them visually distinguishable from other identifiers in
// provider dashboards.
func newCustomID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
