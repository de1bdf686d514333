// Observation input and validation.
package engine

import (
	"fmt"
	"strings"

	"github.com/katoengine/kato/internal/pattern"
)

// Observation is one client observation: string tokens, raw vectors,
// emotive tags, and free-form metadata. UniqueID, when supplied by the
// client, doubles as an idempotency key.
type Observation struct {
	Strings  []string           `json:"strings"`
	Vectors  [][]float64        `json:"vectors"`
	Emotives map[string]float64 `json:"emotives"`
	Metadata map[string]any     `json:"metadata"`
	UniqueID string             `json:"unique_id,omitempty"`
}

// Validate applies the client-error checks from the taxonomy: an
// observation must carry at least one string or vector, string tokens
// must be non-empty and free of reserved separator bytes, and vectors
// must match the configured dimension (when one is configured).
func (o *Observation) Validate(dim int) error {
	if len(o.Strings) == 0 && len(o.Vectors) == 0 {
		return ErrEmptyObservation
	}
	for _, tok := range o.Strings {
		if tok == "" {
			return ErrEmptySymbol
		}
		if strings.ContainsAny(tok, pattern.SymbolSeparator+pattern.EventSeparator) {
			return fmt.Errorf("%w: token contains reserved byte", ErrInvalidSymbol)
		}
	}
	for i, vec := range o.Vectors {
		if len(vec) == 0 {
			return fmt.Errorf("%w: vector %d is empty", ErrVectorDimension, i)
		}
		if dim > 0 && len(vec) != dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrVectorDimension, i, len(vec), dim)
		}
	}
	return nil
}
