// Symbol binding: stable vector -> symbol mapping.
//
// A vector binds to the symbol of its nearest stored neighbor when the
// cosine similarity clears the configured radius; otherwise it is novel
// and mints a new symbol from the SHA1 of its canonical bytes. Repeated
// noisy observations of the "same" vector therefore collapse to one token.
package vector

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/katoengine/kato/internal/pattern"
)

// Binder implements vector -> symbol binding over a Backend.
type Binder struct {
	backend Backend
	radius  float64 // minimum cosine similarity to reuse a neighbor
	dim     int     // required vector dimension, 0 disables the check
}

// NewBinder creates a binder. radius is the cosine-similarity threshold
// for reusing an existing symbol; dim is the expected vector dimension.
func NewBinder(backend Backend, radius float64, dim int) *Binder {
	return &Binder{backend: backend, radius: radius, dim: dim}
}

// Dimension returns the configured vector dimension (0 = unchecked).
func (b *Binder) Dimension() int { return b.dim }

// Bind resolves a vector to its symbol. Novel vectors are inserted into
// the kb's collection under their freshly minted symbol.
func (b *Binder) Bind(ctx context.Context, kbID string, vec []float64) (string, bool, error) {
	if b.dim > 0 && len(vec) != b.dim {
		return "", false, fmt.Errorf("vector dimension %d, want %d", len(vec), b.dim)
	}
	if len(vec) == 0 {
		return "", false, fmt.Errorf("empty vector")
	}

	neighbor, err := b.backend.Nearest(ctx, kbID, vec)
	if err != nil {
		return "", false, fmt.Errorf("nearest neighbor lookup: %w", err)
	}
	if neighbor != nil && neighbor.Similarity >= b.radius {
		return neighbor.Symbol, false, nil
	}

	sym := Symbol(vec)
	// The digest doubles as the vector ID; concurrent binds of an equal
	// vector insert the same row, which the backend accepts idempotently.
	if err := b.backend.Insert(ctx, kbID, sym, sym, vec); err != nil {
		return "", false, fmt.Errorf("vector insert: %w", err)
	}
	return sym, true, nil
}

// Symbol derives the deterministic symbol for a vector's exact contents.
func Symbol(vec []float64) string {
	sum := sha1.Sum(CanonicalBytes(vec))
	return pattern.VectorSymbolPrefix + hex.EncodeToString(sum[:])
}

// CanonicalBytes encodes a vector as IEEE-754 float64 little-endian,
// never rounded. This is the hashing substrate for vector identity.
func CanonicalBytes(vec []float64) []byte {
	out := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}
