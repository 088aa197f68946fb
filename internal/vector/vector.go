// Package vector implements exact nearest-neighbour search over message
// embeddings. The index is an in-memory scan: collection sizes here are
// conversation-scale, where a linear pass beats the constant factors and
// rebuild cost of an approximate structure.
package vector

import (
	"context"
	"math"
	"time"
)

// Embedder maps text to a fixed-dimension embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Item is one indexed document.
type Item struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Role      string    `json:"role,omitempty"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Match pairs an item with its similarity to a query.
type Match struct {
	Item  Item    `json:"item"`
	Score float64 `json:"score"`
}

// epsilon guards the denominator so zero vectors score 0 instead of NaN.
const epsilon = 1e-10

// Cosine returns the cosine similarity of a and b. Vectors of unequal
// length are compared over their shared prefix.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na)*math.Sqrt(nb) + epsilon)
}
