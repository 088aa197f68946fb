package vector

import (
	"context"
	"hash/fnv"
	"math"
)

// HashEmbedder derives deterministic unit vectors from an FNV-1a hash of
// the text. It needs no model or network, which makes it the default for
// tests and offline runs; semantically close texts do NOT embed close,
// only identical texts do.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder. dims defaults to 384 to
// mirror common sentence-transformer output sizes.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

// Embed hashes the text and expands it into a normalized vector with a
// linear congruential generator.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, e.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// Dimensions returns the embedding size.
func (e *HashEmbedder) Dimensions() int { return e.dims }
