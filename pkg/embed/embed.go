// Package embed turns text into the unit-norm float32 vectors the
// index and auto-linker compare for similarity. The embedding model's
// own internals (what makes two texts "mean" the same thing) are
// outside this module's scope — Hashed is a pure, deterministic
// stand-in: same text in, same vector out, with no network call and
// no model weights to load.
package embed

import (
	"context"

	"golang.org/x/crypto/blake2b"

	"github.com/MikeSquared-Agency/cortex/pkg/vector"
)

// DefaultDimensions is the width of a Hashed embedding when NewHashed
// is given a width <= 0.
const DefaultDimensions = 384

// Embedder generates vector embeddings from text. Implementations
// must be safe for concurrent use from multiple goroutines.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
}

// Hashed is a deterministic, non-learned Embedder: it expands a
// blake2b hash of the input text into a pseudo-random but
// reproducible float32 vector, then L2-normalizes it. Two calls with
// the same text always return bit-identical vectors; two different
// texts are, with overwhelming probability, far apart in cosine
// distance. Only identical texts embed close together: near-duplicate
// texts are as unrelated as any other pair. This lets the rest of
// Cortex run without depending on any real embedding model.
type Hashed struct {
	dimensions int
}

// NewHashed returns a Hashed embedder producing vectors of the given
// width. dimensions <= 0 falls back to DefaultDimensions.
func NewHashed(dimensions int) *Hashed {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Hashed{dimensions: dimensions}
}

// Embed returns text's embedding. Context is accepted for interface
// parity with future network-backed embedders; Hashed never blocks
// and ignores cancellation.
func (h *Hashed) Embed(ctx context.Context, text string) ([]float32, error) {
	return h.vectorFor(text), nil
}

// EmbedBatch embeds each text independently; order is preserved.
func (h *Hashed) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vectorFor(t)
	}
	return out, nil
}

// Dimensions returns the configured vector width.
func (h *Hashed) Dimensions() int { return h.dimensions }

// Model identifies this embedder in logs and node metadata. It is not
// a real model name — there is no model.
func (h *Hashed) Model() string { return "hashed-v1" }

// vectorFor expands a blake2b-512 hash of text into h.dimensions
// float32 values via a counter-mode stream (hash(text || counter)),
// then normalizes the result to unit length.
func (h *Hashed) vectorFor(text string) []float32 {
	out := make([]float32, h.dimensions)
	seed := []byte(text)

	filled := 0
	var counter uint32
	for filled < h.dimensions {
		block := blockHash(seed, counter)
		counter++
		for i := 0; i < len(block) && filled < h.dimensions; i += 4 {
			if i+4 > len(block) {
				break
			}
			bits := uint32(block[i]) | uint32(block[i+1])<<8 | uint32(block[i+2])<<16 | uint32(block[i+3])<<24
			// Map the uint32 into [-1, 1) without ever producing NaN/Inf.
			out[filled] = float32(bits)/float32(1<<31) - 1
			filled++
		}
	}

	return vector.Normalize(out)
}

// blockHash hashes seed concatenated with a 4-byte little-endian
// counter, giving an expandable, deterministic byte stream.
func blockHash(seed []byte, counter uint32) []byte {
	h, err := blake2b.New512(nil)
	if err != nil {
		// blake2b.New512 only errors on an invalid key length, and we
		// never pass one.
		panic(err)
	}
	h.Write(seed)
	h.Write([]byte{byte(counter), byte(counter >> 8), byte(counter >> 16), byte(counter >> 24)})
	return h.Sum(nil)
}
