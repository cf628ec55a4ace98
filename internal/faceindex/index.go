// Package faceindex holds the per-site face gallery: an exact inner-product
// index, the slot to identity mapping, its on-disk persistence and the
// process-wide registry that serializes access per site.
package faceindex

import (
	"fmt"
	"sort"

	"github.com/viterin/vek/vek32"
)

// Hit is a single search result.
type Hit struct {
	Slot  int
	Score float32
}

// Index is an exact (brute-force) inner-product index over fixed-dimension vectors.
// Vectors are expected to be unit-normalized, so the score is the cosine similarity.
// Index is not safe for concurrent use; the Registry guards it.
type Index struct {
	dim  int
	data []float32 // row-major, len(data) == dim * Len()
}

// NewIndex creates an empty index for vectors of the given dimension.
func NewIndex(dim int) *Index {
	return &Index{dim: dim}
}

// Dim returns the vector dimension.
func (x *Index) Dim() int {
	return x.dim
}

// Len returns the number of indexed vectors.
func (x *Index) Len() int {
	if x.dim == 0 {
		return 0
	}
	return len(x.data) / x.dim
}

// Add appends vectors and returns the slot of the first one.
// Slots are dense: the i-th vector gets slot first+i.
func (x *Index) Add(vectors ...[]float32) (int, error) {
	for i, v := range vectors {
		if len(v) != x.dim {
			return 0, fmt.Errorf("vector %d: %w: got %d, want %d", i, ErrDimMismatch, len(v), x.dim)
		}
	}
	first := x.Len()
	for _, v := range vectors {
		x.data = append(x.data, v...)
	}
	return first, nil
}

// Vector returns the stored vector at slot. The slice aliases index memory.
func (x *Index) Vector(slot int) []float32 {
	return x.data[slot*x.dim : (slot+1)*x.dim]
}

// Truncate drops every slot >= n. It only exists to roll back appends that
// were never persisted.
func (x *Index) Truncate(n int) {
	if n < 0 || n >= x.Len() {
		return
	}
	x.data = x.data[:n*x.dim]
}

// Search returns up to k hits ordered by descending score, ties by ascending slot.
// An empty index yields an empty result.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("query: %w: got %d, want %d", ErrDimMismatch, len(query), x.dim)
	}
	n := x.Len()
	if n == 0 || k <= 0 {
		return []Hit{}, nil
	}

	hits := make([]Hit, n)
	for slot := range n {
		hits[slot] = Hit{Slot: slot, Score: vek32.Dot(query, x.Vector(slot))}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if k < n {
		hits = hits[:k]
	}
	return hits, nil
}
