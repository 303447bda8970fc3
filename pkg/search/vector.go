package search

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/orneryd/mimir/pkg/graph"
)

// VectorIndex is a brute-force cosine similarity index.
//
// Vectors are normalized on insert so similarity reduces to a dot
// product. Brute-force scan is O(n·d) per query, which comfortably
// handles millions of chunks on one node; the index sits behind the
// Engine so an ANN backend can replace it without changing callers.
type VectorIndex struct {
	mu      sync.RWMutex
	dims    int
	vectors map[string][]float32
}

// NewVectorIndex creates an index for vectors of the given dimension.
// With dims = 0 the index adopts the dimension of the first upsert.
func NewVectorIndex(dims int) *VectorIndex {
	return &VectorIndex{
		dims:    dims,
		vectors: make(map[string][]float32),
	}
}

// Upsert inserts or replaces the vector for id. A dimension mismatch
// fails with an EVector error.
func (v *VectorIndex) Upsert(id string, vec []float32) error {
	if len(vec) == 0 {
		return graph.NewError(graph.KindVector, "empty vector")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dims == 0 {
		v.dims = len(vec)
	}
	if len(vec) != v.dims {
		return graph.NewError(graph.KindVector,
			fmt.Sprintf("dimension mismatch: index has %d, vector has %d", v.dims, len(vec)))
	}
	v.vectors[id] = normalize(vec)
	return nil
}

// Remove deletes the vector for id. Removing an absent id is a no-op.
func (v *VectorIndex) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, id)
}

// Has reports whether id carries a vector.
func (v *VectorIndex) Has(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.vectors[id]
	return ok
}

// Count returns the number of stored vectors.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

// Dimensions returns the index dimension (0 until the first upsert when
// created with dims = 0).
func (v *VectorIndex) Dimensions() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dims
}

// KNN returns up to k nearest neighbors of query by cosine similarity,
// highest first, dropping scores below minSim. Ties break by id so the
// ranking is deterministic.
func (v *VectorIndex) KNN(query []float32, k int, minSim float64) ([]Result, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.vectors) == 0 {
		return nil, nil
	}
	if len(query) != v.dims {
		return nil, graph.NewError(graph.KindVector,
			fmt.Sprintf("dimension mismatch: index has %d, query has %d", v.dims, len(query)))
	}

	q := normalize(query)
	results := make([]Result, 0, len(v.vectors))
	for id, vec := range v.vectors {
		sim := float64(dot(q, vec))
		if sim < minSim {
			continue
		}
		results = append(results, Result{ID: id, Score: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// normalize returns a unit-length copy of vec. A zero vector is
// returned as a copy unchanged.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		copy(out, vec)
		return out
	}
	norm := float32(math.Sqrt(sum))
	for i, x := range vec {
		out[i] = x / norm
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
