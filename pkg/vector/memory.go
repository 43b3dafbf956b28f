// Package vector provides VectorIndex implementations: an in-process cosine
// index used by tests and single-node deployments, and a Qdrant adapter for
// an external index.
package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/ports"
)

type memoryEntry struct {
	embedding []float32
	metadata  map[string]string
}

// MemoryIndex is an in-process cosine-similarity index with upsert
// semantics. Search results are deterministic: descending score, ties broken
// by id ascending.
type MemoryIndex struct {
	mu      sync.RWMutex
	dim     int
	metric  string
	entries map[string]memoryEntry
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]memoryEntry)}
}

// EnsureCollection fixes the dimension and metric. Idempotent; changing the
// dimension of a non-empty index is a domain violation.
func (m *MemoryIndex) EnsureCollection(_ context.Context, dim int, metric string) error {
	if dim <= 0 {
		return models.NewDomainViolationError("embedding dimension must be positive")
	}
	if metric == "" {
		metric = ports.MetricCosine
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dim != 0 && m.dim != dim && len(m.entries) > 0 {
		return models.NewDomainViolationError("cannot change dimension of a populated index")
	}
	m.dim = dim
	m.metric = metric
	return nil
}

// Upsert stores or replaces the entry for id.
func (m *MemoryIndex) Upsert(_ context.Context, id string, embedding []float32, metadata map[string]string) error {
	if id == "" {
		return models.NewDomainViolationError("vector id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dim != 0 && len(embedding) != m.dim {
		return models.NewDomainViolationError("embedding dimension mismatch")
	}
	emb := make([]float32, len(embedding))
	copy(emb, embedding)
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	m.entries[id] = memoryEntry{embedding: emb, metadata: meta}
	return nil
}

// Search returns the top-k entries by cosine similarity, optionally filtered
// by exact metadata matches.
func (m *MemoryIndex) Search(_ context.Context, query []float32, k int, filter map[string]string) ([]ports.SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]ports.SearchHit, 0, len(m.entries))
	for id, entry := range m.entries {
		if !matchesFilter(entry.metadata, filter) {
			continue
		}
		meta := make(map[string]string, len(entry.metadata))
		for mk, mv := range entry.metadata {
			meta[mk] = mv
		}
		hits = append(hits, ports.SearchHit{
			ID:       id,
			Score:    cosine(query, entry.embedding),
			Metadata: meta,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len is the number of stored entries.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func matchesFilter(metadata, filter map[string]string) bool {
	for k, want := range filter {
		if metadata[k] != want {
			return false
		}
	}
	return true
}

// cosine computes cosine similarity, treating zero vectors as orthogonal.
func cosine(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
