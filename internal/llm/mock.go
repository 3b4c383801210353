package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// MockCompleter returns canned completions for tests and keyless local runs.
type MockCompleter struct {
	mu        sync.Mutex
	responses []string
	next      int
	calls     []string
}

func NewMockCompleter(responses ...string) *MockCompleter {
	return &MockCompleter{responses: responses}
}

func (m *MockCompleter) Complete(_ context.Context, _ string, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, user)
	if len(m.responses) == 0 {
		return "", nil
	}
	res := m.responses[m.next%len(m.responses)]
	m.next++
	return res, nil
}

func (m *MockCompleter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// HashEmbedder produces deterministic pseudo-embeddings from token hashes.
// Identical texts map to identical vectors, which is enough for local runs
// and for similarity-ranking tests.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		hash := fnv.New32a()
		_, _ = hash.Write([]byte(token))
		vec[int(hash.Sum32())%h.dim] += 1
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

func (h *HashEmbedder) Dimensions() int {
	return h.dim
}
