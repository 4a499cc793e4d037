package embedding

import (
	"context"

	harborseal "github.com/holmes89/harbor-seal/lib"
)

// Mock is a deterministic hash-based embedder for tests. Identical text
// always maps to the identical vector, so similarity assertions are stable.
type Mock struct {
	Dim int
}

var _ harborseal.Embedder = Mock{}

func (m Mock) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = m.embed(text)
	}
	return vectors, nil
}

func (m Mock) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return m.embed(text), nil
}

func (Mock) Model() string {
	return "mock"
}

func (m Mock) embed(text string) []float32 {
	dim := m.Dim
	if dim <= 0 {
		dim = 768
	}
	vector := make([]float32, dim)
	hash := simpleHash(text)
	for i := range vector {
		vector[i] = float32((hash>>(i%32))&1)*2 - 1
	}
	return vector
}

func simpleHash(text string) uint32 {
	hash := uint32(2166136261)
	for _, c := range text {
		hash ^= uint32(c)
		hash *= 16777619
	}
	return hash
}
