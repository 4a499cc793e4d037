// Package embedding adapts langchaingo embedders to the service interface,
// adding bounded timeouts and the error taxonomy.
package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"

	harborseal "github.com/holmes89/harbor-seal/lib"
)

type Service struct {
	embedder embeddings.Embedder
	model    string
	timeout  time.Duration
}

var _ harborseal.Embedder = (*Service)(nil)

// NewOllama creates an embedder backed by an ollama model. The timeout
// bounds every upstream call so callers never hold per-document locks
// waiting on a stuck embedding service.
func NewOllama(host, model string, timeout time.Duration) (*Service, error) {
	llm, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(host))
	if err != nil {
		return nil, harborseal.Wrap(harborseal.KindEmbedding, "create ollama client", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, harborseal.Wrap(harborseal.KindEmbedding, "create embedder", err)
	}
	return New(embedder, model, timeout), nil
}

// New wraps any langchaingo embedder.
func New(embedder embeddings.Embedder, model string, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Service{embedder: embedder, model: model, timeout: timeout}
}

func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classify(err, "embed documents")
	}
	if len(vectors) != len(texts) {
		return nil, harborseal.Ef(harborseal.KindEmbedding, "embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, classify(err, "embed query")
	}
	if len(vector) == 0 {
		return nil, harborseal.E(harborseal.KindEmbedding, "empty embedding returned for query")
	}
	return vector, nil
}

func (s *Service) Model() string {
	return s.model
}

func classify(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return harborseal.Wrap(harborseal.KindTimeout, "embedding service timed out", err)
	}
	return harborseal.Wrap(harborseal.KindEmbedding, op, err)
}
