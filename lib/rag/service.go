package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	harborseal "github.com/holmes89/harbor-seal/lib"
	"github.com/holmes89/harbor-seal/lib/metrics"
)

// NoDocumentsAnswer is returned without calling the language model when a
// namespace has no retrievable chunks for the question.
const NoDocumentsAnswer = "No indexed documents were found for this namespace. Upload and index documents before asking questions."

// Registry exposes the embedding models recorded for a namespace.
type Registry interface {
	DistinctEmbedModels(ctx context.Context, namespace string) ([]string, error)
}

// Searcher runs similarity queries over the chunk index.
type Searcher interface {
	Search(ctx context.Context, namespace string, query []float32, limit int) ([]harborseal.SearchResult, error)
}

// Service answers questions with retrieval-augmented generation over a
// namespace's indexed chunks.
type Service struct {
	registry        Registry
	searcher        Searcher
	embedder        harborseal.Embedder
	llm             llms.Model
	cache           Cache
	topKDefault     int
	topKMax         int
	generateTimeout time.Duration
	logger          *zap.Logger
}

var _ harborseal.AskService = (*Service)(nil)

func NewService(registry Registry, searcher Searcher, embedder harborseal.Embedder, llm llms.Model, cache Cache, topKDefault, topKMax int, generateTimeout time.Duration, logger *zap.Logger) *Service {
	if cache == nil {
		cache = NoopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:        registry,
		searcher:        searcher,
		embedder:        embedder,
		llm:             llm,
		cache:           cache,
		topKDefault:     topKDefault,
		topKMax:         topKMax,
		generateTimeout: generateTimeout,
		logger:          logger,
	}
}

// Ask embeds the question, retrieves the nearest chunks in the namespace
// and generates an answer grounded on them. A top_k of zero means the
// configured default; values above the maximum are clamped down.
func (s *Service) Ask(ctx context.Context, namespace, question string, topK int) (*harborseal.Answer, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, harborseal.E(harborseal.KindValidation, "namespace is required")
	}
	if strings.TrimSpace(question) == "" {
		return nil, harborseal.E(harborseal.KindValidation, "question must not be blank")
	}
	if topK < 0 {
		return nil, harborseal.E(harborseal.KindValidation, "top_k must not be negative")
	}
	if topK == 0 {
		topK = s.topKDefault
	}
	if topK > s.topKMax {
		topK = s.topKMax
	}

	if err := s.checkEmbedModel(ctx, namespace); err != nil {
		return nil, err
	}

	key := cacheKey(question, topK)
	if answer, ok := s.cache.Get(ctx, namespace, key); ok {
		metrics.QuestionsAsked.WithLabelValues("cached").Inc()
		return answer, nil
	}

	query, err := s.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, err
	}

	results, err := s.searcher.Search(ctx, namespace, query, topK)
	if err != nil {
		return nil, harborseal.Wrap(harborseal.KindStorage, "similarity search", err)
	}
	if len(results) == 0 {
		metrics.QuestionsAsked.WithLabelValues("empty_index").Inc()
		return &harborseal.Answer{Text: NoDocumentsAnswer}, nil
	}

	text, err := s.generate(ctx, question, results)
	if err != nil {
		return nil, err
	}

	answer := &harborseal.Answer{Text: text, Sources: results}
	s.cache.Set(ctx, namespace, key, answer)
	metrics.QuestionsAsked.WithLabelValues("answered").Inc()
	s.logger.Info("answered question",
		zap.String("namespace", namespace),
		zap.Int("top_k", topK),
		zap.Int("sources", len(results)))
	return answer, nil
}

// checkEmbedModel rejects questions against a namespace whose chunks were
// embedded with a different model than the one configured now. Distances
// between vectors from different models are meaningless.
func (s *Service) checkEmbedModel(ctx context.Context, namespace string) error {
	models, err := s.registry.DistinctEmbedModels(ctx, namespace)
	if err != nil {
		return harborseal.Wrap(harborseal.KindStorage, "read namespace embedding models", err)
	}
	for _, m := range models {
		if m != s.embedder.Model() {
			return harborseal.Ef(harborseal.KindValidation,
				"namespace was indexed with embedding model %q but the server is configured with %q, re-index the documents", m, s.embedder.Model())
		}
	}
	return nil
}

func (s *Service) generate(ctx context.Context, question string, results []harborseal.SearchResult) (string, error) {
	var prompt strings.Builder
	prompt.WriteString("Answer the question using only the context below. ")
	prompt.WriteString("If the context does not contain the answer, say so.\n\n")
	prompt.WriteString("Context:\n")
	for _, r := range results {
		fmt.Fprintf(&prompt, "From %s: %s\n\n", r.Filename, r.Text)
	}
	fmt.Fprintf(&prompt, "Question: %s\n", question)

	genCtx, cancel := context.WithTimeout(ctx, s.generateTimeout)
	defer cancel()

	response, err := s.llm.GenerateContent(genCtx, []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextContent{Text: prompt.String()},
			},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", harborseal.Wrap(harborseal.KindTimeout, "generation service timed out", err)
		}
		return "", harborseal.Wrap(harborseal.KindGeneration, "generate answer", err)
	}

	var text strings.Builder
	for _, choice := range response.Choices {
		text.WriteString(choice.Content)
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", harborseal.E(harborseal.KindGeneration, "generation service returned an empty answer")
	}
	return text.String(), nil
}
